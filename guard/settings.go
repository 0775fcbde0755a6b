package guard

import (
	"context"
	"fmt"
	"nightguard/guard/defs"
	"nightguard/guard/pkg/nightscout"
	"nightguard/guard/pkg/prefs"
	"strings"

	"go.uber.org/zap"
)

// Backend is what a nightscout connection offers the settings: the data
// source for the cache plus the status used to detect units.
type Backend interface {
	nightscout.Source
	nightscout.StatusReader
}

// BackendFactory connects to the nightscout instance at uri.
type BackendFactory func(uri string) (Backend, error)

type sourceResetter interface {
	Reset(ctx context.Context, source nightscout.Source) error
}

// Settings owns every preference change that affects the backend
// connection. Switching the URL resets the cache and re-detects the units.
type Settings struct {
	Prefs      *prefs.Store
	Cache      sourceResetter
	NewBackend BackendFactory
	Logger     *zap.Logger
}

func NightscoutBackendFactory(apiSecret string, logger *zap.Logger) BackendFactory {
	return func(uri string) (Backend, error) {
		client, err := nightscout.New(uri, apiSecret, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func (s *Settings) Preferences() defs.Preferences {
	return s.Prefs.Preferences()
}

// UpdatePreferences saves p. The URI history is managed here and cannot be
// overwritten by the caller, and an empty base URI keeps the current one;
// disconnecting goes through ChangeNightscoutURL. Changes to the base URI or
// the unit handling reconnect the backend.
func (s *Settings) UpdatePreferences(ctx context.Context, p defs.Preferences) (defs.Preferences, error) {
	old := s.Prefs.Preferences()
	if strings.TrimSpace(p.BaseURI) == "" {
		p.BaseURI = old.BaseURI
	}

	reconnect := prefs.AddProtocolPartIfMissing(strings.TrimSpace(p.BaseURI)) != old.BaseURI ||
		p.ManuallySetUnits != old.ManuallySetUnits ||
		(p.ManuallySetUnits && p.Units != old.Units)

	updated, err := s.Prefs.Update(ctx, func(cur *defs.Preferences) {
		history := cur.NightscoutURIs
		baseURI := cur.BaseURI
		*cur = p
		cur.NightscoutURIs = history
		cur.BaseURI = baseURI
		if cur.Units == "" {
			cur.Units = old.Units
		}
	})
	if err != nil {
		return updated, err
	}

	if !reconnect {
		return updated, nil
	}
	return s.ChangeNightscoutURL(ctx, p.BaseURI)
}

// SetManualUnits switches unit detection on or off and reconnects.
func (s *Settings) SetManualUnits(ctx context.Context, manual bool) (defs.Preferences, error) {
	p, err := s.Prefs.Update(ctx, func(p *defs.Preferences) {
		p.ManuallySetUnits = manual
	})
	if err != nil {
		return p, err
	}
	return s.ChangeNightscoutURL(ctx, p.BaseURI)
}

// SetUnits pins the units, which turns off detection through the backend.
func (s *Settings) SetUnits(ctx context.Context, units defs.Units) (defs.Preferences, error) {
	p, err := s.Prefs.Update(ctx, func(p *defs.Preferences) {
		p.Units = units
		p.ManuallySetUnits = true
	})
	if err != nil {
		return p, err
	}
	return s.ChangeNightscoutURL(ctx, p.BaseURI)
}

// ChangeNightscoutURL points nightguard at uri. The new URI is saved and the
// cache dropped right away. Unless the units are pinned they are read from
// the backend status, and only a reachable backend is added to the history.
func (s *Settings) ChangeNightscoutURL(ctx context.Context, uri string) (defs.Preferences, error) {
	uri = prefs.AddProtocolPartIfMissing(strings.TrimSpace(uri))

	p, err := s.Prefs.Update(ctx, func(p *defs.Preferences) {
		p.BaseURI = uri
	})
	if err != nil {
		return p, err
	}

	var backend Backend
	if uri != "" {
		backend, err = s.NewBackend(uri)
		if err != nil {
			s.Logger.Debug("unable to create backend", zap.String("uri", uri), zap.Error(err))
		}
	}

	var source nightscout.Source
	if backend != nil {
		source = backend
	}
	if rerr := s.Cache.Reset(ctx, source); rerr != nil {
		return p, fmt.Errorf("unable to reset cache: %w", rerr)
	}

	if err != nil {
		return p, err
	}
	if backend == nil {
		return p, nil
	}

	units := p.Units
	if !p.ManuallySetUnits {
		units, err = backend.ReadStatus(ctx)
		if err != nil {
			return p, fmt.Errorf("unable to read status from %s: %w", uri, err)
		}
	}

	p, err = s.Prefs.Update(ctx, func(p *defs.Preferences) {
		p.Units = units
		p.NightscoutURIs = prefs.AddURIToHistory(p.NightscoutURIs, uri)
	})
	if err != nil {
		return p, err
	}

	s.Logger.Info("changed nightscout url",
		zap.String("uri", uri),
		zap.String("units", units.String()),
		zap.Strings("history", p.NightscoutURIs),
	)
	return p, nil
}
