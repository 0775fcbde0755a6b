package prefs

import (
	"context"
	"fmt"
	"nightguard/guard/defs"
	"nightguard/guard/pkg/repo"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Store keeps the preferences in memory and writes every change through to
// the key/value store.
type Store struct {
	Logger *zap.Logger

	kv    repo.KeyValueStore
	mu    sync.RWMutex
	prefs defs.Preferences
}

// Load reads the stored preferences, falling back to the defaults.
func Load(ctx context.Context, kv repo.KeyValueStore, logger *zap.Logger) (*Store, error) {
	p := defs.DefaultPreferences()
	found, err := kv.Get(ctx, repo.PreferencesKey, &p)
	if err != nil {
		return nil, fmt.Errorf("unable to load preferences: %w", err)
	}
	if !found {
		p = defs.DefaultPreferences()
	}
	if p.Units == "" {
		p.Units = defs.Mgdl
	}
	if p.NightscoutURIs == nil {
		p.NightscoutURIs = []string{}
	}

	logger.Debug("loaded preferences",
		zap.Bool("found", found),
		zap.String("base uri", p.BaseURI),
		zap.String("units", p.Units.String()),
	)
	return &Store{Logger: logger, kv: kv, prefs: p}, nil
}

func (s *Store) Preferences() defs.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs.Clone()
}

// Update applies fn to a copy of the preferences and saves the result.
func (s *Store) Update(ctx context.Context, fn func(p *defs.Preferences)) (defs.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.prefs.Clone()
	fn(&p)
	if err := Validate(p); err != nil {
		return s.prefs.Clone(), err
	}
	if err := s.kv.Put(ctx, repo.PreferencesKey, p); err != nil {
		return s.prefs.Clone(), fmt.Errorf("unable to save preferences: %w", err)
	}
	s.prefs = p
	return p.Clone(), nil
}

// Validate rejects units and idle timeouts that cannot be selected.
func Validate(p defs.Preferences) error {
	if p.Units != defs.Mgdl && p.Units != defs.Mmol {
		return fmt.Errorf("invalid units %q", p.Units)
	}
	if !ValidDimScreenOption(p.DimScreenWhenIdle) {
		return fmt.Errorf("invalid dim screen option %d, expected one of %v", p.DimScreenWhenIdle, defs.DimScreenOptions)
	}
	if len(p.NightscoutURIs) > defs.MaxNightscoutURIs {
		return fmt.Errorf("at most %d nightscout uris are kept", defs.MaxNightscoutURIs)
	}
	return nil
}

func ValidDimScreenOption(minutes int) bool {
	for _, m := range defs.DimScreenOptions {
		if m == minutes {
			return true
		}
	}
	return false
}

// AddProtocolPartIfMissing prefixes "https://" when uri looks like a host or
// path but names no protocol.
func AddProtocolPartIfMissing(uri string) string {
	if strings.ContainsAny(uri, "/.:") && !strings.Contains(uri, "http") {
		return "https://" + uri
	}
	return uri
}

// AddURIToHistory puts uri in front of the history unless it is already
// known, keeping the newest five.
func AddURIToHistory(uris []string, uri string) []string {
	if uri == "" {
		return uris
	}
	for _, u := range uris {
		if u == uri {
			return uris
		}
	}

	updated := append([]string{uri}, uris...)
	if len(updated) > defs.MaxNightscoutURIs {
		updated = updated[:defs.MaxNightscoutURIs]
	}
	return updated
}
