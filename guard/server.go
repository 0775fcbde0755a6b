package guard

import (
	"context"
	"fmt"
	"nightguard/guard/defs"
	"nightguard/guard/pkg/cache"
	"nightguard/guard/pkg/discgo"
	"nightguard/guard/pkg/http"
	"nightguard/guard/pkg/lite"
	"nightguard/guard/pkg/mg"
	"nightguard/guard/pkg/nightscout"
	"nightguard/guard/pkg/prefs"
	"nightguard/guard/pkg/repo"
	"time"

	"go.uber.org/zap"
)

const defaultAddr = ":8080"

type Server struct {
	Cache    *cache.Cache
	Settings *Settings
	HTTP     *http.HttpServer
	Discord  *discgo.Discord
	Glucose  defs.GlucoseConfig
	Addr     string
	Logger   *zap.Logger
	Location *time.Location

	closeStore func(ctx context.Context) error
}

func newStore(ctx context.Context, config defs.StorageConfig, logger *zap.Logger) (repo.KeyValueStore, func(context.Context) error, error) {
	switch config.Driver {
	case "mongo":
		ms, err := mg.New(ctx, config.Mongo, defs.DefaultDB, logger)
		if err != nil {
			return nil, nil, err
		}
		return ms, ms.Close, nil
	case "", "sqlite":
		path := config.Path
		if path == "" {
			path = defs.DefaultDB + ".db"
		}
		ls, err := lite.New(path, logger)
		if err != nil {
			return nil, nil, err
		}
		return ls, func(context.Context) error { return ls.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", config.Driver)
	}
}

func New(config defs.Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defs.RequestTimeout)
	defer cancel()

	var err error

	loc := time.Local
	if config.Timezone != "" {
		loc, err = time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, err
		}
	}

	kv, closeStore, err := newStore(ctx, config.Storage, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("unable to open storage: %w", err)
	}

	ps, err := prefs.Load(ctx, kv, config.Logger)
	if err != nil {
		return nil, err
	}

	newBackend := NightscoutBackendFactory(config.Nightscout.APISecret, config.Logger)

	var source nightscout.Source
	if uri := ps.Preferences().BaseURI; uri != "" {
		backend, err := newBackend(uri)
		if err != nil {
			return nil, err
		}
		source = backend
	}

	c := cache.New(ctx, cache.Config{
		Source:      source,
		Repository:  repo.New(kv, config.Logger),
		Preferences: ps,
		Location:    loc,
		Logger:      config.Logger,
	})

	settings := &Settings{
		Prefs:      ps,
		Cache:      c,
		NewBackend: newBackend,
		Logger:     config.Logger,
	}
	// A URL saved through the API wins over the one in the config file.
	if uri := config.Nightscout.URI; uri != "" && source == nil {
		if _, err := settings.ChangeNightscoutURL(ctx, uri); err != nil {
			config.Logger.Warn("unable to connect to configured nightscout", zap.String("uri", uri), zap.Error(err))
		}
	}

	var dg *discgo.Discord
	if config.Discord.Token != "" {
		dg, err = discgo.New(ctx, config.Discord.Token, config.Discord.Guild, config.Logger, loc)
		if err != nil {
			return nil, err
		}
		if err = dg.Setup(); err != nil {
			return nil, err
		}
	}

	addr := config.HTTP.Addr
	if addr == "" {
		addr = defaultAddr
	}

	config.Logger.Debug("finished server setup",
		zap.String("nightscout", ps.Preferences().BaseURI),
		zap.String("storage", config.Storage.Driver),
		zap.Bool("discord", dg != nil),
		zap.String("addr", addr),
	)

	return &Server{
		Cache:      c,
		Settings:   settings,
		HTTP:       http.New(c, settings, config.Glucose, loc, config.Logger),
		Discord:    dg,
		Glucose:    config.Glucose.OrDefault(),
		Addr:       addr,
		Logger:     config.Logger,
		Location:   loc,
		closeStore: closeStore,
	}, nil
}

// ExecuteTask runs task right away and then on every tick until ctx is done.
func ExecuteTask(ctx context.Context, interval time.Duration, task func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Server) Refresh() {
	r := Refresher{Cache: s.Cache, Prefs: s.Settings, Logger: s.Logger}
	r.Refresh()
}

func (s *Server) UpdateDiscord() {
	du := DisplayUpdater{
		Display:  s.Discord,
		Cache:    s.Cache,
		Prefs:    s.Settings,
		Glucose:  s.Glucose,
		Logger:   s.Logger,
		Location: s.Location,
	}
	if err := du.Update(); err != nil {
		s.Logger.Debug("unable to update display", zap.Error(err))
	}
}

// Run serves the API and keeps the cache warm until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	go ExecuteTask(ctx, defs.RefresherInterval, s.Refresh)
	if s.Discord != nil {
		go ExecuteTask(ctx, defs.UpdaterInterval, s.UpdateDiscord)
	}

	return s.HTTP.Serve(ctx, s.Addr)
}

func (s *Server) Close() {
	s.Cache.Close()
	if s.Discord != nil {
		if err := s.Discord.Close(); err != nil {
			s.Logger.Debug("unable to close discord session", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defs.TimeoutInterval)
	defer cancel()
	if err := s.closeStore(ctx); err != nil {
		s.Logger.Debug("unable to close storage", zap.Error(err))
	}
}
