package main

import (
	"context"
	"flag"
	"nightguard/guard"
	"nightguard/guard/defs"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "f", "config.yaml", "config file")
	flag.Parse()
}

func main() {
	logger, _ := zap.NewDevelopment()
	config := defs.Config{Logger: logger}

	file, err := os.ReadFile(configFile)
	if err != nil {
		panic(err)
	}

	if err = yaml.Unmarshal(file, &config); err != nil {
		panic(err)
	}

	logger.Debug("loaded config file",
		zap.String("nightscout", config.Nightscout.URI),
		zap.String("storage", config.Storage.Driver),
		zap.String("addr", config.HTTP.Addr),
	)

	s, err := guard.New(config)
	if err != nil {
		logger.Fatal("unable to set up server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
