// cmd/poolgate/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/poolgate/internal/api"
	"github.com/FairForge/poolgate/internal/config"
	"github.com/FairForge/poolgate/internal/database"
	"github.com/FairForge/poolgate/internal/metrics"
	"github.com/FairForge/poolgate/internal/pool"
	"github.com/FairForge/poolgate/internal/registry"
)

func main() {
	configPath := flag.String("config", "poolgate.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet; fall back to stderr.
		zap.NewExample().Fatal("loading config", zap.Error(err))
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	collector := metrics.NewCollector()
	reg := registry.New(func(ep config.Endpoint) (pool.Dialer, error) {
		return database.NewDialer(ep)
	}, database.ReplicationLag, collector, logger)

	for _, gc := range cfg.Groups {
		if _, err := reg.Register(gc); err != nil {
			logger.Fatal("registering group", zap.String("group", gc.Name), zap.Error(err))
		}
	}

	watcher, err := config.Watch(*configPath, reg.ApplyConfig, logger)
	if err != nil {
		logger.Fatal("watching config", zap.Error(err))
	}

	server := api.NewServer(cfg.Server, reg, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		if err := watcher.Close(); err != nil {
			logger.Error("watcher close", zap.Error(err))
		}
		reg.CloseAll()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		logger.Fatal("ops server failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
