package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bnetd/bnetd/internal/api"
	"github.com/bnetd/bnetd/internal/config"
	"github.com/bnetd/bnetd/internal/db"
	"github.com/bnetd/bnetd/internal/health"
	"github.com/bnetd/bnetd/internal/metrics"
	"github.com/bnetd/bnetd/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/bnetd.yaml", "path to configuration file")
	flag.Parse()

	// .env is optional; config values can reference its variables.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Log.SlogLevel())
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(log)
	log.Info("bnetd starting", "config", *configPath)

	m := metrics.New()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := db.New(ctx, db.Config{
		ConnInfo:       cfg.Database.ConnInfo,
		Size:           cfg.Database.PoolSize,
		Workers:        cfg.Database.Workers,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, log)
	cancel()
	if err != nil {
		log.Error("failed to open database pool", "err", err)
		os.Exit(1)
	}
	pool.OnQuery = m.ObserveQuery

	checker := health.NewChecker(pool, m, log, cfg.Database.HealthInterval)
	checker.Start()

	// Publish pool accounting to Prometheus on a short interval.
	statsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdatePoolStats(pool.Stats())
			case <-statsStop:
				return
			}
		}
	}()

	srv := server.New(server.Config{
		Addr:        cfg.Listen.LobbyAddr(),
		Version:     cfg.Game.Version,
		Banner:      cfg.Game.Banner,
		PingTimeout: cfg.Game.PingTimeout,
	}, db.NewAccountStore(pool), pool, m, log)

	if err := srv.Listen(); err != nil {
		log.Error("failed to start lobby", "err", err)
		pool.Shutdown(context.Background())
		os.Exit(1)
	}

	apiServer := api.NewServer(srv, pool, checker, m, *cfg, log)
	if err := apiServer.Start(); err != nil {
		log.Error("failed to start admin api", "err", err)
		srv.Stop()
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		srv.SetBanner(newCfg.Game.Banner)
		levelVar.Set(newCfg.Log.SlogLevel())
	})
	if err != nil {
		log.Warn("config hot-reload not available", "err", err)
	}

	log.Info("bnetd ready", "lobby", cfg.Listen.LobbyAddr(), "api", cfg.Listen.APIAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	if watcher != nil {
		_ = watcher.Stop()
	}
	close(statsStop)
	_ = apiServer.Stop()
	checker.Stop()
	srv.Stop() // closes sessions, then the DB pool

	log.Info("bnetd stopped")
}
