package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"watchparty/internal/config"
	"watchparty/internal/httpapi"
	"watchparty/internal/hub"
	"watchparty/internal/registry"
	"watchparty/internal/room"
	"watchparty/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	slog.Info("starting server", "version", Version, "addr", cfg.Addr)

	store := room.NewStore()
	reg := registry.New()
	router := hub.NewRouter(store, reg)
	lifecycle := hub.NewLifecycle(store, cfg.DrainAfter, cfg.SweepEvery, cfg.IdleAfter)
	limiter := ws.NewConnLimiter(cfg.MaxConnsPerIP)
	wsHandler := ws.NewHandler(router, lifecycle, limiter)

	server := httpapi.New(store, reg, wsHandler, cfg.ICEServers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go lifecycle.Run(ctx)

	slog.Info("listening", "addr", cfg.Addr)
	if err := server.Run(ctx, cfg.Addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
