package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pastebin/internal/config"
	"pastebin/internal/httpserver"
	"pastebin/internal/id"
	"pastebin/internal/paste"
	"pastebin/internal/storage/backend"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional, environment wins)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.NewLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed opening data store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing data store", "error", err)
		}
	}()

	svc, err := paste.New(paste.Config{
		Store:           store,
		IDGenerator:     id.New(cfg.IDLength),
		MaxContentBytes: cfg.MaxContentBytes,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to construct paste service", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := httpserver.New(httpserver.Config{
		Service:        svc,
		TrustProxy:     cfg.TrustProxy,
		BaseURL:        cfg.BaseURL,
		AllowedOrigins: []string{cfg.FrontendURL},
		TestMode:       cfg.TestMode,
		EnableMetrics:  cfg.EnableMetrics,
		Registry:       registry,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to construct server", "error", err)
		os.Exit(1)
	}

	if cfg.JanitorInterval > 0 {
		paste.StartJanitor(ctx, store, cfg.JanitorInterval, logger)
	}
	if cfg.TestMode {
		logger.Warn("test mode enabled, clock can be overridden per request", "header", httpserver.TestNowHeader)
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	srvHTTP := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "store", cfg.Store, "env", cfg.Env)
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	case err := <-errCh:
		logger.Error("http server error", "error", err)
		_ = store.Close()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
