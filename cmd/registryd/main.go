// Command registryd serves a findswarm registry over HTTP so that several
// findswarm processes can share one view of the worker pool.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/findswarm/internal/config"
	"github.com/dreamware/findswarm/internal/logging"
	"github.com/dreamware/findswarm/internal/registry"
)

func main() {
	cfg, err := config.Load(getenv("REGISTRY_CONFIG", ""), nil)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	addr := getenv("REGISTRY_ADDR", cfg.Registry.Listen)

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := registry.NewMemoryRegistry(registry.WithVisibilityDelay(cfg.Registry.VisibilityDelay))
	httpSrv := newServer(addr, reg, logger)

	go func() {
		logger.Info("registry listening", "addr", addr, "visibility_delay", cfg.Registry.VisibilityDelay)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	logger.Info("registry stopped", "entries", reg.Len())
}

func newServer(addr string, reg registry.Registry, logger logging.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           registry.NewHandler(reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
