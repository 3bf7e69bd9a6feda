// Command registryproxy runs the caching OCI/Docker registry proxy: it
// loads its TOML config, opens the blob cache, starts the eviction loop,
// and serves the read-only registry surface until signalled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/danielloader/registryproxy/internal/cache"
	"github.com/danielloader/registryproxy/internal/config"
	"github.com/danielloader/registryproxy/internal/registry"
	"github.com/danielloader/registryproxy/internal/upstream"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "CONFIG_PATH is required (path to the proxy's TOML config file)")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	blobCache, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to open blob cache", "directory", cfg.Cache.Directory, "error", err)
		os.Exit(1)
	}
	defer blobCache.Close()
	blobCache.StartEvictionLoop()

	handlers := &registry.Handlers{
		Config:   cfg,
		Cache:    blobCache,
		Upstream: upstream.New(),
	}
	router := registry.NewRouter(handlers, cfg.Auth.JWTSecret)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(router, h2s),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
