package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/config"
	"github.com/agentworkforce/tabsync/internal/httpapi"
	"github.com/agentworkforce/tabsync/internal/persistence"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	bootLogger := telemetry.NewLogger(os.Stderr, os.Getenv("TABSYNC_LOG_LEVEL"))
	cfg, err := config.Load(bootLogger)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel)

	stateDSN, err := resolveStateDSN(cfg.Hub.StateDSN, os.Getenv("TABSYNC_BACKEND_PROFILE"), os.Getenv("TABSYNC_DATA_DIR"), os.Getenv("TABSYNC_POSTGRES_DSN"))
	if err != nil {
		log.Fatalf("failed to resolve state backend: %v", err)
	}
	var backend persistence.Backend
	if stateDSN != "" {
		backend, err = persistence.BuildBackendFromDSN(stateDSN, logger)
		if err != nil {
			log.Fatalf("failed to initialize state backend: %v", err)
		}
		defer backend.Close()
	} else {
		logger.Warn().Msg("no state backend configured; the state route will answer 503")
	}

	server := httpapi.NewServerWithConfig(backend, httpapi.ServerConfig{
		JWTSecret:          cfg.Hub.JWTSecret,
		InternalHMACSecret: cfg.Hub.InternalHMACSecret,
		InternalMaxSkew:    cfg.Hub.InternalMaxSkew,
		RateLimitMax:       cfg.Hub.RateLimitMax,
		RateLimitWindow:    cfg.Hub.RateLimitWindow,
		MaxBodyBytes:       cfg.Hub.MaxBodyBytes,
		MaxFrameBytes:      cfg.Hub.MaxFrameBytes,
		Logger:             logger,
		Metrics:            telemetry.NewMetrics(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg.Hub.Addr, server, logger); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// serve runs handler on addr until ctx is done, then drains in-flight
// requests for up to shutdownTimeout.
func serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("tabsync hub listening")
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("tabsync hub shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// resolveStateDSN picks the state backend: an explicit DSN wins, otherwise
// the backend profile decides. An empty result means no backend.
func resolveStateDSN(explicit, profile, dataDir, postgresDSN string) (string, error) {
	if dsn := strings.TrimSpace(explicit); dsn != "" {
		return dsn, nil
	}
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".tabsync"
	}
	profile = strings.ToLower(strings.TrimSpace(profile))
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.ToSlash(filepath.Join(dataDir, "state.db")), nil
	case "file":
		return dataDir, nil
	case "production", "prod":
		dsn := strings.TrimSpace(postgresDSN)
		if dsn == "" {
			return "", fmt.Errorf("TABSYNC_POSTGRES_DSN is required when TABSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported TABSYNC_BACKEND_PROFILE: %s", profile)
	}
}
