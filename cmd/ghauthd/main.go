// Command ghauthd runs the authentication service: GitHub OAuth login,
// session management, and webhook intake for the dashboard.
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

	"github.com/gitboard/ghauth"
	"github.com/gitboard/ghauth/instrumentation"
	"github.com/gitboard/ghauth/providers/github"
	"github.com/gitboard/ghauth/storage"
	"github.com/gitboard/ghauth/storage/memory"
	"github.com/gitboard/ghauth/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ghauthd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := ghauth.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	provider, err := github.NewProvider(&github.Config{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURL:  cfg.CallbackURL(),
	})
	if err != nil {
		return fmt.Errorf("create github provider: %w", err)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "ghauthd",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Error("instrumentation shutdown failed", "error", err)
		}
	}()

	srv, err := ghauth.NewServer(cfg, provider, store, inst, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.ListenAddr,
			"environment", cfg.Environment,
			"callback_url", cfg.CallbackURL(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(cfg *ghauth.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.StoragePath == "" {
		logger.Info("using in-memory storage; sessions are lost on restart")
		return memory.New(logger), nil
	}
	logger.Info("using sqlite storage", "path", cfg.StoragePath)
	return sqlite.Open(cfg.StoragePath)
}

func newLogger(cfg *ghauth.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Environment == ghauth.EnvDevelopment {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
