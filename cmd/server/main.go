package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gwi.com/prefs-assistant/internal/api"
	"gwi.com/prefs-assistant/internal/assistant"
	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/config"
	"gwi.com/prefs-assistant/internal/logger"
	"gwi.com/prefs-assistant/internal/preferences"
	"gwi.com/prefs-assistant/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		log.Sync()
		os.Exit(1)
	}
	log.Info("server exiting gracefully")
}

func run(cfg *config.Config, log *logger.Logger) error {
	creds, release, err := cfg.OpenCredentialStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer release()

	client, err := backend.New(backend.Options{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout(), Logger: log})
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	sessions := session.New(client, creds, session.WithLogger(log))
	prefOpts := []preferences.Option{preferences.WithLogger(log)}
	if cfg.StaleGuard {
		prefOpts = append(prefOpts, preferences.WithStaleGuard())
	}
	prefs := preferences.New(client, sessions, prefOpts...)
	defer prefs.Close()

	conversation := assistant.NewConversation(assistant.NewChannel(client, sessions, log), prefs, log)
	apiHandler := api.NewAPIHandler(sessions, prefs, conversation, log)
	defer apiHandler.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	state := sessions.Bootstrap(bootCtx)
	cancel()
	log.Info("session resolved", "state", state.String(), "backend", cfg.APIURL)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     api.NewRouter(apiHandler, log),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /api/events is a long-lived stream.
		IdleTimeout: 120 * time.Second,
		// Requests inherit the signal context so open event streams end on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server, press Ctrl+C to quit", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", serverAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
