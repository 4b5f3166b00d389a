package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gwi.com/prefs-assistant/internal/assistant"
	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/config"
	"gwi.com/prefs-assistant/internal/logger"
	"gwi.com/prefs-assistant/internal/preferences"
	"gwi.com/prefs-assistant/internal/session"
)

// app is everything one invocation needs, wired from config.
type app struct {
	log          *logger.Logger
	sessions     *session.Manager
	prefs        *preferences.Store
	conversation *assistant.Conversation
	release      func() error
}

func openApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	creds, release, err := cfg.OpenCredentialStore()
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	client, err := backend.New(backend.Options{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout(), Logger: log})
	if err != nil {
		release()
		return nil, err
	}

	sessions := session.New(client, creds, session.WithLogger(log))
	opts := []preferences.Option{preferences.WithLogger(log)}
	if cfg.StaleGuard {
		opts = append(opts, preferences.WithStaleGuard())
	}
	prefs := preferences.New(client, sessions, opts...)
	a := &app{
		log:          log,
		sessions:     sessions,
		prefs:        prefs,
		conversation: assistant.NewConversation(assistant.NewChannel(client, sessions, log), prefs, log),
		release:      release,
	}
	sessions.Bootstrap(ctx)
	return a, nil
}

func (a *app) Close() {
	a.prefs.Close()
	if err := a.release(); err != nil {
		a.log.Warn("failed to release credential store", "error", err)
	}
	a.log.Sync()
}

type rootOptions struct {
	apiURL  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "prefsctl",
		Short: "Manage your preferences from the terminal",
		Long: `prefsctl signs in to the preferences backend, reads and changes your theme,
language and notification settings, and talks to the assistant.

The credential is kept between invocations in the configured credential store
(CREDENTIAL_BACKEND, CREDENTIAL_PATH).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "Backend base URL (or set API_URL env)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(
		newLoginCmd(opts),
		newRegisterCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newPrefsCmd(opts),
		newChatCmd(opts),
	)
	return rootCmd
}

type runFunc func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error

// withApp loads config, opens the app for the duration of fn and closes it afterwards.
func withApp(opts *rootOptions, fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if opts.apiURL != "" {
			cfg.APIURL = opts.apiURL
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		log := logger.NewNop()
		if opts.verbose {
			if log, err = logger.New("development"); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a, args)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
