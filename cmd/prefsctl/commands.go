package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"gwi.com/prefs-assistant/internal/assistant"
	"gwi.com/prefs-assistant/internal/backend"
)

var errNotSignedIn = errors.New("not signed in, run 'prefsctl login' first")

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the credential",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if password == "" {
				var err error
				if password, err = promptPassword(cmd, "Password: "); err != nil {
					return err
				}
			}
			user, err := a.sessions.Login(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", user.Username)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when omitted)")
	cmd.MarkFlagRequired("username")
	return cmd
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var username, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if password == "" {
				var err error
				if password, err = promptPassword(cmd, "Password: "); err != nil {
					return err
				}
			}
			user, err := a.sessions.Register(ctx, username, email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered and signed in as %s\n", user.Username)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (required)")
	cmd.Flags().StringVarP(&email, "email", "e", "", "Email (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when omitted)")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			a.sessions.Logout(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		}),
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			user := a.sessions.User()
			if user == nil {
				return errNotSignedIn
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\n", user.Username, user.Email)
			return nil
		}),
	}
}

func newPrefsCmd(opts *rootOptions) *cobra.Command {
	prefsCmd := &cobra.Command{
		Use:   "prefs",
		Short: "Read or change preferences",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show current preferences",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if !a.sessions.IsAuthenticated() {
				return errNotSignedIn
			}
			if err := a.prefs.Activate(ctx); err != nil {
				return err
			}
			printPreferences(cmd.OutOrStdout(), a.prefs.Current())
			return nil
		}),
	}

	var theme, language string
	var notifications bool
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change one or more preferences",
		Example: `  prefsctl prefs set --theme dark
  prefsctl prefs set --language spanish --notifications=false`,
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if !a.sessions.IsAuthenticated() {
				return errNotSignedIn
			}
			var patch backend.PreferencesPatch
			if cmd.Flags().Changed("theme") {
				t := backend.Theme(strings.ToLower(theme))
				patch.Theme = &t
			}
			if cmd.Flags().Changed("language") {
				l := backend.Language(strings.ToLower(language))
				patch.Language = &l
			}
			if cmd.Flags().Changed("notifications") {
				patch.Notifications = &notifications
			}
			prefs, err := a.prefs.Set(ctx, patch)
			if err != nil {
				return err
			}
			printPreferences(cmd.OutOrStdout(), prefs)
			return nil
		}),
	}
	setCmd.Flags().StringVar(&theme, "theme", "", "light or dark")
	setCmd.Flags().StringVar(&language, "language", "", "english, spanish or indonesia")
	setCmd.Flags().BoolVar(&notifications, "notifications", true, "Enable notifications")

	prefsCmd.AddCommand(getCmd, setCmd)
	return prefsCmd
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant",
		Long: `With a message, sends it and prints the reply. Without one, starts an
interactive session; type /help for suggestions, /reset to clear, /quit to leave.`,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if !a.sessions.IsAuthenticated() {
				return errNotSignedIn
			}
			if len(args) > 0 {
				return chatTurn(ctx, cmd.OutOrStdout(), a.conversation, strings.Join(args, " "))
			}
			return chatREPL(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.conversation)
		}),
	}
}

func chatTurn(ctx context.Context, out io.Writer, conv *assistant.Conversation, text string) error {
	res, err := conv.Send(ctx, text)
	if res != nil && res.Reply != nil {
		fmt.Fprintf(out, "assistant: %s\n", res.Reply.Message)
	}
	if res != nil && res.Notice != nil {
		fmt.Fprintf(out, "* %s\n", res.Notice.Text)
	}
	if err != nil && (res == nil || res.Reply == nil) {
		if res != nil {
			fmt.Fprintf(out, "assistant: %s\n", assistant.ApologyMessage)
		}
		return err
	}
	return nil
}

func chatREPL(ctx context.Context, in io.Reader, out io.Writer, conv *assistant.Conversation) error {
	fmt.Fprintln(out, "assistant:", conv.Messages()[0].Content)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			conv.Reset()
			fmt.Fprintln(out, "assistant:", conv.Messages()[0].Content)
			continue
		case "/help":
			for _, c := range assistant.SuggestedCommands() {
				fmt.Fprintf(out, "  %-22s %q\n", c.Label, c.Prompt)
			}
			continue
		}
		if err := chatTurn(ctx, out, conv, line); err != nil {
			if errors.Is(err, backend.ErrUnauthorized) {
				return err
			}
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

func printPreferences(w io.Writer, p *backend.Preferences) {
	if p == nil {
		fmt.Fprintln(w, "no preferences loaded")
		return
	}
	notifications := "off"
	if p.Notifications {
		notifications = "on"
	}
	fmt.Fprintf(w, "theme:         %s\n", p.Theme)
	fmt.Fprintf(w, "language:      %s\n", p.Language)
	fmt.Fprintf(w, "notifications: %s\n", notifications)
}

func prompt(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptPassword reads without echo when stdin is a terminal, and falls back to a plain line read otherwise.
func promptPassword(cmd *cobra.Command, label string) (string, error) {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return prompt(cmd, label)
	}
	fmt.Fprint(cmd.ErrOrStderr(), label)
	raw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}
