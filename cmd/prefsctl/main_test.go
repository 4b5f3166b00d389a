package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/backendtest"
)

func setupCLI(t *testing.T) *backendtest.Server {
	t.Helper()
	srv := backendtest.New(t)
	srv.AddUser("alice", "alice@example.com", "secret")

	t.Setenv("CONFIG_FILE", "")
	t.Setenv("API_URL", srv.URL)
	t.Setenv("CREDENTIAL_BACKEND", "file")
	t.Setenv("CREDENTIAL_PATH", filepath.Join(t.TempDir(), "credentials.json"))
	t.Setenv("CREDENTIAL_KEY", "token")
	t.Setenv("CREDENTIAL_PASSPHRASE", "")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "5")
	return srv
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoginPersistsAcrossInvocations(t *testing.T) {
	setupCLI(t)

	_, err := execute(t, "", "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)

	out, err := execute(t, "secret\n", "login", "-u", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as alice")

	out, err = execute(t, "", "whoami")
	require.NoError(t, err)
	assert.Equal(t, "alice <alice@example.com>\n", out)

	out, err = execute(t, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out")

	_, err = execute(t, "", "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)
}

func TestLoginFailureReportsBackendMessage(t *testing.T) {
	setupCLI(t)

	_, err := execute(t, "", "login", "-u", "alice", "-p", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid credentials")
}

func TestRegister(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "", "register", "-u", "bob", "-e", "bob@example.com", "-p", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered and signed in as bob")
}

func TestPrefsGetAndSet(t *testing.T) {
	srv := setupCLI(t)
	_, err := execute(t, "", "login", "-u", "alice", "-p", "secret")
	require.NoError(t, err)

	out, err := execute(t, "", "prefs", "get")
	require.NoError(t, err)
	assert.Contains(t, out, "theme:         light")
	assert.Contains(t, out, "notifications: on")

	out, err = execute(t, "", "prefs", "set", "--theme", "dark", "--notifications=false")
	require.NoError(t, err)
	assert.Contains(t, out, "theme:         dark")
	assert.Contains(t, out, "notifications: off")
	assert.Equal(t, backend.ThemeDark, srv.Preferences("alice").Theme)
	assert.Equal(t, backend.LanguageEnglish, srv.Preferences("alice").Language)

	_, err = execute(t, "", "prefs", "set")
	assert.ErrorIs(t, err, backend.ErrValidation)
	_, err = execute(t, "", "prefs", "set", "--language", "latin")
	assert.ErrorIs(t, err, backend.ErrValidation)
}

func TestChatOneShot(t *testing.T) {
	srv := setupCLI(t)
	_, err := execute(t, "", "login", "-u", "alice", "-p", "secret")
	require.NoError(t, err)

	out, err := execute(t, "", "chat", "turn", "off", "notifications")
	require.NoError(t, err)
	assert.Contains(t, out, "assistant: Done, notifications are off.")
	assert.Contains(t, out, "* Notifications disabled")
	assert.False(t, srv.Preferences("alice").Notifications)
}

func TestChatREPL(t *testing.T) {
	setupCLI(t)
	_, err := execute(t, "", "login", "-u", "alice", "-p", "secret")
	require.NoError(t, err)

	out, err := execute(t, "/help\nswitch to dark mode\n/quit\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "Change to dark theme")
	assert.Contains(t, out, "* Theme updated to dark mode")
}

func TestCommandsRequireSession(t *testing.T) {
	setupCLI(t)
	for _, args := range [][]string{{"prefs", "get"}, {"prefs", "set", "--theme", "dark"}, {"chat", "hi"}} {
		_, err := execute(t, "", args...)
		assert.ErrorIs(t, err, errNotSignedIn, strings.Join(args, " "))
	}
}

func TestAPIURLFlagOverridesEnvironment(t *testing.T) {
	setupCLI(t)
	t.Setenv("API_URL", "http://127.0.0.1:1")

	srv := backendtest.New(t)
	srv.AddUser("carol", "carol@example.com", "pw")
	out, err := execute(t, "", "--api-url", srv.URL, "login", "-u", "carol", "-p", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as carol")

	_, err = execute(t, "", "--api-url", "not a url", "whoami")
	assert.Error(t, err)
}

func TestPasswordFromPipeIsReadAsLine(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	_, err = w.WriteString("hunter2\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cmd := &cobra.Command{}
	var stderr bytes.Buffer
	cmd.SetIn(r)
	cmd.SetErr(&stderr)

	got, err := promptPassword(cmd, "Password: ")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
	assert.Equal(t, "Password: ", stderr.String())
}
