package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gwi.com/prefs-assistant/internal/logger"
)

const maxBodyBytes = 1 << 20

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Client speaks the backend's HTTP/JSON contract. It holds no credential: every authenticated call takes the
// bearer token explicitly, so the session owner stays the only place the token lives. Calls are fire-once.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	log        *logger.Logger
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("baseURL required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		timeout:    opts.Timeout,
		httpClient: hc,
		log:        log.With("component", "backend"),
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	var resp AuthResponse
	req := LoginRequest{Username: username, Password: password}
	if err := c.doJSON(ctx, "login", http.MethodPost, "/auth/login", "", req, &resp, "Login failed"); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, &RemoteError{Op: "login", StatusCode: http.StatusOK, Message: "Login failed: empty token"}
	}
	return &resp, nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	req := RegisterRequest{Username: username, Email: email, Password: password}
	if err := c.doJSON(ctx, "register", http.MethodPost, "/auth/register", "", req, &resp, "Registration failed"); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, &RemoteError{Op: "register", StatusCode: http.StatusOK, Message: "Registration failed: empty token"}
	}
	return &resp, nil
}

func (c *Client) GetUser(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, "get user", http.MethodGet, "/user", token, nil, &user, "Failed to get user"); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) GetPreferences(ctx context.Context, token string) (*Preferences, error) {
	var resp PreferencesResponse
	if err := c.doJSON(ctx, "get preferences", http.MethodGet, "/preferences", token, nil, &resp, "Failed to get preferences"); err != nil {
		return nil, err
	}
	if resp.Preferences == nil {
		return nil, &RemoteError{Op: "get preferences", StatusCode: http.StatusOK, Message: "Failed to get preferences: empty snapshot"}
	}
	return resp.Preferences, nil
}

func (c *Client) UpdatePreferences(ctx context.Context, token string, patch PreferencesPatch) (*Preferences, error) {
	var resp PreferencesResponse
	if err := c.doJSON(ctx, "update preferences", http.MethodPost, "/preferences", token, patch, &resp, "Failed to update preferences"); err != nil {
		return nil, err
	}
	if resp.Preferences == nil {
		return nil, &RemoteError{Op: "update preferences", StatusCode: http.StatusOK, Message: "Failed to update preferences: empty snapshot"}
	}
	return resp.Preferences, nil
}

func (c *Client) SendMessage(ctx context.Context, token, message string) (*AssistantResponse, error) {
	var resp AssistantResponse
	req := AssistantRequest{Message: message}
	if err := c.doJSON(ctx, "send message", http.MethodPost, "/claude", token, req, &resp, "Failed to communicate with Claude"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path, token string, body, out any, fallback string) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("backend request failed", "op", op, "path", path, "error", err)
		return &NetworkError{Op: op, Err: err}
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
	c.log.Debug("backend request", "op", op, "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(started))
	if readErr != nil {
		return &NetworkError{Op: op, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newRemoteError(op, resp.StatusCode, raw, fallback)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("%s: malformed response: %v", fallback, err)}
	}
	return nil
}
