// Package session owns the bearer credential and the identity it resolves to.
//
// A Manager starts in StateUnknown. Bootstrap resolves it to StateAuthenticated or StateUnauthenticated from the
// persisted credential; Login and Register move it to StateAuthenticated; Logout moves it back. Listeners registered
// with Subscribe observe every transition.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/credential"
	"gwi.com/prefs-assistant/internal/logger"
	"gwi.com/prefs-assistant/internal/notify"
)

type State int

const (
	StateUnknown State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "invalid"
	}
}

// Snapshot is what listeners and readers see. User is a private copy.
type Snapshot struct {
	State State
	User  *backend.User
}

// Backend is the slice of the remote API the session needs.
type Backend interface {
	Login(ctx context.Context, username, password string) (*backend.AuthResponse, error)
	Register(ctx context.Context, username, email, password string) (*backend.AuthResponse, error)
	GetUser(ctx context.Context, token string) (*backend.User, error)
}

type Option func(*Manager)

func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

type Manager struct {
	api   Backend
	creds credential.Store
	log   *logger.Logger

	mu    sync.RWMutex
	state State
	user  *backend.User
	token string

	listeners notify.Registry[Snapshot]
}

func New(api Backend, creds credential.Store, opts ...Option) *Manager {
	m := &Manager{
		api:   api,
		creds: creds,
		log:   logger.NewNop(),
		state: StateUnknown,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "session")
	return m
}

// Bootstrap resolves the initial state from the persisted credential. It makes at most one request and never
// returns an error: a credential the backend rejects is discarded and the session ends up unauthenticated.
func (m *Manager) Bootstrap(ctx context.Context) State {
	token, err := m.creds.Get(ctx)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			m.log.Warn("failed to read persisted credential", "error", err)
		}
		m.setUnauthenticated()
		return StateUnauthenticated
	}
	if token == "" {
		m.setUnauthenticated()
		return StateUnauthenticated
	}

	user, err := m.api.GetUser(ctx, token)
	if err != nil {
		m.log.Warn("persisted credential rejected, signing out", "error", err)
		if clearErr := m.creds.Clear(ctx); clearErr != nil {
			m.log.Error("failed to clear persisted credential", "error", clearErr)
		}
		m.setUnauthenticated()
		return StateUnauthenticated
	}

	m.setAuthenticated(token, user)
	m.log.Info("session restored", "username", user.Username)
	return StateAuthenticated
}

// Login exchanges credentials for a token. Errors from the backend are returned unchanged and the current state
// is left as it was.
func (m *Manager) Login(ctx context.Context, username, password string) (*backend.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, &backend.ValidationError{Field: "username", Reason: "required"}
	}
	if password == "" {
		return nil, &backend.ValidationError{Field: "password", Reason: "required"}
	}

	resp, err := m.api.Login(ctx, username, password)
	if err != nil {
		m.log.Info("login failed", "username", username, "error", err)
		return nil, err
	}
	return m.establish(ctx, "login", resp)
}

func (m *Manager) Register(ctx context.Context, username, email, password string) (*backend.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, &backend.ValidationError{Field: "username", Reason: "required"}
	}
	if strings.TrimSpace(email) == "" {
		return nil, &backend.ValidationError{Field: "email", Reason: "required"}
	}
	if password == "" {
		return nil, &backend.ValidationError{Field: "password", Reason: "required"}
	}

	resp, err := m.api.Register(ctx, username, email, password)
	if err != nil {
		m.log.Info("registration failed", "username", username, "error", err)
		return nil, err
	}
	return m.establish(ctx, "register", resp)
}

func (m *Manager) establish(ctx context.Context, op string, resp *backend.AuthResponse) (*backend.User, error) {
	if resp.User == nil {
		return nil, &backend.RemoteError{Op: op, StatusCode: 200, Message: op + " response is missing the user"}
	}
	// A credential that cannot be persisted still gives a working session for this process.
	if err := m.creds.Set(ctx, resp.Token); err != nil {
		m.log.Warn("failed to persist credential", "op", op, "error", err)
	}
	m.setAuthenticated(resp.Token, resp.User)
	m.log.Info("signed in", "op", op, "username", resp.User.Username)
	return resp.User.Clone(), nil
}

// Logout clears the persisted credential and the in-memory identity. It is idempotent and cannot fail; a
// credential store error is only logged.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.creds.Clear(ctx); err != nil {
		m.log.Error("failed to clear persisted credential", "error", err)
	}
	m.setUnauthenticated()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

// User returns a copy of the current identity, or nil.
func (m *Manager) User() *backend.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user.Clone()
}

// Token returns the bearer token, or "" when unauthenticated.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, User: m.user.Clone()}
}

// Subscribe registers fn for every state transition. Listeners run in registration order, synchronously on the
// goroutine that caused the transition, after the session lock is released. The returned func unregisters fn.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	return m.listeners.Subscribe(fn)
}

func (m *Manager) setAuthenticated(token string, user *backend.User) {
	m.mu.Lock()
	m.state = StateAuthenticated
	m.token = token
	m.user = user.Clone()
	snap := Snapshot{State: m.state, User: m.user.Clone()}
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Manager) setUnauthenticated() {
	m.mu.Lock()
	changed := m.state != StateUnauthenticated
	m.state = StateUnauthenticated
	m.token = ""
	m.user = nil
	m.mu.Unlock()
	if changed {
		m.notify(Snapshot{State: StateUnauthenticated})
	}
}

func (m *Manager) notify(snap Snapshot) {
	m.listeners.Notify(func() Snapshot {
		return Snapshot{State: snap.State, User: snap.User.Clone()}
	})
}
