// Package backendtest runs an in-process implementation of the remote backend contract for tests: bearer auth,
// preference snapshots, and a keyword-driven assistant endpoint. It records every request so tests can assert on
// network traffic, and can inject one-shot failures.
package backendtest

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gwi.com/prefs-assistant/internal/backend"
)

type account struct {
	user         backend.User
	passwordHash []byte
	prefs        backend.Preferences
}

type failure struct {
	status int
	body   string
}

type Option func(*Server)

// WithoutEmbeddedPreferences makes user payloads omit the preference snapshot.
func WithoutEmbeddedPreferences() Option {
	return func(s *Server) { s.embedPrefs = false }
}

// WithoutAssistantSnapshot makes the assistant endpoint return the action tag without the new snapshot.
func WithoutAssistantSnapshot() Option {
	return func(s *Server) { s.assistantSnapshot = false }
}

type Server struct {
	mu                sync.Mutex
	secret            []byte
	accounts          map[string]*account
	nextID            int64
	hits              map[string]int
	failures          map[string]failure
	embedPrefs        bool
	assistantSnapshot bool

	srv *httptest.Server
	URL string
}

// cleaner is the subset of testing.TB the server needs.
type cleaner interface {
	Cleanup(func())
}

func New(t cleaner, opts ...Option) *Server {
	s := &Server{
		secret:            newSecret(),
		accounts:          make(map[string]*account),
		hits:              make(map[string]int),
		failures:          make(map[string]failure),
		embedPrefs:        true,
		assistantSnapshot: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(s.router())
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() { s.srv.Close() }

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(s.recordAndInject)

	r.Post("/auth/login", s.loginHandler)
	r.Post("/auth/register", s.registerHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Get("/user", s.userHandler)
		r.Get("/preferences", s.getPreferencesHandler)
		r.Post("/preferences", s.updatePreferencesHandler)
		r.Post("/claude", s.assistantHandler)
	})

	return r
}

func (s *Server) recordAndInject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.hits[key]++
		f, injected := s.failures[key]
		delete(s.failures, key)
		s.mu.Unlock()

		if injected {
			http.Error(w, f.body, f.status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AddUser creates an account with default preferences (light, english, notifications on).
func (s *Server) AddUser(username, email, password string) *backend.User {
	acc, err := s.createAccount(username, email, password)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userPayload(acc)
}

// Token issues a valid bearer token for an existing user.
func (s *Server) Token(username string) string {
	s.mu.Lock()
	secret := s.secret
	s.mu.Unlock()
	token, err := generateJWT(secret, username)
	if err != nil {
		panic(err)
	}
	return token
}

// Hits reports how many requests reached method+path, including injected failures.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

func (s *Server) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

// FailNext makes the next request to method+path answer with status and body.
func (s *Server) FailNext(method, path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = failure{status: status, body: body}
}

// RotateSecret invalidates every token issued so far.
func (s *Server) RotateSecret() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = newSecret()
}

// MutatePreferences edits a user's stored preferences behind the client's back.
func (s *Server) MutatePreferences(username string, fn func(p *backend.Preferences)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[username]
	if !ok {
		panic(fmt.Sprintf("backendtest: unknown user %q", username))
	}
	fn(&acc.prefs)
	acc.prefs.UpdatedAt = time.Now().UTC()
}

func (s *Server) Preferences(username string) backend.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[username]
	if !ok {
		panic(fmt.Sprintf("backendtest: unknown user %q", username))
	}
	return acc.prefs
}

func (s *Server) createAccount(username, email, password string) (*account, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[username]; exists {
		return nil, errUsernameTaken
	}
	s.nextID++
	now := time.Now().UTC()
	acc := &account{
		user: backend.User{
			ID:        s.nextID,
			Username:  username,
			Email:     email,
			CreatedAt: now,
			UpdatedAt: now,
		},
		passwordHash: hash,
		prefs: backend.Preferences{
			ID:            s.nextID,
			UserID:        s.nextID,
			Theme:         backend.ThemeLight,
			Language:      backend.LanguageEnglish,
			Notifications: true,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
	s.accounts[username] = acc
	return acc, nil
}

// userPayload must be called with s.mu held.
func (s *Server) userPayload(acc *account) *backend.User {
	u := acc.user
	if s.embedPrefs {
		prefs := acc.prefs
		u.Preferences = &prefs
	}
	return &u
}

func newSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}
