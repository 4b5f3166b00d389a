// Package preferences keeps the single authoritative snapshot of the signed-in user's preferences.
//
// The snapshot is either nil or a complete, server-returned record. Every mutation goes to the backend first and
// the snapshot is replaced wholesale with whatever the backend answers; nothing is merged or applied optimistically.
package preferences

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/logger"
	"gwi.com/prefs-assistant/internal/notify"
	"gwi.com/prefs-assistant/internal/session"
)

var (
	ErrClosed = errors.New("preferences store closed")
	// ErrStale is returned when a response is discarded because the session changed while it was in flight, or
	// because a newer response was already applied.
	ErrStale = errors.New("preferences response superseded")
)

// Backend is the slice of the remote API the store needs.
type Backend interface {
	GetPreferences(ctx context.Context, token string) (*backend.Preferences, error)
	UpdatePreferences(ctx context.Context, token string, patch backend.PreferencesPatch) (*backend.Preferences, error)
}

// Session is the read side of the session manager.
type Session interface {
	Token() string
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) func()
}

type Option func(*Store)

func WithLogger(log *logger.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStaleGuard discards a response when a response to a later request has already been applied. Without it the
// last response to arrive wins.
func WithStaleGuard() Option {
	return func(s *Store) { s.staleGuard = true }
}

type Store struct {
	api        Backend
	sessions   Session
	log        *logger.Logger
	staleGuard bool

	mu       sync.RWMutex
	snapshot *backend.Preferences
	loading  int
	seq      uint64 // last issued request
	applied  uint64 // request whose response produced the current snapshot
	closed   bool

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	closeOnce   sync.Once

	listeners notify.Registry[*backend.Preferences]
	loads     singleflight.Group // keyed by token; Activate joins the background load
}

// New creates a store bound to sessions. It follows the session from then on: an authenticated session seeds the
// snapshot from the user's embedded preferences, or from a background Load when the user carries none, and an
// unauthenticated session clears it.
func New(api Backend, sessions Session, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		api:      api,
		sessions: sessions,
		log:      logger.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "preferences")

	s.unsubscribe = sessions.Subscribe(s.onSession)
	if snap := sessions.Snapshot(); snap.State == session.StateAuthenticated {
		s.onSession(snap)
	}
	return s
}

func (s *Store) onSession(snap session.Snapshot) {
	if snap.State != session.StateAuthenticated {
		s.clear()
		return
	}
	if err := s.seed(snap.User); err == nil {
		return
	}
	s.loadInBackground()
}

// seed adopts the preferences embedded in the user payload.
func (s *Store) seed(user *backend.User) error {
	if user == nil || user.Preferences == nil {
		return errors.New("no embedded preferences")
	}
	if err := user.Preferences.Validate(); err != nil {
		s.log.Warn("ignoring incomplete embedded preferences", "error", err)
		return err
	}
	_, err := s.apply(s.next(), s.sessions.Token(), user.Preferences)
	return err
}

func (s *Store) loadInBackground() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.sharedLoad(s.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			s.log.Warn("background preference load failed", "error", err)
		}
	}()
}

// Activate makes sure a snapshot is present for the current session before returning. It is the synchronous
// counterpart of what New does on a session transition.
func (s *Store) Activate(ctx context.Context) error {
	snap := s.sessions.Snapshot()
	if snap.State != session.StateAuthenticated {
		return backend.ErrUnauthorized
	}
	if s.Current() != nil {
		return nil
	}
	if err := s.seed(snap.User); err == nil {
		return nil
	}
	_, err := s.sharedLoad(ctx)
	return err
}

// sharedLoad is Load, except that a caller arriving while another sharedLoad for the same session is in flight waits
// for that one instead of issuing a second request.
func (s *Store) sharedLoad(ctx context.Context) (*backend.Preferences, error) {
	token := s.sessions.Token()
	if token == "" {
		return nil, backend.ErrUnauthorized
	}
	v, err, _ := s.loads.Do(token, func() (any, error) {
		return s.Load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*backend.Preferences).Clone(), nil
}

// Load fetches the snapshot from the backend and replaces the current one. It always hits the network.
func (s *Store) Load(ctx context.Context) (*backend.Preferences, error) {
	token := s.sessions.Token()
	if token == "" {
		return nil, backend.ErrUnauthorized
	}
	seq, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer s.end()

	prefs, err := s.api.GetPreferences(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := prefs.Validate(); err != nil {
		return nil, malformed("get preferences", err)
	}
	return s.apply(seq, token, prefs)
}

// Set sends exactly the fields present in patch. On success the snapshot becomes the backend's response; on failure
// the previous snapshot is kept and the error is returned unchanged.
func (s *Store) Set(ctx context.Context, patch backend.PreferencesPatch) (*backend.Preferences, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	token := s.sessions.Token()
	if token == "" {
		return nil, backend.ErrUnauthorized
	}
	seq, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer s.end()

	prefs, err := s.api.UpdatePreferences(ctx, token, patch)
	if err != nil {
		s.log.Info("preference update failed", "error", err)
		return nil, err
	}
	if err := prefs.Validate(); err != nil {
		return nil, malformed("update preferences", err)
	}
	return s.apply(seq, token, prefs)
}

func (s *Store) SetTheme(ctx context.Context, theme backend.Theme) (*backend.Preferences, error) {
	return s.Set(ctx, backend.PreferencesPatch{Theme: &theme})
}

func (s *Store) SetLanguage(ctx context.Context, language backend.Language) (*backend.Preferences, error) {
	return s.Set(ctx, backend.PreferencesPatch{Language: &language})
}

func (s *Store) SetNotifications(ctx context.Context, enabled bool) (*backend.Preferences, error) {
	return s.Set(ctx, backend.PreferencesPatch{Notifications: &enabled})
}

// Apply sends only the fields of desired that differ from the current snapshot. Nothing is sent when they match.
func (s *Store) Apply(ctx context.Context, desired backend.Preferences) (*backend.Preferences, error) {
	patch := backend.DiffPreferences(s.Current(), desired)
	if patch.IsEmpty() {
		return s.Current(), nil
	}
	return s.Set(ctx, patch)
}

// Adopt replaces the snapshot with one the backend returned through another channel, such as the assistant.
func (s *Store) Adopt(prefs *backend.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	snap := s.sessions.Snapshot()
	if snap.State != session.StateAuthenticated || snap.User == nil {
		return backend.ErrUnauthorized
	}
	if prefs.UserID != 0 && prefs.UserID != snap.User.ID {
		return &backend.ValidationError{Field: "user_id", Reason: "belongs to another user"}
	}
	_, err := s.apply(s.next(), s.sessions.Token(), prefs)
	return err
}

// Current returns a copy of the snapshot, or nil when there is none.
func (s *Store) Current() *backend.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Loading reports whether a Load or Set is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading > 0
}

// Subscribe registers fn for every snapshot replacement, including the transition to nil. Listeners run
// synchronously, after the store lock is released, and each receives its own copy.
func (s *Store) Subscribe(fn func(*backend.Preferences)) func() {
	return s.listeners.Subscribe(fn)
}

// Close detaches the store from the session, drops any response that lands afterwards, and waits for background
// loads to return.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.unsubscribe()
		s.cancel()
		s.wg.Wait()
	})
}

// malformed reports an incomplete snapshot in a backend response. The fault is the backend's, so it surfaces as a
// RemoteError rather than a ValidationError.
func malformed(op string, err error) error {
	return &backend.RemoteError{Op: op, StatusCode: http.StatusOK, Message: fmt.Sprintf("%s: incomplete snapshot: %v", op, err)}
}

func (s *Store) next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Store) begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.seq++
	s.loading++
	return s.seq, nil
}

func (s *Store) end() {
	s.mu.Lock()
	s.loading--
	s.mu.Unlock()
}

func (s *Store) apply(seq uint64, token string, prefs *backend.Preferences) (*backend.Preferences, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case token == "" || s.sessions.Token() != token:
		s.mu.Unlock()
		s.log.Debug("dropping response for a previous session")
		return nil, ErrStale
	case s.staleGuard && seq < s.applied:
		s.mu.Unlock()
		s.log.Debug("dropping stale response", "seq", seq, "applied", s.applied)
		return nil, ErrStale
	}
	s.snapshot = prefs.Clone()
	s.applied = seq
	out := s.snapshot.Clone()
	s.mu.Unlock()

	s.notify(out)
	return out.Clone(), nil
}

func (s *Store) clear() {
	s.mu.Lock()
	had := s.snapshot != nil
	s.snapshot = nil
	s.mu.Unlock()
	if had {
		s.notify(nil)
	}
}

func (s *Store) notify(prefs *backend.Preferences) {
	s.listeners.Notify(func() *backend.Preferences { return prefs.Clone() })
}
