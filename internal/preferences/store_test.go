package preferences_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/backendtest"
	"gwi.com/prefs-assistant/internal/credential"
	"gwi.com/prefs-assistant/internal/notify"
	"gwi.com/prefs-assistant/internal/preferences"
	"gwi.com/prefs-assistant/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fixture struct {
	srv   *backendtest.Server
	mgr   *session.Manager
	store *preferences.Store
}

func setup(t *testing.T, opts ...backendtest.Option) *fixture {
	t.Helper()
	srv := backendtest.New(t, opts...)
	srv.AddUser("alice", "alice@example.com", "secret")
	client, err := backend.New(backend.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	mgr := session.New(client, credential.NewMemoryStore())
	store := preferences.New(client, mgr)
	t.Cleanup(store.Close)
	return &fixture{srv: srv, mgr: mgr, store: store}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	_, err := f.mgr.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
}

func TestLoadWithoutSessionMakesNoRequest(t *testing.T) {
	f := setup(t)
	f.mgr.Bootstrap(context.Background())

	_, err := f.store.Load(context.Background())
	assert.ErrorIs(t, err, backend.ErrUnauthorized)
	_, err = f.store.SetTheme(context.Background(), backend.ThemeDark)
	assert.ErrorIs(t, err, backend.ErrUnauthorized)
	assert.ErrorIs(t, f.store.Activate(context.Background()), backend.ErrUnauthorized)

	assert.Nil(t, f.store.Current())
	assert.Zero(t, f.srv.TotalHits())
}

func TestLoginSeedsFromEmbeddedSnapshot(t *testing.T) {
	f := setup(t)
	f.login(t)

	want := f.srv.Preferences("alice")
	if diff := cmp.Diff(&want, f.store.Current()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, f.srv.Hits(http.MethodGet, "/preferences"))
}

func TestLoginWithoutEmbeddedSnapshotLoadsInBackground(t *testing.T) {
	f := setup(t, backendtest.WithoutEmbeddedPreferences())
	f.login(t)

	require.Eventually(t, func() bool { return f.store.Current() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.srv.Hits(http.MethodGet, "/preferences"))
	assert.Equal(t, backend.ThemeLight, f.store.Current().Theme)
}

func TestActivateLoadsSynchronously(t *testing.T) {
	srv := backendtest.New(t, backendtest.WithoutEmbeddedPreferences())
	user := srv.AddUser("alice", "alice@example.com", "secret")
	client, err := backend.New(backend.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	sess := &fakeSession{}
	store := preferences.New(client, sess)
	defer store.Close()

	// Signed in without a transition, so only Activate fetches.
	sess.token, sess.user = srv.Token("alice"), user
	require.NoError(t, store.Activate(context.Background()))
	require.NotNil(t, store.Current())
	assert.Equal(t, backend.LanguageEnglish, store.Current().Language)

	require.NoError(t, store.Activate(context.Background()))
	assert.Equal(t, 1, srv.Hits(http.MethodGet, "/preferences"))
}

func TestLoadAlwaysHitsNetwork(t *testing.T) {
	f := setup(t)
	f.login(t)
	ctx := context.Background()

	_, err := f.store.Load(ctx)
	require.NoError(t, err)
	_, err = f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.srv.Hits(http.MethodGet, "/preferences"))
}

func TestSetReplacesWithServerSnapshot(t *testing.T) {
	f := setup(t)
	f.login(t)

	// Changed on the server behind the client's back; the response must carry it.
	f.srv.MutatePreferences("alice", func(p *backend.Preferences) { p.Language = backend.LanguageSpanish })

	got, err := f.store.SetTheme(context.Background(), backend.ThemeDark)
	require.NoError(t, err)

	want := f.srv.Preferences("alice")
	assert.Equal(t, backend.ThemeDark, want.Theme)
	assert.Equal(t, backend.LanguageSpanish, want.Language)
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("returned snapshot mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&want, f.store.Current()); diff != "" {
		t.Errorf("stored snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSetFailureLeavesSnapshotUntouched(t *testing.T) {
	f := setup(t)
	f.login(t)
	before := f.store.Current()

	f.srv.FailNext(http.MethodPost, "/preferences", http.StatusInternalServerError, "database unavailable")
	_, err := f.store.SetLanguage(context.Background(), backend.LanguageIndonesia)

	var remote *backend.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "database unavailable", remote.Message)
	if diff := cmp.Diff(before, f.store.Current()); diff != "" {
		t.Errorf("snapshot changed after failure (-before +after):\n%s", diff)
	}
}

func TestSetRejectsInvalidPatchWithoutRequest(t *testing.T) {
	f := setup(t)
	f.login(t)
	ctx := context.Background()

	_, err := f.store.Set(ctx, backend.PreferencesPatch{})
	assert.ErrorIs(t, err, backend.ErrValidation)
	_, err = f.store.SetTheme(ctx, backend.Theme("solarized"))
	assert.ErrorIs(t, err, backend.ErrValidation)
	_, err = f.store.SetLanguage(ctx, backend.Language("klingon"))
	assert.ErrorIs(t, err, backend.ErrValidation)

	assert.Zero(t, f.srv.Hits(http.MethodPost, "/preferences"))
}

func TestSetNotifications(t *testing.T) {
	f := setup(t)
	f.login(t)

	got, err := f.store.SetNotifications(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, got.Notifications)
	assert.False(t, f.srv.Preferences("alice").Notifications)
}

func TestApplySendsNothingWhenUnchanged(t *testing.T) {
	f := setup(t)
	f.login(t)
	ctx := context.Background()

	desired := *f.store.Current()
	_, err := f.store.Apply(ctx, desired)
	require.NoError(t, err)
	assert.Zero(t, f.srv.Hits(http.MethodPost, "/preferences"))

	desired.Theme = backend.ThemeDark
	got, err := f.store.Apply(ctx, desired)
	require.NoError(t, err)
	assert.Equal(t, backend.ThemeDark, got.Theme)
	assert.Equal(t, 1, f.srv.Hits(http.MethodPost, "/preferences"))
}

func TestAdopt(t *testing.T) {
	f := setup(t)

	prefs := f.srv.Preferences("alice")
	assert.ErrorIs(t, f.store.Adopt(&prefs), backend.ErrUnauthorized)

	f.login(t)

	incomplete := prefs
	incomplete.Theme = ""
	assert.ErrorIs(t, f.store.Adopt(&incomplete), backend.ErrValidation)
	assert.ErrorIs(t, f.store.Adopt(nil), backend.ErrValidation)

	foreign := prefs
	foreign.UserID = prefs.UserID + 100
	assert.ErrorIs(t, f.store.Adopt(&foreign), backend.ErrValidation)

	adopted := prefs
	adopted.Theme = backend.ThemeDark
	require.NoError(t, f.store.Adopt(&adopted))
	assert.Equal(t, backend.ThemeDark, f.store.Current().Theme)
	assert.Zero(t, f.srv.Hits(http.MethodGet, "/preferences"))
}

func TestLogoutClearsSnapshotAndNotifies(t *testing.T) {
	f := setup(t)

	var seen []*backend.Preferences
	unsubscribe := f.store.Subscribe(func(p *backend.Preferences) { seen = append(seen, p) })
	defer unsubscribe()

	f.login(t)
	f.mgr.Logout(context.Background())

	assert.Nil(t, f.store.Current())
	require.Len(t, seen, 2)
	assert.NotNil(t, seen[0])
	assert.Nil(t, seen[1])
}

func TestCurrentReturnsCopy(t *testing.T) {
	f := setup(t)
	f.login(t)

	p := f.store.Current()
	p.Theme = backend.ThemeDark
	assert.Equal(t, backend.ThemeLight, f.store.Current().Theme)
}

// fakeSession is a hand-driven session for tests that need to interleave responses.
type fakeSession struct {
	token     string
	user      *backend.User
	listeners notify.Registry[session.Snapshot]
}

func (s *fakeSession) Token() string { return s.token }

func (s *fakeSession) Snapshot() session.Snapshot {
	if s.token == "" {
		return session.Snapshot{State: session.StateUnauthenticated}
	}
	return session.Snapshot{State: session.StateAuthenticated, User: s.user.Clone()}
}

func (s *fakeSession) Subscribe(fn func(session.Snapshot)) func() { return s.listeners.Subscribe(fn) }

func (s *fakeSession) signOut() {
	s.token, s.user = "", nil
	s.listeners.Notify(s.Snapshot)
}

type call struct {
	patch backend.PreferencesPatch
	reply chan *backend.Preferences
}

// blockingBackend hands every request to the test and waits for it to answer.
type blockingBackend struct {
	calls chan call
	hits  atomic.Int32
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{calls: make(chan call)}
}

func (b *blockingBackend) GetPreferences(ctx context.Context, token string) (*backend.Preferences, error) {
	return b.UpdatePreferences(ctx, token, backend.PreferencesPatch{})
}

func (b *blockingBackend) UpdatePreferences(ctx context.Context, token string, patch backend.PreferencesPatch) (*backend.Preferences, error) {
	b.hits.Add(1)
	c := call{patch: patch, reply: make(chan *backend.Preferences, 1)}
	select {
	case b.calls <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case p := <-c.reply:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func seeded() (*fakeSession, backend.Preferences) {
	prefs := backend.Preferences{ID: 1, UserID: 1, Theme: backend.ThemeLight, Language: backend.LanguageEnglish}
	p := prefs
	return &fakeSession{
		token: "t1",
		user:  &backend.User{ID: 1, Username: "alice", Preferences: &p},
	}, prefs
}

type result struct {
	prefs *backend.Preferences
	err   error
}

func setAsync(store *preferences.Store, patch backend.PreferencesPatch) <-chan result {
	done := make(chan result, 1)
	go func() {
		p, err := store.Set(context.Background(), patch)
		done <- result{p, err}
	}()
	return done
}

func theme(t backend.Theme) backend.PreferencesPatch { return backend.PreferencesPatch{Theme: &t} }

func TestOverlappingSetsLastArrivalWins(t *testing.T) {
	sess, base := seeded()
	api := newBlockingBackend()
	store := preferences.New(api, sess)
	defer store.Close()

	first := setAsync(store, theme(backend.ThemeDark))
	firstCall := <-api.calls
	second := setAsync(store, theme(backend.ThemeLight))
	secondCall := <-api.calls

	light, dark := base, base
	dark.Theme = backend.ThemeDark
	secondCall.reply <- &light
	require.NoError(t, (<-second).err)
	firstCall.reply <- &dark
	require.NoError(t, (<-first).err)

	assert.Equal(t, backend.ThemeDark, store.Current().Theme)
}

func TestStaleGuardKeepsLatestRequest(t *testing.T) {
	sess, base := seeded()
	api := newBlockingBackend()
	store := preferences.New(api, sess, preferences.WithStaleGuard())
	defer store.Close()

	first := setAsync(store, theme(backend.ThemeDark))
	firstCall := <-api.calls
	second := setAsync(store, theme(backend.ThemeLight))
	secondCall := <-api.calls

	light, dark := base, base
	dark.Theme = backend.ThemeDark
	secondCall.reply <- &light
	require.NoError(t, (<-second).err)
	firstCall.reply <- &dark
	assert.ErrorIs(t, (<-first).err, preferences.ErrStale)

	assert.Equal(t, backend.ThemeLight, store.Current().Theme)
}

func TestResponseForPreviousSessionIsDropped(t *testing.T) {
	sess, base := seeded()
	api := newBlockingBackend()
	store := preferences.New(api, sess)
	defer store.Close()

	pending := setAsync(store, theme(backend.ThemeDark))
	c := <-api.calls
	sess.signOut()
	require.Nil(t, store.Current())

	dark := base
	dark.Theme = backend.ThemeDark
	c.reply <- &dark
	assert.ErrorIs(t, (<-pending).err, preferences.ErrStale)
	assert.Nil(t, store.Current())
}

func TestResponseAfterCloseIsDropped(t *testing.T) {
	sess, base := seeded()
	api := newBlockingBackend()
	store := preferences.New(api, sess)

	pending := setAsync(store, theme(backend.ThemeDark))
	c := <-api.calls
	assert.True(t, store.Loading())
	store.Close()

	dark := base
	dark.Theme = backend.ThemeDark
	c.reply <- &dark
	assert.ErrorIs(t, (<-pending).err, preferences.ErrClosed)
	assert.Equal(t, backend.ThemeLight, store.Current().Theme)
	assert.False(t, store.Loading())

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, preferences.ErrClosed)
}

func TestCloseCancelsBackgroundLoad(t *testing.T) {
	sess, _ := seeded()
	sess.user.Preferences = nil
	api := newBlockingBackend()
	store := preferences.New(api, sess)

	<-api.calls // background load is in flight
	assert.True(t, store.Loading())

	store.Close()
	assert.Nil(t, store.Current())
	assert.False(t, store.Loading())
}

func TestActivateJoinsBackgroundLoad(t *testing.T) {
	sess, base := seeded()
	sess.user.Preferences = nil
	api := newBlockingBackend()
	store := preferences.New(api, sess)
	defer store.Close()

	bg := <-api.calls
	activated := make(chan error, 1)
	go func() { activated <- store.Activate(context.Background()) }()

	assert.Never(t, func() bool { return api.hits.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	bg.reply <- &base

	require.NoError(t, <-activated)
	assert.Equal(t, int32(1), api.hits.Load())
	assert.Equal(t, backend.ThemeLight, store.Current().Theme)
}

func TestIncompleteBackendSnapshotIsRemoteError(t *testing.T) {
	sess, base := seeded()
	api := newBlockingBackend()
	store := preferences.New(api, sess)
	defer store.Close()

	pending := setAsync(store, theme(backend.ThemeDark))
	c := <-api.calls
	broken := base
	broken.Language = ""
	c.reply <- &broken

	err := (<-pending).err
	var remote *backend.RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "update preferences", remote.Op)
	assert.NotErrorIs(t, err, backend.ErrValidation)
	assert.Equal(t, backend.ThemeLight, store.Current().Theme)
}
