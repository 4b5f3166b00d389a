package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Clear(ctx), "clearing an empty slot")

	require.NoError(t, s.Set(ctx, "t1"))
	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", got)

	require.NoError(t, s.Set(ctx, "t2"))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", got)

	require.NoError(t, s.Clear(ctx))
	_, err = s.Get(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Clear(ctx))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	s, err := NewFileStore(path, "")
	require.NoError(t, err)
	storeContract(t, s)
}

func TestFileStorePersistsAcrossInstancesAndKeepsOtherSlots(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	a, err := NewFileStore(path, "token")
	require.NoError(t, err)
	b, err := NewFileStore(path, "other")
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "t1"))
	require.NoError(t, b.Set(ctx, "o1"))

	reopened, err := NewFileStore(path, "token")
	require.NoError(t, err)
	got, err := reopened.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", got)

	require.NoError(t, reopened.Clear(ctx))
	got, err = b.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o1", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	s, err := NewFileStore(path, "")
	require.NoError(t, err)

	_, err = s.Get(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "credentials.db"), "")
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestSQLiteStoreSlotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "credentials.db")
	a, err := NewSQLiteStore(dsn, "token")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(dsn, "other")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Set(ctx, "t1"))
	_, err = b.Get(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEncryptedStore(t *testing.T) {
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, "correct horse")
	require.NoError(t, err)
	storeContract(t, s)
}

func TestEncryptedStoreHidesPlaintextAndRejectsWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, "correct horse")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "t1"))

	sealed, err := inner.Get(ctx)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "t1")

	wrong, err := NewEncryptedStore(inner, "battery staple")
	require.NoError(t, err)
	_, err = wrong.Get(ctx)
	assert.ErrorIs(t, err, ErrDecrypt)

	require.NoError(t, inner.Set(ctx, "garbage!"))
	_, err = s.Get(ctx)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewEncryptedStoreValidation(t *testing.T) {
	_, err := NewEncryptedStore(nil, "x")
	assert.Error(t, err)
	_, err = NewEncryptedStore(NewMemoryStore(), "")
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb, err := DialRedis(addr)
	require.NoError(t, err)
	defer rdb.Close()

	s, err := NewRedisStore(rdb, "prefs-assistant-test:"+t.Name())
	require.NoError(t, err)
	storeContract(t, s)
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil, "")
	assert.Error(t, err)
	_, err = DialRedis(" ")
	assert.Error(t, err)
}
