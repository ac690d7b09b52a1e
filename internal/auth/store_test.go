package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fileStore.Close() })

	sqliteStore, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func TestOneTimeCodeConsumeOnce(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AddOneTimeCode("alpha", "AAA"))

			ok, err := store.ConsumeOneTimeCode("alpha", "AAA")
			require.NoError(t, err)
			assert.True(t, ok)

			// Idempotent-false: every further consume returns false.
			for i := 0; i < 3; i++ {
				ok, err = store.ConsumeOneTimeCode("alpha", "AAA")
				require.NoError(t, err)
				assert.False(t, ok)
			}
		})
	}
}

func TestAddOneTimeCodeIsIdempotent(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AddOneTimeCode("alpha", "BBB"))
			require.NoError(t, store.AddOneTimeCode("alpha", "BBB"))

			ok, err := store.ConsumeOneTimeCode("alpha", "BBB")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = store.ConsumeOneTimeCode("alpha", "BBB")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCodesAreScopedPerAgent(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AddOneTimeCode("alpha", "CCC"))
			ok, err := store.ConsumeOneTimeCode("beta", "CCC")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			token, expiresAt, err := store.IssueSessionToken("alpha")
			require.NoError(t, err)
			assert.NotEmpty(t, token)
			assert.False(t, expiresAt.IsZero())

			valid, err := store.IsSessionValid("alpha", token)
			require.NoError(t, err)
			assert.True(t, valid)

			valid, err = store.IsSessionValid("alpha", "bogus")
			require.NoError(t, err)
			assert.False(t, valid)

			valid, err = store.IsSessionValid("beta", token)
			require.NoError(t, err)
			assert.False(t, valid)
		})
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.AddOneTimeCode("alpha", "DDD"))
	token, _, err := store.IssueSessionToken("alpha")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// The JSON files are canonical; the bbolt index rebuilds on open.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	valid, err := reopened.IsSessionValid("alpha", token)
	require.NoError(t, err)
	assert.True(t, valid)

	ok, err := reopened.ConsumeOneTimeCode("alpha", "DDD")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreWritesAreFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.AddOneTimeCode("alpha", "EEE"))
	_, _, err = store.IssueSessionToken("alpha")
	require.NoError(t, err)

	for _, file := range []string{"one_time_codes.json", "sessions.json"} {
		_, err := os.Stat(filepath.Join(dir, "auth", file))
		assert.NoError(t, err, "expected %s to exist", file)
	}
}
