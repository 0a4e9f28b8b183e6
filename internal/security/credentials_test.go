package security

import (
	"os"
	"path/filepath"
	"testing"

	"forgecore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestCredentialStoreFiles(t *testing.T) {
	dir := t.TempDir()

	t.Run("Create store", func(t *testing.T) {
		cs, err := NewCredentialStore(dir, WithKeyring(false))
		require.NoError(t, err)
		assert.False(t, cs.UsesKeyring())
		assert.Len(t, cs.masterKey, keySize)

		info, err := os.Stat(filepath.Join(dir, ".master"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("Store and look up", func(t *testing.T) {
		cs, err := NewCredentialStore(dir, WithKeyring(false))
		require.NoError(t, err)

		require.NoError(t, cs.Store("redis-password", "s3cret"))

		raw, err := os.ReadFile(filepath.Join(dir, "redis-password.cred"))
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "s3cret")

		// a second instance reuses the persisted master key
		again, err := NewCredentialStore(dir, WithKeyring(false))
		require.NoError(t, err)
		v, err := again.Lookup("redis-password")
		require.NoError(t, err)
		assert.Equal(t, "s3cret", v)
	})

	t.Run("List and delete", func(t *testing.T) {
		cs, err := NewCredentialStore(dir, WithKeyring(false))
		require.NoError(t, err)
		require.NoError(t, cs.Store("mirror-token", "ghp_x"))

		names, err := cs.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"mirror-token", "redis-password"}, names)

		require.NoError(t, cs.Delete("mirror-token"))
		require.NoError(t, cs.Delete("mirror-token"), "deleting twice is fine")

		_, err = cs.Lookup("mirror-token")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeConfigNotFound, errors.GetErrorCode(err))
	})
}

func TestCredentialStoreKeyring(t *testing.T) {
	keyring.MockInit()

	cs, err := NewCredentialStore(t.TempDir(), WithKeyring(true))
	require.NoError(t, err)
	assert.True(t, cs.UsesKeyring())

	require.NoError(t, cs.Store("sql-dsn", "postgres://forge@db/locks"))
	v, err := cs.Lookup("sql-dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://forge@db/locks", v)

	stored, err := keyring.Get("forgecore", "sql-dsn")
	require.NoError(t, err)
	assert.Equal(t, v, stored)

	require.NoError(t, cs.Delete("sql-dsn"))
	require.NoError(t, cs.Delete("sql-dsn"))
	_, err = cs.Lookup("sql-dsn")
	assert.Error(t, err)

	names, err := cs.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCredentialEnvOverride(t *testing.T) {
	keyring.MockInit()
	cs, err := NewCredentialStore(t.TempDir(), WithKeyring(true))
	require.NoError(t, err)
	require.NoError(t, cs.Store("redis-password", "from-keyring"))

	t.Setenv("FORGECORE_SECRET_REDIS_PASSWORD", "from-env")
	v, err := cs.Lookup("redis-password")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestCredentialNames(t *testing.T) {
	assert.Equal(t, "FORGECORE_SECRET_MIRROR_GITHUB_TOKEN", EnvName("mirror.github-token"))

	cs, err := NewCredentialStore(t.TempDir(), WithKeyring(false))
	require.NoError(t, err)
	for _, name := range []string{"", "../master", "a/b", ".hidden"} {
		_, err := cs.Lookup(name)
		require.Error(t, err, name)
		assert.Equal(t, errors.ErrCodeInvalidArg, errors.GetErrorCode(err), name)
		assert.Error(t, cs.Store(name, "x"), name)
	}
}
