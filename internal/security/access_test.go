package security

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	stderrors "errors"
	"strings"
	"testing"

	"forgecore/internal/transport"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newPublicKey(t *testing.T) (ssh.PublicKey, string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))) + " someone@laptop"
	return key, line
}

func TestRegistry(t *testing.T) {
	aliceKey, aliceLine := newPublicKey(t)
	bobKey, bobLine := newPublicKey(t)
	strangerKey, _ := newPublicKey(t)

	reg, err := NewRegistry(models.AccessConfig{Users: []models.User{
		{ID: "alice", Keys: []string{aliceLine}, Write: true},
		{ID: "bob", Keys: []string{bobLine}, Read: true, Repos: []string{"team/*", "/docs"}},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, reg.Users())

	ctx := context.Background()

	id, err := reg.Authenticate(ctx, "git", aliceKey)
	require.NoError(t, err)
	assert.Equal(t, transport.Identity{UserID: "alice", CanRead: true, CanWrite: true}, id, "write implies read")

	id, err = reg.Authenticate(ctx, "git", bobKey)
	require.NoError(t, err)
	assert.Equal(t, transport.Identity{UserID: "bob", CanRead: true}, id)

	_, err = reg.Authenticate(ctx, "git", strangerKey)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrAuthenticationRejected))

	tests := []struct {
		user string
		repo string
		op   transport.Op
		want bool
	}{
		{"alice", "anything/at/all.git", transport.OpReceivePack, true},
		{"bob", "team/app.git", transport.OpUploadPack, true},
		{"bob", "team/app.git", transport.OpReceivePack, false},
		{"bob", "docs.git", transport.OpUploadPack, true},
		{"bob", "team/sub/app.git", transport.OpUploadPack, false},
		{"bob", "other.git", transport.OpUploadPack, false},
		{"nobody", "team/app.git", transport.OpUploadPack, false},
	}
	for _, tt := range tests {
		got, err := reg.AuthorizeRepo(ctx, tt.user, tt.repo, tt.op)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s %s", tt.user, tt.op, tt.repo)
	}
}

func TestRegistryReload(t *testing.T) {
	key, line := newPublicKey(t)
	reg, err := NewRegistry(models.AccessConfig{Users: []models.User{{ID: "alice", Keys: []string{line}, Read: true}}}, nil)
	require.NoError(t, err)

	err = reg.Reload(models.AccessConfig{Users: []models.User{{ID: "alice", Keys: []string{"ssh-ed25519 garbage"}}}})
	require.Error(t, err)
	_, err = reg.Authenticate(context.Background(), "git", key)
	assert.NoError(t, err, "failed reload keeps the previous users")

	require.NoError(t, reg.Reload(models.AccessConfig{}))
	_, err = reg.Authenticate(context.Background(), "git", key)
	assert.Error(t, err)
}

func TestRegistryRejectsBadConfig(t *testing.T) {
	_, line := newPublicKey(t)

	tests := []struct {
		name  string
		users []models.User
		field string
	}{
		{"missing id", []models.User{{Keys: []string{line}}}, "access.users[0].id"},
		{"duplicate id", []models.User{{ID: "a"}, {ID: "a"}}, "access.users[1].id"},
		{"shared key", []models.User{{ID: "a", Keys: []string{line}}, {ID: "b", Keys: []string{line}}}, "access.users[1].keys[0]"},
		{"bad pattern", []models.User{{ID: "a", Repos: []string{"team/["}}}, "access.users[0].repos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(models.AccessConfig{Users: tt.users}, nil)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetErrorCode(err))
			assert.Equal(t, tt.field, err.(*errors.AppError).Context["field"])
		})
	}
}
