package stack

import (
	"context"
	"path/filepath"
	"testing"

	"forgecore/internal/git"
	"forgecore/internal/lock"
	"forgecore/internal/transport"
	"forgecore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const zeroSHA = "0000000000000000000000000000000000000000"

func TestRestackHook(t *testing.T) {
	ctx := context.Background()
	repo, st := buildStack(t, false)
	store := NewFileStore(filepath.Join(t.TempDir(), "stacks.yaml"))
	require.NoError(t, store.Save(ctx, st))

	locks := newManager()
	orch := NewOrchestrator(locks, git.NewRunner(""), dirLocator(repo.Dir), WithStore(store))
	hook := NewRestackHook(orch, store, nil)
	aBefore := repo.Tip("a")

	t.Run("unrelated branch", func(t *testing.T) {
		err := hook.OnPush(ctx, transport.PushEvent{
			UserID:   "alice",
			RepoPath: "team/app.git",
			Refs:     []transport.RefUpdate{{OldSHA: zeroSHA, NewSHA: repo.Tip("main"), Ref: "refs/heads/other"}},
		})
		require.NoError(t, err)
		assert.Equal(t, aBefore, repo.Tip("a"))
	})

	t.Run("deleted branch and tags", func(t *testing.T) {
		err := hook.OnPush(ctx, transport.PushEvent{
			RepoPath: "team/app.git",
			Refs: []transport.RefUpdate{
				{OldSHA: repo.Tip("main"), NewSHA: zeroSHA, Ref: "refs/heads/main"},
				{OldSHA: zeroSHA, NewSHA: repo.Tip("main"), Ref: "refs/tags/v1"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, aBefore, repo.Tip("a"))
	})

	t.Run("repository locked", func(t *testing.T) {
		held, err := locks.Acquire(ctx, lock.RepoKey("team/app.git"), lock.Options{})
		require.NoError(t, err)
		err = hook.OnPush(ctx, transport.PushEvent{
			RepoPath: "team/app.git",
			Refs:     []transport.RefUpdate{{OldSHA: zeroSHA, NewSHA: repo.Tip("main"), Ref: "refs/heads/main"}},
		})
		assert.ErrorIs(t, err, errors.ErrLockUnavailable)
		require.NoError(t, held.Release(ctx))
		assert.Equal(t, aBefore, repo.Tip("a"))
	})

	t.Run("base pushed", func(t *testing.T) {
		err := hook.OnPush(ctx, transport.PushEvent{
			UserID:   "alice",
			RepoPath: "/team/app",
			Refs:     []transport.RefUpdate{{OldSHA: zeroSHA, NewSHA: repo.Tip("main"), Ref: "refs/heads/main"}},
		})
		require.NoError(t, err)
		assertStacked(t, repo, "main", "a")
		assertStacked(t, repo, "b", "c")

		saved, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, repo.Tip("c"), saved.Entries[2].HeadSHA)
	})
}
