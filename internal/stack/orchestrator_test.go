package stack

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forgecore/internal/git"
	"forgecore/internal/lock"
	"forgecore/internal/observability"
	"forgecore/internal/testutil"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dirLocator string

func (d dirLocator) Locate(ctx context.Context, repoPath string) (string, error) {
	return string(d), nil
}

func newManager() *lock.Manager {
	return lock.NewManager(lock.NewMemoryStore(0), lock.WithDefaults(lock.Options{
		TTL:        time.Minute,
		RetryCount: 0,
		RetryDelay: time.Millisecond,
	}))
}

// buildStack creates main <- a <- b <- c and then moves main forward. With
// conflict set, b and main edit the same file differently.
func buildStack(t *testing.T, conflict bool) (*testutil.Repo, *models.Stack) {
	t.Helper()
	repo := testutil.NewRepo(t)
	repo.Branch("a")
	repo.Commit("a.txt", "a\n", "a")
	repo.Branch("b")
	if conflict {
		repo.Commit("shared.txt", "b side\n", "b")
	} else {
		repo.Commit("b.txt", "b\n", "b")
	}
	repo.Branch("c")
	repo.Commit("c.txt", "c\n", "c")
	repo.Checkout("main")
	if conflict {
		repo.Commit("shared.txt", "main side\n", "main moves")
	} else {
		repo.Commit("main.txt", "main\n", "main moves")
	}

	return repo, &models.Stack{
		ID:   "s1",
		Repo: "team/app",
		Base: "main",
		Entries: []models.StackEntry{
			{ID: "a", Branch: "a"},
			{ID: "b", Branch: "b"},
			{ID: "c", Branch: "c"},
		},
	}
}

func assertStacked(t *testing.T, repo *testutil.Repo, parent, child string) {
	t.Helper()
	assert.Equal(t, repo.Tip(parent), repo.Tip(child+"~1"), "%s sits on %s", child, parent)
}

func TestRebaseWholeStack(t *testing.T) {
	repo, st := buildStack(t, false)
	locks := newManager()
	orch := NewOrchestrator(locks, git.NewRunner(""), dirLocator(repo.Dir))

	result, err := orch.Rebase(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCompleted, result.Outcome())
	require.Len(t, result.Rebased, 3)
	assert.Empty(t, result.Conflicted)
	assert.Empty(t, result.Skipped)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, result.Rebased[i].EntryID)
		assert.Equal(t, repo.Tip(id), result.Rebased[i].NewHeadSHA)
	}

	assertStacked(t, repo, "main", "a")
	assertStacked(t, repo, "a", "b")
	assertStacked(t, repo, "b", "c")
	assert.Equal(t, "main", repo.Git("symbolic-ref", "--short", "HEAD"))

	assert.Equal(t, repo.Tip("main"), st.Entries[0].BaseSHA)
	assert.Equal(t, repo.Tip("a"), st.Entries[0].HeadSHA)
	assert.Equal(t, repo.Tip("a"), st.Entries[1].BaseSHA)
	assert.Equal(t, repo.Tip("c"), st.Entries[2].HeadSHA)

	held, err := locks.Acquire(context.Background(), lock.RepoKey("team/app"), lock.Options{})
	require.NoError(t, err, "lock is released after the run")
	require.NoError(t, held.Release(context.Background()))
}

func TestRebaseStopsAtConflict(t *testing.T) {
	repo, st := buildStack(t, true)
	bBefore, cBefore := repo.Tip("b"), repo.Tip("c")
	orch := NewOrchestrator(newManager(), git.NewRunner(""), dirLocator(repo.Dir))

	result, err := orch.Rebase(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeConflicted, result.Outcome())
	require.Len(t, result.Rebased, 1)
	assert.Equal(t, "a", result.Rebased[0].EntryID)
	require.Len(t, result.Conflicted, 1)
	assert.Equal(t, "b", result.Conflicted[0].EntryID)
	assert.Equal(t, []string{"shared.txt"}, result.Conflicted[0].ConflictFiles)
	assert.Equal(t, []string{"c"}, result.Skipped)

	assertStacked(t, repo, "main", "a")
	assert.Equal(t, bBefore, repo.Tip("b"), "conflicted branch is restored")
	assert.Equal(t, cBefore, repo.Tip("c"), "skipped branch is untouched")
	assert.Equal(t, "main", repo.Git("symbolic-ref", "--short", "HEAD"))
	assert.NoDirExists(t, filepath.Join(repo.Dir, ".git", "rebase-merge"))
	assert.Empty(t, repo.Git("status", "--porcelain"))
}

func TestRebaseIsIdempotent(t *testing.T) {
	repo, st := buildStack(t, false)
	orch := NewOrchestrator(newManager(), git.NewRunner(""), dirLocator(repo.Dir))

	_, err := orch.Rebase(context.Background(), st)
	require.NoError(t, err)
	tips := map[string]string{"a": repo.Tip("a"), "b": repo.Tip("b"), "c": repo.Tip("c")}

	result, err := orch.Rebase(context.Background(), st)
	require.NoError(t, err)
	assert.Empty(t, result.Rebased)
	assert.Equal(t, []string{"a", "b", "c"}, result.Unchanged)
	for branch, tip := range tips {
		assert.Equal(t, tip, repo.Tip(branch))
	}
}

func TestRebaseLockUnavailable(t *testing.T) {
	repo, st := buildStack(t, false)
	aBefore := repo.Tip("a")
	locks := newManager()
	ctx := context.Background()

	held, err := locks.Acquire(ctx, lock.RepoKey("team/app"), lock.Options{})
	require.NoError(t, err)
	defer held.Release(ctx) //nolint:errcheck

	reg := prometheus.NewRegistry()
	orch := NewOrchestrator(locks, git.NewRunner(""), dirLocator(repo.Dir),
		WithMetrics(observability.NewMetrics(reg)))

	result, err := orch.Rebase(ctx, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLockUnavailable)
	assert.True(t, result.LockUnavailable)
	assert.Equal(t, models.OutcomeLockUnavailable, result.Outcome())
	assert.Empty(t, result.Rebased)
	assert.Equal(t, aBefore, repo.Tip("a"), "no partial work")

	count, err := promtest.GatherAndCount(reg, "forgecore_stack_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRebaseMissingBranchFails(t *testing.T) {
	repo, st := buildStack(t, false)
	st.Entries[1].Branch = "does-not-exist"
	st.Entries[1].ID = "missing"
	orch := NewOrchestrator(newManager(), git.NewRunner(""), dirLocator(repo.Dir))

	result, err := orch.Rebase(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, result.Outcome())
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "missing", result.Failed[0].EntryID)
	assert.Contains(t, result.Failed[0].Reason, "not found")
	assert.Equal(t, []string{"c"}, result.Skipped)
}

func TestRebaseInvalidStack(t *testing.T) {
	orch := NewOrchestrator(newManager(), git.NewRunner(""), dirLocator(t.TempDir()))
	_, err := orch.Rebase(context.Background(), &models.Stack{ID: "x", Repo: "app", Base: "main"})
	assert.Equal(t, errors.ErrCodeStackInvalid, errors.GetErrorCode(err))
}

func TestRebaseBareRepository(t *testing.T) {
	src, st := buildStack(t, false)
	root := t.TempDir()
	bare := testutil.NewBareRepo(t, src, root, "team/app.git")
	locator, err := git.NewLocator(root)
	require.NoError(t, err)
	worktrees := t.TempDir()

	store := NewFileStore(filepath.Join(t.TempDir(), "stacks.yaml"))
	require.NoError(t, store.Save(context.Background(), st))

	orch := NewOrchestrator(newManager(), git.NewRunner(""), locator,
		WithWorktreeDir(worktrees), WithStore(store))

	result, err := orch.Rebase(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, result.Rebased, 3)

	mainTip, err := git.BranchTip(bare, "main")
	require.NoError(t, err)
	aTip, err := git.BranchTip(bare, "a")
	require.NoError(t, err)
	assert.Equal(t, result.Rebased[0].NewHeadSHA, aTip)

	behind, _, err := git.NewRunner("").LeftRightCount(context.Background(), bare, mainTip, aTip)
	require.NoError(t, err)
	assert.Zero(t, behind)

	left, err := os.ReadDir(worktrees)
	require.NoError(t, err)
	assert.Empty(t, left, "temporary worktree removed")

	saved, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, aTip, saved.Entries[0].HeadSHA)
	assert.Equal(t, mainTip, saved.Entries[0].BaseSHA)
}

func TestNeedsRebaseAndStatus(t *testing.T) {
	repo, st := buildStack(t, false)
	orch := NewOrchestrator(newManager(), git.NewRunner(""), dirLocator(repo.Dir))
	ctx := context.Background()

	status, err := orch.NeedsRebase(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "main", status.Base)
	assert.Equal(t, "a", status.First)
	assert.Equal(t, 1, status.BehindBy)
	assert.Equal(t, 1, status.AheadBy)
	assert.True(t, status.NeedsRebase)

	all, err := orch.Status(ctx, st)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.False(t, all[1].NeedsRebase)
	assert.False(t, all[2].NeedsRebase)

	_, err = orch.Rebase(ctx, st)
	require.NoError(t, err)
	status, err = orch.NeedsRebase(ctx, st)
	require.NoError(t, err)
	assert.False(t, status.NeedsRebase)
}
