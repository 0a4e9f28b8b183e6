package cmd

import (
	"context"
	"encoding/json"
	"testing"

	"forgecore/internal/testutil"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostedStack builds main <- a <- b, advances main and hosts the result as
// team/app.git under a fresh repository root
func hostedStack(t *testing.T) string {
	t.Helper()
	src := testutil.NewRepo(t)
	src.Branch("a")
	src.Commit("a.txt", "a\n", "add a")
	src.Branch("b")
	src.Commit("b.txt", "b\n", "add b")
	src.Checkout("main")
	src.Commit("main.txt", "main\n", "advance main")

	root := t.TempDir()
	testutil.NewBareRepo(t, src, root, "team/app.git")
	return root
}

func TestStackLifecycle(t *testing.T) {
	root := hostedStack(t)
	cfg := testConfig(t, root, "")
	ctx := context.Background()

	out, _, err := execute(t, ctx, "--config", cfg, "stack", "create", "login", "--repo", "team/app", "--base", "main", "a", "b")
	require.NoError(t, err)
	assert.Contains(t, out, "main <- a <- b")

	out, _, err = execute(t, ctx, "--config", cfg, "stack", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "login")
	assert.Contains(t, out, "team/app.git")

	out, _, err = execute(t, ctx, "--config", cfg, "stack", "status", "login", "--json")
	require.NoError(t, err)
	var before []models.StackStatus
	require.NoError(t, json.Unmarshal([]byte(out), &before))
	require.Len(t, before, 2)
	assert.True(t, before[0].NeedsRebase)
	assert.Equal(t, 1, before[0].BehindBy)
	assert.False(t, before[1].NeedsRebase)

	out, _, err = execute(t, ctx, "--config", cfg, "stack", "rebase", "login", "--json")
	require.NoError(t, err)
	var result models.RebaseResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, models.OutcomeCompleted, result.Outcome())
	require.Len(t, result.Rebased, 2)
	assert.Equal(t, "a", result.Rebased[0].Branch)
	assert.Equal(t, "b", result.Rebased[1].Branch)

	out, _, err = execute(t, ctx, "--config", cfg, "stack", "status", "login", "--json")
	require.NoError(t, err)
	var after []models.StackStatus
	require.NoError(t, json.Unmarshal([]byte(out), &after))
	for _, s := range after {
		assert.False(t, s.NeedsRebase, "%s should be on top of %s", s.First, s.Base)
	}

	out, _, err = execute(t, ctx, "--config", cfg, "stack", "rebase", "login", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "unchanged")

	_, _, err = execute(t, ctx, "--config", cfg, "stack", "delete", "login")
	require.NoError(t, err)
	_, _, err = execute(t, ctx, "--config", cfg, "stack", "status", "login")
	assert.Equal(t, errors.ErrCodeStackNotFound, errors.GetErrorCode(err))
}

func TestStackCreateUnknownRepo(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), "")
	_, _, err := execute(t, context.Background(), "--config", cfg, "stack", "create", "s", "--repo", "missing", "a")
	assert.Equal(t, errors.ErrCodeRepoNotFound, errors.GetErrorCode(err))
}

func TestStackStatusNeedsID(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), "")
	_, _, err := execute(t, context.Background(), "--config", cfg, "stack", "status")
	assert.Equal(t, errors.ErrCodeInvalidArg, errors.GetErrorCode(err))
}

func TestResultError(t *testing.T) {
	s := &models.Stack{ID: "s1"}

	assert.NoError(t, resultError(s, &models.RebaseResult{}))

	err := resultError(s, &models.RebaseResult{
		Conflicted: []models.ConflictedEntry{{EntryID: "b", Branch: "b", ConflictFiles: []string{"x.go"}}},
		Skipped:    []string{"c"},
	})
	assert.Equal(t, errors.ErrCodeRebaseConflict, errors.GetErrorCode(err))
	assert.Contains(t, err.Error(), "forgecore stack rebase s1")

	err = resultError(s, &models.RebaseResult{
		Failed: []models.FailedEntry{{EntryID: "a", Branch: "a", Reason: "branch not found"}},
	})
	assert.Equal(t, errors.ErrCodeGit, errors.GetErrorCode(err))
	assert.Contains(t, err.Error(), "branch not found")
}
