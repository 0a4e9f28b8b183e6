package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"forgecore/internal/testutil"
	"forgecore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoInitAndList(t *testing.T) {
	testutil.RequireGit(t)
	root := t.TempDir()
	cfg := testConfig(t, root, "")
	ctx := context.Background()

	out, _, err := execute(t, ctx, "--config", cfg, "repo", "init", "team/app")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(root, "team", "app.git"))

	_, _, err = execute(t, ctx, "--config", cfg, "repo", "init", "tools.git", "--branch", "trunk", "--empty")
	require.NoError(t, err)

	_, _, err = execute(t, ctx, "--config", cfg, "repo", "init", "team/app.git")
	assert.Equal(t, errors.ErrCodeRepoExists, errors.GetErrorCode(err))

	out, _, err = execute(t, ctx, "--config", cfg, "repo", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "team/app.git")
	assert.Contains(t, out, "main")
	assert.Contains(t, out, "tools.git")
}

func TestRepoInitRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root, "")

	_, _, err := execute(t, context.Background(), "--config", cfg, "repo", "init", "../escape")
	assert.Equal(t, errors.ErrCodeRepoInvalidPath, errors.GetErrorCode(err))

	_, statErr := os.Stat(filepath.Join(filepath.Dir(root), "escape.git"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRepoCommandsNeedRoot(t *testing.T) {
	cfg := testutil.NewTestHelper(t).ConfigFile("logging:\n  level: error\n")
	_, _, err := execute(t, context.Background(), "--config", cfg, "repo", "list")
	assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetErrorCode(err))
}
