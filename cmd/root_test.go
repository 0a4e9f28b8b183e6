package cmd

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"forgecore/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI with args and returns stdout and stderr
func execute(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--no-color"}, args...))
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// testConfig writes config.yaml into a fresh state directory that also holds
// the host key and the stack file. extra is appended verbatim.
func testConfig(t *testing.T, repoRoot, extra string) string {
	t.Helper()
	state := t.TempDir()
	body := fmt.Sprintf(`
ssh:
  repo_root: %s
  host_key_path: %s
stacks:
  path: %s
logging:
  level: error
%s`, repoRoot, filepath.Join(state, "host_key"), filepath.Join(state, "stacks.yaml"), extra)
	return testutil.NewTestHelper(t).WriteFile(state, "config.yaml", body)
}

func TestRootHelp(t *testing.T) {
	out, _, err := execute(t, context.Background(), "--help")
	require.NoError(t, err)

	for _, name := range []string{"serve", "repo", "lock", "stack", "mirror", "init", "version"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "serves Git repositories over SSH")
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "forgecore version dev"))
}

func TestUnknownCommand(t *testing.T) {
	_, _, err := execute(t, context.Background(), "deploy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestInvalidConfig(t *testing.T) {
	cfg := testutil.NewTestHelper(t).ConfigFile("lock:\n  backend: etcd\n")
	_, _, err := execute(t, context.Background(), "--config", cfg, "lock", "acquire", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown lock backend")
}
