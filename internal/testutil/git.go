package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"forgecore/internal/common"
)

// RequireGit skips the test when no git binary is on PATH
func RequireGit(t *testing.T) string {
	t.Helper()
	bin, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git binary not available")
	}
	return bin
}

// Repo is a scratch repository driven through the git command line
type Repo struct {
	t   *testing.T
	Dir string
}

// NewRepo creates a non-bare repository with one commit on main
func NewRepo(t *testing.T) *Repo {
	t.Helper()
	RequireGit(t)
	r := &Repo{t: t, Dir: filepath.Join(t.TempDir(), "work")}
	if err := os.MkdirAll(r.Dir, common.DirPermissionNormal); err != nil {
		t.Fatalf("Failed to create repo dir: %v", err)
	}
	r.Git("init", "--quiet", "--initial-branch=main")
	r.Commit("README.md", "# test\n", "initial")
	return r
}

// NewBareRepo clones src into a bare repository at root/name and returns its path
func NewBareRepo(t *testing.T, src *Repo, root, name string) string {
	t.Helper()
	dst := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(dst), common.DirPermissionNormal); err != nil {
		t.Fatalf("Failed to create repo dir: %v", err)
	}
	gitCmd(t, root, "clone", "--quiet", "--bare", src.Dir, dst)
	return dst
}

// Git runs git in the repository and returns trimmed stdout
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	return gitCmd(r.t, r.Dir, args...)
}

// Commit writes file and commits it on the current branch, returning the new tip
func (r *Repo) Commit(file, content, message string) string {
	r.t.Helper()
	path := filepath.Join(r.Dir, file)
	if err := os.MkdirAll(filepath.Dir(path), common.DirPermissionNormal); err != nil {
		r.t.Fatalf("Failed to create directories: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), common.FilePermissionNormal); err != nil {
		r.t.Fatalf("Failed to write %s: %v", file, err)
	}
	r.Git("add", file)
	r.Git("commit", "--quiet", "-m", message)
	return r.Tip("HEAD")
}

// Branch creates branch at the current HEAD and checks it out
func (r *Repo) Branch(name string) {
	r.t.Helper()
	r.Git("checkout", "--quiet", "-b", name)
}

// Checkout switches to an existing branch
func (r *Repo) Checkout(name string) {
	r.t.Helper()
	r.Git("checkout", "--quiet", name)
}

// Tip resolves rev to a commit id
func (r *Repo) Tip(rev string) string {
	r.t.Helper()
	return r.Git("rev-parse", rev)
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-c", "user.name=Test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}
