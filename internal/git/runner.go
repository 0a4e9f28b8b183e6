package git

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"forgecore/internal/observability"
	"forgecore/pkg/errors"
)

// Runner executes the git command line inside a working tree. go-git covers
// object and ref access; rebases, worktrees and conflict state need the real
// binary.
type Runner struct {
	binary         string
	timeout        time.Duration
	committerName  string
	committerEmail string
	logger         *observability.Logger
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithTimeout bounds every git invocation
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithCommitter sets the committer recorded on rewritten commits
func WithCommitter(name, email string) RunnerOption {
	return func(r *Runner) {
		if name != "" {
			r.committerName = name
		}
		if email != "" {
			r.committerEmail = email
		}
	}
}

// WithRunnerLogger logs every failed invocation
func WithRunnerLogger(logger *observability.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner for binary ("git" when empty)
func NewRunner(binary string, opts ...RunnerOption) *Runner {
	if binary == "" {
		binary = "git"
	}
	r := &Runner{
		binary:         binary,
		timeout:        2 * time.Minute,
		committerName:  "forgecore",
		committerEmail: "forgecore@localhost",
		logger:         observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Binary returns the git executable used
func (r *Runner) Binary() string {
	return r.binary
}

// Run executes git args in dir and returns trimmed stdout. Failures carry
// the exit code and stderr in the error context.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.binary, args...) // #nosec G204 - args are built by this package
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"LC_ALL=C",
		"GIT_COMMITTER_NAME="+r.committerName,
		"GIT_COMMITTER_EMAIL="+r.committerEmail,
		"GIT_EDITOR=true",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimRight(stdout.String(), "\n")
	if err == nil {
		return out, nil
	}

	code := errors.ErrCodeGit
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		code = errors.ErrCodeTimeout
	}
	subcommand := firstCommand(args)
	appErr := errors.Wrap(err, code, fmt.Sprintf("git %s failed", subcommand)).
		WithContext("args", strings.Join(args, " ")).
		WithContext("dir", dir).
		WithContext("stderr", strings.TrimSpace(stderr.String()))
	if ee, ok := err.(*exec.ExitError); ok {
		appErr = appErr.WithContext("exit_code", ee.ExitCode())
	}

	r.logger.DebugWithFields("git command failed", map[string]interface{}{
		"args":   strings.Join(args, " "),
		"dir":    dir,
		"stderr": strings.TrimSpace(stderr.String()),
	})
	return out, appErr
}

// Checkout switches the working tree to branch
func (r *Runner) Checkout(ctx context.Context, dir, branch string) error {
	_, err := r.Run(ctx, dir, "checkout", "--quiet", branch, "--")
	return err
}

// Rebase replays the checked out branch onto onto. With a non-empty
// upstream only the commits after upstream are replayed, which is what a
// stacked branch needs once its parent has been rewritten. A conflict leaves
// the rebase in progress and returns an error matching
// errors.ErrRebaseConflict that lists the conflicting files; callers must
// AbortRebase.
func (r *Runner) Rebase(ctx context.Context, dir, branch, onto, upstream string) error {
	args := []string{"rebase", "--quiet", onto}
	if upstream != "" && upstream != onto {
		args = []string{"rebase", "--quiet", "--onto", onto, upstream}
	}
	_, err := r.Run(ctx, dir, args...)
	if err == nil {
		return nil
	}
	if !r.RebaseInProgress(ctx, dir) {
		return err
	}
	files, ferr := r.ConflictFiles(ctx, dir)
	if ferr != nil {
		files = nil
	}
	return errors.RebaseConflict(branch, files).WithContext("onto", onto)
}

// AbortRebase restores the branch to its state before the rebase
func (r *Runner) AbortRebase(ctx context.Context, dir string) error {
	_, err := r.Run(ctx, dir, "rebase", "--abort")
	return err
}

// RebaseInProgress reports whether dir has a stopped rebase
func (r *Runner) RebaseInProgress(ctx context.Context, dir string) bool {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		p, err := r.Run(ctx, dir, "rev-parse", "--git-path", name)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// ConflictFiles lists paths with unresolved merge conflicts
func (r *Runner) ConflictFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := r.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// RevParse resolves rev to a full commit id
func (r *Runner) RevParse(ctx context.Context, dir, rev string) (string, error) {
	return r.Run(ctx, dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
}

// LeftRightCount returns the number of commits only reachable from left and
// only reachable from right
func (r *Runner) LeftRightCount(ctx context.Context, dir, left, right string) (int, int, error) {
	out, err := r.Run(ctx, dir, "rev-list", "--left-right", "--count", left+"..."+right)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, errors.New(errors.ErrCodeGit, "unexpected rev-list output").WithContext("output", out)
	}
	l, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrCodeGit, "unexpected rev-list output")
	}
	rr, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrCodeGit, "unexpected rev-list output")
	}
	return l, rr, nil
}

// IsBare reports whether dir is a bare repository
func (r *Runner) IsBare(ctx context.Context, dir string) (bool, error) {
	out, err := r.Run(ctx, dir, "rev-parse", "--is-bare-repository")
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

// CurrentBranch returns the checked out branch, or "" on a detached HEAD
func (r *Runner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := r.Run(ctx, dir, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		if errors.GetErrorCode(err) == errors.ErrCodeGit {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// AddWorktree creates a detached linked worktree of repoDir at path
func (r *Runner) AddWorktree(ctx context.Context, repoDir, path string) error {
	_, err := r.Run(ctx, repoDir, "worktree", "add", "--detach", "--quiet", path)
	return err
}

// RemoveWorktree deletes a linked worktree and prunes its metadata
func (r *Runner) RemoveWorktree(ctx context.Context, repoDir, path string) error {
	_, err := r.Run(ctx, repoDir, "worktree", "remove", "--force", path)
	if _, perr := r.Run(ctx, repoDir, "worktree", "prune"); err == nil {
		err = perr
	}
	return err
}

func firstCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" || args[i] == "-C" {
			i++
			continue
		}
		if !strings.HasPrefix(args[i], "-") {
			return args[i]
		}
	}
	return ""
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
