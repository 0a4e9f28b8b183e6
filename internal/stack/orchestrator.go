// Package stack rebases chains of dependent branches.
//
// A stack is a base branch followed by entries, each entry branched off the
// one before it. A run takes the repository lock, then walks the entries in
// order and rebases each one onto its (possibly just rewritten) parent. The
// first conflict aborts that rebase and ends the run; entries after it are
// reported as skipped and never touched. Whatever happens, the working tree
// goes back to the base branch and the lock is released.
package stack

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	"forgecore/internal/git"
	"forgecore/internal/lock"
	"forgecore/internal/observability"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"
)

// Entry states used for metrics
const (
	StateRebased    = "rebased"
	StateUnchanged  = "unchanged"
	StateConflicted = "conflicted"
	StateFailed     = "failed"
	StateSkipped    = "skipped"
)

// Locator resolves a normalized repository path to its directory.
// git.Locator implements it.
type Locator interface {
	Locate(ctx context.Context, repoPath string) (string, error)
}

// Orchestrator runs stack rebases. Runs against the same repository are
// serialized by the lock manager, across processes when the manager uses a
// shared store.
type Orchestrator struct {
	locks       *lock.Manager
	runner      *git.Runner
	locator     Locator
	store       Store
	worktreeDir string
	lockOpts    lock.Options
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithStore persists entry SHAs after every successful step
func WithStore(store Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithWorktreeDir sets where temporary worktrees for bare repositories go
func WithWorktreeDir(dir string) Option {
	return func(o *Orchestrator) { o.worktreeDir = dir }
}

// WithLockOptions overrides the TTL and retry policy of the repository lock
func WithLockOptions(opts lock.Options) Option {
	return func(o *Orchestrator) { o.lockOpts = opts }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records run and entry counters
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(locks *lock.Manager, runner *git.Runner, locator Locator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		locks:   locks,
		runner:  runner,
		locator: locator,
		logger:  observability.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Rebase runs the stack. The result is always returned. The error is set
// only when the run could not start: an invalid stack, a missing repository,
// an unavailable lock (matching errors.ErrLockUnavailable) or a failure to
// prepare the working tree. Conflicts and per-entry failures are reported in
// the result.
func (o *Orchestrator) Rebase(ctx context.Context, stack *models.Stack) (*models.RebaseResult, error) {
	result := &models.RebaseResult{StackID: stack.ID, StartedAt: o.now()}
	defer func() { result.FinishedAt = o.now() }()

	if err := Prepare(stack); err != nil {
		return result, err
	}
	dir, err := o.locator.Locate(ctx, stack.Repo)
	if err != nil {
		return result, err
	}

	log := o.logger.WithFields(map[string]interface{}{
		"stack_id": stack.ID,
		"repo":     stack.Repo,
	})

	started := false
	err = o.locks.WithLock(ctx, lock.RepoKey(stack.Repo), o.lockOpts, func(ctx context.Context, l *lock.Lock) error {
		started = true
		return o.run(ctx, l, dir, stack, result, log)
	})

	if !started {
		if stderrors.Is(err, errors.ErrLockUnavailable) {
			result.LockUnavailable = true
			log.WarnWithFields("stack rebase skipped, repository is locked", map[string]interface{}{
				"lock_key": lock.RepoKey(stack.Repo),
			})
			o.metrics.StackRun(models.OutcomeLockUnavailable)
		} else {
			o.metrics.StackRun(models.OutcomeFailed)
		}
		return result, err
	}

	o.record(result)
	log.InfoWithFields("stack rebase finished", map[string]interface{}{
		"outcome":    result.Outcome(),
		"rebased":    len(result.Rebased),
		"unchanged":  len(result.Unchanged),
		"conflicted": len(result.Conflicted),
		"skipped":    len(result.Skipped),
	})
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, l *lock.Lock, dir string, stack *models.Stack, result *models.RebaseResult, log *observability.Logger) error {
	workdir, cleanup, err := o.workingTree(ctx, dir)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() {
		// back to base on every exit, also after a failed step
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if o.runner.RebaseInProgress(restoreCtx, workdir) {
			_ = o.runner.AbortRebase(restoreCtx, workdir)
		}
		if err := o.runner.Checkout(restoreCtx, workdir, stack.Base); err != nil {
			log.WarnWithFields("failed to return to base branch", map[string]interface{}{
				"branch": stack.Base,
				"error":  err.Error(),
			})
		}
	}()

	base := stack.Base
	baseSHA, err := o.runner.RevParse(ctx, workdir, base)
	if err != nil {
		result.Failed = append(result.Failed, models.FailedEntry{
			EntryID: stack.Entries[0].ID,
			Branch:  stack.Entries[0].Branch,
			Reason:  "base branch " + base + " not found",
		})
		o.skipFrom(stack, 1, result)
		return nil
	}
	// upstream is the parent's tip before this run rewrote it
	upstream := ""

	for i := range stack.Entries {
		entry := &stack.Entries[i]
		if i > 0 {
			if err := l.Extend(ctx, o.lockOpts.TTL); err != nil {
				result.Failed = append(result.Failed, models.FailedEntry{
					EntryID: entry.ID,
					Branch:  entry.Branch,
					Reason:  "repository lock lost: " + describe(err),
				})
				o.skipFrom(stack, i+1, result)
				return nil
			}
		}

		oldHead, done := o.step(ctx, workdir, stack, entry, base, baseSHA, upstream, result, log)
		if !done {
			o.skipFrom(stack, i+1, result)
			return nil
		}
		base, baseSHA, upstream = entry.Branch, entry.HeadSHA, oldHead
	}
	return nil
}

// step rebases one entry onto base. It returns the entry's tip before the
// rebase and whether the run may continue with the next entry.
func (o *Orchestrator) step(ctx context.Context, workdir string, stack *models.Stack, entry *models.StackEntry, base, baseSHA, upstream string, result *models.RebaseResult, log *observability.Logger) (string, bool) {
	fail := func(reason string, err error) (string, bool) {
		if err != nil {
			reason += ": " + describe(err)
		}
		result.Failed = append(result.Failed, models.FailedEntry{EntryID: entry.ID, Branch: entry.Branch, Reason: reason})
		log.WarnWithFields("stack entry failed", map[string]interface{}{
			"entry_id": entry.ID,
			"branch":   entry.Branch,
			"reason":   reason,
		})
		return "", false
	}

	oldHead, err := o.runner.RevParse(ctx, workdir, entry.Branch)
	if err != nil {
		return fail("branch "+entry.Branch+" not found", nil)
	}

	behind, _, err := o.runner.LeftRightCount(ctx, workdir, base, entry.Branch)
	if err != nil {
		return fail("failed to compare with "+base, err)
	}
	if behind == 0 {
		result.Unchanged = append(result.Unchanged, entry.ID)
		o.persist(ctx, stack.ID, entry, oldHead, baseSHA, log)
		return oldHead, true
	}

	if err := o.runner.Checkout(ctx, workdir, entry.Branch); err != nil {
		return fail("checkout failed", err)
	}

	err = o.runner.Rebase(ctx, workdir, entry.Branch, base, upstream)
	if stderrors.Is(err, errors.ErrRebaseConflict) {
		if abortErr := o.runner.AbortRebase(ctx, workdir); abortErr != nil {
			log.ErrorWithFields("failed to abort rebase", map[string]interface{}{
				"branch": entry.Branch,
				"error":  abortErr.Error(),
			})
		}
		var files []string
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			files, _ = appErr.Context["conflict_files"].([]string)
		}
		result.Conflicted = append(result.Conflicted, models.ConflictedEntry{
			EntryID:       entry.ID,
			Branch:        entry.Branch,
			ConflictFiles: files,
		})
		log.WarnWithFields("stack rebase conflicted", map[string]interface{}{
			"entry_id": entry.ID,
			"branch":   entry.Branch,
			"onto":     base,
			"files":    files,
		})
		return "", false
	}
	if err != nil {
		return fail("rebase onto "+base+" failed", err)
	}

	newHead, err := o.runner.RevParse(ctx, workdir, entry.Branch)
	if err != nil {
		return fail("failed to resolve rebased branch", err)
	}
	result.Rebased = append(result.Rebased, models.RebasedEntry{
		EntryID:    entry.ID,
		Branch:     entry.Branch,
		NewHeadSHA: newHead,
	})
	log.DebugWithFields("stack entry rebased", map[string]interface{}{
		"entry_id": entry.ID,
		"branch":   entry.Branch,
		"old_head": oldHead,
		"new_head": newHead,
	})
	o.persist(ctx, stack.ID, entry, newHead, baseSHA, log)
	return oldHead, true
}

// persist records the SHAs on the entry and in the store. Store failures are
// logged; the refs have already moved.
func (o *Orchestrator) persist(ctx context.Context, stackID string, entry *models.StackEntry, head, base string, log *observability.Logger) {
	if entry.HeadSHA == head && entry.BaseSHA == base {
		return
	}
	entry.HeadSHA = head
	entry.BaseSHA = base
	if o.store == nil {
		return
	}
	if err := o.store.UpdateEntry(ctx, stackID, *entry); err != nil {
		log.WarnWithFields("failed to persist stack entry", map[string]interface{}{
			"entry_id": entry.ID,
			"error":    err.Error(),
		})
	}
}

// describe flattens err for a result reason, keeping git's stderr
func describe(err error) string {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return err.Error()
	}
	if stderr, ok := appErr.Context["stderr"].(string); ok && stderr != "" {
		return appErr.Message + ": " + stderr
	}
	return appErr.Message
}

func (o *Orchestrator) skipFrom(stack *models.Stack, from int, result *models.RebaseResult) {
	for _, e := range stack.Entries[from:] {
		result.Skipped = append(result.Skipped, e.ID)
	}
}

// workingTree returns a directory with a checkout of dir. Bare repositories
// get a temporary linked worktree that cleanup removes.
func (o *Orchestrator) workingTree(ctx context.Context, dir string) (string, func(), error) {
	bare, err := o.runner.IsBare(ctx, dir)
	if err != nil {
		return "", nil, err
	}
	if !bare {
		return dir, func() {}, nil
	}

	parent, err := os.MkdirTemp(o.worktreeDir, "forgecore-stack-*")
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create worktree directory")
	}
	wt := filepath.Join(parent, "worktree")
	if err := o.runner.AddWorktree(ctx, dir, wt); err != nil {
		_ = os.RemoveAll(parent)
		return "", nil, err
	}
	cleanup := func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.runner.RemoveWorktree(rmCtx, dir, wt); err != nil {
			o.logger.WarnWithFields("failed to remove worktree", map[string]interface{}{
				"path":  wt,
				"error": err.Error(),
			})
		}
		_ = os.RemoveAll(parent)
	}
	return wt, cleanup, nil
}

func (o *Orchestrator) record(result *models.RebaseResult) {
	o.metrics.StackRun(result.Outcome())
	o.metrics.StackEntries(StateRebased, len(result.Rebased))
	o.metrics.StackEntries(StateUnchanged, len(result.Unchanged))
	o.metrics.StackEntries(StateConflicted, len(result.Conflicted))
	o.metrics.StackEntries(StateFailed, len(result.Failed))
	o.metrics.StackEntries(StateSkipped, len(result.Skipped))
}

// NeedsRebase compares the base with the first entry. It reads refs only and
// never takes the repository lock.
func (o *Orchestrator) NeedsRebase(ctx context.Context, stack *models.Stack) (*models.StackStatus, error) {
	statuses, err := o.status(ctx, stack, 1)
	if err != nil {
		return nil, err
	}
	return &statuses[0], nil
}

// Status compares every entry with its parent
func (o *Orchestrator) Status(ctx context.Context, stack *models.Stack) ([]models.StackStatus, error) {
	return o.status(ctx, stack, len(stack.Entries))
}

func (o *Orchestrator) status(ctx context.Context, stack *models.Stack, n int) ([]models.StackStatus, error) {
	if err := Prepare(stack); err != nil {
		return nil, err
	}
	dir, err := o.locator.Locate(ctx, stack.Repo)
	if err != nil {
		return nil, err
	}

	out := make([]models.StackStatus, 0, n)
	parent := stack.Base
	for _, e := range stack.Entries[:n] {
		behind, ahead, err := o.runner.LeftRightCount(ctx, dir, parent, e.Branch)
		if err != nil {
			return nil, err
		}
		out = append(out, models.StackStatus{
			StackID:     stack.ID,
			Base:        parent,
			First:       e.Branch,
			BehindBy:    behind,
			AheadBy:     ahead,
			NeedsRebase: behind > 0,
		})
		parent = e.Branch
	}
	return out, nil
}
