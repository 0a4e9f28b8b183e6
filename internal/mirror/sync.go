// Package mirror keeps hosted repositories in step with upstream remotes.
// Every fetch runs under the repository lock, so it never interleaves with a
// stack rebase of the same repository.
package mirror

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"forgecore/internal/git"
	"forgecore/internal/lock"
	"forgecore/internal/observability"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"
)

// Result reports one mirror fetch
type Result struct {
	Mirror   string
	Repo     string
	Changed  bool
	Created  bool
	Duration time.Duration
}

// Syncer fetches mirrors into the hosted repositories
type Syncer struct {
	locks    *lock.Manager
	locator  *git.Locator
	auth     *git.AuthResolver
	lockOpts lock.Options
	autoInit bool
	progress func(m models.Mirror) io.Writer
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// Option configures a Syncer
type Option func(*Syncer)

// WithLockOptions overrides the lock policy used for each fetch
func WithLockOptions(opts lock.Options) Option {
	return func(s *Syncer) { s.lockOpts = opts }
}

// WithAutoInit creates a missing target repository before the first fetch
func WithAutoInit() Option {
	return func(s *Syncer) { s.autoInit = true }
}

// WithProgress gives each fetch a writer for the remote's progress output
func WithProgress(fn func(m models.Mirror) io.Writer) Option {
	return func(s *Syncer) { s.progress = fn }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records fetch results
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Syncer) { s.metrics = metrics }
}

// NewSyncer creates a syncer; auth may be nil for anonymous remotes
func NewSyncer(locks *lock.Manager, locator *git.Locator, auth *git.AuthResolver, opts ...Option) *Syncer {
	if auth == nil {
		auth = git.NewAuthResolver(nil)
	}
	s := &Syncer{
		locks:   locks,
		locator: locator,
		auth:    auth,
		logger:  observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync fetches one mirror. Contention on the repository lock returns an
// error matching errors.ErrLockUnavailable; the next scheduled run retries.
func (s *Syncer) Sync(ctx context.Context, m models.Mirror) (Result, error) {
	start := time.Now()
	res := Result{Mirror: m.Name, Repo: m.Repo}

	if err := git.ValidateGitURL(m.URL); err != nil {
		return res, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid mirror url").
			WithContext("mirror", m.Name)
	}
	normalized, _, err := s.locator.Path(m.Repo)
	if err != nil {
		return res, err
	}
	res.Repo = normalized

	auth, err := s.auth.Resolve(m.Name, m.URL, m.Auth)
	if err != nil {
		s.metrics.MirrorSync(observability.ResultFailure)
		return res, err
	}

	log := s.logger.WithFields(map[string]interface{}{
		"mirror": m.Name,
		"repo":   normalized,
		"url":    git.RedactURL(m.URL),
	})

	err = s.locks.WithLock(ctx, lock.RepoKey(normalized), s.lockOpts, func(ctx context.Context, _ *lock.Lock) error {
		dir, err := s.locator.Locate(ctx, normalized)
		if stderrors.Is(err, errors.ErrRepositoryNotFound) && s.autoInit {
			dir, err = s.locator.Init(ctx, normalized, git.InitOptions{})
			res.Created = err == nil
		}
		if err != nil {
			return err
		}

		opts := git.FetchOptions{Auth: auth, Prune: true}
		if s.progress != nil {
			opts.Progress = s.progress(m)
		}
		res.Changed, err = git.FetchMirror(ctx, dir, m.URL, opts)
		return err
	})
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		s.metrics.MirrorSync(observability.ResultSuccess)
		log.InfoWithFields("mirror synced", map[string]interface{}{
			"changed":     res.Changed,
			"created":     res.Created,
			"duration_ms": res.Duration.Milliseconds(),
		})
	case stderrors.Is(err, errors.ErrLockUnavailable):
		s.metrics.MirrorSync(observability.ResultBusy)
		log.Warn("mirror sync skipped, repository is locked")
	default:
		s.metrics.MirrorSync(observability.ResultFailure)
		log.ErrorWithFields("mirror sync failed", map[string]interface{}{"error": err.Error()})
	}
	return res, err
}

// SyncAll fetches every mirror in order and joins the errors
func (s *Syncer) SyncAll(ctx context.Context, mirrors []models.Mirror) ([]Result, error) {
	results := make([]Result, 0, len(mirrors))
	var errs []error
	for _, m := range mirrors {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.Sync(ctx, m)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, stderrors.Join(errs...)
}
