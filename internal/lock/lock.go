// Package lock provides named mutual exclusion shared by every forgecore
// process that points at the same store.
//
// A lock is a key holding a random token with an expiry. Acquire writes the
// key only when it is absent (or expired), Release and Extend act only while
// the stored token still matches the caller's. A holder that crashes simply
// stops renewing and the key frees itself after its TTL.
//
// The TTL favours liveness over safety: a holder that outlives its TTL loses
// exclusivity silently and a second holder may start while the first is still
// running. Callers doing multi-step work must either finish inside the TTL or
// call Extend before it elapses. Pick TTLs well above the slowest expected run.
//
// Three stores implement the same semantics: Redis and SQL for deployments with
// more than one server process, and an in-memory map for a single process.
package lock

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"forgecore/internal/common"
	"forgecore/internal/observability"
	"forgecore/pkg/errors"

	"github.com/google/uuid"
)

const (
	// DefaultTTL bounds how long a crashed holder can block a key
	DefaultTTL = 5 * time.Minute
	// DefaultRetryDelay is the fixed pause between contended attempts
	DefaultRetryDelay = 200 * time.Millisecond
	// DefaultKeyPrefix namespaces keys inside a shared store
	DefaultKeyPrefix = "forgecore:lock:"
)

// Store is a key/token table with expiry. Every method must be atomic with
// respect to concurrent callers on the same key.
type Store interface {
	// SetIfAbsent stores token under key for ttl unless a live entry exists.
	// It reports whether the caller now holds the key.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// DeleteIfEquals removes key only while it still holds token
	DeleteIfEquals(ctx context.Context, key, token string) (bool, error)
	// ExpireIfEquals resets the expiry of key to ttl only while it holds token
	ExpireIfEquals(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
	// Name identifies the backend in logs and metrics
	Name() string
	Close() error
}

// Options tunes a single acquisition. Zero values fall back to the manager
// defaults; set NoRetry to make exactly one attempt.
type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
	NoRetry    bool
}

// Lock is a held key. It is safe for concurrent use.
type Lock struct {
	Key   string
	Token string

	manager  *Manager
	degraded bool

	mu        sync.Mutex
	expiresAt time.Time
	released  bool
}

// Degraded reports that the lock was granted without the store because the
// store failed and the manager runs with the fail-open policy. A degraded lock
// gives no mutual exclusion.
func (l *Lock) Degraded() bool {
	return l.degraded
}

// ExpiresAt is the local estimate of when the store drops the key
func (l *Lock) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Release deletes the key if this lock still owns it. Releasing twice is a no-op.
// When the TTL already elapsed, or another holder took the key since, the
// store is left untouched and an ErrLockNotHeld error is returned.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	if l.degraded {
		l.released = true
		return nil
	}
	err := l.manager.Release(ctx, l.Key, l.Token)
	// a store failure leaves the handle live so the caller can retry
	if err == nil || stderrors.Is(err, errors.ErrLockNotHeld) {
		l.released = true
	}
	return err
}

// Extend pushes the expiry to ttl from now, provided the lock is still held
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return notHeld(l.Key)
	}
	if ttl <= 0 {
		ttl = l.manager.defaults.TTL
	}
	if l.degraded {
		l.expiresAt = l.manager.now().Add(ttl)
		return nil
	}

	ok, err := l.manager.store.ExpireIfEquals(ctx, l.manager.storeKey(l.Key), l.Token, ttl)
	if err != nil {
		return errors.LockStoreUnreachable(l.manager.store.Name(), err).WithContext("lock_key", l.Key)
	}
	if !ok {
		return notHeld(l.Key)
	}
	l.expiresAt = l.manager.now().Add(ttl)
	return nil
}

// Manager acquires and releases locks on a Store
type Manager struct {
	store     Store
	defaults  Options
	keyPrefix string
	failOpen  bool
	now       func() time.Time
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithDefaults sets the options used for zero fields in Acquire calls
func WithDefaults(opts Options) ManagerOption {
	return func(m *Manager) {
		if opts.TTL > 0 {
			m.defaults.TTL = opts.TTL
		}
		if opts.RetryCount >= 0 {
			m.defaults.RetryCount = opts.RetryCount
		}
		if opts.RetryDelay > 0 {
			m.defaults.RetryDelay = opts.RetryDelay
		}
	}
}

// WithKeyPrefix namespaces every key written to the store
func WithKeyPrefix(prefix string) ManagerOption {
	return func(m *Manager) { m.keyPrefix = prefix }
}

// WithFailOpen grants degraded locks when the store errors instead of failing
func WithFailOpen() ManagerOption {
	return func(m *Manager) { m.failOpen = true }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records acquisitions on metrics
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now for expiry bookkeeping
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager over store
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		defaults:  Options{TTL: DefaultTTL, RetryDelay: DefaultRetryDelay},
		keyPrefix: DefaultKeyPrefix,
		now:       time.Now,
		logger:    observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the backend selected for this manager
func (m *Manager) Store() Store {
	return m.store
}

// Backend is the store name, as used in logs and metrics
func (m *Manager) Backend() string {
	return m.store.Name()
}

// Acquire takes key, retrying on contention RetryCount times with a fixed
// RetryDelay between attempts. When every attempt finds the key held the error
// matches errors.ErrLockUnavailable. Store failures match
// errors.ErrLockStoreUnreachable unless the manager fails open.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	opts = m.resolve(opts)
	token := uuid.NewString()
	start := m.now()

	attempts := 0
	retry := errors.FixedDelayConfig(opts.RetryCount, opts.RetryDelay, func(err error) bool {
		return stderrors.Is(err, errors.ErrLockUnavailable)
	})
	err := errors.Retry(ctx, retry, func(ctx context.Context) error {
		attempts++
		ok, err := m.store.SetIfAbsent(ctx, m.storeKey(key), token, opts.TTL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.LockStoreUnreachable(m.store.Name(), err).WithContext("lock_key", key)
		}
		if !ok {
			return errors.LockUnavailable(key, attempts)
		}
		return nil
	})
	waited := m.now().Sub(start)

	switch {
	case err == nil:
		m.metrics.LockAcquire(m.store.Name(), observability.ResultSuccess, waited)
		m.logger.DebugWithFields("lock acquired", map[string]interface{}{
			"lock_key": key,
			"attempts": attempts,
		})
		return &Lock{Key: key, Token: token, manager: m, expiresAt: m.now().Add(opts.TTL)}, nil

	case stderrors.Is(err, errors.ErrLockUnavailable):
		m.metrics.LockAcquire(m.store.Name(), observability.ResultBusy, waited)
		return nil, err

	case stderrors.Is(err, errors.ErrLockStoreUnreachable):
		if m.failOpen {
			m.metrics.LockAcquire(m.store.Name(), "degraded", waited)
			m.logger.WarnWithFields("lock store failed, granting degraded lock", map[string]interface{}{
				"lock_key": key,
				"backend":  m.store.Name(),
				"error":    err,
			})
			return &Lock{Key: key, Token: token, manager: m, degraded: true, expiresAt: m.now().Add(opts.TTL)}, nil
		}
		m.metrics.LockAcquire(m.store.Name(), observability.ResultFailure, waited)
		return nil, err

	default:
		// context cancelled between attempts
		m.metrics.LockAcquire(m.store.Name(), observability.ResultFailure, waited)
		return nil, errors.Wrap(err, errors.ErrCodeLockUnavailable, "lock acquisition interrupted").
			WithContext("lock_key", key)
	}
}

// Release deletes key when it still holds token. It backs Lock.Release and
// lets a different process release a lock by token.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	ok, err := m.store.DeleteIfEquals(ctx, m.storeKey(key), token)
	if err != nil {
		return errors.LockStoreUnreachable(m.store.Name(), err).WithContext("lock_key", key)
	}
	if !ok {
		return notHeld(key)
	}
	m.logger.DebugWithFields("lock released", map[string]interface{}{"lock_key": key})
	return nil
}

// WithLock runs fn while holding key and releases the lock on every exit
// path, panics included. fn's error is returned unchanged; a failed release
// is only logged since fn has already run.
func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context, l *Lock) error) error {
	l, err := m.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := l.Release(relCtx); err != nil {
			m.logger.WarnWithFields("lock release failed", map[string]interface{}{
				"lock_key": key,
				"error":    err,
			})
		}
	}()

	return fn(ctx, l)
}

// Ping probes the store, for health checks
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Close closes the underlying store
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) resolve(opts Options) Options {
	if opts.TTL <= 0 {
		opts.TTL = m.defaults.TTL
	}
	switch {
	case opts.NoRetry:
		opts.RetryCount = 0
	case opts.RetryCount <= 0:
		opts.RetryCount = m.defaults.RetryCount
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = m.defaults.RetryDelay
	}
	return opts
}

func (m *Manager) storeKey(key string) string {
	return m.keyPrefix + key
}

// RepoKey is the lock key guarding writes to a hosted repository. Every
// component mutating a repository locks this key.
func RepoKey(repoPath string) string {
	if normalized, err := common.NormalizeRepoPath(repoPath); err == nil {
		repoPath = normalized
	}
	return "repo:" + repoPath
}

func notHeld(key string) error {
	return errors.New(errors.ErrCodeLockNotHeld, "lock is no longer held").
		WithContext("lock_key", key)
}
