package cmd

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forgecore/internal/config"
	"forgecore/internal/git"
	"forgecore/internal/lock"
	"forgecore/internal/mirror"
	"forgecore/internal/observability"
	"forgecore/internal/security"
	"forgecore/internal/stack"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	// sqlite3 backs the SQL stack store
	_ "github.com/mattn/go-sqlite3"
)

// components are the collaborators shared by serve and the operator commands
type components struct {
	cfg     *models.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	secrets *lazySecrets
	locator *git.Locator
	runner  *git.Runner
	locks   *lock.Manager
	stacks  stack.Store
	orch    *stack.Orchestrator
}

// buildComponents wires everything from cfg. metrics may be nil.
func buildComponents(ctx context.Context, cfg *models.Config, logger *observability.Logger, metrics *observability.Metrics) (*components, error) {
	k := &components{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		secrets: &lazySecrets{dir: filepath.Join(config.GetConfigPath(), "credentials")},
	}
	if err := config.ResolveCredentials(cfg, k.secrets); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to resolve credentials")
	}

	if cfg.SSH.RepoRoot == "" {
		return nil, errors.ConfigError("repository root is required", "ssh.repo_root")
	}
	locator, err := git.NewLocator(cfg.SSH.RepoRoot)
	if err != nil {
		return nil, err
	}
	k.locator = locator
	k.runner = git.NewRunner(cfg.SSH.GitBinary,
		git.WithTimeout(cfg.Rebase.CommandTimeoutDuration()),
		git.WithCommitter(cfg.Rebase.CommitterName, cfg.Rebase.CommitterEmail),
		git.WithRunnerLogger(logger.WithField("component", "git")),
	)

	k.locks, err = lock.NewManagerFromConfig(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	k.stacks, err = openStackStore(ctx, cfg.Stacks)
	if err != nil {
		_ = k.locks.Close()
		return nil, err
	}

	k.orch = stack.NewOrchestrator(k.locks, k.runner, k.locator,
		stack.WithStore(k.stacks),
		stack.WithWorktreeDir(cfg.Rebase.WorktreeDir),
		stack.WithLockOptions(k.lockOptions(cfg.Rebase.LockTTLDuration(cfg.Lock.TTLDuration()))),
		stack.WithLogger(logger.WithField("component", "stack")),
		stack.WithMetrics(metrics),
	)
	return k, nil
}

func (k *components) lockOptions(ttl time.Duration) lock.Options {
	return lock.Options{
		TTL:        ttl,
		RetryCount: k.cfg.Lock.RetryCount,
		RetryDelay: k.cfg.Lock.RetryDelayDuration(),
	}
}

// syncer builds the mirror syncer. Mirrors create their repository on first sync.
func (k *components) syncer(opts ...mirror.Option) *mirror.Syncer {
	opts = append([]mirror.Option{
		mirror.WithAutoInit(),
		mirror.WithLockOptions(k.lockOptions(k.cfg.Lock.TTLDuration())),
		mirror.WithLogger(k.logger.WithField("component", "mirror")),
		mirror.WithMetrics(k.metrics),
	}, opts...)
	return mirror.NewSyncer(k.locks, k.locator, git.NewAuthResolver(k.secrets), opts...)
}

// Close releases the stores
func (k *components) Close() {
	if k.stacks != nil {
		_ = k.stacks.Close()
	}
	if k.locks != nil {
		_ = k.locks.Close()
	}
}

func openStackStore(ctx context.Context, cfg models.StacksConfig) (stack.Store, error) {
	switch cfg.Backend {
	case models.StackBackendSQL:
		driver := cfg.SQL.Driver
		if driver == "" {
			driver = "sqlite3"
		}
		return stack.OpenSQLStore(ctx, driver, cfg.SQL.DSN)
	default:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(config.GetConfigPath(), "stacks.yaml")
		}
		return stack.NewFileStore(path), nil
	}
}

// lazySecrets opens the credential store on the first lookup, so commands
// that never need a secret never touch the keyring or the master key file
type lazySecrets struct {
	dir string

	once  sync.Once
	store *security.CredentialStore
	err   error
}

func (l *lazySecrets) Lookup(name string) (string, error) {
	if v, ok := os.LookupEnv(security.EnvName(name)); ok {
		return v, nil
	}
	l.once.Do(func() {
		l.store, l.err = security.NewCredentialStore(l.dir)
	})
	if l.err != nil {
		return "", l.err
	}
	return l.store.Lookup(name)
}
