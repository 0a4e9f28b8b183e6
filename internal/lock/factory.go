package lock

import (
	"context"
	stderrors "errors"

	"forgecore/internal/observability"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	// sqlite3 is the default driver of the SQL lock store
	_ "github.com/mattn/go-sqlite3"
)

// OpenStore connects the backend named in cfg without any fallback
func OpenStore(ctx context.Context, cfg models.LockConfig) (Store, error) {
	switch cfg.Backend {
	case models.LockBackendRedis:
		s, err := DialRedis(ctx, RedisOptions{
			Addr:        cfg.Redis.Addr,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: models.ParseDuration(cfg.Redis.DialTimeout, 0),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.LockBackendSQL:
		driver := cfg.SQL.Driver
		if driver == "" {
			driver = "sqlite3"
		}
		s, err := OpenSQLStore(ctx, driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.LockBackendMemory, "":
		return NewMemoryStore(cfg.SweepIntervalDuration()), nil
	default:
		return nil, errors.ConfigError("unknown lock backend "+cfg.Backend, "lock.backend")
	}
}

// NewManagerFromConfig selects the store once at startup.
//
// When the shared store cannot be reached a production environment fails
// closed with an ErrLockStoreUnreachable error. Other environments fall back
// to the in-memory store, which only excludes callers inside this process.
func NewManagerFromConfig(ctx context.Context, cfg *models.Config, logger *observability.Logger, metrics *observability.Metrics) (*Manager, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	lc := cfg.Lock

	store, err := OpenStore(ctx, lc)
	if err != nil {
		if !stderrors.Is(err, errors.ErrLockStoreUnreachable) || cfg.IsProduction() {
			return nil, err
		}
		logger.ErrorWithFields("LOCK STORE UNREACHABLE: falling back to in-memory locks, "+
			"other server processes will NOT be excluded", map[string]interface{}{
			"backend":     lc.Backend,
			"environment": cfg.Environment,
			"error":       err,
		})
		store = NewMemoryStore(lc.SweepIntervalDuration())
	}

	opts := []ManagerOption{
		WithDefaults(Options{
			TTL:        lc.TTLDuration(),
			RetryCount: lc.RetryCount,
			RetryDelay: lc.RetryDelayDuration(),
		}),
		WithLogger(logger.WithField("component", "lock")),
		WithMetrics(metrics),
	}
	if lc.KeyPrefix != "" {
		opts = append(opts, WithKeyPrefix(lc.KeyPrefix))
	}
	if lc.StoreErrorPolicy == models.PolicyFailOpen {
		if cfg.IsProduction() {
			_ = store.Close()
			return nil, errors.ConfigError("fail-open lock policy is not allowed in production", "lock.store_error_policy")
		}
		logger.Warn("lock store errors will grant degraded locks (fail-open)")
		opts = append(opts, WithFailOpen())
	}

	logger.InfoWithFields("lock manager ready", map[string]interface{}{"backend": store.Name()})
	return NewManager(store, opts...), nil
}
