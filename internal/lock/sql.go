package lock

import (
	"context"
	"time"

	"forgecore/pkg/errors"

	"github.com/jmoiron/sqlx"
)

const locksSchema = `CREATE TABLE IF NOT EXISTS forgecore_locks (
	lock_key   TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at BIGINT NOT NULL
)`

// The conflict branch only fires when the existing row has expired, so a
// zero row count means the key is held.
const acquireQuery = `INSERT INTO forgecore_locks (lock_key, token, expires_at) VALUES (?, ?, ?)
ON CONFLICT (lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
WHERE forgecore_locks.expires_at <= ?`

const releaseQuery = `DELETE FROM forgecore_locks WHERE lock_key = ? AND token = ? AND expires_at > ?`

const extendQuery = `UPDATE forgecore_locks SET expires_at = ? WHERE lock_key = ? AND token = ? AND expires_at > ?`

const sweepQuery = `DELETE FROM forgecore_locks WHERE expires_at <= ?`

// SQLStore keeps locks in a table of a database shared by all server
// processes. Expiry is stored as unix milliseconds and compared against the
// caller's clock, so the processes need roughly synchronized clocks.
type SQLStore struct {
	db    *sqlx.DB
	owned bool
	now   func() time.Time
}

// NewSQLStore uses an open database. The table must exist; see Migrate.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// OpenSQLStore opens driver/dsn, checks connectivity and creates the table
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.LockStoreUnreachable("sql", err).WithContext("driver", driver)
	}
	if driver == "sqlite3" {
		// one writer avoids SQLITE_BUSY between pooled connections
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.LockStoreUnreachable("sql", err).WithContext("driver", driver)
	}

	s := &SQLStore{db: db, owned: true, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the locks table when missing
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, locksSchema); err != nil {
		return errors.LockStoreUnreachable("sql", err).WithContext("step", "migrate")
	}
	return nil
}

func (s *SQLStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(acquireQuery),
		key, token, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	return affectedOne(res.RowsAffected())
}

func (s *SQLStore) DeleteIfEquals(ctx context.Context, key, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(releaseQuery), key, token, s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	return affectedOne(res.RowsAffected())
}

func (s *SQLStore) ExpireIfEquals(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(extendQuery),
		now.Add(ttl).UnixMilli(), key, token, now.UnixMilli())
	if err != nil {
		return false, err
	}
	return affectedOne(res.RowsAffected())
}

// Sweep deletes expired rows. Acquire already overwrites expired rows, so this
// only keeps the table small.
func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(sweepQuery), s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Name() string {
	return "sql"
}

func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func affectedOne(n int64, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
