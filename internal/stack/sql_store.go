package stack

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"forgecore/internal/common"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/jmoiron/sqlx"
)

var stackSchema = []string{
	`CREATE TABLE IF NOT EXISTS forgecore_stacks (
	id         TEXT PRIMARY KEY,
	repo       TEXT NOT NULL,
	base       TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS forgecore_stack_entries (
	stack_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	id       TEXT NOT NULL,
	branch   TEXT NOT NULL,
	head_sha TEXT NOT NULL DEFAULT '',
	base_sha TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (stack_id, position)
)`,
	`CREATE INDEX IF NOT EXISTS forgecore_stacks_repo ON forgecore_stacks (repo)`,
}

const (
	selectStack   = `SELECT id, repo, base, updated_at FROM forgecore_stacks WHERE id = ?`
	selectStacks  = `SELECT id, repo, base, updated_at FROM forgecore_stacks ORDER BY id`
	selectByRepo  = `SELECT id, repo, base, updated_at FROM forgecore_stacks WHERE repo = ? ORDER BY id`
	selectEntries = `SELECT stack_id, position, id, branch, head_sha, base_sha FROM forgecore_stack_entries WHERE stack_id = ? ORDER BY position`
	upsertStack   = `INSERT INTO forgecore_stacks (id, repo, base, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET repo = excluded.repo, base = excluded.base, updated_at = excluded.updated_at`
	deleteEntries = `DELETE FROM forgecore_stack_entries WHERE stack_id = ?`
	insertEntry   = `INSERT INTO forgecore_stack_entries (stack_id, position, id, branch, head_sha, base_sha) VALUES (?, ?, ?, ?, ?, ?)`
	deleteStack   = `DELETE FROM forgecore_stacks WHERE id = ?`
	updateEntry   = `UPDATE forgecore_stack_entries SET head_sha = ?, base_sha = ? WHERE stack_id = ? AND id = ?`
	touchStack    = `UPDATE forgecore_stacks SET updated_at = ? WHERE id = ?`
)

type stackRow struct {
	ID        string `db:"id"`
	Repo      string `db:"repo"`
	Base      string `db:"base"`
	UpdatedAt int64  `db:"updated_at"`
}

// SQLStore keeps stacks in two tables so every server process sees the SHAs
// recorded by the others
type SQLStore struct {
	db    *sqlx.DB
	owned bool
	now   func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore uses an open database. The tables must exist; see Migrate.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// OpenSQLStore opens driver/dsn and creates the tables
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to open stack database").
			WithContext("driver", driver)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "stack database unreachable").
			WithContext("driver", driver)
	}
	s := &SQLStore{db: db, owned: true, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the stack tables when missing
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range stackSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to migrate stack tables")
		}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Stack, error) {
	var row stackRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(selectStack), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load stack").WithContext("stack_id", id)
	}
	return s.withEntries(ctx, row)
}

func (s *SQLStore) List(ctx context.Context) ([]*models.Stack, error) {
	var rows []stackRow
	if err := s.db.SelectContext(ctx, &rows, selectStacks); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stacks")
	}
	return s.assemble(ctx, rows)
}

func (s *SQLStore) ListByRepo(ctx context.Context, repo string) ([]*models.Stack, error) {
	repo, _ = common.NormalizeRepoPath(repo)
	var rows []stackRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectByRepo), repo); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stacks").WithContext("repo", repo)
	}
	return s.assemble(ctx, rows)
}

func (s *SQLStore) assemble(ctx context.Context, rows []stackRow) ([]*models.Stack, error) {
	out := make([]*models.Stack, 0, len(rows))
	for _, row := range rows {
		st, err := s.withEntries(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *SQLStore) withEntries(ctx context.Context, row stackRow) (*models.Stack, error) {
	st := &models.Stack{
		ID:        row.ID,
		Repo:      row.Repo,
		Base:      row.Base,
		UpdatedAt: time.UnixMilli(row.UpdatedAt).UTC(),
	}
	if err := s.db.SelectContext(ctx, &st.Entries, s.db.Rebind(selectEntries), row.ID); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load stack entries").WithContext("stack_id", row.ID)
	}
	return st, nil
}

// Save replaces the stack row and all of its entries in one transaction
func (s *SQLStore) Save(ctx context.Context, stack *models.Stack) error {
	if err := Prepare(stack); err != nil {
		return err
	}
	stack.UpdatedAt = s.now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, tx.Rebind(upsertStack),
		stack.ID, stack.Repo, stack.Base, stack.UpdatedAt.UnixMilli()); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save stack").WithContext("stack_id", stack.ID)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(deleteEntries), stack.ID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save stack").WithContext("stack_id", stack.ID)
	}
	for _, e := range stack.Entries {
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertEntry),
			stack.ID, e.Position, e.ID, e.Branch, e.HeadSHA, e.BaseSHA); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save stack entry").
				WithContext("stack_id", stack.ID).
				WithContext("entry_id", e.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to commit stack").WithContext("stack_id", stack.ID)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, tx.Rebind(deleteStack), id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete stack").WithContext("stack_id", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(deleteEntries), id); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete stack").WithContext("stack_id", id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to commit stack").WithContext("stack_id", id)
	}
	return nil
}

func (s *SQLStore) UpdateEntry(ctx context.Context, stackID string, entry models.StackEntry) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(updateEntry), entry.HeadSHA, entry.BaseSHA, stackID, entry.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record entry SHAs").
			WithContext("stack_id", stackID).
			WithContext("entry_id", entry.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entryNotFound(stackID, entry.ID)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(touchStack), s.now().UnixMilli(), stackID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record entry SHAs").WithContext("stack_id", stackID)
	}
	return nil
}

// Close closes the database if the store opened it
func (s *SQLStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
