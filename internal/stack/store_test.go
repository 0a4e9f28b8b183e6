package stack

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStack(id, repo string) *models.Stack {
	return &models.Stack{
		ID:   id,
		Repo: repo,
		Base: "main",
		Entries: []models.StackEntry{
			{Branch: "feature/api"},
			{Branch: "feature/ui"},
		},
	}
}

func TestPrepare(t *testing.T) {
	s := sampleStack("", "/team/app")
	require.NoError(t, Prepare(s))
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "team/app.git", s.Repo)
	assert.Equal(t, "feature/api", s.Entries[0].ID)
	assert.Equal(t, s.ID, s.Entries[1].StackID)
	assert.Equal(t, 1, s.Entries[1].Position)

	tests := []struct {
		name  string
		stack *models.Stack
		field string
	}{
		{"traversal", &models.Stack{ID: "x", Repo: "../etc", Base: "main", Entries: []models.StackEntry{{Branch: "a"}}}, "repo"},
		{"no base", &models.Stack{ID: "x", Repo: "app", Entries: []models.StackEntry{{Branch: "a"}}}, "base"},
		{"no entries", &models.Stack{ID: "x", Repo: "app", Base: "main"}, "entries"},
		{"entry is base", &models.Stack{ID: "x", Repo: "app", Base: "main", Entries: []models.StackEntry{{Branch: "main"}}}, "entries[0].branch"},
		{"duplicate branch", &models.Stack{ID: "x", Repo: "app", Base: "main", Entries: []models.StackEntry{{Branch: "a"}, {Branch: "a"}}}, "entries[1].branch"},
		{"duplicate id", &models.Stack{ID: "x", Repo: "app", Base: "main", Entries: []models.StackEntry{{ID: "e", Branch: "a"}, {ID: "e", Branch: "b"}}}, "entries[1].id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Prepare(tt.stack)
			require.Error(t, err)
			appErr, ok := err.(*errors.AppError)
			require.True(t, ok)
			assert.Equal(t, errors.ErrCodeStackInvalid, appErr.Code)
			assert.Equal(t, tt.field, appErr.Context["field"])
		})
	}
}

// storeContract runs the same checks against every Store implementation
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleStack("s1", "team/app")))
	require.NoError(t, store.Save(ctx, sampleStack("s2", "team/app.git")))
	require.NoError(t, store.Save(ctx, sampleStack("s3", "other")))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "team/app.git", got.Repo)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, "feature/ui", got.Entries[1].Branch)
	assert.False(t, got.UpdatedAt.IsZero())

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byRepo, err := store.ListByRepo(ctx, "/team/app")
	require.NoError(t, err)
	require.Len(t, byRepo, 2)
	assert.Equal(t, "s1", byRepo[0].ID)
	assert.Equal(t, "s2", byRepo[1].ID)

	entry := got.Entries[1]
	entry.HeadSHA = "1111111111111111111111111111111111111111"
	entry.BaseSHA = "2222222222222222222222222222222222222222"
	require.NoError(t, store.UpdateEntry(ctx, "s1", entry))
	got, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, entry.HeadSHA, got.Entries[1].HeadSHA)
	assert.Equal(t, entry.BaseSHA, got.Entries[1].BaseSHA)
	assert.Empty(t, got.Entries[0].HeadSHA)

	err = store.UpdateEntry(ctx, "s1", models.StackEntry{ID: "nope"})
	assert.Equal(t, errors.ErrCodeStackNotFound, errors.GetErrorCode(err))

	// Save replaces entries
	replacement := sampleStack("s1", "team/app")
	replacement.Entries = replacement.Entries[:1]
	require.NoError(t, store.Save(ctx, replacement))
	got, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Entries, 1)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.Equal(t, errors.ErrCodeStackNotFound, errors.GetErrorCode(err))
	assert.Equal(t, errors.ErrCodeStackNotFound, errors.GetErrorCode(store.Delete(ctx, "s1")))

	assert.Error(t, store.Save(ctx, &models.Stack{ID: "bad", Repo: "app"}))
	require.NoError(t, store.Close())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stacks.yaml")
	storeContract(t, NewFileStore(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestFileStoreReadsHandWrittenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stacks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`stacks:
  - id: payments
    repo: team/payments.git
    base: main
    entries:
      - id: schema
        branch: payments/schema
      - id: api
        branch: payments/api
`), 0o600))

	got, err := NewFileStore(path).Get(context.Background(), "payments")
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, "payments/api", got.Entries[1].Branch)
	assert.Equal(t, 1, got.Entries[1].Position)
	assert.Equal(t, "payments", got.Entries[1].StackID)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stacks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stacks: [:"), 0o600))

	_, err := NewFileStore(path).List(context.Background())
	assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetErrorCode(err))
}

func TestSQLStoreSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "stacks.db")
	store, err := OpenSQLStore(context.Background(), "sqlite3", dsn)
	require.NoError(t, err)
	storeContract(t, store)
}

func TestSQLStoreSharedDatabase(t *testing.T) {
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Save(context.Background(), sampleStack("s1", "app")))
	require.NoError(t, store.Close())

	// Close leaves a borrowed database open
	require.NoError(t, db.Ping())
	got, err := NewSQLStore(db).Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "app.git", got.Repo)
}

func TestSQLStoreDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStore(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectQuery(selectStack).WithArgs("s1").WillReturnError(assert.AnError)
	_, err = store.Get(context.Background(), "s1")
	assert.Equal(t, errors.ErrCodeInternal, errors.GetErrorCode(err))

	mock.ExpectQuery(selectStack).WithArgs("s2").WillReturnRows(sqlmock.NewRows([]string{"id", "repo", "base", "updated_at"}))
	_, err = store.Get(context.Background(), "s2")
	assert.Equal(t, errors.ErrCodeStackNotFound, errors.GetErrorCode(err))

	mock.ExpectExec(updateEntry).WithArgs("h", "b", "s1", "e1").WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.UpdateEntry(context.Background(), "s1", models.StackEntry{ID: "e1", HeadSHA: "h", BaseSHA: "b"})
	assert.Equal(t, errors.ErrCodeStackNotFound, errors.GetErrorCode(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
