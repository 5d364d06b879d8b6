package fixture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgprobe/pkg/store"
	pgtesting "github.com/justjake/pgprobe/pkg/testing"
)

// fakeStore models just enough of PostgreSQL to exercise the lifecycle:
// a set of tables in the public schema and the statements the lifecycle
// issues against it.
type fakeStore struct {
	mu      sync.Mutex
	backend store.Backend
	tables  map[string]bool
	stmts   []string

	// raceCreate simulates a concurrent setup winning between the existence
	// check and CREATE TABLE.
	raceCreate bool
	fetchErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{backend: store.BackendPostgres, tables: map[string]bool{}}
}

func (f *fakeStore) Backend() store.Backend { return f.backend }

func (f *fakeStore) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, sql)

	switch {
	case strings.HasPrefix(sql, "CREATE TABLE"):
		if f.tables[Table] || f.raceCreate {
			return 0, &pgconn.PgError{Code: pgerrcode.DuplicateTable, SchemaName: "public", Message: "relation already exists"}
		}
		f.tables[Table] = true
	case strings.HasPrefix(sql, "DROP TABLE IF EXISTS"):
		delete(f.tables, Table)
	case strings.HasPrefix(sql, "DROP TABLE"):
		if !f.tables[Table] {
			return 0, &pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: "table does not exist"}
		}
		delete(f.tables, Table)
	default:
		return 0, errors.New("unexpected statement: " + sql)
	}
	return 0, nil
}

func (f *fakeStore) FetchAll(_ context.Context, sql string, args ...any) ([][]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, sql)

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(args) != 1 || args[0] != Table {
		return nil, errors.New("existence check must be parameterized by table name")
	}
	if f.tables[Table] {
		return [][]any{{"public"}}, nil
	}
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

type recorded struct {
	op  string
	err error
}

type fakeRecorder struct {
	ops []recorded
}

func (r *fakeRecorder) RecordFixtureOp(op string, err error) {
	r.ops = append(r.ops, recorded{op, err})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLifecycle_SetupThenTeardown(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	rec := &fakeRecorder{}
	l := NewLifecycle(fs, discardLogger(), rec)

	require.NoError(t, l.Setup(ctx))
	assert.True(t, fs.tables[Table])

	require.NoError(t, l.Teardown(ctx))
	assert.False(t, fs.tables[Table])

	assert.Equal(t, []recorded{{"setup", nil}, {"teardown", nil}}, rec.ops)
}

func TestLifecycle_SetupTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	l := NewLifecycle(fs, discardLogger(), nil)

	require.NoError(t, l.Setup(ctx))
	err := l.Setup(ctx)
	require.ErrorIs(t, err, ErrFixtureConflict)

	var conflict *FixtureConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "public", conflict.Schema)
	assert.Contains(t, err.Error(), "run teardown and try again")

	// The conflicting setup never reached CREATE TABLE.
	creates := 0
	for _, s := range fs.stmts {
		if strings.HasPrefix(s, "CREATE TABLE") {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
}

func TestLifecycle_SetupLosesRace(t *testing.T) {
	fs := newFakeStore()
	fs.raceCreate = true

	err := NewLifecycle(fs, discardLogger(), nil).Setup(context.Background())
	require.ErrorIs(t, err, ErrFixtureConflict)
}

func TestLifecycle_SetupRejectsNonPostgres(t *testing.T) {
	fs := newFakeStore()
	fs.backend = store.BackendSQLite
	rec := &fakeRecorder{}

	err := NewLifecycle(fs, discardLogger(), rec).Setup(context.Background())
	require.ErrorIs(t, err, ErrUnsupportedBackend)

	var unsupported *UnsupportedBackendError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, store.BackendSQLite, unsupported.Backend)

	assert.Empty(t, fs.stmts, "no statement may be issued on an unsupported backend")
	require.Len(t, rec.ops, 1)
	assert.Equal(t, "setup", rec.ops[0].op)
	assert.Same(t, err, rec.ops[0].err)
}

func TestLifecycle_SetupOnRealSQLiteIsUnsupported(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite::memory:", store.Options{})
	require.NoError(t, err)
	defer s.Close()

	err = NewLifecycle(s, discardLogger(), nil).Setup(ctx)
	require.ErrorIs(t, err, ErrUnsupportedBackend)

	// Nothing was created.
	rows, err := s.FetchAll(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLifecycle_SetupExistenceCheckFails(t *testing.T) {
	fs := newFakeStore()
	fs.fetchErr = errors.New("connection refused")

	err := NewLifecycle(fs, discardLogger(), nil).Setup(context.Background())
	require.ErrorIs(t, err, fs.fetchErr)
	assert.False(t, fs.tables[Table])
}

func TestLifecycle_TeardownWithoutSetupSurfacesStoreError(t *testing.T) {
	fs := newFakeStore()
	rec := &fakeRecorder{}

	err := NewLifecycle(fs, discardLogger(), rec).Teardown(context.Background())

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, pgerrcode.UndefinedTable, pgErr.Code)
	assert.NotErrorIs(t, err, ErrFixtureConflict)
	require.Len(t, rec.ops, 1)
	assert.Error(t, rec.ops[0].err)
}

func TestLifecycle_SetupAfterTeardownSucceeds(t *testing.T) {
	ctx := context.Background()
	l := NewLifecycle(newFakeStore(), discardLogger(), nil)

	require.NoError(t, l.Setup(ctx))
	require.NoError(t, l.Teardown(ctx))
	require.NoError(t, l.Setup(ctx))
}

func TestQuotedTable(t *testing.T) {
	assert.Equal(t, `"benchmark_table"`, QuotedTable)
	assert.Equal(t, `CREATE TABLE "benchmark_table" (id integer PRIMARY KEY, some_string varchar(100), some_date date)`, CreateSQL)
}

func TestLifecycle_TeardownOverWire(t *testing.T) {
	server := pgtesting.NewMockServer(t, pgtesting.Script(
		pgtesting.SimpleQuerySteps(DropSQL, "DROP TABLE"),
		pgtesting.FailedQuerySteps(DropSQL, pgerrcode.UndefinedTable, `table "benchmark_table" does not exist`),
	)...)
	defer server.Close()
	errCh := server.Start()

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, server.ConnString())
	require.NoError(t, err)
	s := store.NewPostgresConn(conn)

	l := NewLifecycle(s, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, l.Teardown(ctx))

	err = l.Teardown(ctx)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, pgerrcode.UndefinedTable, pgErr.Code)

	require.NoError(t, s.Close())
	require.NoError(t, <-errCh)
}

func TestLifecycle_PrepareKeepsExistingTable(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.tables[Table] = true

	err := NewLifecycle(fs, discardLogger(), nil).Prepare(ctx, false)
	require.ErrorIs(t, err, ErrFixtureConflict)
	assert.Contains(t, err.Error(), "run teardown and try again")

	assert.True(t, fs.tables[Table])
	for _, stmt := range fs.stmts {
		assert.NotContains(t, stmt, "DROP", "a conflict must not drop the existing table")
	}
}

func TestLifecycle_PrepareWithReset(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fs.tables[Table] = true
	rec := &fakeRecorder{}

	require.NoError(t, NewLifecycle(fs, discardLogger(), rec).Prepare(ctx, true))
	assert.True(t, fs.tables[Table])
	assert.Contains(t, fs.stmts, DropSQL)

	ops := make([]string, len(rec.ops))
	for i, r := range rec.ops {
		ops[i] = r.op
	}
	assert.Equal(t, []string{"setup", "teardown", "setup"}, ops)
}

func TestLifecycle_PrepareOnSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite::memory:", store.Options{})
	require.NoError(t, err)
	defer s.Close()
	l := NewLifecycle(s, discardLogger(), nil)

	tables := func() [][]any {
		rows, err := s.FetchAll(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
		require.NoError(t, err)
		return rows
	}

	require.NoError(t, l.Prepare(ctx, false))
	assert.Equal(t, [][]any{{Table}}, tables())

	_, err = s.Exec(ctx, `INSERT INTO `+QuotedTable+` (id, some_string) VALUES (1, 'kept')`)
	require.NoError(t, err)

	err = l.Prepare(ctx, false)
	require.ErrorIs(t, err, ErrFixtureConflict)
	rows, err := s.FetchAll(ctx, `SELECT count(*) FROM `+QuotedTable)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0][0], "leftover rows survive a conflict")

	require.NoError(t, l.Prepare(ctx, true))
	rows, err = s.FetchAll(ctx, `SELECT count(*) FROM `+QuotedTable)
	require.NoError(t, err)
	assert.EqualValues(t, 0, rows[0][0])

	require.NoError(t, l.Release(ctx))
	assert.Empty(t, tables())
}

func TestLifecycle_ReleaseOnPostgresIsTeardown(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	rec := &fakeRecorder{}
	l := NewLifecycle(fs, discardLogger(), rec)

	require.NoError(t, l.Prepare(ctx, false))
	require.NoError(t, l.Release(ctx))
	assert.False(t, fs.tables[Table])
	require.Len(t, rec.ops, 2)
	assert.Equal(t, "teardown", rec.ops[1].op)
}
