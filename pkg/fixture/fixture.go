// Package fixture creates and drops the table that the write, read and copy
// probes operate on.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/justjake/pgprobe/pkg/store"
)

// Table is the name of the fixture table.
const Table = "benchmark_table"

// QuotedTable is Table as a quoted SQL identifier.
var QuotedTable = pgx.Identifier{Table}.Sanitize()

// Columns lists the fixture columns in insertion order.
var Columns = []string{"id", "some_string", "some_date"}

// Fixture DDL. The statements are valid on both PostgreSQL and SQLite.
var (
	CreateSQL       = fmt.Sprintf(`CREATE TABLE %s (id integer PRIMARY KEY, some_string varchar(100), some_date date)`, QuotedTable)
	DropSQL         = fmt.Sprintf(`DROP TABLE %s`, QuotedTable)
	DropIfExistsSQL = fmt.Sprintf(`DROP TABLE IF EXISTS %s`, QuotedTable)
)

var (

	// Only schemas the unqualified CREATE TABLE could collide with matter.
	existsSQL = `SELECT table_schema FROM information_schema.tables WHERE table_name = $1 AND table_schema = ANY (current_schemas(false))`
)

// Recorder observes fixture operations. *observability.Metrics implements it.
type Recorder interface {
	RecordFixtureOp(op string, err error)
}

// Lifecycle manages the fixture table on one store.
type Lifecycle struct {
	store    store.Store
	logger   *slog.Logger
	recorder Recorder
}

// NewLifecycle returns a Lifecycle for s. recorder may be nil.
func NewLifecycle(s store.Store, logger *slog.Logger, recorder Recorder) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: s, logger: logger, recorder: recorder}
}

// Setup creates the fixture table. It fails with *UnsupportedBackendError on
// non-PostgreSQL stores without issuing any statement, and with
// *FixtureConflictError if the table is already visible on the search path.
func (l *Lifecycle) Setup(ctx context.Context) error {
	err := l.setup(ctx)
	l.record("setup", err)
	return err
}

func (l *Lifecycle) setup(ctx context.Context) error {
	if b := l.store.Backend(); b != store.BackendPostgres {
		return &UnsupportedBackendError{Backend: b}
	}

	rows, err := l.store.FetchAll(ctx, existsSQL, Table)
	if err != nil {
		return fmt.Errorf("check for existing %s: %w", Table, err)
	}
	if len(rows) > 0 {
		schema, _ := rows[0][0].(string)
		return &FixtureConflictError{Schema: schema}
	}

	if _, err := l.store.Exec(ctx, CreateSQL); err != nil {
		// Lost a race with a concurrent setup.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.DuplicateTable {
			return &FixtureConflictError{Schema: pgErr.SchemaName}
		}
		return err
	}

	l.logger.InfoContext(ctx, "fixture table created", "table", Table)
	return nil
}

// Teardown drops the fixture table. Store errors, such as the table not
// existing, are returned unchanged.
func (l *Lifecycle) Teardown(ctx context.Context) error {
	err := l.teardown(ctx)
	l.record("teardown", err)
	return err
}

func (l *Lifecycle) teardown(ctx context.Context) error {
	if _, err := l.store.Exec(ctx, DropSQL); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "fixture table dropped", "table", Table)
	return nil
}

func (l *Lifecycle) record(op string, err error) {
	if l.recorder != nil {
		l.recorder.RecordFixtureOp(op, err)
	}
}

// Prepare readies the fixture for a benchmark process. On PostgreSQL it is
// Setup, and a conflict is returned unchanged unless reset is set, in which
// case the existing table is dropped and created again. Other stores get
// CreateSQL issued directly; with reset a leftover table is dropped first,
// without it a leftover table is a *FixtureConflictError.
func (l *Lifecycle) Prepare(ctx context.Context, reset bool) error {
	err := l.Setup(ctx)
	switch {
	case errors.Is(err, ErrFixtureConflict) && reset:
		l.logger.WarnContext(ctx, "dropping existing fixture table", "table", Table)
		if err := l.Teardown(ctx); err != nil {
			return err
		}
		return l.Setup(ctx)
	case errors.Is(err, ErrUnsupportedBackend):
		return l.createDirect(ctx, reset)
	}
	return err
}

func (l *Lifecycle) createDirect(ctx context.Context, reset bool) error {
	if reset {
		if _, err := l.store.Exec(ctx, DropIfExistsSQL); err != nil {
			return fmt.Errorf("drop existing %s: %w", Table, err)
		}
	}
	if _, err := l.store.Exec(ctx, CreateSQL); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return &FixtureConflictError{}
		}
		return err
	}
	l.logger.InfoContext(ctx, "fixture table created", "table", Table, "backend", l.store.Backend())
	return nil
}

// Release drops the table Prepare created, on any backend.
func (l *Lifecycle) Release(ctx context.Context) error {
	if l.store.Backend() == store.BackendPostgres {
		return l.Teardown(ctx)
	}
	if _, err := l.store.Exec(ctx, DropSQL); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "fixture table dropped", "table", Table, "backend", l.store.Backend())
	return nil
}
