// Package store provides the data store handles that probes and the fixture
// lifecycle run against. A handle is always passed explicitly; there is no
// ambient connection.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend identifies the SQL dialect behind a Store.
type Backend string

const (
	// BackendPostgres is PostgreSQL, reached through pgx.
	BackendPostgres Backend = "postgresql"
	// BackendSQLite is an embedded SQLite database.
	BackendSQLite Backend = "sqlite"
)

func (b Backend) String() string {
	return string(b)
}

// Store is a minimal data store handle: parameterized statement execution,
// fetch-all queries, and the backend identity used to gate dialect-specific
// operations. Placeholders are written $1, $2, ... for every backend.
type Store interface {
	// Backend reports the SQL dialect of the store.
	Backend() Backend

	// Exec runs a statement and returns the number of rows it affected.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// FetchAll runs a query and returns every row it produces.
	FetchAll(ctx context.Context, sql string, args ...any) ([][]any, error)

	// Close releases the connections held by the store.
	Close() error
}

// Copier is implemented by stores with a bulk-load path.
type Copier interface {
	// CopyRows loads rows into table and returns the number of rows copied.
	CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// ErrCopyUnsupported is returned by workloads that need a Copier when the
// store does not implement one.
var ErrCopyUnsupported = errors.New("store does not support bulk copy")

// Options tune how Open connects.
type Options struct {
	// Password overrides the password in the DSN, if set.
	Password string

	// MaxConns caps the PostgreSQL connection pool. Zero keeps the pgxpool default.
	MaxConns int32

	// StatementTimeout is sent as the statement_timeout runtime parameter.
	// Zero leaves the server default.
	StatementTimeout time.Duration
}

// sqlitePrefix marks DSNs that open an embedded database, e.g. "sqlite:/tmp/probe.db"
// or "sqlite::memory:".
const sqlitePrefix = "sqlite:"

// Open opens a Store for dsn. DSNs starting with "sqlite:" open an embedded
// SQLite database; anything else is handed to pgxpool as a PostgreSQL URL or
// keyword/value connection string.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	if dsn == "" {
		return nil, errors.New("empty data store DSN")
	}
	if path, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
	s, err := OpenPostgres(ctx, dsn, opts)
	if err != nil {
		return nil, fmt.Errorf("open postgresql store: %w", err)
	}
	return s, nil
}
