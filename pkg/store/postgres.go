package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by *pgx.Conn and *pgxpool.Pool.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Postgres is a Store backed by pgx.
type Postgres struct {
	q     querier
	close func() error
}

var (
	_ Store  = (*Postgres)(nil)
	_ Copier = (*Postgres)(nil)
)

// OpenPostgres creates a connection pool for dsn.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if opts.Password != "" {
		cfg.ConnConfig.Password = opts.Password
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.StatementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(opts.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return NewPostgresPool(pool), nil
}

// NewPostgresPool wraps an existing pool. Close closes the pool.
func NewPostgresPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		q: pool,
		close: func() error {
			pool.Close()
			return nil
		},
	}
}

// NewPostgresConn wraps a single connection. Close closes the connection.
func NewPostgresConn(conn *pgx.Conn) *Postgres {
	return &Postgres{
		q: conn,
		close: func() error {
			return conn.Close(context.Background())
		},
	}
}

func (p *Postgres) Backend() Backend {
	return BackendPostgres
}

func (p *Postgres) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) FetchAll(ctx context.Context, sql string, args ...any) ([][]any, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]any, error) {
		return row.Values()
	})
}

// CopyRows uses the COPY FROM STDIN protocol.
func (p *Postgres) CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return p.q.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
}

func (p *Postgres) Close() error {
	return p.close()
}
