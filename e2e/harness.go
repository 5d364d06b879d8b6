// Package e2e runs the probe harness against a real PostgreSQL server.
// Tests are skipped unless PGPROBE_E2E_DSN points at a database the tests
// may create and drop the fixture table in.
package e2e

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/justjake/pgprobe/pkg/api"
	"github.com/justjake/pgprobe/pkg/config"
	"github.com/justjake/pgprobe/pkg/fixture"
	"github.com/justjake/pgprobe/pkg/probe"
	"github.com/justjake/pgprobe/pkg/store"
)

// DSNEnv names the variable holding the test database DSN.
const DSNEnv = "PGPROBE_E2E_DSN"

// ConnectTimeout bounds opening the store.
const ConnectTimeout = 10 * time.Second

// Env is an isolated test environment: a store, a harness over it, and the
// harness served over HTTP.
type Env struct {
	t *testing.T

	DSN     string
	Store   store.Store
	Harness *probe.Harness
	Server  *httptest.Server
	Client  *api.Client
	Logger  *slog.Logger
}

// NewEnv opens the store and starts an API server. The fixture table is
// dropped before and after the test.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", DSNEnv)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()
	s, err := store.Open(ctx, dsn, store.Options{MaxConns: 4})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	e := &Env{t: t, DSN: dsn, Store: s, Logger: logger}
	e.DropFixture()
	t.Cleanup(func() {
		e.DropFixture()
		_ = s.Close()
	})

	cfg := &config.Config{
		Workloads: config.WorkloadConfig{
			CPUOps:          10_000,
			AllocSize:       config.MiB,
			AllocSmallCount: 100,
			PingCount:       1,
			BulkRows:        200,
		},
	}
	e.Harness = probe.NewHarness(probe.Default(), s, cfg, logger)
	e.Server = httptest.NewServer(api.NewServer(e.Harness, logger).Handler())
	t.Cleanup(e.Server.Close)

	e.Client, err = api.NewClient(e.Server.URL, e.Server.Client())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return e
}

// DropFixture removes the fixture table if it exists.
func (e *Env) DropFixture() {
	e.t.Helper()
	err := fixture.NewLifecycle(e.Store, e.Logger, nil).Teardown(context.Background())
	var pgErr *pgconn.PgError
	if err != nil && !(errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable) {
		e.t.Fatalf("failed to drop fixture: %v", err)
	}
}

// CountRows returns the number of fixture rows, read on a fresh connection.
func (e *Env) CountRows() int {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, e.DSN)
	if err != nil {
		e.t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)

	var n int
	if err := conn.QueryRow(ctx, `SELECT count(*) FROM `+fixture.QuotedTable).Scan(&n); err != nil {
		e.t.Fatalf("count fixture rows: %v", err)
	}
	return n
}
