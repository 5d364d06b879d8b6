package workload

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/justjake/pgprobe/pkg/bench"
	"github.com/justjake/pgprobe/pkg/fixture"
	"github.com/justjake/pgprobe/pkg/store"
)

// fixtureDate is the some_date value of every generated row.
var fixtureDate = time.Date(2016, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	truncateSQL = fmt.Sprintf(`TRUNCATE %s`, fixture.QuotedTable)
	deleteSQL   = fmt.Sprintf(`DELETE FROM %s`, fixture.QuotedTable)
	insertSQL   = fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3)`, fixture.QuotedTable, strings.Join(fixture.Columns, ", "))
	selectSQL   = fmt.Sprintf(`SELECT * FROM %s AS a`, fixture.QuotedTable)
)

// Row returns generated fixture row i: id i, the decimal form of i repeated
// ten times, and a fixed date.
func Row(i int) []any {
	return []any{i, strings.Repeat(strconv.Itoa(i), 10), fixtureDate}
}

// Rows returns fixture rows 0 through n-1.
func Rows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = Row(i)
	}
	return rows
}

// StorePing executes count trivial statements.
func StorePing(s store.Store, count int) bench.Workload {
	return func(ctx context.Context) error {
		for range count {
			if _, err := s.Exec(ctx, "SELECT 1"); err != nil {
				return err
			}
		}
		return nil
	}
}

// emptyFixture empties the fixture table. PostgreSQL gets TRUNCATE; other backends
// have no such statement.
func emptyFixture(ctx context.Context, s store.Store) error {
	sql := deleteSQL
	if s.Backend() == store.BackendPostgres {
		sql = truncateSQL
	}
	_, err := s.Exec(ctx, sql)
	return err
}

// BulkWrite empties the fixture table and inserts rows 0 through n-1, one
// statement per row.
func BulkWrite(s store.Store, n int) bench.Workload {
	return func(ctx context.Context) error {
		if err := emptyFixture(ctx, s); err != nil {
			return err
		}
		for i := range n {
			if _, err := s.Exec(ctx, insertSQL, Row(i)...); err != nil {
				return err
			}
		}
		return nil
	}
}

// BulkRead fetches every fixture row and fails with *ConsistencyError if the
// count differs from expected.
func BulkRead(s store.Store, expected int) bench.Workload {
	return func(ctx context.Context) error {
		rows, err := s.FetchAll(ctx, selectSQL)
		if err != nil {
			return err
		}
		if len(rows) != expected {
			return &ConsistencyError{Expected: expected, Actual: len(rows)}
		}
		return nil
	}
}

// BulkCopy empties the fixture table and bulk-loads rows 0 through n-1. The
// rows are generated once, outside the timed region. Stores without a copy
// path fail with store.ErrCopyUnsupported on invocation.
func BulkCopy(s store.Store, n int) bench.Workload {
	rows := Rows(n)
	return func(ctx context.Context) error {
		c, ok := s.(store.Copier)
		if !ok {
			return store.ErrCopyUnsupported
		}
		if err := emptyFixture(ctx, s); err != nil {
			return err
		}
		copied, err := c.CopyRows(ctx, fixture.Table, fixture.Columns, rows)
		if err != nil {
			return err
		}
		if copied != int64(n) {
			return &ConsistencyError{Expected: n, Actual: int(copied)}
		}
		return nil
	}
}

// ReadAfterWrite writes n fixture rows once, untimed, then times iterations
// reads that each verify all n rows are present. Degenerate iteration counts
// are rejected before the write.
func ReadAfterWrite(ctx context.Context, s store.Store, n, iterations int, opts ...bench.Option) (bench.Stats, error) {
	if iterations < bench.MinIterations {
		return bench.Stats{}, &bench.DegenerateSampleError{Iterations: iterations}
	}
	if err := BulkWrite(s, n)(ctx); err != nil {
		return bench.Stats{}, err
	}
	return bench.Run(ctx, BulkRead(s, n), iterations, opts...)
}
