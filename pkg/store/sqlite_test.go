package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite::memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_ExecAndFetchAll(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	assert.Equal(t, BackendSQLite, s.Backend())

	_, err := s.Exec(ctx, `CREATE TABLE t (id integer PRIMARY KEY, name text)`)
	require.NoError(t, err)

	for i, name := range []string{"a", "b", "c"} {
		n, err := s.Exec(ctx, `INSERT INTO t (id, name) VALUES ($1, $2)`, i, name)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}

	rows, err := s.FetchAll(ctx, `SELECT id, name FROM t ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{int64(0), "a"}, rows[0])
	assert.Equal(t, []any{int64(2), "c"}, rows[2])

	n, err := s.Exec(ctx, `DELETE FROM t`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSQLite_FetchAllEmpty(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	rows, err := s.FetchAll(ctx, `SELECT 1 WHERE 1 = 0`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLite_IsNotACopier(t *testing.T) {
	_, ok := openMemory(t).(Copier)
	assert.False(t, ok)
}

func TestSQLite_FileBacked(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "probe.db")

	s, err := Open(ctx, "sqlite:"+path, Options{})
	require.NoError(t, err)
	_, err = s.Exec(ctx, `CREATE TABLE t (id integer)`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, "sqlite:"+path, Options{})
	require.NoError(t, err)
	defer s.Close()
	rows, err := s.FetchAll(ctx, `SELECT count(*) FROM t`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(0)}}, rows)
}
