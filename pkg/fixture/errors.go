package fixture

import (
	"errors"
	"fmt"

	"github.com/justjake/pgprobe/pkg/store"
)

var (
	// ErrUnsupportedBackend matches any *UnsupportedBackendError.
	ErrUnsupportedBackend = errors.New("unsupported backend")
	// ErrFixtureConflict matches any *FixtureConflictError.
	ErrFixtureConflict = errors.New("fixture conflict")
)

// UnsupportedBackendError is returned when the fixture DDL is attempted on a
// backend other than PostgreSQL.
type UnsupportedBackendError struct {
	Backend store.Backend
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("fixture setup is only supported on %s, not %s", store.BackendPostgres, e.Backend)
}

func (e *UnsupportedBackendError) Is(target error) bool {
	return target == ErrUnsupportedBackend
}

// FixtureConflictError is returned when the fixture table already exists in
// a schema on the search path.
type FixtureConflictError struct {
	Schema string
}

func (e *FixtureConflictError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("table %s already exists; run teardown and try again", Table)
	}
	return fmt.Sprintf("table %s already exists in schema %s; run teardown and try again", Table, e.Schema)
}

func (e *FixtureConflictError) Is(target error) bool {
	return target == ErrFixtureConflict
}
