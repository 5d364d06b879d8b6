package workload

import (
	"errors"
	"fmt"
)

// ErrConsistency matches any *ConsistencyError.
var ErrConsistency = errors.New("consistency check failed")

// ConsistencyError is returned when a read observes a different number of
// fixture rows than were written.
type ConsistencyError struct {
	Expected int
	Actual   int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency check failed: expected %d rows, read %d", e.Expected, e.Actual)
}

func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}
