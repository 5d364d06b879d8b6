package bench

import (
	"errors"
	"fmt"
)

// ErrDegenerateSample matches any *DegenerateSampleError via errors.Is.
var ErrDegenerateSample = errors.New("degenerate sample")

// DegenerateSampleError is returned when a run or reduction is asked to work
// with fewer than MinIterations samples. The trimming rule cannot isolate a
// minimum, maximum and slowest sample from fewer than that.
type DegenerateSampleError struct {
	Iterations int
}

func (e *DegenerateSampleError) Error() string {
	return fmt.Sprintf("%s: need at least %d iterations, got %d", ErrDegenerateSample, MinIterations, e.Iterations)
}

func (e *DegenerateSampleError) Is(target error) bool {
	return target == ErrDegenerateSample
}
