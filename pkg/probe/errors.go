package probe

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProbe matches any *UnknownProbeError.
	ErrUnknownProbe = errors.New("unknown probe")

	// ErrNoStore is returned when a probe or lifecycle operation needs a
	// store and the harness has none.
	ErrNoStore = errors.New("no data store configured")
)

// UnknownProbeError names an id missing from the catalog.
type UnknownProbeError struct {
	ID string
}

func (e *UnknownProbeError) Error() string {
	return fmt.Sprintf("unknown probe %q", e.ID)
}

func (e *UnknownProbeError) Is(target error) bool {
	return target == ErrUnknownProbe
}
