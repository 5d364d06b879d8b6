package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/justjake/pgprobe/pkg/bench"
	"github.com/justjake/pgprobe/pkg/fixture"
	"github.com/justjake/pgprobe/pkg/probe"
	"github.com/justjake/pgprobe/pkg/store"
	"github.com/justjake/pgprobe/pkg/workload"
)

// Error kinds carried in ErrorResponse.Kind.
const (
	KindBadRequest         = "bad_request"
	KindDegenerateSample   = "degenerate_sample"
	KindUnknownProbe       = "unknown_probe"
	KindFixtureConflict    = "fixture_conflict"
	KindUnsupportedBackend = "unsupported_backend"
	KindCopyUnsupported    = "copy_unsupported"
	KindConsistency        = "consistency"
	KindNoStore            = "no_store"
	KindInternal           = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var kindSentinels = map[string]error{
	KindDegenerateSample:   bench.ErrDegenerateSample,
	KindUnknownProbe:       probe.ErrUnknownProbe,
	KindFixtureConflict:    fixture.ErrFixtureConflict,
	KindUnsupportedBackend: fixture.ErrUnsupportedBackend,
	KindCopyUnsupported:    store.ErrCopyUnsupported,
	KindConsistency:        workload.ErrConsistency,
	KindNoStore:            probe.ErrNoStore,
}

// classify maps a harness error to an HTTP status and error kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, bench.ErrDegenerateSample):
		return http.StatusBadRequest, KindDegenerateSample
	case errors.Is(err, probe.ErrUnknownProbe):
		return http.StatusBadRequest, KindUnknownProbe
	case errors.Is(err, fixture.ErrFixtureConflict):
		return http.StatusConflict, KindFixtureConflict
	case errors.Is(err, fixture.ErrUnsupportedBackend):
		return http.StatusPreconditionFailed, KindUnsupportedBackend
	case errors.Is(err, store.ErrCopyUnsupported):
		return http.StatusPreconditionFailed, KindCopyUnsupported
	case errors.Is(err, workload.ErrConsistency):
		return http.StatusUnprocessableEntity, KindConsistency
	case errors.Is(err, probe.ErrNoStore):
		return http.StatusServiceUnavailable, KindNoStore
	}
	return http.StatusInternalServerError, KindInternal
}

// RemoteError is an error reported by a remote harness. errors.Is matches
// the sentinel of the package the error originated in.
type RemoteError struct {
	Status  int
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote harness: %s (HTTP %d)", e.Message, e.Status)
}

func (e *RemoteError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}
