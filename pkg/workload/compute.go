// Package workload builds the units of work the probes time. Each
// constructor returns a bench.Workload bound to its parameters and, for
// store-backed work, to an explicit store handle.
package workload

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/justjake/pgprobe/pkg/bench"
)

// pageSize is the stride used to touch freshly allocated memory.
const pageSize = 4096

// Noop does nothing. Timing it measures the harness overhead, or the round
// trip to a remote harness when invoked from the caller side.
func Noop() bench.Workload {
	return func(context.Context) error { return nil }
}

// sink keeps the CPU loop from being optimized away.
var sink atomic.Int64

// CPUBound performs ops trivial arithmetic operations.
func CPUBound(ops int) bench.Workload {
	return func(ctx context.Context) error {
		var acc int64
		for i := range ops {
			acc += int64(i) ^ (acc >> 3)
		}
		sink.Add(acc)
		return nil
	}
}

// AllocateLargeBlock allocates one block of size bytes and smallCount small
// objects, touching every page of the large block so it is actually backed
// by memory. Everything is released when the call returns.
func AllocateLargeBlock(size int64, smallCount int) bench.Workload {
	return func(ctx context.Context) error {
		block := make([]byte, size)
		for i := int64(0); i < size; i += pageSize {
			block[i] = 1
		}

		small := make([]*[16]byte, smallCount)
		for i := range small {
			small[i] = new([16]byte)
		}

		runtime.KeepAlive(block)
		runtime.KeepAlive(small)
		return nil
	}
}
