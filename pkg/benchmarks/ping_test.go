package benchmarks

import (
	"testing"

	"github.com/justjake/pgprobe/pkg/workload"
)

// BenchmarkStorePing measures a single trivial statement round trip.
func BenchmarkStorePing(b *testing.B) {
	b.Run(getBenchName(), func(b *testing.B) {
		ping := workload.StorePing(benchStore, 1)
		benchCtx := b.Context()

		var i int
		for b.Loop() {
			op := NewOp(benchCtx, "ping", i)
			if err := ping(op.Ctx); err != nil {
				b.Fatal(op.Failed(err))
			}
			op.Done()
			i++
		}
	})
}

// BenchmarkStorePingParallel measures round trips with concurrent callers
// sharing the store's pool.
func BenchmarkStorePingParallel(b *testing.B) {
	b.Run(getBenchName(), func(b *testing.B) {
		ping := workload.StorePing(benchStore, 1)
		benchCtx := b.Context()

		b.RunParallel(func(pb *testing.PB) {
			var i int
			for pb.Next() {
				op := NewOp(benchCtx, "ping", i)
				if err := ping(op.Ctx); err != nil {
					b.Fatal(op.Failed(err))
				}
				op.Done()
				i++
			}
		})
	})
}
