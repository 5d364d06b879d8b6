package bench

import (
	"context"
	"runtime"
	"time"
)

// Workload is a single measured unit of work. It may have side effects
// (writing to a store, allocating memory); Run knows nothing about them.
type Workload func(ctx context.Context) error

// Clock is the elapsed-time source used to bracket each iteration.
// Implementations must be monotonic with at least microsecond resolution.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns time.Now, which carries a monotonic reading.
func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock.
var SystemClock Clock = systemClock{}

type runOptions struct {
	collect   bool
	collector func()
	clock     Clock
	observer  func(iteration int, sample time.Duration)
}

// Option configures a Run.
type Option func(*runOptions)

// WithCollect forces a collection pass before every iteration, outside the
// timed window, so collector work triggered by one iteration is not billed
// to the next one.
func WithCollect(collect bool) Option {
	return func(o *runOptions) { o.collect = collect }
}

// WithCollector replaces the memory-compaction trigger. Default: runtime.GC.
func WithCollector(collector func()) Option {
	return func(o *runOptions) { o.collector = collector }
}

// WithClock replaces the elapsed-time source.
func WithClock(clock Clock) Option {
	return func(o *runOptions) { o.clock = clock }
}

// WithObserver registers a callback invoked with every raw sample, in
// invocation order, right after it is measured.
func WithObserver(observer func(iteration int, sample time.Duration)) Option {
	return func(o *runOptions) { o.observer = observer }
}

// Run invokes w exactly iterations times, strictly one after another, and
// reduces the per-iteration wall-clock durations with Reduce.
//
// iterations below MinIterations fail with *DegenerateSampleError before w is
// invoked. An error returned by w aborts the remaining iterations and is
// returned as is; no Stats are produced for a failed run.
func Run(ctx context.Context, w Workload, iterations int, opts ...Option) (Stats, error) {
	if iterations < MinIterations {
		return Stats{}, &DegenerateSampleError{Iterations: iterations}
	}

	o := runOptions{
		collector: runtime.GC,
		clock:     SystemClock,
	}
	for _, opt := range opts {
		opt(&o)
	}

	samples := make([]time.Duration, 0, iterations)
	for i := range iterations {
		if o.collect {
			o.collector()
		}

		start := o.clock.Now()
		err := w(ctx)
		elapsed := o.clock.Now().Sub(start)
		if err != nil {
			return Stats{}, err
		}

		samples = append(samples, elapsed)
		if o.observer != nil {
			o.observer(i, elapsed)
		}
	}

	return Reduce(samples)
}
