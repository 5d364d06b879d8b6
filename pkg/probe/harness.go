package probe

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/justjake/pgprobe/pkg/bench"
	"github.com/justjake/pgprobe/pkg/config"
	"github.com/justjake/pgprobe/pkg/fixture"
	"github.com/justjake/pgprobe/pkg/observability"
	"github.com/justjake/pgprobe/pkg/store"
	"github.com/justjake/pgprobe/pkg/workload"
)

// Result is the record of one successful probe run.
type Result struct {
	RunID string       `json:"run_id"`
	Probe Descriptor   `json:"probe"`
	Stats bench.Stats  `json:"stats"`
	Start time.Time    `json:"start"`
	Took  JSONDuration `json:"took"`
}

// JSONDuration marshals as float seconds, matching bench.Stats.
type JSONDuration time.Duration

func (d JSONDuration) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, time.Duration(d).Seconds(), 'f', -1, 64), nil
}

func (d *JSONDuration) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*d = JSONDuration(math.Round(f * float64(time.Second)))
	return nil
}

// Harness runs catalog probes against one store. It is the exposed surface
// of the measurement core: List, Setup, Teardown and Run.
//
// A Harness is not safe for concurrent runs against the same store; callers
// serialize.
type Harness struct {
	catalog   *Catalog
	store     store.Store
	lifecycle *fixture.Lifecycle
	cfg       *config.Config
	logger    *slog.Logger

	metrics     *observability.Metrics
	tracer      trace.Tracer
	sampleSpans bool
	sampleHooks []func(probe string, d time.Duration)
	errorHooks  []func(probe string, err error)
	benchOpts   []bench.Option
}

// Option configures a Harness.
type Option func(*Harness)

// WithMetrics records runs, samples and fixture operations.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Harness) { h.metrics = m }
}

// WithTracer wraps each run in a span. A nil or disabled provider uses the
// global tracer, which is a no-op unless one was installed.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(h *Harness) {
		h.tracer = tp.Tracer(observability.TracerName)
		h.sampleSpans = tp.SampleSpans()
	}
}

// WithSampleHook is called with every timed sample of every run.
func WithSampleHook(hook func(probe string, d time.Duration)) Option {
	return func(h *Harness) { h.sampleHooks = append(h.sampleHooks, hook) }
}

// WithErrorHook is called when a run fails.
func WithErrorHook(hook func(probe string, err error)) Option {
	return func(h *Harness) { h.errorHooks = append(h.errorHooks, hook) }
}

// WithBenchOptions are passed to every bench.Run, after the harness's own.
func WithBenchOptions(opts ...bench.Option) Option {
	return func(h *Harness) { h.benchOpts = append(h.benchOpts, opts...) }
}

// NewHarness returns a Harness over catalog. s may be nil, in which case
// store-backed probes and the fixture lifecycle fail with ErrNoStore. cfg may
// be nil for defaults.
func NewHarness(catalog *Catalog, s store.Store, cfg *config.Config, logger *slog.Logger, opts ...Option) *Harness {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Harness{
		// The catalog carries the effective counts; remote callers that time
		// a probe themselves read them from the listing.
		catalog: catalog.WithIterations(cfg.GetIterations),
		store:   s,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(observability.TracerName),
	}
	for _, opt := range opts {
		opt(h)
	}
	if s != nil {
		h.lifecycle = fixture.NewLifecycle(s, logger, h.metrics)
	}
	return h
}

// Catalog returns the probes this harness can run.
func (h *Harness) Catalog() *Catalog {
	return h.catalog
}

// List returns the probe descriptors in catalog order.
func (h *Harness) List() []Descriptor {
	return h.catalog.List()
}

// Setup creates the fixture table.
func (h *Harness) Setup(ctx context.Context) error {
	if h.lifecycle == nil {
		return ErrNoStore
	}
	return h.lifecycle.Setup(ctx)
}

// Teardown drops the fixture table.
func (h *Harness) Teardown(ctx context.Context) error {
	if h.lifecycle == nil {
		return ErrNoStore
	}
	return h.lifecycle.Teardown(ctx)
}

// Ping does nothing. Remote callers time it to measure round-trip latency.
func (h *Harness) Ping(context.Context) error {
	return nil
}

// Iterations resolves the iteration count for a run of d: an explicit count
// wins, then the configured override, then the probe default.
func (h *Harness) Iterations(d Descriptor, requested int) int {
	if requested != 0 {
		return requested
	}
	if n := h.cfg.GetIterations(d.ID); n > 0 {
		return n
	}
	return d.DefaultIterations
}

// Run runs probe id for iterations repetitions (0 for the default) and
// returns the reduced stats. Workload errors are returned unmodified.
func (h *Harness) Run(ctx context.Context, id string, iterations int) (bench.Stats, error) {
	res, err := h.Execute(ctx, id, iterations)
	if err != nil {
		return bench.Stats{}, err
	}
	return res.Stats, nil
}

// Execute is Run with the run's bookkeeping attached.
func (h *Harness) Execute(ctx context.Context, id string, iterations int) (Result, error) {
	d, ok := h.catalog.Lookup(id)
	if !ok {
		return Result{}, &UnknownProbeError{ID: id}
	}
	n := h.Iterations(d, iterations)
	if n < bench.MinIterations {
		return Result{}, &bench.DegenerateSampleError{Iterations: n}
	}

	run, err := h.runner(d)
	if err != nil {
		return Result{}, err
	}

	runID := uuid.NewString()
	backend := ""
	if h.store != nil {
		backend = h.store.Backend().String()
	}
	logger := h.logger.With("probe", d.ID, "run_id", runID)

	ctx, span := observability.StartRun(ctx, h.tracer, d.ID, runID, backend, n)

	logger.DebugContext(ctx, "probe run starting", "iterations", n)
	start := time.Now()

	stats, err := run(ctx, n, h.options(ctx, d)...)
	took := time.Since(start)
	if err != nil {
		span.Fail(err)
		h.metrics.RecordRun(d.ID, 0, 0, err)
		for _, hook := range h.errorHooks {
			hook(d.ID, err)
		}
		logger.ErrorContext(ctx, "probe run failed", "iterations", n, "error", err)
		return Result{}, err
	}

	span.Finish(stats.Average, stats.Slowest)
	h.metrics.RecordRun(d.ID, stats.Average, stats.Slowest, nil)
	logger.InfoContext(ctx, "probe run complete",
		"iterations", stats.Iterations,
		"average", stats.Average,
		"minimum", stats.Minimum,
		"maximum", stats.Maximum,
		"slowest", stats.Slowest,
		"took", took,
	)

	return Result{
		RunID: runID,
		Probe: d,
		Stats: stats,
		Start: start,
		Took:  JSONDuration(took),
	}, nil
}

// options builds the bench options for one run of d.
func (h *Harness) options(ctx context.Context, d Descriptor) []bench.Option {
	opts := []bench.Option{
		bench.WithCollect(h.cfg.CollectBeforeEach),
		bench.WithObserver(func(i int, sample time.Duration) {
			h.metrics.RecordSample(d.ID, sample)
			for _, hook := range h.sampleHooks {
				hook(d.ID, sample)
			}
			if h.sampleSpans {
				observability.RecordSample(ctx, h.tracer, i, sample)
			}
		}),
	}
	return append(opts, h.benchOpts...)
}

// runner times a probe. Most probes are a single workload; the read probe
// writes its rows once before timing.
type runner func(ctx context.Context, iterations int, opts ...bench.Option) (bench.Stats, error)

func timed(w bench.Workload) runner {
	return func(ctx context.Context, iterations int, opts ...bench.Option) (bench.Stats, error) {
		return bench.Run(ctx, w, iterations, opts...)
	}
}

func (h *Harness) runner(d Descriptor) (runner, error) {
	w := h.cfg.Workloads
	switch d.ID {
	case Latency:
		return timed(workload.Noop()), nil
	case CPU:
		return timed(workload.CPUBound(w.GetCPUOps())), nil
	case Memory:
		return timed(workload.AllocateLargeBlock(w.GetAllocSize().Int64(), w.GetAllocSmallCount())), nil
	}

	if h.store == nil {
		return nil, ErrNoStore
	}
	switch d.ID {
	case DBLatency:
		return timed(workload.StorePing(h.store, w.GetPingCount())), nil
	case DBWrite:
		return timed(workload.BulkWrite(h.store, w.GetBulkRows())), nil
	case DBRead:
		rows := w.GetBulkRows()
		return func(ctx context.Context, iterations int, opts ...bench.Option) (bench.Stats, error) {
			return workload.ReadAfterWrite(ctx, h.store, rows, iterations, opts...)
		}, nil
	case DBCopy:
		return timed(workload.BulkCopy(h.store, w.GetBulkRows())), nil
	}
	return nil, &UnknownProbeError{ID: d.ID}
}
