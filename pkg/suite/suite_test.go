package suite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `goos: linux
goarch: amd64
pkg: github.com/justjake/pgprobe/pkg/benchmarks
target: local
BenchmarkStorePing/target=local/rows=1000-8         	   20000	     51234 ns/op	     312 B/op	       7 allocs/op
BenchmarkBulkWrite/target=local/rows=1000-8         	      12	  98765432 ns/op	      1000 rows/op	  123456 B/op	    2042 allocs/op
BenchmarkNoUnits-8 	 100
--- FAIL: BenchmarkBroken
PASS
ok  	github.com/justjake/pgprobe/pkg/benchmarks	3.210s
`

func TestParseOutput(t *testing.T) {
	metrics := ParseOutput([]byte(sampleOutput))
	require.Len(t, metrics, 2)

	assert.Equal(t, Metric{
		Name:        "BenchmarkStorePing/target=local/rows=1000-8",
		Iterations:  20000,
		NsPerOp:     51234,
		BytesPerOp:  312,
		AllocsPerOp: 7,
	}, metrics[0])

	assert.Equal(t, int64(12), metrics[1].Iterations)
	assert.Equal(t, float64(98765432), metrics[1].NsPerOp)
	assert.Equal(t, map[string]float64{"rows/op": 1000}, metrics[1].Extra)
	assert.Equal(t, int64(2042), metrics[1].AllocsPerOp)
}

func TestCasePattern(t *testing.T) {
	tests := []struct {
		cases []string
		want  string
	}{
		{nil, "."},
		{[]string{" ", ""}, "."},
		{[]string{"ping"}, "^(BenchmarkStorePing)$"},
		{[]string{"Write", "copy"}, "^(BenchmarkBulkWrite|BenchmarkBulkCopy)$"},
		{[]string{"BenchmarkCompute"}, "^(BenchmarkCompute)$"},
		{[]string{"Custom"}, "^(BenchmarkCustom)$"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CasePattern(tt.cases), "cases %q", tt.cases)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "local=postgres://u:p@localhost/db", want: Target{Name: "local", DSN: "postgres://u:p@localhost/db"}},
		{in: "postgres://u:p@localhost/db?sslmode=disable", want: Target{Name: "postgres", DSN: "postgres://u:p@localhost/db?sslmode=disable"}},
		{in: "sqlite:/tmp/probe.db", want: Target{Name: "sqlite", DSN: "sqlite:/tmp/probe.db"}},
		{in: "kv=host=localhost dbname=probe", want: Target{Name: "kv", DSN: "host=localhost dbname=probe"}},
		{in: "", wantErr: true},
		{in: "=postgres://localhost/db", wantErr: true},
		{in: "name=", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "no targets")

	cfg.Targets = []Target{{Name: "a", DSN: "sqlite:a.db"}, {Name: "a", DSN: "sqlite:b.db"}}
	require.ErrorContains(t, cfg.Validate(), "duplicate")

	cfg.Targets = cfg.Targets[:1]
	cfg.Rounds = 0
	require.ErrorContains(t, cfg.Validate(), "rounds")

	cfg.Rounds = 1
	require.NoError(t, cfg.Validate())
}

func TestBenchEnv(t *testing.T) {
	env := benchEnv(RunConfig{
		Target: Target{Name: "local", DSN: "sqlite:x.db"},
		Rows:   50,
		RunID:  "run-1",
		Round:  2,
	})
	assert.Equal(t, []string{
		"BENCH_CONN_STRING=sqlite:x.db",
		"BENCH_TARGET=local",
		"BENCH_RUN_ID=run-1",
		"BENCH_ROUND=2",
		"BENCH_ROWS=50",
	}, env)

	env = benchEnv(RunConfig{Target: Target{Name: "pg", DSN: "postgres://x"}, MaxConns: 4, ResetFixture: true})
	assert.Equal(t, []string{"BENCH_MAX_CONNS=4", "BENCH_RESET_FIXTURE=true"}, env[4:])

	args := testArgs(RunConfig{Cases: []string{"ping"}, Count: 3, Benchtime: "100x", Timeout: time.Minute})
	assert.Equal(t, []string{
		"test", "-bench=^(BenchmarkStorePing)$", "-benchmem", "-run=^$",
		"-count=3", "-benchtime=100x", "-timeout=1m0s", "./pkg/benchmarks/...",
	}, args)
}

type fakeRunner struct {
	calls []RunConfig
	fail  map[string]bool
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(_ context.Context, cfg RunConfig) (*RunResult, error) {
	f.calls = append(f.calls, cfg)
	res := &RunResult{Output: []byte(sampleOutput), Metrics: ParseOutput([]byte(sampleOutput)), Duration: time.Second}
	if f.fail[cfg.Target.Name] {
		res.ExitCode = 1
		res.Error = errors.New("go test failed: exit status 1")
	}
	return res, nil
}

func newTestOrchestrator(t *testing.T, runner Runner, targets ...Target) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Targets = targets
	o, err := NewOrchestrator(cfg, t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	o.Runner = runner
	return o
}

func TestOrchestrator_Run(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"broken": true}}
	o := newTestOrchestrator(t, runner,
		Target{Name: "local", DSN: "postgres://secret@localhost/db"},
		Target{Name: "broken", DSN: "sqlite:broken.db"},
	)

	results, err := o.Run(context.Background())
	require.NoError(t, err)

	// Two rounds per target, in order, all sharing the execution id.
	require.Len(t, runner.calls, 4)
	assert.Equal(t, "local", runner.calls[0].Target.Name)
	assert.Equal(t, 2, runner.calls[1].Round)
	assert.Equal(t, "broken", runner.calls[2].Target.Name)
	for _, c := range runner.calls {
		assert.Equal(t, o.ExecutionID(), c.RunID)
		assert.Equal(t, 1000, c.Rows)
	}

	require.Len(t, results.Results, 2)
	assert.Empty(t, results.Results[0].Error)
	assert.Len(t, results.Results[0].Metrics, 4)
	assert.Contains(t, results.Results[1].Error, "2 of 2 rounds failed")

	dir := o.OutputDir()
	raw, err := os.ReadFile(filepath.Join(dir, "results.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
	var decoded Results
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, results.ExecutionID, decoded.ExecutionID)
	assert.Equal(t, "local", decoded.Config.Targets[0].Name)

	bench, err := os.ReadFile(filepath.Join(dir, "bench.local.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(bench), "BenchmarkStorePing/target=local")

	md, err := os.ReadFile(filepath.Join(dir, "BENCHMARK.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Benchmark Results")
	assert.Contains(t, string(md), "### broken")
	assert.Contains(t, string(md), "| BenchmarkBulkWrite/target=local/rows=1000-8 | 12 | 98765432 | 123456 | 2042 | 1000 rows/op |")
	assert.Contains(t, string(md), "| `bench.local.txt` | Go benchmark output for target `local` (benchstat compatible) |")

	latest, err := os.Readlink(filepath.Join(filepath.Dir(dir), "latest"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), latest)
}

func TestOrchestrator_Canceled(t *testing.T) {
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, runner, Target{Name: "local", DSN: "sqlite:x.db"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, runner.calls)
	require.Len(t, results.Results, 1)
	assert.Contains(t, results.Results[0].Error, "canceled")
}

func TestNewOrchestrator_InvalidConfig(t *testing.T) {
	_, err := NewOrchestrator(DefaultConfig(), t.TempDir(), nil)
	require.Error(t, err)
}

func TestDescribeOutputFile(t *testing.T) {
	tests := map[string]string{
		"results.json":   "Full benchmark results in JSON format",
		"bench.pg.txt":   "Go benchmark output for target `pg` (benchstat compatible)",
		"snapshot.trace": "Flight recorder trace file (can be viewed with go tool trace)",
		"notes.txt":      "Benchmark artifact",
	}
	for name, want := range tests {
		assert.Equal(t, want, describeOutputFile(name), name)
	}
}
