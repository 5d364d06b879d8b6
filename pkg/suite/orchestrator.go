package suite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/justjake/pgprobe/pkg/report"
)

// Orchestrator runs a suite: every round of every target, in order, then
// writes the results to a fresh output directory:
//
//	bench.<target>.txt  raw go test output, one file per target
//	results.json        everything, machine readable
//	BENCHMARK.md        summary, with a benchstat comparison when possible
type Orchestrator struct {
	Config Config
	Runner Runner
	Logger *slog.Logger

	dir         string
	executionID string
	outputDir   string
	git         *GitInfo
}

// NewOrchestrator creates an Orchestrator for the module rooted at dir.
func NewOrchestrator(cfg Config, dir string, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Config: cfg,
		Runner: NewGoTestRunner(abs),
		Logger: logger,
		dir:    abs,
	}, nil
}

// Run executes the suite. A failing target is recorded in the results and
// the remaining targets still run; only output and context errors abort.
func (o *Orchestrator) Run(ctx context.Context) (*Results, error) {
	o.executionID = uuid.NewString()

	if err := o.initOutputDir(); err != nil {
		return nil, fmt.Errorf("failed to init output dir: %w", err)
	}
	if err := o.updateLatestSymlink(); err != nil {
		o.Logger.Warn("failed to update latest symlink", "error", err)
	}

	git, err := GetGitInfo(o.dir)
	if err != nil {
		o.Logger.Warn("running without git metadata", "error", err)
	} else {
		o.git = git
		o.writeGitFiles()
	}

	o.Logger.Info("starting benchmark suite",
		"execution_id", o.executionID,
		"runner", o.Runner.Name(),
		"git", o.git.String(),
		"targets", len(o.Config.Targets),
		"rounds", o.Config.Rounds,
	)

	results := &Results{
		ExecutionID: o.executionID,
		Timestamp:   time.Now(),
		Git:         o.git,
		Config:      o.Config,
		Results:     make([]TargetResult, 0, len(o.Config.Targets)),
	}

	for i, target := range o.Config.Targets {
		o.Logger.Info("starting target",
			"target", target.Name,
			"progress", fmt.Sprintf("%d/%d", i+1, len(o.Config.Targets)))

		tr, err := o.runTarget(ctx, target)
		if err != nil {
			o.Logger.Error("target benchmark failed", "target", target.Name, "error", err)
			tr.Error = err.Error()
		}
		results.Results = append(results.Results, tr)
		if ctx.Err() != nil {
			break
		}
	}

	if err := o.writeResults(results); err != nil {
		return results, fmt.Errorf("failed to write results: %w", err)
	}
	if err := o.writeReport(results); err != nil {
		o.Logger.Warn("failed to generate benchmark report", "error", err)
	}
	return results, ctx.Err()
}

func (o *Orchestrator) runTarget(ctx context.Context, target Target) (TargetResult, error) {
	result := TargetResult{
		Target: target.Name,
		Rounds: make([]RoundResult, 0, o.Config.Rounds),
	}

	benchFile, err := os.Create(filepath.Join(o.outputDir, fmt.Sprintf("bench.%s.txt", target.Name)))
	if err != nil {
		return result, fmt.Errorf("failed to create bench file: %w", err)
	}
	defer func() {
		if err := benchFile.Close(); err != nil {
			o.Logger.Warn("failed to close bench file", "error", err)
		}
	}()

	var failed int
	for round := 1; round <= o.Config.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		o.Logger.Info("running round", "target", target.Name, "round", round, "total", o.Config.Rounds)

		run, err := o.Runner.Run(ctx, RunConfig{
			Target:       target,
			Rows:         o.Config.Rows,
			MaxConns:     o.Config.MaxConns,
			ResetFixture: o.Config.ResetFixture,
			Cases:        o.Config.Cases,
			Count:        o.Config.Count,
			Benchtime:    o.Config.Benchtime,
			Timeout:      o.Config.Timeout,
			Package:      o.Config.Package,
			RunID:        o.executionID,
			Round:        round,
			TotalRounds:  o.Config.Rounds,
		})
		if err != nil {
			return result, err
		}

		rr := RoundResult{
			Round:    round,
			Duration: run.Duration,
			ExitCode: run.ExitCode,
			Output:   string(run.Output),
		}
		if run.Error != nil {
			failed++
			rr.Error = run.Error.Error()
			o.Logger.Error("benchmark round failed", "target", target.Name, "round", round, "error", run.Error)
		}
		if _, err := benchFile.Write(append(run.Output, '\n')); err != nil {
			return result, fmt.Errorf("failed to write benchmark output: %w", err)
		}
		result.Metrics = append(result.Metrics, run.Metrics...)
		result.Rounds = append(result.Rounds, rr)
	}

	if failed > 0 {
		return result, fmt.Errorf("%d of %d rounds failed", failed, o.Config.Rounds)
	}
	return result, nil
}

func (o *Orchestrator) initOutputDir() error {
	base := o.Config.OutputDir
	if base == "" {
		base = DefaultConfig().OutputDir
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(o.dir, base)
	}

	name := fmt.Sprintf("%s-%s", time.Now().Format("2006-01-02T15-04-05"), o.executionID[:8])
	o.outputDir = filepath.Join(base, name)
	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return err
	}
	o.Logger.Info("created output directory", "path", o.outputDir)
	return nil
}

// updateLatestSymlink points <base>/latest at this run so progress can be
// followed while it runs.
func (o *Orchestrator) updateLatestSymlink() error {
	latest := filepath.Join(filepath.Dir(o.outputDir), "latest")
	_ = os.Remove(latest)
	return os.Symlink(filepath.Base(o.outputDir), latest)
}

// writeGitFiles is best effort.
func (o *Orchestrator) writeGitFiles() {
	files := map[string]string{
		"git-sha":    o.git.SHA,
		"git-branch": o.git.Branch,
		"git-status": o.git.Status,
		"git-diff":   o.git.Diff,
	}
	for name, content := range files {
		if err := writeFile(filepath.Join(o.outputDir, name), content); err != nil {
			o.Logger.Warn("failed to write git metadata", "file", name, "error", err)
		}
	}
}

func (o *Orchestrator) writeResults(results *Results) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.outputDir, "results.json"), data, 0o644)
}

// OutputDir returns the directory of the current or last run.
func (o *Orchestrator) OutputDir() string {
	return o.outputDir
}

// ExecutionID returns the id of the current or last run.
func (o *Orchestrator) ExecutionID() string {
	return o.executionID
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644)
}

// writeReport writes BENCHMARK.md.
func (o *Orchestrator) writeReport(results *Results) error {
	var b strings.Builder

	b.WriteString("# Benchmark Results\n\n")
	fmt.Fprintf(&b, "**Execution ID:** `%s`\n\n", results.ExecutionID)
	fmt.Fprintf(&b, "**Timestamp:** %s\n\n", results.Timestamp.Format(time.RFC3339))
	if results.Git != nil {
		fmt.Fprintf(&b, "**Git:** `%s`\n\n", results.Git)
	}

	b.WriteString("## Configuration\n\n")
	cases := "all"
	if len(o.Config.Cases) > 0 {
		cases = strings.Join(o.Config.Cases, ", ")
	}
	settings := [][]string{
		{"Rounds", fmt.Sprint(o.Config.Rounds)},
		{"Count", fmt.Sprint(o.Config.Count)},
		{"Rows", fmt.Sprint(o.Config.Rows)},
		{"Cases", cases},
		{"Targets", fmt.Sprint(len(o.Config.Targets))},
	}
	if o.Config.Benchtime != "" {
		settings = append(settings, []string{"Benchtime", o.Config.Benchtime})
	}
	if err := report.WriteMarkdownTable(&b, []string{"Setting", "Value"}, settings); err != nil {
		return err
	}
	b.WriteString("\n")

	if len(results.Results) >= 2 {
		b.WriteString("## Benchstat Comparison\n\n")
		if out := o.runBenchstat(); out != "" {
			fmt.Fprintf(&b, "```\n%s```\n\n", out)
		} else {
			b.WriteString("_benchstat not available or failed to run_\n\n")
		}
	}

	b.WriteString("## Results by Target\n\n")
	for _, tr := range results.Results {
		fmt.Fprintf(&b, "### %s\n\n", tr.Target)
		fmt.Fprintf(&b, "- Rounds completed: %d\n", len(tr.Rounds))
		fmt.Fprintf(&b, "- Metrics collected: %d\n", len(tr.Metrics))
		if tr.Error != "" {
			fmt.Fprintf(&b, "- Error: %s\n", firstLine(tr.Error))
		}
		b.WriteString("\n")

		if len(tr.Metrics) > 0 {
			rows := make([][]string, 0, len(tr.Metrics))
			for _, m := range tr.Metrics {
				rows = append(rows, []string{
					m.Name,
					fmt.Sprint(m.Iterations),
					fmt.Sprintf("%.0f", m.NsPerOp),
					fmt.Sprint(m.BytesPerOp),
					fmt.Sprint(m.AllocsPerOp),
					formatExtra(m.Extra),
				})
			}
			headers := []string{"Benchmark", "Iterations", "ns/op", "B/op", "allocs/op", "Other"}
			if err := report.WriteMarkdownTable(&b, headers, rows); err != nil {
				return err
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("## Output Files\n\n")
	entries, _ := os.ReadDir(o.outputDir)
	files := [][]string{{"`BENCHMARK.md`", describeOutputFile("BENCHMARK.md")}}
	for _, e := range entries {
		if e.Name() == "BENCHMARK.md" {
			continue
		}
		files = append(files, []string{"`" + e.Name() + "`", describeOutputFile(e.Name())})
	}
	if err := report.WriteMarkdownTable(&b, []string{"File", "Description"}, files); err != nil {
		return err
	}

	path := filepath.Join(o.outputDir, "BENCHMARK.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return err
	}
	o.Logger.Info("generated benchmark report", "path", path)
	return nil
}

// runBenchstat compares the per-target output files. It returns "" when
// benchstat is not installed or fails.
func (o *Orchestrator) runBenchstat() string {
	bin, err := exec.LookPath("benchstat")
	if err != nil {
		return ""
	}
	files, err := filepath.Glob(filepath.Join(o.outputDir, "bench.*.txt"))
	if err != nil || len(files) < 2 {
		return ""
	}

	args := make([]string, 0, len(files))
	for _, file := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), "bench."), ".txt")
		args = append(args, fmt.Sprintf("%s=%s", name, file))
	}
	out, err := exec.Command(bin, args...).CombinedOutput()
	if err != nil {
		o.Logger.Warn("benchstat failed", "error", err, "output", string(out))
		return ""
	}
	return string(out)
}

func formatExtra(extra map[string]float64) string {
	if len(extra) == 0 {
		return ""
	}
	units := make([]string, 0, len(extra))
	for unit := range extra {
		units = append(units, unit)
	}
	sort.Strings(units)
	parts := make([]string, len(units))
	for i, unit := range units {
		parts[i] = fmt.Sprintf("%g %s", extra[unit], unit)
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// describeOutputFile returns a description for a file in the output directory.
func describeOutputFile(name string) string {
	descriptions := map[string]string{
		"BENCHMARK.md": "This benchmark report",
		"results.json": "Full benchmark results in JSON format",
		"git-sha":      "Git commit SHA of the checkout that ran the suite",
		"git-branch":   "Git branch name",
		"git-diff":     "Output of `git diff` for uncommitted changes",
		"git-status":   "Output of `git status --porcelain`",
	}
	if desc, ok := descriptions[name]; ok {
		return desc
	}

	switch {
	case strings.HasPrefix(name, "bench.") && strings.HasSuffix(name, ".txt"):
		target := strings.TrimSuffix(strings.TrimPrefix(name, "bench."), ".txt")
		return fmt.Sprintf("Go benchmark output for target `%s` (benchstat compatible)", target)
	case strings.HasSuffix(name, ".trace"):
		return "Flight recorder trace file (can be viewed with go tool trace)"
	case strings.HasSuffix(name, ".pprof"):
		return "CPU/memory profile (can be viewed with go tool pprof)"
	default:
		return "Benchmark artifact"
	}
}
