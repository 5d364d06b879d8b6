package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/justjake/pgprobe/pkg/suite"
)

func (a *app) benchCmd() *cobra.Command {
	var (
		targets []string
		dir     string
	)
	cfg := suite.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the Go benchmark suite against one or more data stores",
		Long: `Run the Go benchmarks in pkg/benchmarks against each target in turn and
write the output, results.json and a BENCHMARK.md summary to a new directory
under --output. Targets are name=dsn pairs; with none, the configured store
DSN is used under the name "default". The DSN must carry its own credentials.

This runs "go test", so it must be started from a checkout of the module.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, spec := range targets {
				t, err := suite.ParseTarget(spec)
				if err != nil {
					return err
				}
				cfg.Targets = append(cfg.Targets, t)
			}
			if len(cfg.Targets) == 0 && a.cfg.Store.DSN != "" {
				cfg.Targets = []suite.Target{{Name: "default", DSN: a.cfg.Store.DSN}}
			}
			if !cmd.Flags().Changed("rows") {
				cfg.Rows = a.cfg.Workloads.GetBulkRows()
			}
			if !cmd.Flags().Changed("max-conns") {
				cfg.MaxConns = int(a.cfg.Store.MaxConns)
			}

			o, err := suite.NewOrchestrator(cfg, dir, a.logger)
			if err != nil {
				return err
			}
			results, err := o.Run(cmd.Context())
			if results != nil {
				for _, tr := range results.Results {
					a.logger.Info("target results",
						"target", tr.Target,
						"rounds", len(tr.Rounds),
						"metrics", len(tr.Metrics),
						"error", tr.Error)
				}
				fmt.Fprintf(os.Stdout, "Results written to: %s\n", o.OutputDir())
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&targets, "target", "t", nil, "benchmark target as name=dsn (repeatable)")
	flags.StringVar(&dir, "dir", ".", "module root to run go test in")
	flags.IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "go test invocations per target")
	flags.IntVar(&cfg.Count, "count", cfg.Count, "go test -count")
	flags.StringVar(&cfg.Benchtime, "benchtime", "", "go test -benchtime, e.g. 5s or 100x")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "go test -timeout per invocation")
	flags.IntVar(&cfg.Rows, "rows", cfg.Rows, "fixture rows per bulk operation (default: workloads.bulk_rows)")
	flags.IntVar(&cfg.MaxConns, "max-conns", 0, "store pool size (default: store.max_conns)")
	flags.BoolVar(&cfg.ResetFixture, "reset-fixture", false, "drop a fixture table left by another run instead of failing")
	flags.StringSliceVar(&cfg.Cases, "cases", nil, "benchmarks to run: ping, ping_parallel, write, copy, read, compute")
	flags.StringVarP(&cfg.OutputDir, "output", "o", cfg.OutputDir, "base directory for results")
	return cmd
}
