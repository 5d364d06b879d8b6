package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/justjake/pgprobe/pkg/api"
	"github.com/justjake/pgprobe/pkg/bench"
	"github.com/justjake/pgprobe/pkg/observability"
	"github.com/justjake/pgprobe/pkg/probe"
	"github.com/justjake/pgprobe/pkg/report"
	"github.com/justjake/pgprobe/pkg/store"
)

// runner is the part of a harness the CLI drives, local or remote.
type runner interface {
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error
	Execute(ctx context.Context, id string, iterations int) (probe.Result, error)
}

// remoteRunner runs probes on a pgprobe server. collect only reaches probes
// timed on this side; the server applies its own collect_before_each.
type remoteRunner struct {
	*api.Client
	collect bool
}

func (r remoteRunner) Execute(ctx context.Context, id string, iterations int) (probe.Result, error) {
	return r.Client.Execute(ctx, id, iterations, bench.WithCollect(r.collect))
}

// target is a runner with its catalog and a cleanup function.
type target struct {
	runner  runner
	catalog *probe.Catalog
	close   func()
}

// connect returns a remote target when remote is set, otherwise a local
// harness. A local store is only opened when needStore reports true for the
// catalog.
func (a *app) connect(ctx context.Context, remote string, needStore func(*probe.Catalog) (bool, error), opts ...probe.Option) (*target, error) {
	if remote != "" {
		client, err := api.NewClient(remote, nil)
		if err != nil {
			return nil, err
		}
		catalog, err := client.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list remote probes: %w", err)
		}
		if a.cfg.CollectBeforeEach {
			a.logger.Warn("collect only applies to probes timed locally; remote probes use the server's collect_before_each", "remote", remote)
		}
		return &target{runner: remoteRunner{Client: client, collect: a.cfg.CollectBeforeEach}, catalog: catalog, close: func() {}}, nil
	}

	catalog := probe.Default()
	need, err := needStore(catalog)
	if err != nil {
		return nil, err
	}

	var s store.Store
	closeFn := func() {}
	if need {
		if a.cfg.Store.DSN == "" {
			return nil, errors.New("no data store configured: set --dsn or PGPROBE_STORE_DSN")
		}
		if s, err = a.openStore(ctx); err != nil {
			return nil, err
		}
		closeFn = func() { _ = s.Close() }
	}
	return &target{runner: a.harness(s, opts...), catalog: catalog, close: closeFn}, nil
}

func alwaysStore(*probe.Catalog) (bool, error) { return true, nil }

func (a *app) listCmd() *cobra.Command {
	var output, remote string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the available probes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := report.ParseFormat(output)
			if err != nil {
				return err
			}
			catalog := probe.Default()
			if remote != "" {
				client, err := api.NewClient(remote, nil)
				if err != nil {
					return err
				}
				if catalog, err = client.List(cmd.Context()); err != nil {
					return err
				}
			}
			return report.WriteProbes(os.Stdout, format, catalog.List())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or markdown")
	cmd.Flags().StringVar(&remote, "remote", "", "URL of a pgprobe server to query instead of the built-in catalog")
	return cmd
}

func (a *app) lifecycleCmd(use, short string, op func(runner, context.Context) error) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := a.connect(ctx, remote, alwaysStore)
			if err != nil {
				return err
			}
			defer t.close()
			return op(t.runner, ctx)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "URL of a pgprobe server to drive instead of a local store")
	return cmd
}

func (a *app) setupCmd() *cobra.Command {
	return a.lifecycleCmd("setup", "Create the fixture table", runner.Setup)
}

func (a *app) teardownCmd() *cobra.Command {
	return a.lifecycleCmd("teardown", "Drop the fixture table", runner.Teardown)
}

func (a *app) runCmd() *cobra.Command {
	var (
		iterations int
		output     string
		remote     string
		withSetup  bool
	)
	cmd := &cobra.Command{
		Use:   "run [probe ids...]",
		Short: "Run probes and print their statistics",
		Long: `Run probes and print their statistics.

With no ids, every probe that does not need the fixture table runs. With
--with-setup the fixture is created first, the fixture probes are included,
and the fixture is dropped afterwards even if a probe fails.`,
		RunE: func(cmd *cobra.Command, ids []string) error {
			ctx := cmd.Context()
			format, err := report.ParseFormat(output)
			if err != nil {
				return err
			}

			tp, err := observability.NewTracerProvider(ctx, a.cfg.OpenTelemetry)
			if err != nil {
				return err
			}
			defer func() { _ = tp.Shutdown(context.Background()) }()

			var selected []probe.Descriptor
			needStore := func(c *probe.Catalog) (bool, error) {
				var selErr error
				selected, selErr = c.Select(withSetup, ids...)
				return withSetup || probe.NeedsStore(selected), selErr
			}
			t, err := a.connect(ctx, remote, needStore, probe.WithTracer(tp))
			if err != nil {
				return err
			}
			defer t.close()
			if remote != "" {
				if selected, err = t.catalog.Select(withSetup, ids...); err != nil {
					return err
				}
			}

			results, runErr := a.runProbes(ctx, t.runner, selected, iterations, withSetup)
			if len(results) > 0 {
				if err := report.Write(os.Stdout, format, results); err != nil {
					return errors.Join(runErr, err)
				}
			}
			if runErr == nil && len(results) == 0 {
				return report.ErrNoResults
			}
			return runErr
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 0, "iterations per probe (0 uses each probe's default)")
	cmd.Flags().Bool("collect", false, "collect garbage before every timed invocation")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or markdown")
	cmd.Flags().StringVar(&remote, "remote", "", "URL of a pgprobe server to run the probes on")
	cmd.Flags().BoolVar(&withSetup, "with-setup", false, "create the fixture, include fixture probes, and drop it afterwards")
	return cmd
}

// runProbes runs selected in order and stops at the first failure. The
// results gathered so far are returned with the error.
func (a *app) runProbes(ctx context.Context, r runner, selected []probe.Descriptor, iterations int, withSetup bool) (results []report.Result, err error) {
	if withSetup {
		if err := r.Setup(ctx); err != nil {
			return nil, fmt.Errorf("setup: %w", err)
		}
		defer func() {
			// Teardown must run even if ctx was canceled mid-probe.
			if terr := r.Teardown(context.WithoutCancel(ctx)); terr != nil {
				err = errors.Join(err, fmt.Errorf("teardown: %w", terr))
			}
		}()
	}

	for _, d := range selected {
		res, err := r.Execute(ctx, d.ID, iterations)
		if err != nil {
			return results, fmt.Errorf("%s: %w", d.ID, err)
		}
		a.logger.Info("probe finished", "probe", d.ID, "run_id", res.RunID, "stats", res.Stats.String())
		results = append(results, report.Result{
			Name:  d.Name,
			Probe: d.ID,
			RunID: res.RunID,
			Stats: res.Stats,
		})
	}
	return results, nil
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

func docsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "Show the full documentation",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			printDocs()
		},
	}
}
