package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/justjake/pgprobe/pkg/api"
	"github.com/justjake/pgprobe/pkg/config"
	"github.com/justjake/pgprobe/pkg/observability"
	"github.com/justjake/pgprobe/pkg/probe"
	"github.com/justjake/pgprobe/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var metricsListen, frDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the probe harness over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if metricsListen != "" {
				a.cfg.Prometheus = config.ParsePrometheusListen(metricsListen)
			}
			if frDir != "" {
				a.cfg.FlightRecorder = config.ParseFlightRecorderDir(frDir)
				if err := a.cfg.FlightRecorder.Validate(); err != nil {
					return err
				}
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "API listen address (default "+config.DefaultListen+")")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", `serve metrics on a dedicated listener, "host:port[/path]"`)
	cmd.Flags().StringVar(&frDir, "flight-recorder", "", "enable the flight recorder, writing snapshots to this directory")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	var s store.Store
	if cfg.Store.DSN != "" {
		var err error
		if s, err = a.openStore(ctx); err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
	} else {
		logger.Warn("no data store configured; store probes will fail")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var registerer prometheus.Registerer = registry
	if cfg.Prometheus != nil && len(cfg.Prometheus.ConstLabels) > 0 {
		registerer = prometheus.WrapRegistererWith(cfg.Prometheus.ConstLabels, registry)
	}
	metrics := observability.NewMetrics(registerer)

	tp, err := observability.NewTracerProvider(ctx, cfg.OpenTelemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	fr := observability.NewFlightRecorderService(cfg.FlightRecorder, logger)
	if err := fr.Start(); err != nil {
		return err
	}
	defer fr.Stop()
	fr.SetupSignalHandler(ctx)

	h := a.harness(s,
		probe.WithMetrics(metrics),
		probe.WithTracer(tp),
		probe.WithSampleHook(fr.OnSlowSample),
		probe.WithErrorHook(fr.OnError),
	)

	opts := []api.Option{api.WithMetrics(metrics)}
	if fr != nil {
		opts = append(opts, api.WithFlightRecorder(fr))
	}

	ms := observability.NewMetricsServer(cfg.Prometheus, registry, fr, logger)
	if ms.Enabled() {
		if err := ms.Start(); err != nil {
			return err
		}
		defer func() { _ = ms.Shutdown(context.Background()) }()
	} else if cfg.Prometheus != nil {
		opts = append(opts, api.WithMetricsEndpoint(cfg.Prometheus.GetPath(), registry))
	}

	if cfg.Server.TLS != nil {
		res, err := cfg.Server.TLS.NewTLS()
		if err != nil {
			return err
		}
		for _, path := range res.WrittenFiles {
			logger.Info("wrote generated certificate", "path", path)
		}
		opts = append(opts, api.WithTLS(res.Config))
	}

	srv := api.NewServer(h, logger, opts...)
	if err := srv.Start(cfg.Server.GetListen()); err != nil {
		return err
	}
	logger.Info("pgprobe serving",
		"addr", srv.Addr(),
		"probes", probe.Default().Len(),
		"metrics", ms.String(),
		"flight_recorder", fr.Enabled(),
		"tracing", tp.Enabled(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
