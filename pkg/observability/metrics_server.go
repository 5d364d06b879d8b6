package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/justjake/pgprobe/pkg/config"
)

// MetricsHandler serves gatherer in the text or OpenMetrics format. A failing
// collector drops its own series instead of failing the scrape.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// MetricsServer is the debug listener used when prometheus.listen is set.
// Besides metrics it serves the flight recorder routes and net/http/pprof,
// keeping profiling traffic off the API port while probes are timed.
type MetricsServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewMetricsServer returns nil if cfg is nil or does not ask for a dedicated
// listener. fr may be nil.
func NewMetricsServer(cfg *config.PrometheusConfig, gatherer prometheus.Gatherer, fr *FlightRecorderService, logger *slog.Logger) *MetricsServer {
	if cfg == nil || !cfg.Dedicated() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.GetPath(), MetricsHandler(gatherer))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	fr.RegisterHTTPHandlers(mux)

	return &MetricsServer{
		server: &http.Server{Addr: cfg.Listen, Handler: mux},
		logger: logger.With("component", "metrics"),
	}
}

// Start binds synchronously so a bad address fails serve at startup, then
// serves in the background.
func (s *MetricsServer) Start() error {
	if s == nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	s.server.Addr = ln.Addr().String()
	s.logger.Info("metrics server listening", "addr", s.server.Addr)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
	return nil
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr is the bound address once Start has returned.
func (s *MetricsServer) Addr() string {
	if !s.Enabled() {
		return ""
	}
	return s.server.Addr
}

func (s *MetricsServer) Enabled() bool {
	return s != nil && s.server != nil
}

func (s *MetricsServer) String() string {
	if !s.Enabled() {
		return "disabled"
	}
	return s.server.Addr
}
