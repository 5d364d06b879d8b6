// Package api exposes a probe harness over HTTP and provides the client
// that drives a remote harness.
//
// Routes:
//
//	GET  /v1/probes          - catalog
//	POST /v1/setup           - create the fixture
//	POST /v1/teardown        - drop the fixture
//	POST /v1/ping            - no-op, timed by callers
//	POST /v1/probes/:id/run  - run a probe, body {"iterations": n}
//	GET  /healthz
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/justjake/pgprobe/pkg/observability"
	"github.com/justjake/pgprobe/pkg/probe"
)

// RunRequest is the optional body of a run request. Zero iterations runs the
// probe's default count.
type RunRequest struct {
	Iterations int `json:"iterations"`
}

// StatusResponse acknowledges lifecycle operations.
type StatusResponse struct {
	Status string `json:"status"`
}

// Server serves a Harness. Lifecycle operations and runs are serialized:
// only one touches the store at a time.
type Server struct {
	harness *probe.Harness
	logger  *slog.Logger
	metrics *observability.Metrics

	gatherer    prometheus.Gatherer
	metricsPath string
	fr          *observability.FlightRecorderService
	tlsConfig   *tls.Config

	mu     sync.Mutex
	engine *gin.Engine
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics counts API errors by kind.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsEndpoint mounts the Prometheus handler at path.
func WithMetricsEndpoint(path string, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.gatherer = gatherer
	}
}

// WithFlightRecorder mounts the flight recorder endpoints.
func WithFlightRecorder(fr *observability.FlightRecorderService) Option {
	return func(s *Server) { s.fr = fr }
}

// WithTLS serves HTTPS.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// NewServer builds the router for h.
func NewServer(h *probe.Harness, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{harness: h, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	engine.GET("/healthz", s.handleHealth)
	v1 := engine.Group("/v1")
	v1.GET("/probes", s.handleList)
	v1.POST("/setup", s.handleSetup)
	v1.POST("/teardown", s.handleTeardown)
	v1.POST("/ping", s.handlePing)
	v1.POST("/probes/:id/run", s.handleRun)

	if s.gatherer != nil {
		engine.GET(s.metricsPath, gin.WrapH(observability.MetricsHandler(s.gatherer)))
	}
	if s.fr != nil {
		mux := http.NewServeMux()
		s.fr.RegisterHTTPHandlers(mux)
		engine.GET("/debug/flight-recorder/*path", gin.WrapH(mux))
	}

	s.engine = engine
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds addr and serves in a goroutine. Bind errors are returned;
// serve errors are logged.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("starting api server", "addr", s.server.Addr, "tls", s.tlsConfig != nil)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Shutdown stops accepting requests and waits for in-flight runs.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.harness.Catalog())
}

func (s *Server) handleSetup(c *gin.Context) {
	s.lifecycle(c, s.harness.Setup)
}

func (s *Server) handleTeardown(c *gin.Context) {
	s.lifecycle(c, s.harness.Teardown)
}

func (s *Server) lifecycle(c *gin.Context, op func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := op(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) handlePing(c *gin.Context) {
	if err := s.harness.Ping(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.metrics.RecordError(KindBadRequest)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindBadRequest})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.harness.Execute(c.Request.Context(), c.Param("id"), req.Iterations)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) fail(c *gin.Context, err error) {
	status, kind := classify(err)
	s.metrics.RecordError(kind)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(), "kind", kind, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
