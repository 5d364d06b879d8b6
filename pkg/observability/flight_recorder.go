package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/trace"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/justjake/pgprobe/pkg/config"
)

// recentSnapshots bounds the snapshot history kept for Status.
const recentSnapshots = 10

// errRecorderDisabled is returned by snapshot calls on a nil service.
var errRecorderDisabled = errors.New("flight recorder not enabled")

// Snapshot describes one trace file written by the flight recorder.
type Snapshot struct {
	Path   string    `json:"path"`
	Reason string    `json:"reason"`
	Probe  string    `json:"probe,omitempty"`
	Taken  time.Time `json:"taken"`
}

// FlightRecorderService keeps a rolling runtime/trace buffer while probes
// run and writes it out when a sample is slow, a run fails, SIGUSR1 arrives
// or an HTTP client asks for it. A nil service is valid and does nothing.
type FlightRecorderService struct {
	fr       *trace.FlightRecorder
	cfg      *config.FlightRecorderConfig
	triggers config.FlightRecorderTriggers
	logger   *slog.Logger

	mu       sync.Mutex
	lastAuto time.Time
	count    int64
	recent   []Snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// FlightRecorderStatus is served at /debug/flight-recorder/status.
type FlightRecorderStatus struct {
	Enabled         bool       `json:"enabled"`
	Running         bool       `json:"running"`
	OutputDir       string     `json:"output_dir,omitempty"`
	MinAge          string     `json:"min_age,omitempty"`
	MaxBytes        string     `json:"max_bytes,omitempty"`
	SlowSample      string     `json:"slow_sample_threshold,omitempty"`
	TriggerCooldown string     `json:"trigger_cooldown,omitempty"`
	SnapshotCount   int64      `json:"snapshot_count"`
	Recent          []Snapshot `json:"recent,omitempty"`
}

// NewFlightRecorderService returns nil when cfg is nil.
func NewFlightRecorderService(cfg *config.FlightRecorderConfig, logger *slog.Logger) *FlightRecorderService {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FlightRecorderService{
		fr: trace.NewFlightRecorder(trace.FlightRecorderConfig{
			MinAge:   cfg.GetMinAge(),
			MaxBytes: uint64(cfg.GetMaxBytes().Int64()),
		}),
		cfg:      cfg,
		triggers: cfg.GetTriggers(),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins recording.
func (s *FlightRecorderService) Start() error {
	if s == nil {
		return nil
	}
	if err := s.fr.Start(); err != nil {
		return fmt.Errorf("failed to start flight recorder: %w", err)
	}
	s.logger.Info("flight recorder started",
		"output_dir", s.cfg.OutputDir,
		"min_age", s.cfg.GetMinAge(),
		"max_bytes", s.cfg.GetMaxBytes(),
		"slow_sample", s.triggers.OnSlowSample,
	)
	return nil
}

// Stop ends recording and the signal handler. It is safe to call twice.
func (s *FlightRecorderService) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.done)
		s.fr.Stop()
		s.mu.Lock()
		count := s.count
		s.mu.Unlock()
		s.logger.Info("flight recorder stopped", "snapshot_count", count)
	})
}

// Enabled reports whether the recorder is running.
func (s *FlightRecorderService) Enabled() bool {
	return s != nil && s.fr.Enabled()
}

// TakeSnapshot writes the trace buffer to OutputDir regardless of the
// trigger cooldown and returns the file path.
func (s *FlightRecorderService) TakeSnapshot(reason string) (string, error) {
	snap, _, err := s.capture(reason, "", false)
	return snap.Path, err
}

// OnSlowSample is a probe sample hook. Samples at or over the configured
// threshold capture a snapshot, subject to the cooldown.
func (s *FlightRecorderService) OnSlowSample(probe string, d time.Duration) {
	if s == nil {
		return
	}
	threshold := s.triggers.OnSlowSample
	if threshold <= 0 || d < threshold {
		return
	}
	reason := fmt.Sprintf("slow-%s-%dms", probe, d.Milliseconds())
	if snap, ok := s.autoCapture(reason, probe); ok {
		s.logger.Warn("slow sample captured",
			"probe", probe,
			"duration", d,
			"threshold", threshold,
			"path", snap.Path,
		)
	}
}

// OnError is a probe error hook.
func (s *FlightRecorderService) OnError(probe string, err error) {
	if s == nil || !s.triggers.OnError {
		return
	}
	if snap, ok := s.autoCapture("error-"+probe, probe); ok {
		s.logger.Warn("failed run captured", "probe", probe, "error", err, "path", snap.Path)
	}
}

func (s *FlightRecorderService) autoCapture(reason, probe string) (Snapshot, bool) {
	snap, taken, err := s.capture(reason, probe, true)
	if err != nil {
		s.logger.Error("flight recorder snapshot failed", "reason", reason, "error", err)
		return Snapshot{}, false
	}
	return snap, taken
}

// capture writes a snapshot file. With auto set it reports false, without
// writing, while the cooldown since the last automatic capture is running.
func (s *FlightRecorderService) capture(reason, probe string, auto bool) (Snapshot, bool, error) {
	if s == nil {
		return Snapshot{}, false, errRecorderDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if auto {
		if !s.lastAuto.IsZero() && now.Sub(s.lastAuto) < s.triggers.GetCooldown() {
			return Snapshot{}, false, nil
		}
		s.lastAuto = now
	}

	name := fmt.Sprintf("pgprobe-%s-%s.trace", now.Format("2006-01-02T15-04-05.000"), sanitizeFilename(reason))
	snap := Snapshot{
		Path:   filepath.Join(s.cfg.OutputDir, name),
		Reason: reason,
		Probe:  probe,
		Taken:  now,
	}
	if err := s.writeFile(snap.Path); err != nil {
		return Snapshot{}, false, err
	}

	s.count++
	s.recent = append(s.recent, snap)
	if len(s.recent) > recentSnapshots {
		s.recent = slices.Delete(s.recent, 0, len(s.recent)-recentSnapshots)
	}
	return snap, true, nil
}

// writeFile must be called with s.mu held.
func (s *FlightRecorderService) writeFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := s.fr.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return f.Close()
}

// WriteSnapshotTo copies the trace buffer to w without writing a file. The
// lock is only held while the snapshot is copied into memory, so a slow
// reader never blocks the sample hooks.
func (s *FlightRecorderService) WriteSnapshotTo(w io.Writer) error {
	if s == nil {
		return errRecorderDisabled
	}

	var buf bytes.Buffer
	s.mu.Lock()
	_, err := s.fr.WriteTo(&buf)
	if err == nil {
		s.count++
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("failed to send snapshot: %w", err)
	}
	return nil
}

// SetupSignalHandler captures a snapshot on every SIGUSR1 until ctx is done
// or the service stops. Signal captures ignore the cooldown.
func (s *FlightRecorderService) SetupSignalHandler(ctx context.Context) {
	if s == nil || !s.triggers.GetOnSignal() {
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-sigCh:
				path, err := s.TakeSnapshot("signal")
				if err != nil {
					s.logger.Error("signal snapshot failed", "error", err)
					continue
				}
				s.logger.Info("signal snapshot captured", "path", path)
			}
		}
	}()
	s.logger.Info("flight recorder signal handler registered", "signal", "SIGUSR1")
}

// Status reports configuration and the most recent snapshots.
func (s *FlightRecorderService) Status() FlightRecorderStatus {
	if s == nil {
		return FlightRecorderStatus{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := FlightRecorderStatus{
		Enabled:         true,
		Running:         s.fr.Enabled(),
		OutputDir:       s.cfg.OutputDir,
		MinAge:          s.cfg.GetMinAge().String(),
		MaxBytes:        s.cfg.GetMaxBytes().String(),
		TriggerCooldown: s.triggers.GetCooldown().String(),
		SnapshotCount:   s.count,
		Recent:          slices.Clone(s.recent),
	}
	if s.triggers.OnSlowSample > 0 {
		st.SlowSample = s.triggers.OnSlowSample.String()
	}
	return st
}

// RegisterHTTPHandlers mounts
//
//	GET /debug/flight-recorder/snapshot  trace download
//	GET /debug/flight-recorder/status    FlightRecorderStatus as JSON
func (s *FlightRecorderService) RegisterHTTPHandlers(mux *http.ServeMux) {
	if s == nil {
		return
	}
	mux.HandleFunc("GET /debug/flight-recorder/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /debug/flight-recorder/status", s.handleStatus)
}

func (s *FlightRecorderService) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if !s.Enabled() {
		http.Error(w, "flight recorder not running", http.StatusServiceUnavailable)
		return
	}
	filename := fmt.Sprintf("pgprobe-snapshot-%s.trace", time.Now().Format("2006-01-02T15-04-05"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	// Headers are already sent; a failure can only be logged.
	if err := s.WriteSnapshotTo(w); err != nil {
		s.logger.Error("failed to stream snapshot", "error", err)
	}
}

func (s *FlightRecorderService) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Error("failed to encode flight recorder status", "error", err)
	}
}

// sanitizeFilename keeps [A-Za-z0-9_-], maps spaces and slashes to '-', and
// drops everything else.
func sanitizeFilename(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		case c == ' ', c == '/', c == '\\':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
