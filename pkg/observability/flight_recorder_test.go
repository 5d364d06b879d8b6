package observability

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgprobe/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshots(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func startRecorder(t *testing.T, triggers *config.FlightRecorderTriggers) (*FlightRecorderService, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewFlightRecorderService(&config.FlightRecorderConfig{
		OutputDir: dir,
		MinAge:    time.Second,
		Triggers:  triggers,
	}, discardLogger())
	require.NotNil(t, s)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, dir
}

func TestFlightRecorder_NilIsInert(t *testing.T) {
	s := NewFlightRecorderService(nil, discardLogger())
	assert.Nil(t, s)
	assert.False(t, s.Enabled())
	require.NoError(t, s.Start())
	s.OnSlowSample("test_cpu", time.Hour)
	s.OnError("test_cpu", errors.New("boom"))
	s.Stop()
	assert.False(t, s.Status().Enabled)

	_, err := s.TakeSnapshot("manual")
	assert.Error(t, err)
}

func TestFlightRecorder_SlowSampleTrigger(t *testing.T) {
	s, dir := startRecorder(t, &config.FlightRecorderTriggers{
		OnSlowSample: 100 * time.Millisecond,
	})

	s.OnSlowSample("test_cpu", 50*time.Millisecond)
	assert.Empty(t, snapshots(t, dir), "below threshold")

	s.OnSlowSample("test_cpu", 150*time.Millisecond)
	entries := snapshots(t, dir)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "slow-test_cpu-150ms")

	// Inside the default cooldown no further automatic snapshot is taken.
	s.OnSlowSample("test_cpu", time.Second)
	assert.Len(t, snapshots(t, dir), 1)

	status := s.Status()
	assert.Equal(t, int64(1), status.SnapshotCount)
	assert.Equal(t, "100ms", status.SlowSample)
	require.Len(t, status.Recent, 1)
	assert.Equal(t, "test_cpu", status.Recent[0].Probe)
	assert.Equal(t, filepath.Join(dir, entries[0].Name()), status.Recent[0].Path)
}

func TestFlightRecorder_ErrorTrigger(t *testing.T) {
	s, dir := startRecorder(t, &config.FlightRecorderTriggers{OnError: true})

	s.OnSlowSample("test_cpu", time.Hour)
	assert.Empty(t, snapshots(t, dir), "slow-sample trigger disabled")

	s.OnError("test_db_read", errors.New("consistency"))
	require.Len(t, snapshots(t, dir), 1)
}

func TestFlightRecorder_ManualBypassesCooldown(t *testing.T) {
	s, dir := startRecorder(t, nil)

	_, err := s.TakeSnapshot("manual one")
	require.NoError(t, err)
	_, err = s.TakeSnapshot("manual/two")
	require.NoError(t, err)
	assert.Len(t, snapshots(t, dir), 2)
}

func TestFlightRecorder_HTTPHandlers(t *testing.T) {
	s, _ := startRecorder(t, nil)
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/flight-recorder/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status FlightRecorderStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.Enabled)
	assert.True(t, status.Running)
	assert.Equal(t, "10MiB", status.MaxBytes)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/flight-recorder/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "slow-test_cpu-12ms", sanitizeFilename("slow-test_cpu-12ms"))
	assert.Equal(t, "a-b-c", sanitizeFilename("a b/c"))
	assert.Equal(t, "unknown", sanitizeFilename("???"))
}

func TestFlightRecorder_RecentIsBounded(t *testing.T) {
	s, dir := startRecorder(t, nil)
	for i := range recentSnapshots + 2 {
		_, err := s.TakeSnapshot(fmt.Sprintf("manual-%d", i))
		require.NoError(t, err)
	}
	assert.Len(t, snapshots(t, dir), recentSnapshots+2)

	status := s.Status()
	assert.Equal(t, int64(recentSnapshots+2), status.SnapshotCount)
	require.Len(t, status.Recent, recentSnapshots)
	assert.Equal(t, "manual-2", status.Recent[0].Reason)

	s.Stop()
	s.Stop()
	assert.False(t, s.Enabled())
}

// blockingWriter holds the first Write until release is closed.
type blockingWriter struct {
	started chan struct{}
	release chan struct{}
	n       int
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	if w.n == 0 {
		close(w.started)
		<-w.release
	}
	w.n += len(p)
	return len(p), nil
}

func TestFlightRecorder_SlowReaderDoesNotBlockHooks(t *testing.T) {
	s, dir := startRecorder(t, &config.FlightRecorderTriggers{
		OnSlowSample: 10 * time.Millisecond,
	})

	w := &blockingWriter{started: make(chan struct{}), release: make(chan struct{})}
	streamed := make(chan error, 1)
	go func() { streamed <- s.WriteSnapshotTo(w) }()
	<-w.started

	hooked := make(chan struct{})
	go func() {
		s.OnSlowSample("test_cpu", time.Second)
		close(hooked)
	}()
	select {
	case <-hooked:
	case <-time.After(5 * time.Second):
		t.Fatal("sample hook blocked behind a pending snapshot download")
	}
	assert.Len(t, snapshots(t, dir), 1)

	close(w.release)
	require.NoError(t, <-streamed)
	assert.Positive(t, w.n)
	assert.Equal(t, int64(2), s.Status().SnapshotCount)
}
