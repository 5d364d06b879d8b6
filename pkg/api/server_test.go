package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgprobe/pkg/bench"
	"github.com/justjake/pgprobe/pkg/config"
	"github.com/justjake/pgprobe/pkg/fixture"
	"github.com/justjake/pgprobe/pkg/observability"
	"github.com/justjake/pgprobe/pkg/probe"
	"github.com/justjake/pgprobe/pkg/store"
	"github.com/justjake/pgprobe/pkg/workload"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func smallConfig() *config.Config {
	return &config.Config{
		Workloads: config.WorkloadConfig{
			CPUOps:          10,
			AllocSize:       64 * config.KiB,
			AllocSmallCount: 2,
			PingCount:       1,
			BulkRows:        5,
		},
	}
}

// shortStore loses every row it is given.
type shortStore struct{}

func (shortStore) Backend() store.Backend { return store.BackendPostgres }
func (shortStore) Exec(context.Context, string, ...any) (int64, error) {
	return 1, nil
}
func (shortStore) FetchAll(context.Context, string, ...any) ([][]any, error) {
	return nil, nil
}
func (shortStore) Close() error { return nil }

type testEnv struct {
	server  *Server
	http    *httptest.Server
	client  *Client
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, s store.Store) *testEnv {
	return newTestEnvWith(t, s, smallConfig())
}

func newTestEnvWith(t *testing.T, s store.Store, cfg *config.Config) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	h := probe.NewHarness(probe.Default(), s, cfg, nil, probe.WithMetrics(m))

	srv := NewServer(h, nil, WithMetrics(m), WithMetricsEndpoint("/metrics", reg))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := NewClient(ts.URL, ts.Client())
	require.NoError(t, err)
	return &testEnv{server: srv, http: ts, client: client, metrics: m}
}

func openSQLite(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite::memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func post(t *testing.T, env *testEnv, path, body string) *http.Response {
	t.Helper()
	resp, err := env.http.Client().Post(env.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := env.http.Client().Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_List(t *testing.T) {
	env := newTestEnv(t, nil)
	catalog, err := env.client.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, probe.Default().List(), catalog.List())
}

func TestClient_RunRemote(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.client.Execute(context.Background(), probe.CPU, 5)
	require.NoError(t, err)
	assert.Equal(t, probe.CPU, res.Probe.ID)
	assert.Equal(t, 5, res.Stats.Iterations)
	assert.NotEmpty(t, res.RunID)
	assert.LessOrEqual(t, res.Stats.Minimum, res.Stats.Slowest)
}

func TestClient_RunLatencyLocally(t *testing.T) {
	env := newTestEnv(t, nil)

	var pings int
	res, err := env.client.Execute(context.Background(), probe.Latency, 6,
		bench.WithObserver(func(int, time.Duration) { pings++ }))
	require.NoError(t, err)
	assert.Equal(t, 6, res.Stats.Iterations)
	assert.Equal(t, 6, pings)
	assert.False(t, res.Probe.ExecutesRemotely)
	assert.Positive(t, res.Stats.Slowest)
}

func TestClient_LocalProbeUsesServerIterations(t *testing.T) {
	cfg := smallConfig()
	cfg.Iterations = map[string]int{probe.Latency: 5}
	env := newTestEnvWith(t, nil, cfg)

	var collected int
	res, err := env.client.Execute(context.Background(), probe.Latency, 0,
		bench.WithCollect(true), bench.WithCollector(func() { collected++ }))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Stats.Iterations)
	assert.Equal(t, 5, res.Probe.DefaultIterations)
	assert.Equal(t, 5, collected)
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		store    func(t *testing.T) store.Store
		path     string
		body     string
		status   int
		kind     string
		sentinel error
	}{
		{"degenerate", nil, "/v1/probes/test_cpu/run", `{"iterations": 3}`, http.StatusBadRequest, KindDegenerateSample, bench.ErrDegenerateSample},
		{"negative", nil, "/v1/probes/test_cpu/run", `{"iterations": -1}`, http.StatusBadRequest, KindDegenerateSample, bench.ErrDegenerateSample},
		{"unknown probe", nil, "/v1/probes/test_gpu/run", ``, http.StatusBadRequest, KindUnknownProbe, probe.ErrUnknownProbe},
		{"unsupported backend", openSQLite, "/v1/setup", ``, http.StatusPreconditionFailed, KindUnsupportedBackend, fixture.ErrUnsupportedBackend},
		{"copy unsupported", openSQLite, "/v1/probes/test_db_copy/run", `{"iterations": 4}`, http.StatusPreconditionFailed, KindCopyUnsupported, store.ErrCopyUnsupported},
		{"consistency", func(*testing.T) store.Store { return shortStore{} }, "/v1/probes/test_db_read/run", `{"iterations": 4}`, http.StatusUnprocessableEntity, KindConsistency, workload.ErrConsistency},
		{"no store", nil, "/v1/probes/test_db_latency/run", `{"iterations": 4}`, http.StatusServiceUnavailable, KindNoStore, probe.ErrNoStore},
		{"no store teardown", nil, "/v1/teardown", ``, http.StatusServiceUnavailable, KindNoStore, probe.ErrNoStore},
		{"bad body", nil, "/v1/probes/test_cpu/run", `{`, http.StatusBadRequest, KindBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s store.Store
			if tt.store != nil {
				s = tt.store(t)
			}
			env := newTestEnv(t, s)

			resp := post(t, env, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			e := decodeError(t, resp)
			assert.Equal(t, tt.kind, e.Kind)
			assert.NotEmpty(t, e.Error)

			if tt.sentinel != nil {
				remote := &RemoteError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error}
				assert.ErrorIs(t, remote, tt.sentinel)
			}
		})
	}
}

func TestClient_RemoteErrors(t *testing.T) {
	env := newTestEnv(t, openSQLite(t))
	ctx := context.Background()

	err := env.client.Setup(ctx)
	assert.ErrorIs(t, err, fixture.ErrUnsupportedBackend)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusPreconditionFailed, remote.Status)

	_, err = env.client.Run(ctx, probe.Memory, 2)
	assert.ErrorIs(t, err, bench.ErrDegenerateSample)
	assert.False(t, errors.Is(err, probe.ErrUnknownProbe))

	_, err = env.client.Run(ctx, "test_gpu", 10)
	assert.ErrorIs(t, err, probe.ErrUnknownProbe)
}

func TestServer_Ping(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := post(t, env, "/v1/ping", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NoError(t, env.client.Ping(context.Background()))
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	post(t, env, "/v1/probes/test_cpu/run", `{"iterations": 1}`)
	_, err := env.client.Run(context.Background(), probe.CPU, 4)
	require.NoError(t, err)

	resp, err := env.http.Client().Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `pgprobe_errors_total{kind="degenerate_sample"} 1`)
	assert.Contains(t, string(body), `pgprobe_runs_total{probe="test_cpu",status="success"} 1`)
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"localhost:8080", "ftp://example.com", "://"} {
		_, err := NewClient(raw, nil)
		assert.Error(t, err, raw)
	}
}
