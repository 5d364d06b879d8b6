package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justjake/pgprobe/pkg/bench"
	"github.com/justjake/pgprobe/pkg/probe"
)

// Client drives a remote harness. Probes that do not execute remotely are
// timed here, around a ping of the server.
type Client struct {
	base *url.URL
	http *http.Client

	mu      sync.Mutex
	catalog *probe.Catalog
}

// NewClient returns a client for the harness at baseURL. httpClient may be
// nil for http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse harness url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("harness url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: u, http: httpClient}, nil
}

// List fetches the remote catalog. The result is cached for Run.
func (c *Client) List(ctx context.Context) (*probe.Catalog, error) {
	var catalog probe.Catalog
	if err := c.do(ctx, http.MethodGet, "/v1/probes", nil, &catalog); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.catalog = &catalog
	c.mu.Unlock()
	return &catalog, nil
}

// Setup creates the remote fixture.
func (c *Client) Setup(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/setup", nil, nil)
}

// Teardown drops the remote fixture.
func (c *Client) Teardown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/teardown", nil, nil)
}

// Ping performs one round trip.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/ping", nil, nil)
}

// Run runs probe id and returns its stats.
func (c *Client) Run(ctx context.Context, id string, iterations int) (bench.Stats, error) {
	res, err := c.Execute(ctx, id, iterations)
	if err != nil {
		return bench.Stats{}, err
	}
	return res.Stats, nil
}

// Execute runs probe id remotely, or locally around Ping when the probe is
// timed on the caller's side.
func (c *Client) Execute(ctx context.Context, id string, iterations int, opts ...bench.Option) (probe.Result, error) {
	d, err := c.lookup(ctx, id)
	if err != nil {
		return probe.Result{}, err
	}
	if !d.ExecutesRemotely {
		return c.executeLocal(ctx, d, iterations, opts...)
	}

	var res probe.Result
	err = c.do(ctx, http.MethodPost, "/v1/probes/"+url.PathEscape(id)+"/run", RunRequest{Iterations: iterations}, &res)
	return res, err
}

func (c *Client) executeLocal(ctx context.Context, d probe.Descriptor, iterations int, opts ...bench.Option) (probe.Result, error) {
	if iterations == 0 {
		iterations = d.DefaultIterations
	}
	start := time.Now()
	stats, err := bench.Run(ctx, c.Ping, iterations, opts...)
	if err != nil {
		return probe.Result{}, err
	}
	return probe.Result{
		RunID: uuid.NewString(),
		Probe: d,
		Stats: stats,
		Start: start,
		Took:  probe.JSONDuration(time.Since(start)),
	}, nil
}

func (c *Client) lookup(ctx context.Context, id string) (probe.Descriptor, error) {
	c.mu.Lock()
	catalog := c.catalog
	c.mu.Unlock()

	if catalog == nil {
		var err error
		if catalog, err = c.List(ctx); err != nil {
			return probe.Descriptor{}, err
		}
	}
	d, ok := catalog.Lookup(id)
	if !ok {
		return probe.Descriptor{}, &probe.UnknownProbeError{ID: id}
	}
	return d, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Kind == "" {
			return &RemoteError{Status: resp.StatusCode, Kind: KindInternal, Message: resp.Status}
		}
		return &RemoteError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
