package bench

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances by the next scripted step on every second call, so each
// start/end pair brackets exactly one scripted sample.
type stepClock struct {
	now   time.Time
	steps []time.Duration
	calls int
}

func (c *stepClock) Now() time.Time {
	if c.calls%2 == 1 {
		c.now = c.now.Add(c.steps[c.calls/2])
	}
	c.calls++
	return c.now
}

func newStepClock(steps []time.Duration) *stepClock {
	return &stepClock{now: time.Unix(1700000000, 0), steps: steps}
}

func TestRun_ReducesScriptedSamples(t *testing.T) {
	clock := newStepClock(ms(5, 1, 4, 2, 3))
	calls := 0

	got, err := Run(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, 5, WithClock(clock))
	require.NoError(t, err)

	assert.Equal(t, 5, calls)
	assert.Equal(t, Stats{
		Iterations: 5,
		Average:    2500 * time.Microsecond,
		Minimum:    time.Millisecond,
		Maximum:    4 * time.Millisecond,
		Slowest:    5 * time.Millisecond,
	}, got)
}

func TestRun_DegenerateNeverInvokesWorkload(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 2, 3} {
		calls := 0
		_, err := Run(context.Background(), func(context.Context) error {
			calls++
			return nil
		}, n)
		require.ErrorIs(t, err, ErrDegenerateSample, "iterations=%d", n)
		assert.Zero(t, calls, "iterations=%d", n)
	}
}

func TestRun_WorkloadErrorAbortsUnmodified(t *testing.T) {
	errLost := errors.New("connection lost")
	calls := 0

	got, err := Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 3 {
			return errLost
		}
		return nil
	}, 10)

	require.Error(t, err)
	assert.Same(t, errLost, err)
	assert.Equal(t, 3, calls, "remaining iterations must not run")
	assert.Equal(t, Stats{}, got)
}

func TestRun_CollectsBeforeTimingEachIteration(t *testing.T) {
	var events []string
	clock := newStepClock(ms(1, 1, 1, 1))

	_, err := Run(context.Background(), func(context.Context) error {
		events = append(events, "work")
		return nil
	}, 4,
		WithClock(clock),
		WithCollect(true),
		WithCollector(func() {
			// The clock must not have been started for this iteration yet.
			assert.Equal(t, 0, clock.calls%2)
			events = append(events, "collect")
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"collect", "work",
		"collect", "work",
		"collect", "work",
		"collect", "work",
	}, events)
}

func TestRun_CollectorUnusedByDefault(t *testing.T) {
	collected := 0
	_, err := Run(context.Background(), func(context.Context) error { return nil }, 4,
		WithCollector(func() { collected++ }))
	require.NoError(t, err)
	assert.Zero(t, collected)
}

func TestRun_ObserverSeesSamplesInInvocationOrder(t *testing.T) {
	samples := ms(5, 1, 4, 2, 3)
	var seen []time.Duration
	var idx []int

	_, err := Run(context.Background(), func(context.Context) error { return nil }, len(samples),
		WithClock(newStepClock(samples)),
		WithObserver(func(i int, d time.Duration) {
			idx = append(idx, i)
			seen = append(seen, d)
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, idx)
	assert.Equal(t, samples, seen)
}

func TestRun_PassesContextToWorkload(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "probe")

	_, err := Run(ctx, func(ctx context.Context) error {
		if ctx.Value(key{}) != "probe" {
			return errors.New("context not propagated")
		}
		return nil
	}, MinIterations)
	require.NoError(t, err)
}

func TestRun_SystemClockMeasuresRealTime(t *testing.T) {
	got, err := Run(context.Background(), func(context.Context) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}, 4)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, got.Minimum, 2*time.Millisecond)
	assert.LessOrEqual(t, got.Minimum, got.Average)
	assert.LessOrEqual(t, got.Average, got.Maximum)
	assert.LessOrEqual(t, got.Maximum, got.Slowest)
}
