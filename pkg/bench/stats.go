// Package bench runs a workload a fixed number of times and reduces the
// wall-clock samples into outlier-trimmed summary statistics.
//
// The reduction isolates the single worst sample as Slowest, so one-off
// stalls (cache warm-up, a GC pause) are reported without skewing the
// average. Of the remaining samples the best and the worst become Minimum and
// Maximum, and everything in between contributes to Average.
package bench

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/montanaflynn/stats"
)

// MinIterations is the smallest sample count the trimming rule accepts.
const MinIterations = 4

// Stats summarizes one run. It is a value type and is never mutated after
// Reduce returns it.
type Stats struct {
	// Iterations is the number of requested repetitions, not the number of
	// samples that contributed to Average.
	Iterations int

	// Average is the mean of the samples left after removing Slowest,
	// Minimum and Maximum, rounded half away from zero to the nearest
	// nanosecond. Samples are whole nanoseconds, so the rounding error is
	// below the clock's resolution.
	Average time.Duration

	// Minimum and Maximum are the smallest and largest samples once Slowest
	// has been set aside.
	Minimum time.Duration
	Maximum time.Duration

	// Slowest is the largest raw sample.
	Slowest time.Duration
}

// Reduce sorts a copy of samples and applies the trimming rule:
//
//	sorted  = s[0] <= s[1] <= ... <= s[N-1]
//	Slowest = s[N-1]
//	Minimum = s[0]
//	Maximum = s[N-2]
//	Average = mean(s[1 : N-2])
//
// The result depends only on the multiset of samples, not their order.
func Reduce(samples []time.Duration) (Stats, error) {
	n := len(samples)
	if n < MinIterations {
		return Stats{}, &DegenerateSampleError{Iterations: n}
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	middle := make(stats.Float64Data, 0, n-3)
	for _, d := range sorted[1 : n-2] {
		middle = append(middle, float64(d))
	}
	mean, err := middle.Mean()
	if err != nil {
		return Stats{}, fmt.Errorf("average of %d samples: %w", len(middle), err)
	}

	return Stats{
		Iterations: n,
		Average:    time.Duration(math.Round(mean)),
		Minimum:    sorted[0],
		Maximum:    sorted[n-2],
		Slowest:    sorted[n-1],
	}, nil
}

// String formats the stats in seconds with five decimals.
func (s Stats) String() string {
	return fmt.Sprintf("%d iterations, avg: %.5f, min: %.5f, max: %.5f, slowest: %.5f",
		s.Iterations, s.Average.Seconds(), s.Minimum.Seconds(), s.Maximum.Seconds(), s.Slowest.Seconds())
}

// statsJSON is the wire form of Stats: durations as float seconds.
type statsJSON struct {
	Iterations int     `json:"iterations"`
	Average    float64 `json:"average"`
	Minimum    float64 `json:"minimum"`
	Maximum    float64 `json:"maximum"`
	Slowest    float64 `json:"slowest"`
}

func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{
		Iterations: s.Iterations,
		Average:    s.Average.Seconds(),
		Minimum:    s.Minimum.Seconds(),
		Maximum:    s.Maximum.Seconds(),
		Slowest:    s.Slowest.Seconds(),
	})
}

func (s *Stats) UnmarshalJSON(data []byte) error {
	var raw statsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Stats{
		Iterations: raw.Iterations,
		Average:    seconds(raw.Average),
		Minimum:    seconds(raw.Minimum),
		Maximum:    seconds(raw.Maximum),
		Slowest:    seconds(raw.Slowest),
	}
	return nil
}

func seconds(f float64) time.Duration {
	return time.Duration(math.Round(f * float64(time.Second)))
}
