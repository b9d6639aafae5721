// Package metrics provides atomic counters, settlement-call latency
// statistics and the Prometheus collectors for settleload.
package metrics

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/gateway-fm/settleload/pkg/types"
)

// DefaultReservoirSize is the number of samples kept for percentiles.
const DefaultReservoirSize = 10000

// Settlement call latency bucket bounds in milliseconds.
var latencyBucketBounds = []float64{10, 50, 250, 1000}

var latencyBucketLabels = []string{"0-10ms", "10-50ms", "50-250ms", "250ms-1s", "1s+"}

// LatencyStats keeps streaming latency statistics with reservoir-sampled
// percentiles (Vitter's Algorithm R). Safe for concurrent use.
type LatencyStats struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir []float64
	size      int
	buckets   []int64
	rng       *rand.Rand
}

// NewLatencyStats creates an empty collector.
func NewLatencyStats() *LatencyStats {
	return &LatencyStats{
		min:       math.MaxFloat64,
		reservoir: make([]float64, 0, DefaultReservoirSize),
		size:      DefaultReservoirSize,
		buckets:   make([]int64, len(latencyBucketLabels)),
		rng:       rand.New(rand.NewPCG(1, 2)),
	}
}

// Observe records one call duration.
func (s *LatencyStats) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += ms
	s.min = math.Min(s.min, ms)
	s.max = math.Max(s.max, ms)
	s.buckets[bucketIndex(ms)]++

	if len(s.reservoir) < s.size {
		s.reservoir = append(s.reservoir, ms)
		return
	}
	if j := s.rng.Int64N(s.count); j < int64(s.size) {
		s.reservoir[j] = ms
	}
}

func bucketIndex(ms float64) int {
	for i, bound := range latencyBucketBounds {
		if ms < bound {
			return i
		}
	}
	return len(latencyBucketBounds)
}

// Snapshot returns the current statistics, or nil when nothing was observed.
func (s *LatencyStats) Snapshot() *types.LatencyStats {
	s.mu.Lock()
	if s.count == 0 {
		s.mu.Unlock()
		return nil
	}
	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	out := &types.LatencyStats{
		Count:   int(s.count),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		Buckets: make([]types.LatencyBucket, len(s.buckets)),
	}
	for i, n := range s.buckets {
		out.Buckets[i] = types.LatencyBucket{Label: latencyBucketLabels[i], Count: int(n)}
	}
	s.mu.Unlock()

	sort.Float64s(sorted)
	out.P50 = percentile(sorted, 0.50)
	out.P75 = percentile(sorted, 0.75)
	out.P90 = percentile(sorted, 0.90)
	out.P95 = percentile(sorted, 0.95)
	out.P99 = percentile(sorted, 0.99)
	return out
}

// percentile interpolates linearly over a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Count returns the number of observations.
func (s *LatencyStats) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Reset clears all statistics.
func (s *LatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	for i := range s.buckets {
		s.buckets[i] = 0
	}
}
