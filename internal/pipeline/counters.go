package pipeline

import (
	"github.com/gateway-fm/settleload/internal/metrics"
	"github.com/gateway-fm/settleload/pkg/types"
)

// Counters are the shared atomic counts of one run.
type Counters struct {
	// Success counts settled transfers since the last throughput report. The
	// monitor swaps it to zero.
	Success metrics.Counter
	// Finished counts workers that observed queue exhaustion.
	Finished metrics.Counter

	Generated      metrics.Counter
	Settled        metrics.Counter
	Commits        metrics.Counter
	CommitFailures metrics.Counter

	rejections map[string]*metrics.Counter
}

// NewCounters creates zeroed counters with one rejection counter per reason.
func NewCounters() *Counters {
	c := &Counters{rejections: make(map[string]*metrics.Counter, len(RejectionReasons))}
	for _, reason := range RejectionReasons {
		c.rejections[reason] = new(metrics.Counter)
	}
	return c
}

// Reject counts a rejection under reason.
func (c *Counters) Reject(reason string) {
	if ctr, ok := c.rejections[reason]; ok {
		ctr.Inc()
	}
}

// Rejected returns the total number of rejections.
func (c *Counters) Rejected() int64 {
	var total int64
	for _, ctr := range c.rejections {
		total += ctr.Load()
	}
	return total
}

// Rejections returns rejection counts by reason.
func (c *Counters) Rejections() map[string]int64 {
	out := make(map[string]int64, len(c.rejections))
	for reason, ctr := range c.rejections {
		out[reason] = ctr.Load()
	}
	return out
}

// Snapshot returns the cumulative counts.
func (c *Counters) Snapshot() types.Counters {
	return types.Counters{
		Generated:       c.Generated.Load(),
		Settled:         c.Settled.Load(),
		Rejected:        c.Rejected(),
		WorkersFinished: c.Finished.Load(),
		Commits:         c.Commits.Load(),
		CommitFailures:  c.CommitFailures.Load(),
	}
}
