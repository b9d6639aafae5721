package metrics

import "sync/atomic"

// Counter is an atomic int64 counter.
type Counter struct {
	v atomic.Int64
}

// Inc increments the counter by 1 and returns the new value.
func (c *Counter) Inc() int64 {
	return c.v.Add(1)
}

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return c.v.Add(delta)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return c.v.Load()
}

// Store sets the value.
func (c *Counter) Store(val int64) {
	c.v.Store(val)
}

// Swap stores val and returns the previous value in one atomic step.
// Increments racing with a Swap(0) land either in the returned value or in
// the next window, never in neither.
func (c *Counter) Swap(val int64) int64 {
	return c.v.Swap(val)
}
