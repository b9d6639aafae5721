package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounter_Basic(t *testing.T) {
	var c Counter
	require.Equal(t, int64(1), c.Inc())
	require.Equal(t, int64(6), c.Add(5))
	require.Equal(t, int64(6), c.Load())

	c.Store(10)
	require.Equal(t, int64(10), c.Swap(0))
	require.Zero(t, c.Load())
}

func TestCounter_SwapNeverLosesIncrements(t *testing.T) {
	var c Counter
	var swapped int64
	const goroutines, perGoroutine = 50, 1000

	var wg sync.WaitGroup
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				swapped += c.Swap(0)
			}
		}
	}()

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	close(done)
	<-stopped

	require.Equal(t, int64(goroutines*perGoroutine), swapped+c.Load())
}
