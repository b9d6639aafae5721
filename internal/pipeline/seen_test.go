package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSeenSet_InsertOnce(t *testing.T) {
	var s SeenSet
	id := uuid.New()

	require.False(t, s.Contains(id))
	require.True(t, s.Insert(id))
	require.False(t, s.Insert(id))
	require.True(t, s.Contains(id))
	require.Equal(t, int64(1), s.Len())
}

func TestSeenSet_ConcurrentInsertSameID(t *testing.T) {
	var s SeenSet
	const goroutines = 64

	for round := 0; round < 50; round++ {
		id := uuid.New()
		var winners atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for range goroutines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if s.Insert(id) {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int64(1), winners.Load())
	}
	require.Equal(t, int64(50), s.Len())
}
