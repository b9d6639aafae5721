package pipeline

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func drain(q *Queue) []TransferRequest {
	var out []TransferRequest
	for {
		req, err := q.Receive(context.Background(), 0)
		if err != nil {
			return out
		}
		out = append(out, req)
	}
}

func TestGenerator_JitterDrawnOnceWithinBand(t *testing.T) {
	f := newFixture(t)
	for seed := uint64(0); seed < 200; seed++ {
		g := NewGenerator(f.pool, NewQueue(1, nil), nil, GeneratorConfig{
			BaseDelay: 300 * time.Millisecond,
			Rand:      rand.New(rand.NewPCG(seed, seed)),
			Logger:    discardLogger(),
		})
		require.GreaterOrEqual(t, g.Jitter(), 0.9)
		require.Less(t, g.Jitter(), 1.1)
		require.Equal(t, time.Duration(float64(300*time.Millisecond)*g.Jitter()), g.Delay())

		// Drawing requests must not disturb the factor.
		j := g.Jitter()
		for range 10 {
			g.Next()
		}
		require.Equal(t, j, g.Jitter())
	}
}

func TestGenerator_NextProducesValidRequests(t *testing.T) {
	f := newFixture(t)
	g := NewGenerator(f.pool, NewQueue(1, nil), nil, GeneratorConfig{
		Rand:   rand.New(rand.NewPCG(1, 2)),
		Logger: discardLogger(),
	})

	ids := make(map[uuid.UUID]bool)
	for range 5000 {
		req := g.Next()
		require.NotEqual(t, req.Sender, req.Receiver)
		_, ok := f.pool.Resolve(req.Sender)
		require.True(t, ok)
		_, ok = f.pool.Resolve(req.Receiver)
		require.True(t, ok)
		require.GreaterOrEqual(t, req.Amount, MinAmount)
		require.Less(t, req.Amount, MaxAmount)
		require.False(t, ids[req.ID], "ids must be fresh")
		ids[req.ID] = true
	}
}

func TestGenerator_CapPublishesExactlyAndCloses(t *testing.T) {
	f := newFixture(t)
	q := NewQueue(64, nil)
	counters := NewCounters()
	g := NewGenerator(f.pool, q, counters, GeneratorConfig{Cap: 37, Logger: discardLogger()})

	require.NoError(t, g.Run(context.Background()))
	<-q.Closed()
	require.Len(t, drain(q), 37)
	require.Equal(t, int64(37), counters.Generated.Load())
}

func TestGenerator_SleepsBetweenPublishes(t *testing.T) {
	f := newFixture(t)
	mock := clock.NewMock()
	q := NewQueue(8, mock)
	g := NewGenerator(f.pool, q, nil, GeneratorConfig{
		BaseDelay: 100 * time.Millisecond,
		Cap:       3,
		Clock:     mock,
		Logger:    discardLogger(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, q.Len(), "second publish must wait for the delay")

	require.Eventually(t, func() bool {
		mock.Add(g.Delay())
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, 3, q.Len())
}

func TestGenerator_CancelClosesQueue(t *testing.T) {
	f := newFixture(t)
	q := NewQueue(1, nil)
	counters := NewCounters()
	g := NewGenerator(f.pool, q, counters, GeneratorConfig{Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return counters.Generated.Load() >= 1 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("generator ignored cancellation")
	}
	<-q.Closed()
}
