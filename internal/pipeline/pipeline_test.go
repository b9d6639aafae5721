package pipeline

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/settleload/pkg/types"
)

func TestPipeline_CappedRunDrainsAndStops(t *testing.T) {
	f := newFixture(t)
	sink := &reportLog{}

	p, err := New(context.Background(), f.svc, f.pool, Config{
		RunID:           "capped",
		Workers:         4,
		TransactionCap:  300,
		CommitThreshold: 50,
		QueueTimeout:    time.Second,
		Rand:            rand.New(rand.NewPCG(7, 7)),
		Sinks:           []ReportSink{sink},
		Logger:          discardLogger(),
	})
	require.NoError(t, err)
	require.Equal(t, types.PhaseIdle, p.Phase())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := p.Run(ctx)
	require.NoError(t, err)

	c := summary.Counters
	require.Equal(t, "capped", summary.RunID)
	require.Equal(t, int64(300), c.Generated)
	require.Equal(t, int64(4), c.WorkersFinished)
	require.Equal(t, c.Generated, c.Settled+c.Rejected)
	require.Equal(t, int64(300), f.svc.transfers.Load(), "fresh ids reach the service once each")
	require.Equal(t, types.PhaseDraining, p.Phase())

	// Every settled transfer is either in a report or still in the counter.
	var reported int64
	for _, r := range sink.all() {
		reported += r.WindowSuccesses
		require.GreaterOrEqual(t, r.WindowSuccesses, int64(50))
	}
	require.Equal(t, c.Settled, reported+p.Counters().Success.Load())
	require.Equal(t, int64(len(sink.all())), c.Commits+c.CommitFailures)
	require.LessOrEqual(t, c.Commits, c.Settled/50)
	require.Equal(t, int64(300), p.Seen().Len())
	require.NotNil(t, p.SettleLatency())
}

func TestPipeline_StopsPromptlyAfterQueueCloses(t *testing.T) {
	f := newFixture(t)
	p, err := New(context.Background(), f.svc, f.pool, Config{
		Workers:        4,
		TransactionCap: 100,
		BaseDelay:      time.Millisecond,
		QueueTimeout:   2 * time.Second,
		Logger:         discardLogger(),
	})
	require.NoError(t, err)

	closedAt := make(chan time.Time, 1)
	go func() {
		<-p.queue.Closed()
		closedAt <- time.Now()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := p.Run(ctx)
	require.NoError(t, err)
	stoppedAt := time.Now()

	require.Equal(t, int64(4), summary.Counters.WorkersFinished)
	cfg := p.Config()
	shutdown := stoppedAt.Sub(<-closedAt)
	require.Less(t, shutdown, cfg.PollInterval+cfg.QueueTimeout,
		"workers and monitor must exit within one poll plus one queue timeout of the close")
}

func TestPipeline_CancelStopsUnboundedRun(t *testing.T) {
	f := newFixture(t)
	p, err := New(context.Background(), f.svc, f.pool, Config{
		Workers:      3,
		BaseDelay:    time.Millisecond,
		QueueTimeout: time.Second,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		s   Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := p.Run(ctx)
		done <- result{s, err}
	}()

	require.Eventually(t, func() bool { return p.Counters().Settled.Load() >= 5 }, 10*time.Second, time.Millisecond)
	require.Equal(t, types.PhaseRunning, p.Phase())
	cancel()

	select {
	case res := <-done:
		require.ErrorIs(t, res.err, context.Canceled)
		require.Equal(t, int64(3), res.s.Counters.WorkersFinished)
		require.Positive(t, res.s.Throughput)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline ignored cancellation")
	}
}

func TestNew_RequiresServiceAndPool(t *testing.T) {
	f := newFixture(t)
	_, err := New(context.Background(), nil, f.pool, Config{})
	require.Error(t, err)
	_, err = New(context.Background(), f.svc, nil, Config{})
	require.Error(t, err)

	p, err := New(context.Background(), f.svc, f.pool, Config{Logger: discardLogger()})
	require.NoError(t, err)
	cfg := p.Config()
	require.Equal(t, DefaultWorkers, cfg.Workers)
	require.Equal(t, DefaultCommitThreshold, cfg.CommitThreshold)
	require.NotEmpty(t, p.RunID())
}
