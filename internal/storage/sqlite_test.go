package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/settleload/pkg/types"
)

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRun(id string, started time.Time) *types.RunSummary {
	return &types.RunSummary{
		ID:        id,
		Backend:   "sim",
		StartedAt: started,
		Config: types.RunConfig{
			Backend:         "sim",
			Workers:         5,
			TransactionCap:  1000,
			BaseDelayMs:     300,
			Accounts:        10,
			FundingCount:    1,
			CommitThreshold: 50,
		},
	}
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStorage("/dev/null/impossible/test.db")
	require.Error(t, err)
}

func TestCreateCompleteAndGetRun(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.CreateRun(ctx, newRun("run-1", started)))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, types.PhaseRunning, got.Status)
	require.Equal(t, 5, got.Config.Workers)
	require.Equal(t, 1000, got.Config.TransactionCap)
	require.True(t, started.Equal(got.StartedAt))
	require.Nil(t, got.CompletedAt)
	require.Nil(t, got.Verification)

	final := newRun("run-1", started)
	final.Status = types.PhaseCompleted
	final.Counters = types.Counters{Generated: 1000, Settled: 990, Rejected: 10, WorkersFinished: 5, Commits: 19}
	final.Throughput = 3.3
	final.ReportCount = 19
	final.Verification = &types.VerificationResult{
		SettledTransfers:     990,
		CommittedTransfers:   950,
		UncommittedTransfers: 40,
		Batches:              &types.BatchVerification{SampleSize: 19, Found: 19},
		AllChecksPass:        true,
	}
	require.NoError(t, store.CompleteRun(ctx, final))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, types.PhaseCompleted, got.Status)
	require.Equal(t, final.Counters, got.Counters)
	require.InDelta(t, 3.3, got.Throughput, 1e-9)
	require.Equal(t, 19, got.ReportCount)
	require.NotNil(t, got.CompletedAt)
	require.Empty(t, got.ErrorMessage)
	require.Equal(t, final.Verification, got.Verification)
}

func TestGetRun_NotFound(t *testing.T) {
	store := createTestStorage(t)
	got, err := store.GetRun(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Nil(t, got)

	run := newRun("ghost", time.Now())
	run.Status = types.PhaseFailed
	require.ErrorContains(t, store.CompleteRun(context.Background(), run), "run not found")
}

func TestListRuns_NewestFirstWithPagination(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateRun(ctx, newRun(id, base.Add(time.Duration(i)*time.Minute))))
	}

	page, err := store.ListRuns(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Runs, 2)
	require.Equal(t, "c", page.Runs[0].ID)
	require.Equal(t, "b", page.Runs[1].ID)

	page, err = store.ListRuns(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	require.Equal(t, "a", page.Runs[0].ID)
	require.Equal(t, 2, page.Offset)
}

func TestReports_RoundTripAndCascade(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.CreateRun(ctx, newRun("run-r", ts)))

	reports := []types.ThroughputReport{
		{Seq: 1, Timestamp: ts, WindowSuccesses: 50, CumulativeSuccesses: 50, ElapsedSeconds: 10,
			Throughput: 5, WindowThroughput: 5, BatchRef: "0xabc", BatchHeight: 12, BatchTxCount: 50},
		{Seq: 2, Timestamp: ts.Add(time.Second), WindowSuccesses: 51, CumulativeSuccesses: 101, ElapsedSeconds: 20,
			Throughput: 5.05, WindowThroughput: 5.1, CommitError: "node down"},
	}
	require.NoError(t, store.BulkInsertReports(ctx, "run-r", reports))
	require.NoError(t, store.BulkInsertReports(ctx, "run-r", nil))

	got, err := store.GetReports(ctx, "run-r")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "run-r", got[0].RunID)
	require.True(t, ts.Equal(got[0].Timestamp))
	require.Equal(t, "0xabc", got[0].BatchRef)
	require.Equal(t, uint64(12), got[0].BatchHeight)
	require.Equal(t, "node down", got[1].CommitError)
	require.Empty(t, got[1].BatchRef)

	require.NoError(t, store.DeleteRun(ctx, "run-r"))
	got, err = store.GetReports(ctx, "run-r")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRunRecorder(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	rec := NewRunRecorder(store, "rec-1", nil)

	require.NoError(t, rec.Begin(ctx, newRun("", time.Now())))
	rec.OnReport(types.ThroughputReport{Seq: 1, Timestamp: time.Now(), WindowSuccesses: 50, CumulativeSuccesses: 50})
	rec.OnReport(types.ThroughputReport{Seq: 2, Timestamp: time.Now(), WindowSuccesses: 50, CumulativeSuccesses: 100})
	require.Equal(t, 2, rec.Buffered())

	final := newRun("", time.Now())
	final.Status = types.PhaseCompleted
	final.Counters.Settled = 100
	require.NoError(t, rec.Finish(ctx, final))
	require.Zero(t, rec.Buffered())

	run, err := store.GetRun(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, 2, run.ReportCount)
	require.Equal(t, int64(100), run.Counters.Settled)

	reports, err := store.GetReports(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, reports, 2)
}
