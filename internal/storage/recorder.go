package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gateway-fm/settleload/pkg/types"
)

// RunRecorder persists one run: the row is created when the run starts,
// reports are buffered in memory as the monitor emits them and written in
// bulk when the run finishes.
type RunRecorder struct {
	store  Storage
	runID  string
	logger *slog.Logger

	mu      sync.Mutex
	reports []types.ThroughputReport
}

// NewRunRecorder creates a recorder for runID.
func NewRunRecorder(store Storage, runID string, logger *slog.Logger) *RunRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRecorder{
		store:  store,
		runID:  runID,
		logger: logger.With(slog.String("run", runID)),
	}
}

// Begin inserts the run row.
func (r *RunRecorder) Begin(ctx context.Context, run *types.RunSummary) error {
	run.ID = r.runID
	return r.store.CreateRun(ctx, run)
}

// OnReport buffers a throughput report.
func (r *RunRecorder) OnReport(report types.ThroughputReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

// Buffered returns the number of reports waiting to be written.
func (r *RunRecorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// Finish writes buffered reports and the final run row.
func (r *RunRecorder) Finish(ctx context.Context, run *types.RunSummary) error {
	r.mu.Lock()
	reports := r.reports
	r.reports = nil
	r.mu.Unlock()

	run.ID = r.runID
	run.ReportCount = len(reports)
	if err := r.store.BulkInsertReports(ctx, r.runID, reports); err != nil {
		return errors.Wrap(err, "persist reports")
	}
	if err := r.store.CompleteRun(ctx, run); err != nil {
		return errors.Wrap(err, "persist run summary")
	}
	r.logger.Info("Run persisted",
		slog.String("status", string(run.Status)),
		slog.Int("reports", len(reports)),
	)
	return nil
}
