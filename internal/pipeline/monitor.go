package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/pkg/types"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	RunID string
	// Threshold is the number of successes that triggers a report and a
	// batch commit.
	Threshold    int
	PollInterval time.Duration
	Workers      int
	// CommitTo receives batch rewards; the pool's designated account.
	CommitTo settlement.Address
	Clock    clock.Clock
	Recorder Recorder
	Sinks    []ReportSink
	Logger   *slog.Logger
}

// Monitor turns the success counter into throughput reports and is the only
// caller of CommitBatch during a run.
type Monitor struct {
	cfg      MonitorConfig
	svc      settlement.Service
	counters *Counters
	clock    clock.Clock
	recorder Recorder
	logger   *slog.Logger

	mu         sync.RWMutex
	start      time.Time
	lastReport time.Time
	total      int64
	seq        int
	reports    []types.ThroughputReport
}

// maxKeptReports bounds the in-memory report history.
const maxKeptReports = 256

// NewMonitor creates a monitor over counters.
func NewMonitor(svc settlement.Service, counters *Counters, cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	return &Monitor{
		cfg:      cfg,
		svc:      svc,
		counters: counters,
		clock:    clk,
		recorder: rec,
		logger:   logger,
	}
}

// Run polls until every worker has finished or ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	m.start = now
	m.lastReport = now
	m.mu.Unlock()

	ticker := m.clock.Ticker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped", slog.String("reason", ctx.Err().Error()))
			return
		case <-ticker.C:
		}

		if m.counters.Success.Load() >= int64(m.cfg.Threshold) {
			m.report(ctx)
		}
		if m.counters.Finished.Load() >= int64(m.cfg.Workers) {
			m.logger.Info("All workers finished, monitor exiting",
				slog.Int("workers", m.cfg.Workers),
				slog.Int64("total_settled", m.Total()),
			)
			return
		}
	}
}

// report swaps the success counter to zero, publishes throughput and
// commits a batch.
func (m *Monitor) report(ctx context.Context) {
	window := m.counters.Success.Swap(0)
	now := m.clock.Now()

	m.mu.Lock()
	m.total += window
	m.seq++
	total := m.total
	elapsed := now.Sub(m.start)
	windowElapsed := now.Sub(m.lastReport)
	m.lastReport = now
	seq := m.seq
	m.mu.Unlock()

	r := types.ThroughputReport{
		RunID:               m.cfg.RunID,
		Seq:                 seq,
		Timestamp:           now,
		WindowSuccesses:     window,
		CumulativeSuccesses: total,
		ElapsedSeconds:      elapsed.Seconds(),
		Throughput:          perSecond(total, elapsed),
		WindowThroughput:    perSecond(window, windowElapsed),
	}

	m.logger.Info("Throughput",
		slog.Int("seq", seq),
		slog.Int64("window", window),
		slog.Int64("total", total),
		slog.Float64("tps", r.Throughput),
		slog.Float64("window_tps", r.WindowThroughput),
	)

	m.commit(ctx, &r)

	m.mu.Lock()
	m.reports = append(m.reports, r)
	if len(m.reports) > maxKeptReports {
		m.reports = m.reports[len(m.reports)-maxKeptReports:]
	}
	m.mu.Unlock()

	for _, sink := range m.cfg.Sinks {
		sink.OnReport(r)
	}
}

func (m *Monitor) commit(ctx context.Context, r *types.ThroughputReport) {
	start := m.clock.Now()
	ref, err := m.svc.CommitBatch(ctx, m.cfg.CommitTo)
	m.recorder.ObserveCall(opCommitBatch, err == nil, m.clock.Since(start))
	if err != nil {
		m.counters.CommitFailures.Inc()
		r.CommitError = err.Error()
		m.logger.Error("Batch commit failed", slog.String("error", err.Error()))
		return
	}
	m.counters.Commits.Inc()
	r.BatchRef = string(ref)

	start = m.clock.Now()
	batch, err := m.svc.GetBatch(ctx, ref)
	m.recorder.ObserveCall(opGetBatch, err == nil, m.clock.Since(start))
	if err != nil {
		m.logger.Warn("Batch lookup failed", slog.String("batch", string(ref)), slog.String("error", err.Error()))
		return
	}
	r.BatchHeight = batch.Height
	r.BatchTxCount = batch.TransactionCount
	m.logger.Info("Batch committed",
		slog.String("batch", string(ref)),
		slog.Uint64("height", batch.Height),
		slog.Int("transactions", batch.TransactionCount),
	)
}

func perSecond(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

// Total returns the successes accounted for in reports so far.
func (m *Monitor) Total() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// Reports returns a copy of the most recent reports, oldest first.
func (m *Monitor) Reports() []types.ThroughputReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ThroughputReport, len(m.reports))
	copy(out, m.reports)
	return out
}

// LastReport returns the latest report, or nil before the first one.
func (m *Monitor) LastReport() *types.ThroughputReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.reports) == 0 {
		return nil
	}
	r := m.reports[len(m.reports)-1]
	return &r
}
