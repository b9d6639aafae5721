package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/settleload/internal/account"
	"github.com/gateway-fm/settleload/internal/config"
	"github.com/gateway-fm/settleload/internal/metrics"
	"github.com/gateway-fm/settleload/internal/pipeline"
	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/internal/settlement/backends"
	"github.com/gateway-fm/settleload/internal/storage"
	"github.com/gateway-fm/settleload/internal/transport"
	"github.com/gateway-fm/settleload/internal/verification"
	"github.com/gateway-fm/settleload/pkg/types"
)

// persistTimeout bounds writing the final run row after the run context is
// gone.
const persistTimeout = 10 * time.Second

// app owns one process lifetime: backend, storage, HTTP API and a single
// pipeline run. It serves transport.RunAPI and transport.HealthChecker.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	linger bool

	registry *prometheus.Registry
	prom     *metrics.Prometheus

	mu        sync.RWMutex
	phase     types.RunPhase
	runID     string
	startedAt *time.Time
	svc       settlement.Service
	pool      *account.Pool
	store     storage.Storage
	pipe      *pipeline.Pipeline
	final     *pipeline.Summary
	verified  *types.VerificationResult
	runErr    string
}

var (
	_ transport.RunAPI        = (*app)(nil)
	_ transport.HealthChecker = (*app)(nil)
)

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		prom:     metrics.NewPrometheus(reg),
		phase:    types.PhaseIdle,
		runID:    uuid.NewString(),
	}
	a.prom.SetPhase(types.PhaseIdle)
	return a
}

// Run opens the backend, serves the API and executes one pipeline run. It
// returns nil when the run completes or is interrupted.
func (a *app) Run(ctx context.Context) error {
	if a.cfg.DatabasePath != "" {
		store, err := storage.NewSQLiteStorage(a.cfg.DatabasePath)
		if err != nil {
			return errors.Wrapf(err, "open database %s", a.cfg.DatabasePath)
		}
		defer func() {
			a.mu.Lock()
			a.store = nil
			a.mu.Unlock()
			store.Close()
		}()
		a.mu.Lock()
		a.store = store
		a.mu.Unlock()
		a.logger.Info("Initialized storage", slog.String("path", a.cfg.DatabasePath))
	}

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	g, gctx := errgroup.WithContext(serveCtx)
	var server *transport.Server
	if a.cfg.ListenAddr != "" {
		server = transport.NewServer(a, a, a.registry, a.logger, a.cfg.CORSAllowedOrigins)
		g.Go(func() error {
			return server.ListenAndServe(gctx, a.cfg.ListenAddr)
		})
	}

	runErr := a.execute(ctx, server)

	if a.linger && server != nil && ctx.Err() == nil {
		a.logger.Info("Run finished, serving until interrupted", slog.String("addr", a.cfg.ListenAddr))
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
	}
	stopServing()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	a.mu.Lock()
	svc := a.svc
	a.svc = nil
	a.mu.Unlock()
	if svc != nil {
		if err := svc.Close(); err != nil {
			a.logger.Warn("Failed to close settlement backend", slog.String("error", err.Error()))
		}
	}
	return runErr
}

// execute runs provisioning and the pipeline, then persists the outcome.
func (a *app) execute(ctx context.Context, server *transport.Server) error {
	a.setPhase(types.PhaseProvisioning)

	svc, info, err := backends.DefaultRegistry().Open(ctx, a.cfg.Backend, a.cfg.SettlementOptions(a.logger))
	if err != nil {
		return a.fail(err)
	}
	a.mu.Lock()
	a.svc = svc
	a.mu.Unlock()
	a.logger.Info("Connected to settlement backend",
		slog.String("backend", info.Name),
		slog.String("unit", info.Unit),
		slog.String("url", a.cfg.RPCURL),
	)

	pool, err := account.Provision(ctx, svc, account.ProvisionConfig{
		Count:        a.cfg.Accounts,
		FundingCount: a.cfg.FundingCount,
		Logger:       a.logger,
	})
	if err != nil {
		return a.interruptedOr(ctx, errors.Wrap(err, "provision accounts"))
	}
	a.mu.Lock()
	a.pool = pool
	a.mu.Unlock()

	pcfg := a.cfg.PipelineConfig()
	pcfg.RunID = a.runID
	pcfg.Recorder = a.prom
	pcfg.Logger = a.logger
	pcfg.Sinks = []pipeline.ReportSink{a.prom}
	if server != nil {
		pcfg.Sinks = append(pcfg.Sinks, server.WebSocket())
	}

	var rec *storage.RunRecorder
	if store := a.storage(); store != nil {
		rec = storage.NewRunRecorder(store, a.runID, a.logger)
		pcfg.Sinks = append(pcfg.Sinks, rec)
	}

	pipe, err := pipeline.New(ctx, svc, pool, pcfg)
	if err != nil {
		return a.interruptedOr(ctx, errors.Wrap(err, "create pipeline"))
	}

	started := time.Now()
	a.mu.Lock()
	a.pipe = pipe
	a.startedAt = &started
	a.mu.Unlock()

	if rec != nil {
		if err := rec.Begin(ctx, &types.RunSummary{
			Backend:   a.cfg.Backend,
			Status:    types.PhaseRunning,
			StartedAt: started,
			Config:    a.runConfig(),
		}); err != nil {
			a.logger.Warn("Failed to record run start", slog.String("error", err.Error()))
			rec = nil
		}
	}

	a.setPhase(types.PhaseRunning)
	summary, err := pipe.Run(ctx)

	status := types.PhaseCompleted
	var errMsg string
	if err != nil && !errors.Is(err, context.Canceled) {
		status = types.PhaseFailed
		errMsg = err.Error()
	} else if err != nil {
		a.logger.Info("Run interrupted")
		err = nil
	}

	verified := a.verify(svc, pool, pipe, summary)

	if rec != nil {
		persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		completed := time.Now()
		if perr := rec.Finish(persistCtx, &types.RunSummary{
			Backend:      a.cfg.Backend,
			Status:       status,
			StartedAt:    started,
			CompletedAt:  &completed,
			Config:       a.runConfig(),
			Counters:     summary.Counters,
			Throughput:   summary.Throughput,
			ErrorMessage: errMsg,
			Verification: verified,
		}); perr != nil {
			a.logger.Error("Failed to persist run", slog.String("error", perr.Error()))
		}
	}

	// History readers see the final row once the phase turns terminal.
	a.mu.Lock()
	a.final = &summary
	a.verified = verified
	a.runErr = errMsg
	a.mu.Unlock()
	a.setPhase(status)

	a.logger.Info("Run finished",
		slog.String("run", a.runID),
		slog.String("status", string(status)),
		slog.Int64("generated", summary.Counters.Generated),
		slog.Int64("settled", summary.Counters.Settled),
		slog.Int64("rejected", summary.Counters.Rejected),
		slog.Int64("commits", summary.Counters.Commits),
		slog.Float64("tps", summary.Throughput),
	)
	return err
}

// verify reconciles the finished run against the node. It runs after an
// interrupt too, so it does not use the run context.
func (a *app) verify(svc settlement.Service, pool *account.Pool, pipe *pipeline.Pipeline, summary pipeline.Summary) *types.VerificationResult {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return verification.NewVerifier(svc, a.logger).Verify(ctx, verification.Input{
		Pool:            pool,
		Cached:          pipe.Ledger().Snapshot(),
		Settled:         summary.Counters.Settled,
		Reports:         pipe.Reports(),
		ReportsProduced: summary.Counters.Commits + summary.Counters.CommitFailures,
	})
}

// interruptedOr treats failures caused by an interrupt as a clean stop.
func (a *app) interruptedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		a.logger.Info("Interrupted before the run started")
		a.setPhase(types.PhaseCompleted)
		return nil
	}
	return a.fail(err)
}

func (a *app) fail(err error) error {
	a.mu.Lock()
	a.runErr = err.Error()
	a.mu.Unlock()
	a.setPhase(types.PhaseFailed)
	return err
}

func (a *app) setPhase(phase types.RunPhase) {
	a.mu.Lock()
	a.phase = phase
	a.mu.Unlock()
	a.prom.SetPhase(phase)
}

func (a *app) storage() storage.Storage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.store
}

func (a *app) runConfig() types.RunConfig {
	return types.RunConfig{
		Backend:         a.cfg.Backend,
		Workers:         a.cfg.Workers,
		TransactionCap:  a.cfg.TransactionCap,
		BaseDelayMs:     int(a.cfg.BaseDelay / time.Millisecond),
		Accounts:        a.cfg.Accounts,
		FundingCount:    a.cfg.FundingCount,
		CommitThreshold: a.cfg.CommitThreshold,
		QueueTimeoutMs:  a.cfg.QueueTimeout.Milliseconds(),
	}
}

// Status implements transport.RunAPI.
func (a *app) Status() types.RunStatus {
	a.mu.RLock()
	phase, pipe, final, verified, errMsg := a.phase, a.pipe, a.final, a.verified, a.runErr
	var startedAt *time.Time
	if a.startedAt != nil {
		t := *a.startedAt
		startedAt = &t
	}
	a.mu.RUnlock()

	status := types.RunStatus{
		RunID:        a.runID,
		Phase:        phase,
		Config:       a.runConfig(),
		StartedAt:    startedAt,
		Rejections:   map[string]int64{},
		Verification: verified,
		Error:        errMsg,
	}
	if pipe == nil {
		return status
	}

	summary := pipe.Summary()
	if final != nil {
		summary = *final
	}
	if phase == types.PhaseRunning {
		status.Phase = pipe.Phase()
	}
	status.ElapsedMs = summary.Elapsed.Milliseconds()
	status.Counters = summary.Counters
	if summary.Rejections != nil {
		status.Rejections = summary.Rejections
	}
	status.LastReport = pipe.LastReport()
	status.SettleLatency = pipe.SettleLatency()
	return status
}

// Reports implements transport.RunAPI.
func (a *app) Reports() []types.ThroughputReport {
	a.mu.RLock()
	pipe := a.pipe
	a.mu.RUnlock()
	if pipe == nil {
		return nil
	}
	return pipe.Reports()
}

// GetHistory implements transport.RunAPI.
func (a *app) GetHistory(ctx context.Context, limit, offset int) (*types.HistoryResponse, error) {
	store := a.storage()
	if store == nil {
		return nil, transport.ErrHistoryDisabled
	}
	return store.ListRuns(ctx, limit, offset)
}

// GetRunDetail implements transport.RunAPI.
func (a *app) GetRunDetail(ctx context.Context, id string) (*types.RunDetail, error) {
	store := a.storage()
	if store == nil {
		return nil, transport.ErrHistoryDisabled
	}
	run, err := store.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	reports, err := store.GetReports(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.RunDetail{Run: *run, Reports: reports}, nil
}

// Backend implements transport.HealthChecker.
func (a *app) Backend() string {
	return a.cfg.Backend
}

// CheckBackend queries the trusted balance of the designated account.
func (a *app) CheckBackend(ctx context.Context) error {
	a.mu.RLock()
	svc, pool := a.svc, a.pool
	a.mu.RUnlock()
	if svc == nil {
		return errors.New("settlement backend not connected")
	}
	if pool == nil {
		return errors.New("accounts not provisioned")
	}
	_, err := svc.TrustedBalance(ctx, pool.Designated().Address)
	return err
}
