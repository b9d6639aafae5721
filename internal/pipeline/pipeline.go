// Package pipeline is the concurrent producer/worker/monitor core: one
// generator publishes synthetic transfers into a queue, N workers validate,
// deduplicate and settle them, and a monitor reports throughput, triggers
// batch commits and detects shutdown.
package pipeline

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/settleload/internal/account"
	"github.com/gateway-fm/settleload/internal/metrics"
	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/pkg/types"
)

// Defaults for Config fields left at zero.
const (
	DefaultWorkers         = 5
	DefaultBaseDelay       = 300 * time.Millisecond
	DefaultCommitThreshold = 50
	DefaultPollInterval    = time.Millisecond
	DefaultQueueTimeout    = 5 * time.Second
	DefaultQueueCapacity   = 1024
)

// Config for creating a Pipeline.
type Config struct {
	RunID           string
	Workers         int
	TransactionCap  int // 0 = unbounded
	BaseDelay       time.Duration
	CommitThreshold int
	PollInterval    time.Duration
	QueueTimeout    time.Duration
	QueueCapacity   int

	Clock    clock.Clock
	Rand     *rand.Rand
	Recorder Recorder
	Sinks    []ReportSink
	Logger   *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.CommitThreshold <= 0 {
		c.CommitThreshold = DefaultCommitThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	Elapsed    time.Duration
	Counters   types.Counters
	Rejections map[string]int64
	Reports    int
	// Throughput is settled transfers per second over the whole run.
	Throughput float64
}

// Pipeline wires one run's generator, workers and monitor together.
type Pipeline struct {
	cfg    Config
	svc    settlement.Service
	pool   *account.Pool
	logger *slog.Logger

	queue    *Queue
	seen     *SeenSet
	ledger   *Ledger
	counters *Counters
	latency  *metrics.LatencyStats
	monitor  *Monitor

	startedAt atomic.Pointer[time.Time]
}

// New creates a pipeline over a provisioned pool. The ledger is seeded from
// the service's trusted balances.
func New(ctx context.Context, svc settlement.Service, pool *account.Pool, cfg Config) (*Pipeline, error) {
	if svc == nil || pool == nil {
		return nil, errors.New("pipeline needs a settlement service and an account pool")
	}
	cfg.applyDefaults()

	ledger, err := SeedLedger(ctx, svc, pool)
	if err != nil {
		return nil, err
	}

	counters := NewCounters()
	p := &Pipeline{
		cfg:      cfg,
		svc:      svc,
		pool:     pool,
		logger:   cfg.Logger.With(slog.String("run", cfg.RunID)),
		queue:    NewQueue(cfg.QueueCapacity, cfg.Clock),
		seen:     &SeenSet{},
		ledger:   ledger,
		counters: counters,
		latency:  metrics.NewLatencyStats(),
	}
	p.monitor = NewMonitor(svc, counters, MonitorConfig{
		RunID:        cfg.RunID,
		Threshold:    cfg.CommitThreshold,
		PollInterval: cfg.PollInterval,
		Workers:      cfg.Workers,
		CommitTo:     pool.Designated().Address,
		Clock:        cfg.Clock,
		Recorder:     cfg.Recorder,
		Sinks:        cfg.Sinks,
		Logger:       p.logger,
	})
	return p, nil
}

// Run executes the pipeline until the generator's cap drains through every
// worker, or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := p.cfg.Clock.Now()
	p.startedAt.Store(&start)
	p.cfg.Recorder.SetWorkersActive(p.cfg.Workers)

	p.logger.Info("Pipeline starting",
		slog.String("backend", p.svc.Name()),
		slog.Int("workers", p.cfg.Workers),
		slog.Int("cap", p.cfg.TransactionCap),
		slog.Duration("base_delay", p.cfg.BaseDelay),
		slog.Int("accounts", p.pool.Len()),
	)

	gen := NewGenerator(p.pool, p.queue, p.counters, GeneratorConfig{
		BaseDelay: p.cfg.BaseDelay,
		Cap:       p.cfg.TransactionCap,
		Clock:     p.cfg.Clock,
		Rand:      p.cfg.Rand,
		Recorder:  p.cfg.Recorder,
		Logger:    p.logger,
	})
	shared := p.shared()

	// The monitor exits once all workers finish; workers exit once the
	// generator closes the queue.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gen.Run(gctx)
	})
	for i := range p.cfg.Workers {
		w := NewWorker(i, p.cfg.Workers, shared, p.cfg.QueueTimeout, p.logger)
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.monitor.Run(gctx)
		return nil
	})

	err := g.Wait()
	summary := p.Summary()
	p.logger.Info("Pipeline finished",
		slog.Int64("generated", summary.Counters.Generated),
		slog.Int64("settled", summary.Counters.Settled),
		slog.Int64("rejected", summary.Counters.Rejected),
		slog.Int64("commits", summary.Counters.Commits),
		slog.Float64("tps", summary.Throughput),
		slog.Duration("elapsed", summary.Elapsed),
	)
	if err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

func (p *Pipeline) shared() *Shared {
	return &Shared{
		Pool:     p.pool,
		Service:  p.svc,
		Queue:    p.queue,
		Seen:     p.seen,
		Ledger:   p.ledger,
		Counters: p.counters,
		Latency:  p.latency,
		Recorder: p.cfg.Recorder,
		Clock:    p.cfg.Clock,
	}
}

// Summary returns the run's current totals.
func (p *Pipeline) Summary() Summary {
	s := Summary{
		RunID:      p.cfg.RunID,
		Counters:   p.counters.Snapshot(),
		Rejections: p.counters.Rejections(),
		Reports:    len(p.monitor.Reports()),
	}
	if started := p.startedAt.Load(); started != nil {
		s.StartedAt = *started
		s.Elapsed = p.cfg.Clock.Since(*started)
		s.Throughput = perSecond(s.Counters.Settled, s.Elapsed)
	}
	return s
}

// Phase returns running, draining (generator closed the queue) or idle
// before Run.
func (p *Pipeline) Phase() types.RunPhase {
	if p.startedAt.Load() == nil {
		return types.PhaseIdle
	}
	select {
	case <-p.queue.Closed():
		return types.PhaseDraining
	default:
		return types.PhaseRunning
	}
}

// RunID returns the run identifier.
func (p *Pipeline) RunID() string { return p.cfg.RunID }

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Ledger returns the run's balance cache.
func (p *Pipeline) Ledger() *Ledger { return p.ledger }

// Seen returns the run's accepted id set.
func (p *Pipeline) Seen() *SeenSet { return p.seen }

// Counters returns the run's shared counters.
func (p *Pipeline) Counters() *Counters { return p.counters }

// Reports returns recent throughput reports.
func (p *Pipeline) Reports() []types.ThroughputReport { return p.monitor.Reports() }

// LastReport returns the latest throughput report, or nil.
func (p *Pipeline) LastReport() *types.ThroughputReport { return p.monitor.LastReport() }

// SettleLatency returns Transfer call latency statistics, or nil.
func (p *Pipeline) SettleLatency() *types.LatencyStats { return p.latency.Snapshot() }
