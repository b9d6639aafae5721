package pipeline

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/gateway-fm/settleload/internal/account"
	"github.com/gateway-fm/settleload/internal/settlement"
)

// Generated amounts are drawn uniformly from [MinAmount, MaxAmount).
const (
	MinAmount settlement.Amount = 1
	MaxAmount settlement.Amount = 1_000_000_000
)

// Jitter band applied to the base delay, drawn once per generator.
const (
	jitterLow  = 0.9
	jitterHigh = 1.1
)

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	BaseDelay time.Duration
	// Cap is the number of requests to publish; 0 means unbounded.
	Cap      int
	Clock    clock.Clock
	Rand     *rand.Rand
	Recorder Recorder
	Logger   *slog.Logger
}

// Generator is the single producer of transfer requests.
type Generator struct {
	pool     *account.Pool
	queue    *Queue
	counters *Counters
	delay    time.Duration
	cap      int
	jitter   float64
	clock    clock.Clock
	rng      *rand.Rand
	recorder Recorder
	logger   *slog.Logger
}

// NewGenerator creates a generator publishing into queue. The jitter factor
// is drawn here and kept for the generator's lifetime.
func NewGenerator(pool *account.Pool, queue *Queue, counters *Counters, cfg GeneratorConfig) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	if counters == nil {
		counters = NewCounters()
	}

	jitter := jitterLow + rng.Float64()*(jitterHigh-jitterLow)
	return &Generator{
		pool:     pool,
		queue:    queue,
		counters: counters,
		delay:    time.Duration(float64(cfg.BaseDelay) * jitter),
		cap:      cfg.Cap,
		jitter:   jitter,
		clock:    clk,
		rng:      rng,
		recorder: rec,
		logger:   logger,
	}
}

// Jitter returns the factor applied to the base delay.
func (g *Generator) Jitter() float64 { return g.jitter }

// Delay returns the effective sleep between publishes.
func (g *Generator) Delay() time.Duration { return g.delay }

// Next synthesizes one request without publishing it.
func (g *Generator) Next() TransferRequest {
	sender, receiver := g.pool.RandomPair(g.rng)
	return TransferRequest{
		ID:       uuid.New(),
		Sender:   sender.Address,
		Receiver: receiver.Address,
		Amount:   MinAmount + settlement.Amount(g.rng.Int64N(int64(MaxAmount-MinAmount))),
	}
}

// Run publishes requests until the cap is reached or ctx is cancelled, then
// closes the queue. Closing the queue is what shuts the workers down.
func (g *Generator) Run(ctx context.Context) error {
	defer g.queue.Close()

	g.logger.Info("Generator started",
		slog.Duration("delay", g.delay),
		slog.Float64("jitter", g.jitter),
		slog.Int("cap", g.cap),
	)

	published := 0
	for g.cap == 0 || published < g.cap {
		req := g.Next()
		if err := g.queue.Send(ctx, req); err != nil {
			g.logger.Info("Generator stopped", slog.Int("published", published), slog.String("reason", err.Error()))
			return nil
		}
		published++
		g.counters.Generated.Inc()
		g.recorder.RecordGenerated()
		g.recorder.SetQueueDepth(g.queue.Len())

		if g.cap != 0 && published >= g.cap {
			break
		}
		if err := g.sleep(ctx); err != nil {
			g.logger.Info("Generator stopped", slog.Int("published", published), slog.String("reason", err.Error()))
			return nil
		}
	}

	g.logger.Info("Generator reached cap, closing queue", slog.Int("published", published))
	return nil
}

func (g *Generator) sleep(ctx context.Context) error {
	if g.delay <= 0 {
		return ctx.Err()
	}
	timer := g.clock.Timer(g.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
