package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"

	"github.com/gateway-fm/settleload/internal/account"
	"github.com/gateway-fm/settleload/internal/metrics"
	"github.com/gateway-fm/settleload/internal/settlement"
)

// Shared holds the structures every worker uses. Each enforces its own
// concurrency contract; workers hold no locks of their own.
type Shared struct {
	Pool     *account.Pool
	Service  settlement.Service
	Queue    *Queue
	Seen     *SeenSet
	Ledger   *Ledger
	Counters *Counters
	// Latency collects Transfer call durations. Optional.
	Latency  *metrics.LatencyStats
	Recorder Recorder
	Clock    clock.Clock
}

// Worker turns one request at a time into at most one Transfer call.
type Worker struct {
	id           int
	shared       *Shared
	queueTimeout time.Duration
	totalWorkers int
	logger       *slog.Logger
}

// NewWorker creates worker id of total.
func NewWorker(id, total int, shared *Shared, queueTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if shared.Recorder == nil {
		shared.Recorder = nopRecorder{}
	}
	if shared.Clock == nil {
		shared.Clock = clock.New()
	}
	return &Worker{
		id:           id,
		shared:       shared,
		queueTimeout: queueTimeout,
		totalWorkers: total,
		logger:       logger.With(slog.Int("worker", id)),
	}
}

// Run processes requests until the queue is exhausted, then counts itself
// as finished. Rejections never stop the worker.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		finished := w.shared.Counters.Finished.Inc()
		w.shared.Recorder.SetWorkersActive(w.totalWorkers - int(finished))
		w.logger.Debug("Worker finished", slog.Int64("finished", finished))
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		req, err := w.shared.Queue.Receive(ctx, w.queueTimeout)
		if err != nil {
			return
		}
		w.shared.Recorder.SetQueueDepth(w.shared.Queue.Len())

		if err := w.Process(ctx, req); err != nil {
			reason := RejectionReason(err)
			w.shared.Counters.Reject(reason)
			w.shared.Recorder.RecordRejected(reason)
			w.logger.Warn("Transfer request dropped",
				append(req.LogAttrs(),
					slog.String("reason", reason),
					slog.String("error", err.Error()),
				)...,
			)
		}
	}
}

// Process validates, deduplicates and submits req. A non-nil error means
// the request was dropped; its chain carries one of ErrInvalidAmount,
// ErrDuplicate, ErrUnknownParticipant or ErrSettlementFailed.
func (w *Worker) Process(ctx context.Context, req TransferRequest) error {
	s := w.shared

	if req.Amount <= 0 {
		return errors.Wrapf(ErrInvalidAmount, "amount %d", req.Amount)
	}
	if !s.Seen.Insert(req.ID) {
		return errors.Wrapf(ErrDuplicate, "id %s", req.ID)
	}

	sender, ok := s.Pool.Resolve(req.Sender)
	if !ok {
		return errors.Wrapf(ErrUnknownParticipant, "sender %s", req.Sender)
	}
	if _, ok := s.Pool.Resolve(req.Receiver); !ok {
		return errors.Wrapf(ErrUnknownParticipant, "receiver %s", req.Receiver)
	}

	start := s.Clock.Now()
	txRef, err := s.Service.Transfer(ctx, sender.Handle, req.Receiver, req.Amount)
	took := s.Clock.Since(start)
	s.Recorder.ObserveCall(opTransfer, err == nil, took)
	if s.Latency != nil {
		s.Latency.Observe(took)
	}
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "transfer %s", req.ID), ErrSettlementFailed)
	}

	// The sender entry is always overwritten by the node's answer; the
	// receiver entry is optimistic.
	start = s.Clock.Now()
	bal, err := s.Service.TrustedBalance(ctx, req.Sender)
	s.Recorder.ObserveCall(opTrustedBalance, err == nil, s.Clock.Since(start))
	if err != nil {
		w.logger.Warn("Sender balance refresh failed, ledger entry left unchanged",
			append(req.LogAttrs(), slog.String("error", err.Error()))...,
		)
	} else if err := s.Ledger.Set(req.Sender, bal); err != nil {
		return err
	}
	if _, err := s.Ledger.Add(req.Receiver, req.Amount); err != nil {
		return err
	}

	s.Counters.Success.Inc()
	s.Counters.Settled.Inc()
	s.Recorder.RecordSettled()

	w.logger.Debug("Transfer settled",
		append(req.LogAttrs(),
			slog.String("tx", string(txRef)),
			slog.Int64("sender_balance", int64(bal)),
		)...,
	)
	return nil
}
