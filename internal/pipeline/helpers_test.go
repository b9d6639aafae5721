package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/settleload/internal/account"
	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/internal/settlement/simledger"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// instrumented wraps a Service to count calls and inject failures.
type instrumented struct {
	settlement.Service

	transfers atomic.Int64
	balances  atomic.Int64
	commits   atomic.Int64

	failBalance atomic.Bool
	failCommits atomic.Int64 // number of upcoming commits to fail
}

var errInjected = errors.New("injected failure")

func (s *instrumented) Transfer(ctx context.Context, from settlement.Handle, to settlement.Address, amount settlement.Amount) (settlement.TxRef, error) {
	s.transfers.Add(1)
	return s.Service.Transfer(ctx, from, to, amount)
}

func (s *instrumented) TrustedBalance(ctx context.Context, addr settlement.Address) (settlement.Amount, error) {
	s.balances.Add(1)
	if s.failBalance.Load() {
		return 0, errInjected
	}
	return s.Service.TrustedBalance(ctx, addr)
}

func (s *instrumented) CommitBatch(ctx context.Context, addr settlement.Address) (settlement.BatchRef, error) {
	s.commits.Add(1)
	if s.failCommits.Load() > 0 {
		s.failCommits.Add(-1)
		return "", errInjected
	}
	return s.Service.CommitBatch(ctx, addr)
}

// fixture is a funded pool of 10 accounts on the sim ledger, each holding
// one block subsidy (5,000,000,000 units).
type fixture struct {
	ledger *simledger.Ledger
	svc    *instrumented
	pool   *account.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := simledger.New(simledger.Config{Fee: simledger.DefaultFee, Logger: discardLogger()})
	svc := &instrumented{Service: l}
	pool, err := account.Provision(context.Background(), l, account.ProvisionConfig{
		Count:        10,
		FundingCount: 1,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)
	return &fixture{ledger: l, svc: svc, pool: pool}
}

// shared builds worker dependencies over the fixture with a seeded ledger.
func (f *fixture) shared(t *testing.T, queue *Queue) *Shared {
	t.Helper()
	ledger, err := SeedLedger(context.Background(), f.ledger, f.pool)
	require.NoError(t, err)
	return &Shared{
		Pool:     f.pool,
		Service:  f.svc,
		Queue:    queue,
		Seen:     &SeenSet{},
		Ledger:   ledger,
		Counters: NewCounters(),
	}
}
