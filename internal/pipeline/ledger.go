package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gateway-fm/settleload/internal/account"
	"github.com/gateway-fm/settleload/internal/settlement"
)

// Ledger caches the last known trusted balance per pool address. The key
// set is fixed at construction; each entry is its own atomic, so updates to
// different addresses never contend and updates to one address serialize.
type Ledger struct {
	entries map[settlement.Address]*atomic.Int64
}

// NewLedger creates a ledger over addrs with zero balances.
func NewLedger(addrs []settlement.Address) *Ledger {
	l := &Ledger{entries: make(map[settlement.Address]*atomic.Int64, len(addrs))}
	for _, addr := range addrs {
		l.entries[addr] = new(atomic.Int64)
	}
	return l
}

// SeedLedger creates a ledger from the service's trusted balances for every
// pool account.
func SeedLedger(ctx context.Context, svc settlement.Service, pool *account.Pool) (*Ledger, error) {
	balances, err := account.Balances(ctx, svc, pool)
	if err != nil {
		return nil, errors.Wrap(err, "seed ledger")
	}
	l := NewLedger(pool.Addresses())
	for addr, bal := range balances {
		l.entries[addr].Store(int64(bal))
	}
	return l, nil
}

// Set overwrites addr's entry with an authoritative balance.
func (l *Ledger) Set(addr settlement.Address, bal settlement.Amount) error {
	e, ok := l.entries[addr]
	if !ok {
		return errors.Wrapf(ErrUnknownParticipant, "ledger set %s", addr)
	}
	e.Store(int64(bal))
	return nil
}

// Add applies delta to addr's entry and returns the new value.
func (l *Ledger) Add(addr settlement.Address, delta settlement.Amount) (settlement.Amount, error) {
	e, ok := l.entries[addr]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownParticipant, "ledger add %s", addr)
	}
	return settlement.Amount(e.Add(int64(delta))), nil
}

// Get returns addr's entry.
func (l *Ledger) Get(addr settlement.Address) (settlement.Amount, bool) {
	e, ok := l.entries[addr]
	if !ok {
		return 0, false
	}
	return settlement.Amount(e.Load()), true
}

// Snapshot copies every entry. Entries are read independently.
func (l *Ledger) Snapshot() map[settlement.Address]settlement.Amount {
	out := make(map[settlement.Address]settlement.Amount, len(l.entries))
	for addr, e := range l.entries {
		out[addr] = settlement.Amount(e.Load())
	}
	return out
}
