// Package simledger is an in-process settlement node. It behaves like a
// regtest chain with instant maturity: funding mints block subsidies, transfers
// are applied to spendable balances immediately and wait in a pending pool
// until the next CommitBatch seals them into a batch.
package simledger

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/settleload/internal/settlement"
)

const (
	// BlockSubsidy is minted per funding count and per committed batch.
	BlockSubsidy settlement.Amount = 5_000_000_000
	// DefaultFee is charged to the sender of every transfer.
	DefaultFee settlement.Amount = 1_000
)

// Config for creating a Ledger.
type Config struct {
	Fee     settlement.Amount // Per-transfer fee, 0 disables fees
	Latency time.Duration     // Artificial delay added to every call
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Stats counts calls made against the ledger.
type Stats struct {
	Transfers       int64
	FailedTransfers int64
	BalanceQueries  int64
	Commits         int64
}

type handle struct {
	label string
	addr  settlement.Address
}

func (h *handle) Label() string { return h.label }

type accountState struct {
	label   string
	balance settlement.Amount
}

type pendingTx struct {
	ref    settlement.TxRef
	from   settlement.Address
	to     settlement.Address
	amount settlement.Amount
}

// Ledger implements settlement.Service in memory.
type Ledger struct {
	mu       sync.Mutex
	accounts map[settlement.Address]*accountState
	pending  []pendingTx
	batches  map[settlement.BatchRef]*settlement.Batch
	height   uint64
	txSeq    uint64

	fee     settlement.Amount
	latency time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	transfers       atomic.Int64
	failedTransfers atomic.Int64
	balanceQueries  atomic.Int64
	commits         atomic.Int64
}

var _ settlement.Service = (*Ledger)(nil)

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	fee := cfg.Fee
	if fee < 0 {
		fee = 0
	}
	return &Ledger{
		accounts: make(map[settlement.Address]*accountState),
		batches:  make(map[settlement.BatchRef]*settlement.Batch),
		fee:      fee,
		latency:  cfg.Latency,
		clock:    clk,
		logger:   logger,
	}
}

// Open is the registry factory for the sim backend.
func Open(_ context.Context, opts settlement.Options) (settlement.Service, error) {
	return New(Config{
		Fee:     opts.Fee,
		Latency: opts.Latency,
		Logger:  opts.Logger,
	}), nil
}

// Name implements settlement.Service.
func (l *Ledger) Name() string { return "sim" }

// Close implements settlement.Service.
func (l *Ledger) Close() error { return nil }

// Stats returns a snapshot of call counters.
func (l *Ledger) Stats() Stats {
	return Stats{
		Transfers:       l.transfers.Load(),
		FailedTransfers: l.failedTransfers.Load(),
		BalanceQueries:  l.balanceQueries.Load(),
		Commits:         l.commits.Load(),
	}
}

// Height returns the number of committed batches.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// Pending returns the number of transfers waiting for the next batch.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// CreateAccount implements settlement.Service.
func (l *Ledger) CreateAccount(ctx context.Context, label string) (settlement.Handle, settlement.Address, error) {
	if err := l.delay(ctx); err != nil {
		return nil, "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(len(l.accounts)))
	addr := settlement.Address(common.BytesToAddress(crypto.Keccak256([]byte(label), seq[:])).Hex())
	if _, exists := l.accounts[addr]; exists {
		return nil, "", errors.Newf("account %s already exists", addr)
	}
	l.accounts[addr] = &accountState{label: label}

	return &handle{label: label, addr: addr}, addr, nil
}

// FundToAddress mints count block subsidies to addr.
func (l *Ledger) FundToAddress(ctx context.Context, count int, addr settlement.Address) error {
	if count <= 0 {
		return errors.Newf("funding count must be positive, got %d", count)
	}
	if err := l.delay(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[addr]
	if !ok {
		return errors.Wrapf(settlement.ErrUnknownAccount, "fund %s", addr)
	}
	acc.balance += settlement.Amount(count) * BlockSubsidy
	l.height += uint64(count)
	return nil
}

// TrustedBalance implements settlement.Service.
func (l *Ledger) TrustedBalance(ctx context.Context, addr settlement.Address) (settlement.Amount, error) {
	l.balanceQueries.Add(1)
	if err := l.delay(ctx); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[addr]
	if !ok {
		return 0, errors.Wrapf(settlement.ErrUnknownAccount, "balance of %s", addr)
	}
	return acc.balance, nil
}

// Transfer debits amount plus the fee from the sender and credits amount to
// the receiver. The transfer joins the pending pool.
func (l *Ledger) Transfer(ctx context.Context, from settlement.Handle, to settlement.Address, amount settlement.Amount) (settlement.TxRef, error) {
	l.transfers.Add(1)
	h, ok := from.(*handle)
	if !ok {
		l.failedTransfers.Add(1)
		return "", settlement.ErrInvalidHandle
	}
	if amount <= 0 {
		l.failedTransfers.Add(1)
		return "", errors.Newf("invalid amount %d", amount)
	}
	if err := l.delay(ctx); err != nil {
		l.failedTransfers.Add(1)
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sender, ok := l.accounts[h.addr]
	if !ok {
		l.failedTransfers.Add(1)
		return "", errors.Wrapf(settlement.ErrUnknownAccount, "sender %s", h.addr)
	}
	receiver, ok := l.accounts[to]
	if !ok {
		l.failedTransfers.Add(1)
		return "", errors.Wrapf(settlement.ErrUnknownAccount, "receiver %s", to)
	}
	if sender.balance < amount+l.fee {
		l.failedTransfers.Add(1)
		return "", errors.Wrapf(settlement.ErrInsufficientFunds,
			"balance %d < amount %d + fee %d", sender.balance, amount, l.fee)
	}

	sender.balance -= amount + l.fee
	receiver.balance += amount

	l.txSeq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.txSeq)
	ref := settlement.TxRef(crypto.Keccak256Hash([]byte(h.addr), []byte(to), []byte(amount.String()), seq[:]).Hex())
	l.pending = append(l.pending, pendingTx{ref: ref, from: h.addr, to: to, amount: amount})

	return ref, nil
}

// CommitBatch seals all pending transfers into a new batch and credits the
// block subsidy plus collected fees to addr.
func (l *Ledger) CommitBatch(ctx context.Context, addr settlement.Address) (settlement.BatchRef, error) {
	l.commits.Add(1)
	if err := l.delay(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	miner, ok := l.accounts[addr]
	if !ok {
		return "", errors.Wrapf(settlement.ErrUnknownAccount, "commit to %s", addr)
	}

	l.height++
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], l.height)
	parts := [][]byte{h[:]}
	for _, tx := range l.pending {
		parts = append(parts, []byte(tx.ref))
	}
	ref := settlement.BatchRef(crypto.Keccak256Hash(parts...).Hex())

	miner.balance += BlockSubsidy + settlement.Amount(len(l.pending))*l.fee
	l.batches[ref] = &settlement.Batch{
		Ref:              ref,
		Height:           l.height,
		TransactionCount: len(l.pending),
	}
	l.pending = nil

	return ref, nil
}

// GetBatch implements settlement.Service.
func (l *Ledger) GetBatch(ctx context.Context, ref settlement.BatchRef) (*settlement.Batch, error) {
	if err := l.delay(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.batches[ref]
	if !ok {
		return nil, errors.Wrapf(settlement.ErrBatchNotFound, "batch %s", ref)
	}
	cp := *b
	return &cp, nil
}

func (l *Ledger) delay(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(l.latency):
		return nil
	}
}
