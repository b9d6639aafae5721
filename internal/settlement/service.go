// Package settlement defines the contract between the load pipeline and the
// external ledger node that actually settles transfers.
//
// The pipeline only ever talks to a node through Service. Concrete backends
// live in subpackages (simledger, evm, bitcoind) and are looked up by name
// through a Registry.
package settlement

import (
	"context"
	"strconv"
)

// Address is an opaque account identifier understood by the backend.
type Address string

// String returns the address as a plain string.
func (a Address) String() string { return string(a) }

// Short returns a log-friendly prefix of the address.
func (a Address) Short() string {
	if len(a) <= 12 {
		return string(a)
	}
	return string(a[:12])
}

// Amount is a quantity in the backend's smallest currency unit (satoshi,
// gwei, ...). It is signed so that malformed non-positive amounts can be
// represented and rejected before they reach a node.
type Amount int64

// String formats the amount as a base-10 integer.
func (a Amount) String() string { return strconv.FormatInt(int64(a), 10) }

// TxRef identifies a transfer accepted by the node (tx hash, txid).
type TxRef string

// BatchRef identifies a committed batch (block hash).
type BatchRef string

// Handle is a backend-specific session bound to one account. It is what a
// transfer is sent *from*; the receiving side is always a bare Address.
type Handle interface {
	// Label returns the name the account was created with.
	Label() string
}

// Batch describes a committed batch of settlements.
type Batch struct {
	Ref              BatchRef `json:"ref"`
	Height           uint64   `json:"height"`
	TransactionCount int      `json:"transactionCount"`
}

// Service is the narrow request/response interface of a settlement node.
// Every method blocks for the duration of the remote call.
type Service interface {
	// Name returns the backend name (sim, evm, bitcoind).
	Name() string

	// CreateAccount creates a new account and returns its session handle and address.
	CreateAccount(ctx context.Context, label string) (Handle, Address, error)

	// FundToAddress credits addr with count funding units (block rewards on
	// regtest-like nodes).
	FundToAddress(ctx context.Context, count int, addr Address) error

	// TrustedBalance returns the node's authoritative spendable balance for addr.
	TrustedBalance(ctx context.Context, addr Address) (Amount, error)

	// Transfer moves amount from the account behind from to the address to.
	// Returns ErrInsufficientFunds when the node rejects for lack of funds.
	Transfer(ctx context.Context, from Handle, to Address, amount Amount) (TxRef, error)

	// CommitBatch closes the current batch, crediting any batch reward to addr.
	CommitBatch(ctx context.Context, addr Address) (BatchRef, error)

	// GetBatch returns the committed batch identified by ref.
	GetBatch(ctx context.Context, ref BatchRef) (*Batch, error)

	// Close releases backend resources.
	Close() error
}
