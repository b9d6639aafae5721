package evm

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/settleload/internal/rpc"
	"github.com/gateway-fm/settleload/internal/settlement"
)

// account holds a generated key and its local nonce. It is the evm
// backend's settlement.Handle.
type account struct {
	label      string
	privateKey *ecdsa.PrivateKey
	address    common.Address

	// sendMu serializes reserve/sign/send so a failed send can always roll
	// its nonce back without leaving a gap.
	sendMu sync.Mutex

	mu    sync.Mutex
	nonce uint64
}

func newAccount(label string, key *ecdsa.PrivateKey) *account {
	return &account{
		label:      label,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Label implements settlement.Handle.
func (a *account) Label() string { return a.label }

func (a *account) settlementAddress() settlement.Address {
	return settlement.Address(a.address.Hex())
}

// nonceReservation is a reserved nonce that must be committed or rolled back.
type nonceReservation struct {
	value   uint64
	account *account
	done    atomic.Bool
}

// Commit marks the nonce as used. Idempotent.
func (n *nonceReservation) Commit() {
	n.done.Store(true)
}

// Rollback returns the nonce if it was not committed. Idempotent.
func (n *nonceReservation) Rollback() {
	if n.done.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

func (a *account) reserveNonce() *nonceReservation {
	a.mu.Lock()
	nonce := a.nonce
	a.nonce++
	a.mu.Unlock()

	return &nonceReservation{value: nonce, account: a}
}

// rollback only rewinds if nonce was the most recent one issued.
func (a *account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

func (a *account) peekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// resync loads the pending nonce from the node, never moving backwards.
func (a *account) resync(ctx context.Context, client rpc.Client) error {
	var hex hexutil.Uint64
	if err := rpc.CallInto(ctx, client, "eth_getTransactionCount", []any{a.address.Hex(), "pending"}, &hex); err != nil {
		return err
	}
	a.mu.Lock()
	if uint64(hex) > a.nonce {
		a.nonce = uint64(hex)
	}
	a.mu.Unlock()
	return nil
}
