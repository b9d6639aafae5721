// Package account provisions and holds the fixed pool of funded accounts the
// load pipeline moves value between.
package account

import (
	"math/rand/v2"

	"github.com/cockroachdb/errors"

	"github.com/gateway-fm/settleload/internal/settlement"
)

// Account is one provisioned participant. Immutable after provisioning.
type Account struct {
	Label   string
	Address settlement.Address
	Handle  settlement.Handle
}

// Pool is an immutable set of accounts. Safe for concurrent reads.
type Pool struct {
	accounts []*Account
	index    map[settlement.Address]*Account
}

// NewPool builds a pool from already-created accounts. At least two accounts
// with distinct addresses are required so a sender and receiver can differ.
func NewPool(accounts []*Account) (*Pool, error) {
	if len(accounts) < 2 {
		return nil, errors.Newf("account pool needs at least 2 accounts, got %d", len(accounts))
	}
	p := &Pool{
		accounts: make([]*Account, len(accounts)),
		index:    make(map[settlement.Address]*Account, len(accounts)),
	}
	for i, acc := range accounts {
		if acc == nil {
			return nil, errors.Newf("account %d is nil", i)
		}
		if _, dup := p.index[acc.Address]; dup {
			return nil, errors.Newf("duplicate account address %s", acc.Address)
		}
		p.accounts[i] = acc
		p.index[acc.Address] = acc
	}
	return p, nil
}

// Len returns the number of accounts.
func (p *Pool) Len() int { return len(p.accounts) }

// At returns the i-th account in provisioning order.
func (p *Pool) At(i int) *Account { return p.accounts[i] }

// Accounts returns a copy of the accounts in provisioning order.
func (p *Pool) Accounts() []*Account {
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// Addresses returns every address in provisioning order.
func (p *Pool) Addresses() []settlement.Address {
	out := make([]settlement.Address, len(p.accounts))
	for i, acc := range p.accounts {
		out[i] = acc.Address
	}
	return out
}

// Designated is the account batch commits are addressed to: the first one.
func (p *Pool) Designated() *Account { return p.accounts[0] }

// Resolve looks an address up in the pool.
func (p *Pool) Resolve(addr settlement.Address) (*Account, bool) {
	acc, ok := p.index[addr]
	return acc, ok
}

// RandomPair picks two distinct accounts uniformly at random.
func (p *Pool) RandomPair(r *rand.Rand) (sender, receiver *Account) {
	n := len(p.accounts)
	i := r.IntN(n)
	j := r.IntN(n - 1)
	if j >= i {
		j++
	}
	return p.accounts[i], p.accounts[j]
}
