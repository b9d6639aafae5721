// Package bitcoind settles transfers through a Bitcoin Core regtest node.
// Every pool account is its own node wallet; amounts are satoshis and a
// batch is one block mined with generatetoaddress.
package bitcoind

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gateway-fm/settleload/internal/rpc"
	"github.com/gateway-fm/settleload/internal/settlement"
)

// Bitcoin Core RPC error codes.
const (
	codeWalletInsufficientFunds = -6
	codeInvalidAddressOrKey     = -5
	codeWalletError             = -4
	codeWalletAlreadyLoaded     = -35
)

const satsPerBTC = 100_000_000

// DefaultFundingCount covers the 100-block coinbase maturity window plus one
// spendable subsidy.
const DefaultFundingCount = 101

// Config for creating a Backend.
type Config struct {
	Logger *slog.Logger
}

type wallet struct {
	name    string
	address settlement.Address
	client  *rpc.HTTPClient
}

// Label implements settlement.Handle.
func (w *wallet) Label() string { return w.name }

// Backend implements settlement.Service over bitcoind JSON-RPC.
type Backend struct {
	node   *rpc.HTTPClient
	logger *slog.Logger

	mu      sync.RWMutex
	wallets map[settlement.Address]*wallet
}

var _ settlement.Service = (*Backend)(nil)

// Open is the registry factory for the bitcoind backend.
func Open(ctx context.Context, opts settlement.Options) (settlement.Service, error) {
	cfg := rpc.DefaultClientConfig(opts.URL)
	cfg.User = opts.User
	cfg.Password = opts.Password
	cfg.Logger = opts.Logger
	return New(ctx, rpc.NewHTTPClient(cfg), Config{Logger: opts.Logger})
}

// New checks the node is reachable and logs which chain it runs.
func New(ctx context.Context, node *rpc.HTTPClient, cfg Config) (*Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var info struct {
		Chain  string `json:"chain"`
		Blocks uint64 `json:"blocks"`
	}
	if err := rpc.CallInto(ctx, node, "getblockchaininfo", nil, &info); err != nil {
		return nil, errors.Wrap(err, "query blockchain info")
	}
	if info.Chain != "regtest" {
		logger.Warn("bitcoind is not on regtest, funding will not work", slog.String("chain", info.Chain))
	}
	logger.Info("bitcoind backend ready",
		slog.String("chain", info.Chain),
		slog.Uint64("blocks", info.Blocks),
	)

	return &Backend{
		node:    node,
		logger:  logger,
		wallets: make(map[settlement.Address]*wallet),
	}, nil
}

// Name implements settlement.Service.
func (b *Backend) Name() string { return "bitcoind" }

// Close implements settlement.Service.
func (b *Backend) Close() error { return nil }

func (b *Backend) lookup(addr settlement.Address) (*wallet, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.wallets[addr]
	if !ok {
		return nil, errors.Wrapf(settlement.ErrUnknownAccount, "%s", addr)
	}
	return w, nil
}

// CreateAccount creates (or loads) the wallet named label and derives a new
// receiving address from it.
func (b *Backend) CreateAccount(ctx context.Context, label string) (settlement.Handle, settlement.Address, error) {
	if _, err := b.node.Call(ctx, "createwallet", []any{label}); err != nil {
		rpcErr, ok := rpc.AsRPCError(err)
		if !ok || rpcErr.Code != codeWalletError {
			return nil, "", errors.Wrapf(err, "create wallet %s", label)
		}
		// Wallet exists on disk from a previous run.
		if _, err := b.node.Call(ctx, "loadwallet", []any{label}); err != nil {
			if rpcErr, ok := rpc.AsRPCError(err); !ok || rpcErr.Code != codeWalletAlreadyLoaded {
				return nil, "", errors.Wrapf(err, "load wallet %s", label)
			}
		}
	}

	w := &wallet{name: label, client: b.node.WithPath("wallet/" + label)}
	var addr string
	if err := rpc.CallInto(ctx, w.client, "getnewaddress", nil, &addr); err != nil {
		return nil, "", errors.Wrapf(err, "new address for %s", label)
	}
	w.address = settlement.Address(addr)

	b.mu.Lock()
	b.wallets[w.address] = w
	b.mu.Unlock()

	return w, w.address, nil
}

// FundToAddress mines count blocks paying addr.
func (b *Backend) FundToAddress(ctx context.Context, count int, addr settlement.Address) error {
	if count <= 0 {
		return errors.Newf("funding count must be positive, got %d", count)
	}
	if _, err := b.lookup(addr); err != nil {
		return err
	}
	if _, err := b.node.Call(ctx, "generatetoaddress", []any{count, string(addr)}); err != nil {
		return errors.Wrapf(err, "fund %s", addr)
	}
	return nil
}

// TrustedBalance returns the wallet's trusted balance in satoshis.
func (b *Backend) TrustedBalance(ctx context.Context, addr settlement.Address) (settlement.Amount, error) {
	w, err := b.lookup(addr)
	if err != nil {
		return 0, err
	}
	var balances struct {
		Mine struct {
			Trusted json.Number `json:"trusted"`
		} `json:"mine"`
	}
	if err := rpc.CallInto(ctx, w.client, "getbalances", nil, &balances); err != nil {
		return 0, errors.Wrapf(err, "balances of %s", w.name)
	}
	sats, err := btcToSats(balances.Mine.Trusted)
	if err != nil {
		return 0, err
	}
	return sats, nil
}

// Transfer pays amount satoshis from the handle's wallet to the receiver.
func (b *Backend) Transfer(ctx context.Context, from settlement.Handle, to settlement.Address, amount settlement.Amount) (settlement.TxRef, error) {
	w, ok := from.(*wallet)
	if !ok {
		return "", settlement.ErrInvalidHandle
	}
	if amount <= 0 {
		return "", errors.Newf("invalid amount %d", amount)
	}

	var txid string
	err := rpc.CallInto(ctx, w.client, "sendtoaddress", []any{string(to), satsToBTC(amount)}, &txid)
	if err != nil {
		if rpcErr, ok := rpc.AsRPCError(err); ok {
			switch rpcErr.Code {
			case codeWalletInsufficientFunds:
				return "", errors.Mark(err, settlement.ErrInsufficientFunds)
			case codeInvalidAddressOrKey:
				return "", errors.Mark(err, settlement.ErrUnknownAccount)
			}
		}
		return "", err
	}
	return settlement.TxRef(txid), nil
}

// CommitBatch mines one block paying addr and returns its hash.
func (b *Backend) CommitBatch(ctx context.Context, addr settlement.Address) (settlement.BatchRef, error) {
	var hashes []string
	if err := rpc.CallInto(ctx, b.node, "generatetoaddress", []any{1, string(addr)}, &hashes); err != nil {
		return "", errors.Wrapf(err, "commit to %s", addr)
	}
	if len(hashes) == 0 {
		return "", errors.New("generatetoaddress returned no block")
	}
	return settlement.BatchRef(hashes[0]), nil
}

// GetBatch reads a block header. TransactionCount excludes the coinbase so
// it counts settled transfers only, like every other backend.
func (b *Backend) GetBatch(ctx context.Context, ref settlement.BatchRef) (*settlement.Batch, error) {
	var blk struct {
		Hash   string `json:"hash"`
		Height uint64 `json:"height"`
		NTx    int    `json:"nTx"`
	}
	if err := rpc.CallInto(ctx, b.node, "getblock", []any{string(ref), 1}, &blk); err != nil {
		if rpcErr, ok := rpc.AsRPCError(err); ok && rpcErr.Code == codeInvalidAddressOrKey {
			return nil, errors.Mark(errors.Wrapf(err, "batch %s", ref), settlement.ErrBatchNotFound)
		}
		return nil, errors.Wrapf(err, "batch %s", ref)
	}
	transfers := blk.NTx - 1
	if transfers < 0 {
		transfers = 0
	}
	return &settlement.Batch{
		Ref:              settlement.BatchRef(blk.Hash),
		Height:           blk.Height,
		TransactionCount: transfers,
	}, nil
}

// satsToBTC renders satoshis as an exact 8-decimal BTC JSON number.
func satsToBTC(sats settlement.Amount) json.Number {
	return json.Number(fmt.Sprintf("%d.%08d", sats/satsPerBTC, sats%satsPerBTC))
}

// btcToSats converts an exact decimal BTC amount to satoshis.
func btcToSats(btc json.Number) (settlement.Amount, error) {
	s := strings.TrimSpace(btc.String())
	if s == "" {
		return 0, nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, errors.Newf("malformed BTC amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt64(satsPerBTC))
	if !r.IsInt() {
		return 0, errors.Newf("BTC amount %q has sub-satoshi precision", s)
	}
	n := r.Num()
	if !n.IsInt64() {
		return 0, errors.Newf("BTC amount %q out of range", s)
	}
	return settlement.Amount(n.Int64()), nil
}
