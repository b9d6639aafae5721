// Package evm settles transfers on an Ethereum development node (anvil or
// hardhat). Amounts are gwei; batches are blocks mined on demand.
package evm

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/settleload/internal/rpc"
	"github.com/gateway-fm/settleload/internal/settlement"
)

// FundingUnit is the balance increase per funding count.
var FundingUnit = new(big.Int).Mul(big.NewInt(50), big.NewInt(1e18))

// DefaultTipCap is used when the node reports no priority fee.
var DefaultTipCap = big.NewInt(1_000_000_000)

// Config for creating a Backend.
type Config struct {
	ChainID     int64 // 0 accepts whatever the node reports
	UseLegacyTx bool
	Logger      *slog.Logger
}

// Backend implements settlement.Service against a dev node.
type Backend struct {
	client    rpc.Client
	chainID   *big.Int
	signer    types.Signer
	useLegacy bool
	// devPrefix is "anvil_" or "hardhat_".
	devPrefix string
	logger    *slog.Logger

	mu       sync.RWMutex
	accounts map[common.Address]*account

	gasTipCap atomic.Pointer[big.Int]
	gasFeeCap atomic.Pointer[big.Int]
}

var _ settlement.Service = (*Backend)(nil)

// Open is the registry factory for the evm backend.
func Open(ctx context.Context, opts settlement.Options) (settlement.Service, error) {
	cfg := rpc.DefaultClientConfig(opts.URL)
	cfg.Logger = opts.Logger
	client := rpc.NewHTTPClient(cfg)
	return New(ctx, client, Config{
		ChainID:     opts.ChainID,
		UseLegacyTx: opts.UseLegacyTx,
		Logger:      opts.Logger,
	})
}

// New checks the node's chain id, switches automining off and loads the
// current fee market.
func New(ctx context.Context, client rpc.Client, cfg Config) (*Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var chainHex hexutil.Big
	if err := rpc.CallInto(ctx, client, "eth_chainId", nil, &chainHex); err != nil {
		return nil, errors.Wrap(err, "query chain id")
	}
	chainID := (*big.Int)(&chainHex)
	if cfg.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		return nil, errors.Newf("chain id mismatch: node reports %s, configured %d", chainID, cfg.ChainID)
	}

	prefix := "anvil_"
	var version string
	if err := rpc.CallInto(ctx, client, "web3_clientVersion", nil, &version); err == nil &&
		strings.Contains(strings.ToLower(version), "hardhat") {
		prefix = "hardhat_"
	}

	b := &Backend{
		client:    client,
		chainID:   chainID,
		signer:    types.LatestSignerForChainID(chainID),
		useLegacy: cfg.UseLegacyTx,
		devPrefix: prefix,
		logger:    logger,
		accounts:  make(map[common.Address]*account),
	}

	if _, err := client.Call(ctx, "evm_setAutomine", []any{false}); err != nil {
		return nil, errors.Wrap(err, "disable automine")
	}
	if err := b.refreshFees(ctx); err != nil {
		return nil, err
	}

	logger.Info("evm backend ready",
		slog.String("chain_id", chainID.String()),
		slog.String("client", version),
		slog.Bool("legacy_tx", cfg.UseLegacyTx),
	)
	return b, nil
}

// Name implements settlement.Service.
func (b *Backend) Name() string { return "evm" }

// Close implements settlement.Service.
func (b *Backend) Close() error { return nil }

// ChainID returns the node's chain id.
func (b *Backend) ChainID() *big.Int { return new(big.Int).Set(b.chainID) }

// refreshFees sets feeCap to twice the node gas price plus the tip.
func (b *Backend) refreshFees(ctx context.Context) error {
	var price hexutil.Big
	if err := rpc.CallInto(ctx, b.client, "eth_gasPrice", nil, &price); err != nil {
		return errors.Wrap(err, "query gas price")
	}
	tip := new(big.Int).Set(DefaultTipCap)
	gasPrice := (*big.Int)(&price)
	if gasPrice.Cmp(tip) < 0 {
		tip.Set(gasPrice)
	}
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	b.gasTipCap.Store(tip)
	b.gasFeeCap.Store(feeCap)
	return nil
}

func (b *Backend) lookup(addr settlement.Address) (*account, error) {
	if !common.IsHexAddress(string(addr)) {
		return nil, errors.Wrapf(settlement.ErrUnknownAccount, "malformed address %q", addr)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	acc, ok := b.accounts[common.HexToAddress(string(addr))]
	if !ok {
		return nil, errors.Wrapf(settlement.ErrUnknownAccount, "%s", addr)
	}
	return acc, nil
}

// CreateAccount generates a fresh key. Nothing is sent to the node.
func (b *Backend) CreateAccount(ctx context.Context, label string) (settlement.Handle, settlement.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", errors.Wrap(err, "generate key")
	}
	acc := newAccount(label, key)

	b.mu.Lock()
	b.accounts[acc.address] = acc
	b.mu.Unlock()

	return acc, acc.settlementAddress(), nil
}

// FundToAddress raises addr's balance by count * FundingUnit.
func (b *Backend) FundToAddress(ctx context.Context, count int, addr settlement.Address) error {
	if count <= 0 {
		return errors.Newf("funding count must be positive, got %d", count)
	}
	acc, err := b.lookup(addr)
	if err != nil {
		return err
	}
	current, err := b.balanceWei(ctx, acc.address)
	if err != nil {
		return err
	}
	target := new(big.Int).Mul(FundingUnit, big.NewInt(int64(count)))
	target.Add(target, current)

	if _, err := b.client.Call(ctx, b.devPrefix+"setBalance", []any{acc.address.Hex(), hexutil.EncodeBig(target)}); err != nil {
		return errors.Wrapf(err, "fund %s", addr)
	}
	return acc.resync(ctx, b.client)
}

func (b *Backend) balanceWei(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal hexutil.Big
	if err := rpc.CallInto(ctx, b.client, "eth_getBalance", []any{addr.Hex(), "latest"}, &bal); err != nil {
		return nil, errors.Wrapf(err, "balance of %s", addr.Hex())
	}
	return (*big.Int)(&bal), nil
}

// TrustedBalance returns the mined balance in gwei.
func (b *Backend) TrustedBalance(ctx context.Context, addr settlement.Address) (settlement.Amount, error) {
	if !common.IsHexAddress(string(addr)) {
		return 0, errors.Wrapf(settlement.ErrUnknownAccount, "malformed address %q", addr)
	}
	wei, err := b.balanceWei(ctx, common.HexToAddress(string(addr)))
	if err != nil {
		return 0, err
	}
	return settlement.Amount(weiToGwei(wei)), nil
}

// Transfer signs and submits a value transfer of amount gwei.
func (b *Backend) Transfer(ctx context.Context, from settlement.Handle, to settlement.Address, amount settlement.Amount) (settlement.TxRef, error) {
	sender, ok := from.(*account)
	if !ok {
		return "", settlement.ErrInvalidHandle
	}
	if amount <= 0 {
		return "", errors.Newf("invalid amount %d", amount)
	}
	if !common.IsHexAddress(string(to)) {
		return "", errors.Wrapf(settlement.ErrUnknownAccount, "malformed receiver %q", to)
	}
	receiver := common.HexToAddress(string(to))

	sender.sendMu.Lock()
	defer sender.sendMu.Unlock()

	nonce := sender.reserveNonce()
	defer nonce.Rollback()

	tx := newTransferTx(b.chainID, nonce.value, receiver, gweiToWei(int64(amount)),
		b.gasTipCap.Load(), b.gasFeeCap.Load(), b.useLegacy)
	signed, err := types.SignTx(tx, b.signer, sender.privateKey)
	if err != nil {
		return "", errors.Wrap(err, "sign transfer")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", errors.Wrap(err, "encode transfer")
	}

	var hash common.Hash
	if err := rpc.CallInto(ctx, b.client, "eth_sendRawTransaction", []any{hexutil.Encode(raw)}, &hash); err != nil {
		return "", b.classifySendError(ctx, sender, err)
	}
	nonce.Commit()
	return settlement.TxRef(hash.Hex()), nil
}

func (b *Backend) classifySendError(ctx context.Context, sender *account, err error) error {
	rpcErr, ok := rpc.AsRPCError(err)
	if !ok {
		return err
	}
	msg := strings.ToLower(rpcErr.Message)
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return errors.Mark(err, settlement.ErrInsufficientFunds)
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce too high"):
		if rerr := sender.resync(ctx, b.client); rerr != nil {
			b.logger.Warn("nonce resync failed",
				slog.String("account", sender.address.Hex()),
				slog.String("error", rerr.Error()),
			)
		}
	}
	return err
}

// CommitBatch mines one block paying addr as coinbase.
func (b *Backend) CommitBatch(ctx context.Context, addr settlement.Address) (settlement.BatchRef, error) {
	if !common.IsHexAddress(string(addr)) {
		return "", errors.Wrapf(settlement.ErrUnknownAccount, "malformed address %q", addr)
	}
	if _, err := b.client.Call(ctx, b.devPrefix+"setCoinbase", []any{common.HexToAddress(string(addr)).Hex()}); err != nil {
		return "", errors.Wrap(err, "set coinbase")
	}
	if _, err := b.client.Call(ctx, "evm_mine", nil); err != nil {
		return "", errors.Wrap(err, "mine block")
	}

	var head rpcBlock
	if err := rpc.CallInto(ctx, b.client, "eth_getBlockByNumber", []any{"latest", false}, &head); err != nil {
		return "", errors.Wrap(err, "read mined block")
	}
	if err := b.refreshFees(ctx); err != nil {
		b.logger.Warn("fee refresh failed", slog.String("error", err.Error()))
	}
	return settlement.BatchRef(head.Hash.Hex()), nil
}

type rpcBlock struct {
	Hash         common.Hash       `json:"hash"`
	Number       hexutil.Uint64    `json:"number"`
	Transactions []json.RawMessage `json:"transactions"`
}

// GetBatch reads a mined block by hash.
func (b *Backend) GetBatch(ctx context.Context, ref settlement.BatchRef) (*settlement.Batch, error) {
	raw, err := b.client.Call(ctx, "eth_getBlockByHash", []any{string(ref), false})
	if err != nil {
		return nil, errors.Wrapf(err, "batch %s", ref)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.Wrapf(settlement.ErrBatchNotFound, "batch %s", ref)
	}
	var blk rpcBlock
	if err := json.Unmarshal(raw, &blk); err != nil {
		return nil, errors.Wrapf(err, "decode block %s", ref)
	}
	return &settlement.Batch{
		Ref:              settlement.BatchRef(blk.Hash.Hex()),
		Height:           uint64(blk.Number),
		TransactionCount: len(blk.Transactions),
	}, nil
}
