// Package backends wires every settlement backend into one registry.
package backends

import (
	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/internal/settlement/bitcoind"
	"github.com/gateway-fm/settleload/internal/settlement/evm"
	"github.com/gateway-fm/settleload/internal/settlement/simledger"
)

// Backend names.
const (
	Sim      = "sim"
	EVM      = "evm"
	Bitcoind = "bitcoind"
)

// SimInfo describes the in-process ledger.
func SimInfo() *settlement.BackendInfo {
	return &settlement.BackendInfo{
		Name:                Sim,
		Description:         "in-process simulated ledger",
		Unit:                "sat",
		DefaultFundingCount: 1,
		Factory:             simledger.Open,
	}
}

// EVMInfo describes the Ethereum dev-node backend.
func EVMInfo() *settlement.BackendInfo {
	return &settlement.BackendInfo{
		Name:                EVM,
		Description:         "Ethereum dev node (anvil/hardhat) with signed value transfers",
		Unit:                "gwei",
		DefaultURL:          "http://localhost:8545",
		DefaultFundingCount: 1,
		RequiresRPC:         true,
		Factory:             evm.Open,
	}
}

// BitcoindInfo describes the Bitcoin Core regtest backend.
func BitcoindInfo() *settlement.BackendInfo {
	return &settlement.BackendInfo{
		Name:                Bitcoind,
		Description:         "Bitcoin Core regtest wallets",
		Unit:                "sat",
		DefaultURL:          "http://localhost:18443",
		DefaultFundingCount: bitcoind.DefaultFundingCount,
		RequiresRPC:         true,
		Factory:             bitcoind.Open,
	}
}

// DefaultRegistry returns a registry with all built-in backends.
func DefaultRegistry() *settlement.Registry {
	r := settlement.NewRegistry()
	r.Register(SimInfo())
	r.Register(EVMInfo())
	r.Register(BitcoindInfo())
	return r
}
