package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// transferGas is the intrinsic gas of a plain value transfer.
const transferGas uint64 = 21_000

// newTransferTx creates either a DynamicFeeTx or LegacyTx depending on
// useLegacy. For legacy transactions gasFeeCap is used as the gas price.
func newTransferTx(chainID *big.Int, nonce uint64, to common.Address, value, gasTipCap, gasFeeCap *big.Int, useLegacy bool) *types.Transaction {
	if useLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasFeeCap,
			Gas:      transferGas,
			To:       &to,
			Value:    value,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       transferGas,
		To:        &to,
		Value:     value,
	})
}

var gweiInWei = big.NewInt(1_000_000_000)

func gweiToWei(gwei int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(gwei), gweiInWei)
}

// weiToGwei truncates to whole gwei, saturating at MaxInt64.
func weiToGwei(wei *big.Int) int64 {
	g := new(big.Int).Quo(wei, gweiInWei)
	if !g.IsInt64() {
		if g.Sign() < 0 {
			return 0
		}
		return int64(^uint64(0) >> 1)
	}
	return g.Int64()
}
