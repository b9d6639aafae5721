package account

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/internal/settlement/simledger"
)

func TestProvision(t *testing.T) {
	ctx := context.Background()
	svc := simledger.New(simledger.Config{})

	pool, err := Provision(ctx, svc, ProvisionConfig{Count: 10, FundingCount: 1})
	require.NoError(t, err)
	require.Equal(t, 10, pool.Len())
	require.Equal(t, "wallet_0", pool.Designated().Label)
	require.Equal(t, "wallet_9", pool.At(9).Label)

	balances, err := Balances(ctx, svc, pool)
	require.NoError(t, err)
	require.Len(t, balances, 10)
	for _, addr := range pool.Addresses() {
		require.Equal(t, simledger.BlockSubsidy, balances[addr])
		acc, ok := pool.Resolve(addr)
		require.True(t, ok)
		require.Equal(t, addr, acc.Address)
	}
}

func TestProvision_RejectsBadConfig(t *testing.T) {
	svc := simledger.New(simledger.Config{})

	_, err := Provision(context.Background(), svc, ProvisionConfig{Count: 1, FundingCount: 1})
	require.Error(t, err)

	_, err = Provision(context.Background(), svc, ProvisionConfig{Count: 3, FundingCount: 0})
	require.Error(t, err)
}

func TestNewPool_Validation(t *testing.T) {
	a := &Account{Label: "a", Address: "addr-a"}
	b := &Account{Label: "b", Address: "addr-b"}

	_, err := NewPool([]*Account{a})
	require.Error(t, err)

	_, err = NewPool([]*Account{a, {Label: "a2", Address: "addr-a"}})
	require.ErrorContains(t, err, "duplicate")

	_, err = NewPool([]*Account{a, nil})
	require.Error(t, err)

	pool, err := NewPool([]*Account{a, b})
	require.NoError(t, err)
	_, ok := pool.Resolve("addr-c")
	require.False(t, ok)

	accs := pool.Accounts()
	accs[0] = nil
	require.Equal(t, a, pool.At(0))
}

func TestRandomPair_DistinctAndUniform(t *testing.T) {
	accounts := make([]*Account, 5)
	for i := range accounts {
		accounts[i] = &Account{Label: string(rune('a' + i)), Address: settlement.Address(string(rune('a' + i)))}
	}
	pool, err := NewPool(accounts)
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(1, 2))
	senders := make(map[settlement.Address]int)
	receivers := make(map[settlement.Address]int)
	const draws = 50_000
	for range draws {
		s, rcv := pool.RandomPair(r)
		require.NotEqual(t, s.Address, rcv.Address)
		senders[s.Address]++
		receivers[rcv.Address]++
	}
	for _, addr := range pool.Addresses() {
		require.InDelta(t, draws/5, senders[addr], draws/50)
		require.InDelta(t, draws/5, receivers[addr], draws/50)
	}
}
