package evm

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newTestAccount(t *testing.T) *account {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return newAccount("wallet_0", key)
}

func TestNonceReservation_CommitAndRollback(t *testing.T) {
	acc := newTestAccount(t)

	n0 := acc.reserveNonce()
	require.Equal(t, uint64(0), n0.value)
	n0.Commit()
	n0.Rollback()
	require.Equal(t, uint64(1), acc.peekNonce())

	n1 := acc.reserveNonce()
	n1.Rollback()
	n1.Rollback()
	require.Equal(t, uint64(1), acc.peekNonce())
}

func TestNonceReservation_OutOfOrderRollbackKeepsLatest(t *testing.T) {
	acc := newTestAccount(t)

	n0 := acc.reserveNonce()
	n1 := acc.reserveNonce()
	n0.Rollback()
	require.Equal(t, uint64(2), acc.peekNonce())
	n1.Commit()
}

func TestNonceReservation_Concurrent(t *testing.T) {
	acc := newTestAccount(t)

	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := acc.reserveNonce()
			n.Commit()
			seen <- n.value
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{})
	for v := range seen {
		unique[v] = struct{}{}
	}
	require.Len(t, unique, 100)
	require.Equal(t, uint64(100), acc.peekNonce())
}
