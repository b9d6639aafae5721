package backends

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/settleload/internal/settlement"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	require.Equal(t, []string{Bitcoind, EVM, Sim}, r.Names())

	tests := []struct {
		name        string
		requiresRPC bool
		unit        string
		funding     int
	}{
		{Sim, false, "sat", 1},
		{EVM, true, "gwei", 1},
		{Bitcoind, true, "sat", 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := r.Get(tt.name)
			require.NotNil(t, info)
			require.Equal(t, tt.name, info.String())
			require.Equal(t, tt.requiresRPC, info.RequiresRPC)
			require.Equal(t, tt.unit, info.Unit)
			require.Equal(t, tt.funding, info.DefaultFundingCount)
			require.NotNil(t, info.Factory)
			if tt.requiresRPC {
				require.NotEmpty(t, info.DefaultURL)
			}
		})
	}
}

func TestOpenSim(t *testing.T) {
	svc, info, err := DefaultRegistry().Open(context.Background(), Sim, settlement.Options{})
	require.NoError(t, err)
	defer svc.Close()
	require.Equal(t, Sim, svc.Name())
	require.Equal(t, Sim, info.Name)
}
