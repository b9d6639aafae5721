package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/settleload/internal/settlement"
)

// DefaultLabelPrefix names provisioned accounts wallet_0, wallet_1, ...
const DefaultLabelPrefix = "wallet_"

// ProvisionConfig controls pool provisioning.
type ProvisionConfig struct {
	Count        int
	FundingCount int
	// Concurrency bounds parallel node calls; 0 means 8.
	Concurrency int
	LabelPrefix string
	Logger      *slog.Logger
}

// Provision creates cfg.Count accounts on svc, funds each with
// cfg.FundingCount units and returns them as a pool.
func Provision(ctx context.Context, svc settlement.Service, cfg ProvisionConfig) (*Pool, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Count < 2 {
		return nil, errors.Newf("account count must be at least 2, got %d", cfg.Count)
	}
	if cfg.FundingCount < 1 {
		return nil, errors.Newf("funding count must be positive, got %d", cfg.FundingCount)
	}
	prefix := cfg.LabelPrefix
	if prefix == "" {
		prefix = DefaultLabelPrefix
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 8
	}

	logger.Info("Provisioning accounts",
		slog.String("backend", svc.Name()),
		slog.Int("count", cfg.Count),
		slog.Int("funding_count", cfg.FundingCount),
	)

	accounts := make([]*Account, cfg.Count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range cfg.Count {
		g.Go(func() error {
			label := fmt.Sprintf("%s%d", prefix, i)
			handle, addr, err := svc.CreateAccount(gctx, label)
			if err != nil {
				return errors.Wrapf(err, "create %s", label)
			}
			accounts[i] = &Account{Label: label, Address: addr, Handle: handle}
			logger.Debug("Account created",
				slog.String("label", label),
				slog.String("address", addr.String()),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Funding mines blocks on regtest-like nodes, one account at a time.
	for _, acc := range accounts {
		if err := svc.FundToAddress(ctx, cfg.FundingCount, acc.Address); err != nil {
			return nil, errors.Wrapf(err, "fund %s", acc.Label)
		}
	}

	pool, err := NewPool(accounts)
	if err != nil {
		return nil, err
	}
	logger.Info("Accounts provisioned", slog.Int("count", pool.Len()))
	return pool, nil
}

// Balances queries the trusted balance of every pool account.
func Balances(ctx context.Context, svc settlement.Service, pool *Pool) (map[settlement.Address]settlement.Amount, error) {
	out := make(map[settlement.Address]settlement.Amount, pool.Len())
	for _, acc := range pool.accounts {
		bal, err := svc.TrustedBalance(ctx, acc.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "balance of %s", acc.Label)
		}
		out[acc.Address] = bal
	}
	return out, nil
}
