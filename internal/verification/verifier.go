// Package verification reconciles a finished run against the settlement
// node: committed batches are re-read and the pipeline's cached balances are
// compared with the node's trusted balances.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/gateway-fm/settleload/internal/account"
	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/pkg/types"
)

// DefaultBatchSample is the number of committed batches re-read per run.
const DefaultBatchSample = 20

// Input is what a run leaves behind for verification.
type Input struct {
	Pool *account.Pool
	// Cached is the pipeline ledger snapshot.
	Cached  map[settlement.Address]settlement.Amount
	Settled int64
	// Reports are the retained throughput reports, oldest first.
	Reports []types.ThroughputReport
	// ReportsProduced is the number of reports the monitor emitted, which
	// exceeds len(Reports) when older ones were dropped.
	ReportsProduced int64
}

// Verifier performs post-run verification against the node.
type Verifier struct {
	svc        settlement.Service
	logger     *slog.Logger
	sampleSize int
}

// NewVerifier creates a new verification handler.
func NewVerifier(svc settlement.Service, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		svc:        svc,
		logger:     logger,
		sampleSize: DefaultBatchSample,
	}
}

// WithSampleSize sets how many batches are re-read.
func (v *Verifier) WithSampleSize(n int) *Verifier {
	if n > 0 {
		v.sampleSize = n
	}
	return v
}

// Verify runs every check. Node errors are recorded in the result rather
// than returned.
func (v *Verifier) Verify(ctx context.Context, in Input) *types.VerificationResult {
	result := &types.VerificationResult{
		SettledTransfers: in.Settled,
	}

	// 1. Committed vs settled
	var refs []types.ThroughputReport
	for _, r := range in.Reports {
		if r.BatchRef == "" {
			continue
		}
		result.CommittedTransfers += int64(r.BatchTxCount)
		refs = append(refs, r)
	}
	result.ReportsTruncated = in.ReportsProduced > int64(len(in.Reports))
	result.UncommittedTransfers = result.SettledTransfers - result.CommittedTransfers

	v.logger.Info("Verifying run",
		slog.Int64("settled", result.SettledTransfers),
		slog.Int64("committed", result.CommittedTransfers),
		slog.Int("batches", len(refs)),
	)

	// 2. Re-read a sample of committed batches
	if len(refs) > 0 {
		result.Batches = v.sampleBatches(ctx, refs)
	}

	// 3. Cached vs trusted balances
	if in.Pool != nil {
		v.compareBalances(ctx, in, result)
	}

	// 4. Warnings
	if result.UncommittedTransfers < 0 && !result.ReportsTruncated {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Batches hold %d more transfers than were settled", -result.UncommittedTransfers))
	}
	if b := result.Batches; b != nil {
		if b.Missing > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%d of %d sampled batches not found on the node", b.Missing, b.SampleSize))
		}
		if b.CountMismatches > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%d sampled batches changed transaction count since commit", b.CountMismatches))
		}
	}
	if result.DriftedAccounts > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d of %d accounts differ from the cached ledger (total drift %d)",
				result.DriftedAccounts, result.Accounts, result.TotalDrift))
	}

	// Balance drift is expected (batch rewards, in-flight refreshes), so it
	// only warns.
	result.AllChecksPass = (result.UncommittedTransfers >= 0 || result.ReportsTruncated) &&
		(result.Batches == nil || (result.Batches.Missing == 0 && result.Batches.CountMismatches == 0 && len(result.Batches.Errors) == 0))

	v.logger.Info("Verification complete",
		slog.Bool("all_checks_pass", result.AllChecksPass),
		slog.Int("drifted_accounts", result.DriftedAccounts),
		slog.Int("warnings", len(result.Warnings)),
	)
	return result
}

func (v *Verifier) sampleBatches(ctx context.Context, reports []types.ThroughputReport) *types.BatchVerification {
	result := &types.BatchVerification{}

	sampleSize := v.sampleSize
	if sampleSize > len(reports) {
		sampleSize = len(reports)
	}
	// The latest batch is always checked; the rest are random.
	indices := rand.Perm(len(reports) - 1)
	sample := append([]int{len(reports) - 1}, indices[:sampleSize-1]...)
	sort.Ints(sample)
	result.SampleSize = len(sample)

	for _, idx := range sample {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			break
		}
		r := reports[idx]
		batch, err := v.svc.GetBatch(ctx, settlement.BatchRef(r.BatchRef))
		if err != nil {
			if errors.Is(err, settlement.ErrBatchNotFound) {
				result.Missing++
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("batch %s: %v", r.BatchRef, err))
			continue
		}
		result.Found++
		if batch.TransactionCount != r.BatchTxCount {
			result.CountMismatches++
			v.logger.Warn("Batch transaction count changed",
				slog.String("batch", r.BatchRef),
				slog.Int("reported", r.BatchTxCount),
				slog.Int("node", batch.TransactionCount),
			)
		}
	}
	return result
}

func (v *Verifier) compareBalances(ctx context.Context, in Input, result *types.VerificationResult) {
	for _, acc := range in.Pool.Accounts() {
		result.Accounts++
		trusted, err := v.svc.TrustedBalance(ctx, acc.Address)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("balance of %s: %v", acc.Label, err))
			continue
		}
		cached := in.Cached[acc.Address]
		if trusted == cached {
			continue
		}
		drift := int64(trusted - cached)
		result.DriftedAccounts++
		result.TotalDrift += drift
		result.Drifts = append(result.Drifts, types.BalanceDrift{
			Account: acc.Label,
			Address: acc.Address.String(),
			Cached:  int64(cached),
			Trusted: int64(trusted),
			Drift:   drift,
		})
	}
}
