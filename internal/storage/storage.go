// Package storage persists run summaries and their throughput reports.
// Individual transfers are never stored.
package storage

import (
	"context"

	"github.com/gateway-fm/settleload/pkg/types"
)

// Storage defines the persistence interface for run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *types.RunSummary) error
	CompleteRun(ctx context.Context, run *types.RunSummary) error
	// GetRun returns nil, nil when the run does not exist.
	GetRun(ctx context.Context, id string) (*types.RunSummary, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*types.HistoryResponse, error)
	DeleteRun(ctx context.Context, id string) error

	// Reports are bulk-inserted once a run ends.
	BulkInsertReports(ctx context.Context, runID string, reports []types.ThroughputReport) error
	GetReports(ctx context.Context, runID string) ([]types.ThroughputReport, error)

	// Lifecycle
	Close() error
}
