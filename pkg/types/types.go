// Package types contains public API types for settleload.
// These types form the external interface of the HTTP API, the WebSocket
// stream and the MCP tools, and must remain backwards-compatible.
package types

import "time"

// RunPhase represents the current state of a run.
type RunPhase string

const (
	PhaseIdle         RunPhase = "idle"
	PhaseProvisioning RunPhase = "provisioning" // Creating and funding accounts
	PhaseRunning      RunPhase = "running"
	PhaseDraining     RunPhase = "draining" // Generator done, workers emptying the queue
	PhaseCompleted    RunPhase = "completed"
	PhaseFailed       RunPhase = "failed"
)

// IsTerminal reports whether the run has ended.
func (p RunPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Rejection reasons, used as Prometheus labels and Rejections keys.
const (
	ReasonInvalidAmount      = "invalid_amount"
	ReasonDuplicate          = "duplicate"
	ReasonUnknownParticipant = "unknown_participant"
	ReasonInsufficientFunds  = "insufficient_funds"
	ReasonSettlementFailed   = "settlement_failed"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// RunConfig is the effective configuration of a run.
type RunConfig struct {
	Backend         string `json:"backend"`
	Workers         int    `json:"workers"`
	TransactionCap  int    `json:"transactionCap"` // 0 = unbounded
	BaseDelayMs     int    `json:"baseDelayMs"`
	Accounts        int    `json:"accounts"`
	FundingCount    int    `json:"fundingCount"`
	CommitThreshold int    `json:"commitThreshold"`
	QueueTimeoutMs  int64  `json:"queueTimeoutMs"`
}

// Counters are cumulative pipeline counts.
type Counters struct {
	Generated       int64 `json:"generated"`
	Settled         int64 `json:"settled"`
	Rejected        int64 `json:"rejected"`
	WorkersFinished int64 `json:"workersFinished"`
	Commits         int64 `json:"commits"`
	CommitFailures  int64 `json:"commitFailures"`
}

// ThroughputReport is emitted by the monitor each time the success
// threshold is reached.
type ThroughputReport struct {
	RunID     string    `json:"runId"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	WindowSuccesses     int64   `json:"windowSuccesses"`
	CumulativeSuccesses int64   `json:"cumulativeSuccesses"`
	ElapsedSeconds      float64 `json:"elapsedSeconds"`
	// Throughput is cumulative successes over elapsed time since the run
	// started (long-run average).
	Throughput float64 `json:"throughput"`
	// WindowThroughput is this window's successes over the window duration.
	WindowThroughput float64 `json:"windowThroughput"`

	BatchRef     string `json:"batchRef,omitempty"`
	BatchHeight  uint64 `json:"batchHeight,omitempty"`
	BatchTxCount int    `json:"batchTxCount"`
	CommitError  string `json:"commitError,omitempty"`
}

// RunStatus is the live view of the current run.
type RunStatus struct {
	RunID         string              `json:"runId"`
	Phase         RunPhase            `json:"phase"`
	Config        RunConfig           `json:"config"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	ElapsedMs     int64               `json:"elapsedMs"`
	Counters      Counters            `json:"counters"`
	Rejections    map[string]int64    `json:"rejections"`
	LastReport    *ThroughputReport   `json:"lastReport,omitempty"`
	SettleLatency *LatencyStats       `json:"settleLatency,omitempty"`
	Verification  *VerificationResult `json:"verification,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// RunSummary is a persisted run.
type RunSummary struct {
	ID           string     `json:"id"`
	Backend      string     `json:"backend"`
	Status       RunPhase   `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Config       RunConfig  `json:"config"`
	Counters     Counters   `json:"counters"`
	Throughput   float64    `json:"throughput"`
	ReportCount  int        `json:"reportCount"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	Verification *VerificationResult `json:"verification,omitempty"`
}

// BalanceDrift is a difference between the pipeline's cached balance and
// the node's trusted balance for one account.
type BalanceDrift struct {
	Account string `json:"account"`
	Address string `json:"address"`
	Cached  int64  `json:"cached"`
	Trusted int64  `json:"trusted"`
	Drift   int64  `json:"drift"` // trusted - cached
}

// BatchVerification holds the results of re-reading committed batches.
type BatchVerification struct {
	SampleSize      int      `json:"sampleSize"`
	Found           int      `json:"found"`
	Missing         int      `json:"missing"`
	CountMismatches int      `json:"countMismatches"`
	Errors          []string `json:"errors,omitempty"`
}

// VerificationResult is the post-run reconciliation against the node.
type VerificationResult struct {
	SettledTransfers   int64 `json:"settledTransfers"`
	CommittedTransfers int64 `json:"committedTransfers"`
	// UncommittedTransfers settled after the last successful commit.
	UncommittedTransfers int64 `json:"uncommittedTransfers"`
	// ReportsTruncated is set when older reports were no longer retained,
	// so CommittedTransfers undercounts.
	ReportsTruncated bool `json:"reportsTruncated,omitempty"`

	Batches *BatchVerification `json:"batches,omitempty"`

	Accounts        int            `json:"accounts"`
	DriftedAccounts int            `json:"driftedAccounts"`
	TotalDrift      int64          `json:"totalDrift"`
	Drifts          []BalanceDrift `json:"drifts,omitempty"`

	Warnings      []string `json:"warnings,omitempty"`
	AllChecksPass bool     `json:"allChecksPass"`
}

// HistoryResponse is a page of persisted runs.
type HistoryResponse struct {
	Runs   []RunSummary `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// RunDetail is a persisted run with its throughput reports.
type RunDetail struct {
	Run     RunSummary         `json:"run"`
	Reports []ThroughputReport `json:"reports"`
}

// StreamEventType discriminates StreamEvent payloads.
type StreamEventType string

const (
	EventReport StreamEventType = "report"
	EventStatus StreamEventType = "status"
)

// StreamEvent is one WebSocket message.
type StreamEvent struct {
	Type   StreamEventType   `json:"type"`
	Report *ThroughputReport `json:"report,omitempty"`
	Status *RunStatus        `json:"status,omitempty"`
}

// HealthResponse is returned by /health and /ready.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Error   string `json:"error,omitempty"`
}
