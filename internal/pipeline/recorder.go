package pipeline

import (
	"time"

	"github.com/gateway-fm/settleload/pkg/types"
)

// Recorder receives pipeline events for metrics export.
// metrics.Prometheus implements it.
type Recorder interface {
	RecordGenerated()
	RecordSettled()
	RecordRejected(reason string)
	ObserveCall(op string, ok bool, d time.Duration)
	SetQueueDepth(depth int)
	SetWorkersActive(n int)
}

// ReportSink receives every throughput report the monitor produces.
type ReportSink interface {
	OnReport(report types.ThroughputReport)
}

// Settlement call labels for Recorder.ObserveCall.
const (
	opTransfer       = "transfer"
	opTrustedBalance = "trusted_balance"
	opCommitBatch    = "commit_batch"
	opGetBatch       = "get_batch"
)

type nopRecorder struct{}

func (nopRecorder) RecordGenerated() {}
func (nopRecorder) RecordSettled() {}
func (nopRecorder) RecordRejected(string) {}
func (nopRecorder) ObserveCall(string, bool, time.Duration) {}
func (nopRecorder) SetQueueDepth(int) {}
func (nopRecorder) SetWorkersActive(int) {}
