package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/settleload/pkg/types"
)

func TestPrometheus_RecordsOutcomes(t *testing.T) {
	m := NewPrometheus(prometheus.NewRegistry())

	m.RecordGenerated()
	m.RecordGenerated()
	m.RecordSettled()
	m.RecordRejected(types.ReasonDuplicate)

	require.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("generated")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("settled")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("rejected")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues(types.ReasonDuplicate)))
}

func TestPrometheus_OnReport(t *testing.T) {
	m := NewPrometheus(prometheus.NewRegistry())

	m.OnReport(types.ThroughputReport{Throughput: 12.5, WindowThroughput: 20, BatchTxCount: 50})
	m.OnReport(types.ThroughputReport{Throughput: 11, CommitError: "node down"})

	require.Equal(t, 11.0, testutil.ToFloat64(m.Throughput))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues("error")))
}

func TestPrometheus_CallLatencyBucketsUnknownOps(t *testing.T) {
	m := NewPrometheus(prometheus.NewRegistry())

	m.ObserveCall("transfer", true, 5*time.Millisecond)
	m.ObserveCall("sendmany", false, time.Millisecond)

	require.Equal(t, 2, testutil.CollectAndCount(m.CallLatency))
}

func TestPrometheus_PhaseAndReset(t *testing.T) {
	m := NewPrometheus(prometheus.NewRegistry())

	m.SetPhase(types.PhaseRunning)
	require.Equal(t, 1.0, testutil.ToFloat64(m.RunPhase.WithLabelValues("running")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.RunPhase.WithLabelValues("idle")))

	m.SetQueueDepth(7)
	m.RecordSettled()
	m.Reset()
	require.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RunPhase.WithLabelValues("idle")))
	require.Equal(t, 0, testutil.CollectAndCount(m.Requests))
}
