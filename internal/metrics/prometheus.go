package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/settleload/pkg/types"
)

// Prometheus holds all Prometheus collectors for settleload.
type Prometheus struct {
	// Request outcomes
	Requests   *prometheus.CounterVec
	Rejections *prometheus.CounterVec
	Commits    *prometheus.CounterVec

	// Gauges
	Throughput       prometheus.Gauge
	WindowThroughput prometheus.Gauge
	QueueDepth       prometheus.Gauge
	WorkersActive    prometheus.Gauge
	RunPhase         *prometheus.GaugeVec

	// Histograms
	CallLatency *prometheus.HistogramVec
	BatchSize   prometheus.Histogram
}

// NewPrometheus creates and registers all collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Prometheus{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settleload_requests_total",
				Help: "Transfer requests by outcome (generated, settled, rejected)",
			},
			[]string{"outcome"},
		),

		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settleload_rejections_total",
				Help: "Dropped transfer requests by reason",
			},
			[]string{"reason"},
		),

		Commits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settleload_batch_commits_total",
				Help: "Batch commits triggered by the throughput monitor",
			},
			[]string{"status"},
		),

		Throughput: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "settleload_throughput_tps",
				Help: "Settled transfers per second averaged since run start",
			},
		),

		WindowThroughput: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "settleload_window_throughput_tps",
				Help: "Settled transfers per second over the last report window",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "settleload_queue_depth",
				Help: "Requests waiting in the work queue",
			},
		),

		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "settleload_workers_active",
				Help: "Workers that have not observed queue exhaustion",
			},
		),

		RunPhase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settleload_run_phase",
				Help: "Current run phase (1 if active, 0 otherwise)",
			},
			[]string{"phase"},
		),

		CallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settleload_settlement_call_seconds",
				Help:    "Settlement service call latency by operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"op", "status"},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settleload_batch_transactions",
				Help:    "Transactions per committed batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
}

// knownOps bounds the op label's cardinality.
var knownOps = map[string]bool{
	"transfer":        true,
	"trusted_balance": true,
	"commit_batch":    true,
	"get_batch":       true,
}

var phases = []types.RunPhase{
	types.PhaseIdle, types.PhaseProvisioning, types.PhaseRunning,
	types.PhaseDraining, types.PhaseCompleted, types.PhaseFailed,
}

// RecordGenerated counts a request published by the generator.
func (m *Prometheus) RecordGenerated() {
	m.Requests.WithLabelValues("generated").Inc()
}

// RecordSettled counts a successful transfer.
func (m *Prometheus) RecordSettled() {
	m.Requests.WithLabelValues("settled").Inc()
}

// RecordRejected counts a dropped request.
func (m *Prometheus) RecordRejected(reason string) {
	m.Requests.WithLabelValues("rejected").Inc()
	m.Rejections.WithLabelValues(reason).Inc()
}

// ObserveCall records settlement call latency.
func (m *Prometheus) ObserveCall(op string, ok bool, d time.Duration) {
	if !knownOps[op] {
		op = "other"
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.CallLatency.WithLabelValues(op, status).Observe(d.Seconds())
}

// SetQueueDepth updates the queue depth gauge.
func (m *Prometheus) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// SetWorkersActive updates the active worker gauge.
func (m *Prometheus) SetWorkersActive(n int) {
	m.WorkersActive.Set(float64(n))
}

// OnReport updates throughput gauges and batch metrics from a monitor report.
func (m *Prometheus) OnReport(r types.ThroughputReport) {
	m.Throughput.Set(r.Throughput)
	m.WindowThroughput.Set(r.WindowThroughput)
	if r.CommitError != "" {
		m.Commits.WithLabelValues("error").Inc()
		return
	}
	m.Commits.WithLabelValues("success").Inc()
	m.BatchSize.Observe(float64(r.BatchTxCount))
}

// SetPhase marks phase as the active run phase.
func (m *Prometheus) SetPhase(phase types.RunPhase) {
	for _, p := range phases {
		if p == phase {
			m.RunPhase.WithLabelValues(string(p)).Set(1)
		} else {
			m.RunPhase.WithLabelValues(string(p)).Set(0)
		}
	}
}

// Reset clears per-run counters and gauges. Histograms are cumulative.
func (m *Prometheus) Reset() {
	m.Requests.Reset()
	m.Rejections.Reset()
	m.Commits.Reset()
	m.Throughput.Set(0)
	m.WindowThroughput.Set(0)
	m.QueueDepth.Set(0)
	m.WorkersActive.Set(0)
	m.SetPhase(types.PhaseIdle)
}
