package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result label values.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFail    = "fail"
	ResultError   = "error"
)

var (
	// AcquireCounter tracks lock acquisitions by result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_acquire_total",
		Help: "Total number of lock acquisitions by result",
	}, []string{"result"})
	// AttemptCounter tracks individual acquisition rounds.
	AttemptCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redlock_acquire_attempts_total",
		Help: "Total number of acquisition rounds",
	})
	// ReleaseCounter tracks lock releases by result.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_release_total",
		Help: "Total number of lock releases by result",
	}, []string{"result"})
	// RenewCounter tracks lock renewals by result.
	RenewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_renew_total",
		Help: "Total number of lock renewals by result",
	}, []string{"result"})
	// NodeErrorCounter tracks per-node transport errors by operation.
	NodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_node_errors_total",
		Help: "Total number of node errors by operation",
	}, []string{"op"})
	// LatencyHist observes the latency of coordinator operations.
	LatencyHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redlock_op_latency_seconds",
		Help:    "Latency of lock operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
	}, []string{"op"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, AttemptCounter, ReleaseCounter, RenewCounter, NodeErrorCounter, LatencyHist)
}
