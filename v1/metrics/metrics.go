package metrics

import "github.com/prometheus/client_golang/prometheus"

// Acquire outcomes.
const (
	ResultAcquired = "acquired"
	ResultTimeout  = "timeout"
	ResultCanceled = "canceled"
	ResultError    = "error"
)

// Release outcomes.
const (
	ResultReleased     = "released"
	ResultNotOwner     = "not_owner"
	ResultInvalidToken = "invalid_token"
)

// LockMetrics groups the collectors of one lock key. Several keys can share
// a registry because every collector carries the key as a constant label.
type LockMetrics struct {
	// Acquire counts finished Acquire calls by result.
	Acquire *prometheus.CounterVec
	// Attempts counts individual set-if-absent round trips.
	Attempts prometheus.Counter
	// Wait observes how long Acquire calls blocked.
	Wait prometheus.Histogram
	// Release counts Release calls by result.
	Release *prometheus.CounterVec
}

// NewLockMetrics creates the collectors for the given lock key.
func NewLockMetrics(key string) *LockMetrics {
	labels := prometheus.Labels{"lock_key": key}
	return &LockMetrics{
		Acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "latch_acquire_total",
			Help:        "Total number of lock acquisitions by result",
			ConstLabels: labels,
		}, []string{"result"}),
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "latch_acquire_attempts_total",
			Help:        "Total number of set-if-absent attempts",
			ConstLabels: labels,
		}),
		Wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "latch_acquire_wait_seconds",
			Help:        "Time spent inside Acquire",
			ConstLabels: labels,
			Buckets:     []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		Release: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "latch_release_total",
			Help:        "Total number of lock releases by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

// Register registers every collector on reg. It panics on duplicate
// registration, like prometheus.MustRegister.
func (m *LockMetrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.Acquire, m.Attempts, m.Wait, m.Release)
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
