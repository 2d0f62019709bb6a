package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics receives observations from the sync job and queue.
type Metrics interface {
	ObserveState(state string)
	IncAttempt(outcome, kind string)
	AddOrphansPurged(n int)
	AddUploadedBytes(n int64)
	ObserveAttemptDuration(seconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveState(string)            {}
func (Noop) IncAttempt(string, string)      {}
func (Noop) AddOrphansPurged(int)           {}
func (Noop) AddUploadedBytes(int64)         {}
func (Noop) ObserveAttemptDuration(float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	transitions *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	orphans     prometheus.Counter
	uploaded    prometheus.Counter
	duration    prometheus.Histogram
	once        sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Sync job state transitions by target state",
		}, []string{"state"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Backup attempts by outcome and failure kind",
		}, []string{"outcome", "kind"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_purged_total",
			Help:      "Stale staging files removed before new attempts",
		}),
		uploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes confirmed by the remote store",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a single backup attempt",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.transitions, p.attempts, p.orphans, p.uploaded, p.duration)
	})
}

func (p *Prom) ObserveState(state string) {
	p.transitions.WithLabelValues(state).Inc()
}

func (p *Prom) IncAttempt(outcome, kind string) {
	p.attempts.WithLabelValues(outcome, kind).Inc()
}

func (p *Prom) AddOrphansPurged(n int) {
	if n > 0 {
		p.orphans.Add(float64(n))
	}
}

func (p *Prom) AddUploadedBytes(n int64) {
	if n > 0 {
		p.uploaded.Add(float64(n))
	}
}

func (p *Prom) ObserveAttemptDuration(seconds float64) {
	p.duration.Observe(seconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
