// Package metrics holds the Prometheus instrumentation shared by the cache components.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rescache"

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeExists  = "exists"
	OutcomeMissing = "missing"
)

// Metrics holds Prometheus collectors for the cache.
type Metrics struct {
	fetches        *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	puts           *prometheus.CounterVec
	removes        *prometheus.CounterVec
	trackedTasks   prometheus.Gauge
	cancellations  prometheus.Counter
	migrations     *prometheus.CounterVec
	commitFailures prometheus.Counter
	notifications  prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg leaves the collectors unregistered (useful in tests).
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Completed fetch requests by outcome",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time from request start to placement or failure",
			Buckets:   prometheus.DefBuckets,
		}),
		puts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_puts_total",
			Help:      "Content store placements by outcome",
		}, []string{"outcome"}),
		removes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_removes_total",
			Help:      "Content store removals by outcome",
		}, []string{"outcome"}),
		trackedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_tasks",
			Help:      "In-flight fetches currently tracked",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_cancellations_total",
			Help:      "Tracked fetches cancelled by group",
		}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Legacy migrations by outcome",
		}, []string{"outcome"}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_failures_total",
			Help:      "Record commits that failed after content was placed",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_notifications_total",
			Help:      "Change notifications published",
		}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.fetches, m.fetchDuration, m.puts, m.removes, m.trackedTasks,
		m.cancellations, m.migrations, m.commitFailures, m.notifications,
	}
}

func (m *Metrics) FetchCompleted(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(seconds)
}

func (m *Metrics) BlobPut(outcome string) {
	if m == nil {
		return
	}
	m.puts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BlobRemoved(outcome string) {
	if m == nil {
		return
	}
	m.removes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetTrackedTasks(n int) {
	if m == nil {
		return
	}
	m.trackedTasks.Set(float64(n))
}

func (m *Metrics) TasksCancelled(n int) {
	if m == nil {
		return
	}
	m.cancellations.Add(float64(n))
}

func (m *Metrics) MigrationResolved(outcome string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommitFailed() {
	if m == nil {
		return
	}
	m.commitFailures.Inc()
}

func (m *Metrics) NotificationPublished() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}
