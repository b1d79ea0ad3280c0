package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without telemetry in tests.
type Metrics struct {
	registry prometheus.Gatherer

	JobsSent          *prometheus.CounterVec
	SingletonRejects  *prometheus.CounterVec
	JobsCompleted     *prometheus.CounterVec
	JobsFailed        *prometheus.CounterVec
	JobsDeadLettered  *prometheus.CounterVec
	JobsExpired       *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	InFlight          prometheus.Gauge
	SyncRecords       *prometheus.CounterVec
	PushAttempts      *prometheus.CounterVec
	TriageSuggestions *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	CacheEvictions    prometheus.Counter
}

// New builds and registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry:          reg,
		JobsSent:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_jobs_sent_total", Help: "Jobs submitted per queue"}, []string{"queue"}),
		SingletonRejects:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_jobs_singleton_rejected_total", Help: "Submissions rejected by a live singleton key"}, []string{"queue"}),
		JobsCompleted:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"}),
		JobsFailed:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_jobs_failed_total", Help: "Job attempts that failed and will retry"}, []string{"queue"}),
		JobsDeadLettered:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_jobs_dead_letter_total", Help: "Jobs that exhausted retries"}, []string{"queue"}),
		JobsExpired:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_jobs_expired_total", Help: "Leases reclaimed after expiry"}, []string{"queue"}),
		QueueDepth:        prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "casework_queue_depth", Help: "Queued jobs per queue"}, []string{"queue"}),
		InFlight:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "casework_jobs_inflight", Help: "Jobs currently leased by this process"}),
		SyncRecords:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_sync_records_total", Help: "Records processed by the sync orchestrator"}, []string{"entity", "result"}),
		PushAttempts:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_push_total", Help: "Push attempts by outcome"}, []string{"entity", "outcome"}),
		TriageSuggestions: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_triage_suggestions_total", Help: "Suggestions generated by source"}, []string{"source"}),
		CacheLookups:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "casework_triage_cache_lookups_total", Help: "Triage cache lookups"}, []string{"result"}),
		CacheEvictions:    prometheus.NewCounter(prometheus.CounterOpts{Name: "casework_triage_cache_evictions_total", Help: "Entries evicted for capacity"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsSent,
			m.SingletonRejects,
			m.JobsCompleted,
			m.JobsFailed,
			m.JobsDeadLettered,
			m.JobsExpired,
			m.QueueDepth,
			m.InFlight,
			m.SyncRecords,
			m.PushAttempts,
			m.TriageSuggestions,
			m.CacheLookups,
			m.CacheEvictions,
		)
	}
	return m
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Sent(queue string) {
	if m != nil {
		m.JobsSent.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) SingletonRejected(queue string) {
	if m != nil {
		m.SingletonRejects.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Completed(queue string) {
	if m != nil {
		m.JobsCompleted.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Failed(queue string) {
	if m != nil {
		m.JobsFailed.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) DeadLettered(queue string) {
	if m != nil {
		m.JobsDeadLettered.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Expired(queue string) {
	if m != nil {
		m.JobsExpired.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	if m != nil {
		m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}

func (m *Metrics) LeaseStarted() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) LeaseFinished() {
	if m != nil {
		m.InFlight.Dec()
	}
}

func (m *Metrics) SyncRecord(entity, result string, n int) {
	if m != nil && n > 0 {
		m.SyncRecords.WithLabelValues(entity, result).Add(float64(n))
	}
}

func (m *Metrics) Push(entity, outcome string) {
	if m != nil {
		m.PushAttempts.WithLabelValues(entity, outcome).Inc()
	}
}

func (m *Metrics) Suggestion(source string) {
	if m != nil {
		m.TriageSuggestions.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheEvicted() {
	if m != nil {
		m.CacheEvictions.Inc()
	}
}
