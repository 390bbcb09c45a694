package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the archiver's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
	WriteDuration prometheus.Histogram
	WriteRetries  prometheus.Counter
	BatchSize     prometheus.Histogram
	Conflicts     prometheus.Counter
	AckErrors     prometheus.Counter
	Releases      prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_messages_total",
				Help: "Messages processed, by outcome",
			},
			[]string{"outcome"},
		),
		WriteDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_write_duration_seconds",
				Help:    "Duration of a single message archival including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
		WriteRetries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_write_retries_total",
				Help: "Object store writes repeated after a retryable failure",
			},
		),
		BatchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_batch_size",
				Help:    "Messages per processed batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),
		Conflicts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_conflicts_total",
				Help: "Messages whose id already held different content and were stored under a version key",
			},
		),
		AckErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_ack_errors_total",
				Help: "Failed attempts to delete archived messages from the queue",
			},
		),
		Releases: f.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_releases_total",
				Help: "Failed messages handed back to the queue early",
			},
		),
	}
}

func (m *Metrics) ObserveMessage(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
	m.WriteDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.WriteRetries.Inc()
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) IncAckError() {
	if m == nil {
		return
	}
	m.AckErrors.Inc()
}

func (m *Metrics) IncRelease() {
	if m == nil {
		return
	}
	m.Releases.Inc()
}
