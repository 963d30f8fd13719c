package verification

import (
	"github.com/prometheus/client_golang/prometheus"

	"attendd/services/ledger"
)

const (
	flowFace   = "face"
	flowScan   = "scan"
	flowEnroll = "enroll"
)

// Metrics holds the Prometheus collectors updated by the Service. A nil
// *Metrics records nothing.
type Metrics struct {
	attempts    *prometheus.CounterVec
	similarity  prometheus.Histogram
	quality     prometheus.Histogram
	writes      *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendd",
			Name:      "verification_attempts_total",
			Help:      "Attendance verification attempts by flow and result.",
		}, []string{"flow", "result"}),
		similarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendd",
			Name:      "face_similarity",
			Help:      "Cosine similarity of live captures against their reference embedding.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		quality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendd",
			Name:      "embedding_quality",
			Help:      "Quality score of extracted or submitted embeddings.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendd",
			Name:      "ledger_writes_total",
			Help:      "Attendance ledger writes by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendd",
			Name:      "rate_limited_total",
			Help:      "Attempts rejected by the rate limiter.",
		}, []string{"flow"}),
	}

	for _, c := range []prometheus.Collector{m.attempts, m.similarity, m.quality, m.writes, m.rateLimited} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) attempt(flow, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(flow, result).Inc()
}

func (m *Metrics) observeSimilarity(v float64) {
	if m == nil {
		return
	}
	m.similarity.Observe(v)
}

func (m *Metrics) observeQuality(v float64) {
	if m == nil {
		return
	}
	m.quality.Observe(v)
}

func (m *Metrics) write(outcome ledger.Outcome) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) limited(flow string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(flow).Inc()
}
