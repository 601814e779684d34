// Package metrics exposes scheduler and acknowledgement counters to
// Prometheus. All metrics are prefixed with "escalator_".
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the process-wide collectors.
type Metrics struct {
	PollDuration prometheus.Histogram
	PollErrors   prometheus.Counter
	LastPoll     prometheus.Gauge
	InFlight     prometheus.Gauge
	SendsTotal   *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	Contention   *prometheus.CounterVec
	Exhausted    prometheus.Counter
	AcksTotal    *prometheus.CounterVec
}

// New registers the collectors with the default registry. It is safe to call
// more than once; registration happens on the first call only.
//
// Metrics:
//   - escalator_poll_duration_seconds
//   - escalator_poll_errors_total
//   - escalator_last_poll_timestamp_seconds
//   - escalator_dispatches_in_flight
//   - escalator_sends_total{stage,outcome}
//   - escalator_transitions_total{from,to,reason}
//   - escalator_store_contention_total{op}
//   - escalator_exhausted_total
//   - escalator_acks_total{result}
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "escalator_poll_duration_seconds",
				Help:    "Duration of one scheduler poll cycle",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			}),
			PollErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "escalator_poll_errors_total",
				Help: "Poll cycles skipped or aborted because of a store or task source error",
			}),
			LastPoll: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "escalator_last_poll_timestamp_seconds",
				Help: "Unix time of the last finished poll cycle",
			}),
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "escalator_dispatches_in_flight",
				Help: "In-flight dispatches seen by the last poll cycle",
			}),
			SendsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "escalator_sends_total",
				Help: "Channel sends by stage and outcome kind",
			}, []string{"stage", "outcome"}),
			Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "escalator_transitions_total",
				Help: "Stage transitions by source stage, target stage and reason",
			}, []string{"from", "to", "reason"}),
			Contention: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "escalator_store_contention_total",
				Help: "Store writes lost to a concurrent writer",
			}, []string{"op"}),
			Exhausted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "escalator_exhausted_total",
				Help: "Occurrences that ran out of channels",
			}),
			AcksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "escalator_acks_total",
				Help: "Acknowledgements by result",
			}, []string{"result"}),
		}
	})
	return globalMetrics
}

// ObservePoll records one finished cycle.
func (m *Metrics) ObservePoll(took time.Duration, inFlight int, err error) {
	m.PollDuration.Observe(took.Seconds())
	m.InFlight.Set(float64(inFlight))
	m.LastPoll.SetToCurrentTime()
	if err != nil {
		m.PollErrors.Inc()
	}
}

func (m *Metrics) IncSend(stage, outcome string) {
	m.SendsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) IncTransition(from, to, reason string) {
	m.Transitions.WithLabelValues(from, to, reason).Inc()
}

func (m *Metrics) IncContention(op string) {
	m.Contention.WithLabelValues(op).Inc()
}

func (m *Metrics) IncExhausted() { m.Exhausted.Inc() }

func (m *Metrics) IncAck(result string) {
	m.AcksTotal.WithLabelValues(result).Inc()
}
