// Package metrics exposes Orbit's operational counters/histograms through
// github.com/prometheus/client_golang, grounded on the dependency stacks of the other
// pack repos that vendor it for exactly this purpose. Core packages (executor,
// sweeper, protect) stay free of any metrics import; cmd/ wires a Recorder around
// their call sites instead, the same layering the teacher uses to keep
// pkg/telemetry.Logger decoupled from its sink.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/sweeper"
)

// Recorder owns the full set of Orbit's Prometheus collectors.
type Recorder struct {
	accepted   *prometheus.CounterVec
	finalized  *prometheus.CounterVec
	retried    *prometheus.CounterVec
	breakerTrp prometheus.Counter
	deadLetter *prometheus.CounterVec
	attemptDur *prometheus.HistogramVec
	sweepRuns  prometheus.Counter
	sweepFinal prometheus.Counter
	sweepResch prometheus.Counter
}

// New builds a Recorder and registers its collectors against reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_operations_accepted_total",
			Help: "Operations accepted into the executor, by domain and event type.",
		}, []string{"domain", "event_type"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_operations_finalized_total",
			Help: "Operations finalized, by domain, event type, and terminal kind (OK|FAIL).",
		}, []string{"domain", "event_type", "kind"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_operations_retried_total",
			Help: "Attempts that yielded a Retry outcome, by domain and event type.",
		}, []string{"domain", "event_type"}),
		breakerTrp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_circuit_breaker_trips_total",
			Help: "Times the protection chain's circuit breaker refused an attempt because it was open.",
		}),
		deadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_dead_letters_total",
			Help: "Messages moved to the bus dead letter queue, by domain and event type.",
		}, []string{"domain", "event_type"}),
		attemptDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orbit_attempt_duration_seconds",
			Help:    "Wall-clock duration of one protected action attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain", "event_type"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_sweeper_runs_total",
			Help: "Recovery sweeper passes executed.",
		}),
		sweepFinal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_sweeper_finalized_total",
			Help: "Stale WA-PENDING rows the sweeper finalized directly.",
		}),
		sweepResch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbit_sweeper_rescheduled_total",
			Help: "Operations the sweeper re-enqueued onto the bus.",
		}),
	}

	reg.MustRegister(r.accepted, r.finalized, r.retried, r.breakerTrp, r.deadLetter, r.attemptDur,
		r.sweepRuns, r.sweepFinal, r.sweepResch)
	return r
}

func (r *Recorder) RecordAccept(domain, eventType string) {
	r.accepted.WithLabelValues(domain, eventType).Inc()
}

func (r *Recorder) RecordFinalize(domain, eventType, kind string) {
	r.finalized.WithLabelValues(domain, eventType, kind).Inc()
}

func (r *Recorder) RecordRetry(domain, eventType string) {
	r.retried.WithLabelValues(domain, eventType).Inc()
}

func (r *Recorder) RecordBreakerTrip() {
	r.breakerTrp.Inc()
}

func (r *Recorder) RecordDeadLetter(domain, eventType string) {
	r.deadLetter.WithLabelValues(domain, eventType).Inc()
}

func (r *Recorder) ObserveAttempt(domain, eventType string, d time.Duration) {
	r.attemptDur.WithLabelValues(domain, eventType).Observe(d.Seconds())
}

// ObserveSweep records one sweeper.Result.
func (r *Recorder) ObserveSweep(res sweeper.Result) {
	r.sweepRuns.Inc()
	r.sweepFinal.Add(float64(res.WAFinalized))
	r.sweepResch.Add(float64(res.WAResched + res.InProgressResched))
}

// LabelsFor derives the (domain, event_type) label pair Orbit's metrics are keyed by.
func LabelsFor(cmd opid.Command) (domain, eventType string) {
	return cmd.Domain, cmd.EventType
}
