package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "registrar"

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// Metrics records job, step and submission gate activity.
type Metrics struct {
	stepDuration *prometheus.HistogramVec
	stepResults  *prometheus.CounterVec
	jobResults   *prometheus.CounterVec
	gateWait     *prometheus.HistogramVec
	gateQueued   prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "step_duration_seconds",
			Help:      "Time spent in one saga step, retries included",
			Buckets:   histogramBuckets,
		}, []string{"step"}),
		stepResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "step_results_total",
			Help:      "Number of saga step outcomes",
		}, []string{"step", "outcome"}),
		jobResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "job_results_total",
			Help:      "Number of jobs reaching a terminal status",
		}, []string{"status"}),
		gateWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submitter",
			Name:      "gate_wait_seconds",
			Help:      "Time a transaction waited for the submission gate",
			Buckets:   histogramBuckets,
		}, []string{"action"}),
		gateQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submitter",
			Name:      "gate_queued",
			Help:      "Submitters queued ahead of the most recent transaction",
		}),
	}

	collectors := []prometheus.Collector{m.stepDuration, m.stepResults, m.jobResults, m.gateWait, m.gateQueued}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) ObserveStep(step, outcome string, elapsed time.Duration) {
	m.stepDuration.With(prometheus.Labels{"step": step}).Observe(elapsed.Seconds())
	m.stepResults.With(prometheus.Labels{"step": step, "outcome": outcome}).Inc()
}

func (m *Metrics) ObserveJob(status string) {
	m.jobResults.With(prometheus.Labels{"status": status}).Inc()
}

func (m *Metrics) ObserveGateWait(action string, waited time.Duration, queued int) {
	m.gateWait.With(prometheus.Labels{"action": action}).Observe(waited.Seconds())
	m.gateQueued.Set(float64(queued))
}
