package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the control plane.
type Metrics struct {
	runs     *prometheus.CounterVec
	claims   *prometheus.CounterVec
	logLines prometheus.Counter
	statuses *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plueflow_runs_total",
		Help: "Total runs by status transition.",
	}, []string{"status"})
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plueflow_task_claims_total",
		Help: "Total task claim attempts by outcome.",
	}, []string{"outcome"})
	logLines := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plueflow_log_lines_total",
		Help: "Total log lines appended.",
	})
	statuses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plueflow_commit_status_syncs_total",
		Help: "Total commit status syncs by state.",
	}, []string{"state"})

	runs = registerCounterVec(registerer, runs)
	claims = registerCounterVec(registerer, claims)
	logLines = registerCounter(registerer, logLines)
	statuses = registerCounterVec(registerer, statuses)

	return &Metrics{
		runs:     runs,
		claims:   claims,
		logLines: logLines,
		statuses: statuses,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncRun(status string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) IncClaim(outcome string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddLogLines(count int) {
	if m == nil || m.logLines == nil || count <= 0 {
		return
	}
	m.logLines.Add(float64(count))
}

func (m *Metrics) IncCommitStatus(stateValue string) {
	if m == nil || m.statuses == nil {
		return
	}
	m.statuses.WithLabelValues(stateValue).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerCounter(registerer prometheus.Registerer, counter prometheus.Counter) prometheus.Counter {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return counter
}
