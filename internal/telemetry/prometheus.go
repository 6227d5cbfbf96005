package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const namespace = "fleet"

// PrometheusRecorder records control-plane metrics into its own registry
type PrometheusRecorder struct {
	registry *prometheus.Registry

	allocations        *prometheus.CounterVec
	utilization        *prometheus.GaugeVec
	queueDepth         *prometheus.GaugeVec
	tasksFinished      *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	failureProbability *prometheus.GaugeVec
	activeAlerts       *prometheus.GaugeVec
	recoveries         *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with a private registry that also
// carries the Go runtime and process collectors
func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),

		// allocations counts allocate calls by outcome.
		// Labels: granted (true, false), reason (ok, capacity, vram_tier_cap, unknown_resource, invalid)
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resources",
			Name:      "allocations_total",
			Help:      "Resource allocation attempts by outcome",
		}, []string{"granted", "reason"}),

		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resources",
			Name:      "utilization_ratio",
			Help:      "Allocated fraction of each resource pool",
		}, []string{"kind"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Queued tasks per priority tier",
		}, []string{"priority"}),

		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Finished tasks by type and status",
		}, []string{"type", "status"}),

		// breakerState is 0 closed, 1 half-open, 2 open.
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per task type (0 closed, 1 half-open, 2 open)",
		}, []string{"type"}),

		failureProbability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "failure_probability",
			Help:      "Latest predicted failure probability per agent",
		}, []string{"agent"}),

		activeAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "active_alerts",
			Help:      "Active predictive alerts by severity",
		}, []string{"severity"}),

		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts by tier and outcome",
		}, []string{"tier", "success"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.allocations,
		r.utilization,
		r.queueDepth,
		r.tasksFinished,
		r.breakerState,
		r.failureProbability,
		r.activeAlerts,
		r.recoveries,
	)
	return r
}

// Registry returns the underlying registry
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *PrometheusRecorder) AllocationAttempt(granted bool, reason string) {
	r.allocations.WithLabelValues(strconv.FormatBool(granted), reason).Inc()
}

func (r *PrometheusRecorder) ResourceUtilization(kind string, utilization float64) {
	r.utilization.WithLabelValues(kind).Set(utilization)
}

func (r *PrometheusRecorder) QueueDepth(priority string, depth int) {
	r.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (r *PrometheusRecorder) TaskFinished(taskType string, status string) {
	r.tasksFinished.WithLabelValues(taskType, status).Inc()
}

func (r *PrometheusRecorder) BreakerState(taskType string, state model.BreakerState) {
	var v float64
	switch state {
	case model.BreakerHalfOpen:
		v = 1
	case model.BreakerOpen:
		v = 2
	}
	r.breakerState.WithLabelValues(taskType).Set(v)
}

func (r *PrometheusRecorder) FailureProbability(agent string, probability float64) {
	r.failureProbability.WithLabelValues(agent).Set(probability)
}

func (r *PrometheusRecorder) ActiveAlerts(severity model.AlertSeverity, count int) {
	r.activeAlerts.WithLabelValues(string(severity)).Set(float64(count))
}

func (r *PrometheusRecorder) RecoveryAttempt(tier model.RecoveryTier, success bool) {
	r.recoveries.WithLabelValues(strconv.Itoa(int(tier)), strconv.FormatBool(success)).Inc()
}
