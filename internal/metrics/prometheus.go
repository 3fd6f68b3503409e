package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// prometheusMetrics wraps the Prometheus collectors for pipeline, alarm,
// and target-export observability.
type prometheusMetrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	messagesTotal *prometheus.CounterVec

	alarmsTriggeredTotal *prometheus.CounterVec
	alarmsClearedTotal   *prometheus.CounterVec

	targetSendsTotal   *prometheus.CounterVec
	targetSendDuration *prometheus.HistogramVec

	breakerState      *prometheus.GaugeVec
	breakerTripsTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *prometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under the
// given namespace, registering it with its own registry (not the global
// default, so PrometheusHandler is safe to mount more than once in tests).
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &prometheusMetrics{
		registry: registry,

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_milliseconds",
				Help:      "Duration of a pipeline stage processing one DeviceDataMessage, in milliseconds",
				Buckets:   buckets,
			},
			[]string{"stage", "status"},
		),

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_messages_total",
				Help:      "Total DeviceDataMessages processed by the pipeline, by outcome",
			},
			[]string{"status"},
		),

		alarmsTriggeredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarms_triggered_total",
				Help:      "Total alarm occurrences raised, by severity",
			},
			[]string{"severity"},
		),

		alarmsClearedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarms_cleared_total",
				Help:      "Total alarm occurrences cleared, by severity",
			},
			[]string{"severity"},
		),

		targetSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "target_sends_total",
				Help:      "Total export target send attempts, by target type and result",
			},
			[]string{"target_type", "result"},
		),

		targetSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "target_send_duration_milliseconds",
				Help:      "Duration of export target send attempts, in milliseconds",
				Buckets:   buckets,
			},
			[]string{"target_type"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "target_circuit_breaker_state",
				Help:      "Current circuit breaker state per target (0=closed, 1=open, 2=half_open)",
			},
			[]string{"target_id"},
		),

		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "target_circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions per target",
			},
			[]string{"target_id", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.stageDuration,
		pm.messagesTotal,
		pm.alarmsTriggeredTotal,
		pm.alarmsClearedTotal,
		pm.targetSendsTotal,
		pm.targetSendDuration,
		pm.breakerState,
		pm.breakerTripsTotal,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordStage records one pipeline stage's duration and outcome.
func RecordStage(stage string, durationMs int64, ok bool) {
	if promMetrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	promMetrics.stageDuration.WithLabelValues(stage, status).Observe(float64(durationMs))
}

// RecordMessage records one processed DeviceDataMessage outcome.
func RecordMessage(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.messagesTotal.WithLabelValues(status).Inc()
}

// RecordAlarmTriggered records an alarm occurrence being raised.
func RecordAlarmTriggered(severity string) {
	if promMetrics == nil {
		return
	}
	promMetrics.alarmsTriggeredTotal.WithLabelValues(severity).Inc()
}

// RecordAlarmCleared records an alarm occurrence being cleared.
func RecordAlarmCleared(severity string) {
	if promMetrics == nil {
		return
	}
	promMetrics.alarmsClearedTotal.WithLabelValues(severity).Inc()
}

// RecordTargetSend records an export target send attempt and its duration.
func RecordTargetSend(targetType, result string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.targetSendsTotal.WithLabelValues(targetType, result).Inc()
	promMetrics.targetSendDuration.WithLabelValues(targetType).Observe(float64(durationMs))
}

// SetBreakerState sets the circuit breaker state gauge for a target.
// state: 0=closed, 1=open, 2=half_open.
func SetBreakerState(targetID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(targetID).Set(float64(state))
}

// RecordBreakerTrip records a circuit breaker state transition for a target.
func RecordBreakerTrip(targetID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(targetID, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, for registering custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
