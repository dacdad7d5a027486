package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize       prometheus.Gauge
	enqueueTotal    *prometheus.CounterVec
	activationTotal *prometheus.CounterVec
	closureTotal    *prometheus.CounterVec
	slotOccupied    *prometheus.GaugeVec

	transitionsTotal *prometheus.CounterVec
	roundtripsTotal  *prometheus.CounterVec
	roundDuration    *prometheus.HistogramVec
	systemMessages   *prometheus.CounterVec
	pendingWaits     *prometheus.GaugeVec

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	commandExecutionTotal    *prometheus.CounterVec
	commandExecutionDuration *prometheus.HistogramVec

	automationRunsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "session_queue_size",
					Help: "Current number of sessions waiting for the slot.",
				},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_enqueue_total",
					Help: "Total queued control requests by session type.",
				},
				[]string{"session_type"},
			),
			activationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_activation_total",
					Help: "Total session activations by session type.",
				},
				[]string{"session_type"},
			),
			closureTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_closure_total",
					Help: "Total session closures by session type and reason.",
				},
				[]string{"session_type", "reason"},
			),
			slotOccupied: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "session_slot_occupied",
					Help: "Slot occupancy by session type (1 occupied, 0 free).",
				},
				[]string{"session_type"},
			),
			transitionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "state_transitions_total",
					Help: "Total applied events by event and resulting phase.",
				},
				[]string{"event", "phase"},
			),
			roundtripsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_roundtrips_total",
					Help: "Total counted roundtrips by session type.",
				},
				[]string{"session_type"},
			),
			roundDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "round_duration_seconds",
					Help:    "Round duration in seconds by session type and final phase.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"session_type", "phase"},
			),
			systemMessages: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "system_messages_total",
					Help: "Total system messages written to session history by type.",
				},
				[]string{"type"},
			),
			pendingWaits: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "interaction_pending",
					Help: "Pending user interaction waits by kind (1 pending, 0 none).",
				},
				[]string{"kind"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_call_total",
					Help: "Total provider calls by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "provider_call_duration_seconds",
					Help:    "Provider call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			commandExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "command_execution_total",
					Help: "Total command executions by command type and status.",
				},
				[]string{"command", "status"},
			),
			commandExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "command_execution_duration_seconds",
					Help:    "Command execution duration in seconds by command type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"command"},
			),
			automationRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "automation_triggers_total",
					Help: "Total scheduled automation triggers by automation and outcome.",
				},
				[]string{"automation", "outcome"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.activationTotal,
			m.closureTotal,
			m.slotOccupied,
			m.transitionsTotal,
			m.roundtripsTotal,
			m.roundDuration,
			m.systemMessages,
			m.pendingWaits,
			m.providerCallTotal,
			m.providerCallDuration,
			m.commandExecutionTotal,
			m.commandExecutionDuration,
			m.automationRunsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordSessionEnqueue(sessionType string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(sessionType).Inc()
	m.queueSize.Set(float64(queueSize))
}

func SetQueueSize(queueSize int) {
	getMetrics().queueSize.Set(float64(queueSize))
}

func RecordSessionActivation(sessionType string) {
	m := getMetrics()
	m.activationTotal.WithLabelValues(sessionType).Inc()
	m.slotOccupied.WithLabelValues(sessionType).Set(1)
}

func RecordSessionClosure(sessionType, reason string) {
	m := getMetrics()
	m.closureTotal.WithLabelValues(sessionType, reason).Inc()
	m.slotOccupied.WithLabelValues(sessionType).Set(0)
}

func RecordTransition(event, phase string) {
	getMetrics().transitionsTotal.WithLabelValues(event, phase).Inc()
}

func RecordRoundtrips(sessionType string, delta int) {
	if delta <= 0 {
		return
	}
	getMetrics().roundtripsTotal.WithLabelValues(sessionType).Add(float64(delta))
}

func RecordRound(sessionType, phase string, duration time.Duration) {
	getMetrics().roundDuration.WithLabelValues(sessionType, phase).Observe(duration.Seconds())
}

func RecordSystemMessage(messageType string) {
	getMetrics().systemMessages.WithLabelValues(messageType).Inc()
}

func SetPendingWait(kind string, pending bool) {
	value := 0.0
	if pending {
		value = 1.0
	}
	getMetrics().pendingWaits.WithLabelValues(kind).Set(value)
}

func RecordProviderCall(provider, outcome string, duration time.Duration) {
	m := getMetrics()
	m.providerCallTotal.WithLabelValues(provider, outcome).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordCommandExecution(command string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.commandExecutionTotal.WithLabelValues(command, status).Inc()
	m.commandExecutionDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordAutomationTrigger(automation, outcome string) {
	getMetrics().automationRunsTotal.WithLabelValues(automation, outcome).Inc()
}
