package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "notebook_relay"

	DirectionToKernel = "to_kernel"
	DirectionToClient = "to_client"
)

// RelayMetrics holds the Prometheus metrics of the relay.
//
// Every method is safe to call on a nil *RelayMetrics, in which case nothing is recorded.
type RelayMetrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	// MessagesForwarded counts messages relayed between clients and kernels.
	// Labels: "channel" (shell, iopub), "direction" (to_kernel, to_client).
	MessagesForwarded *prometheus.CounterVec

	// MalformedMessages counts messages that could not be decoded and were dropped.
	MalformedMessages *prometheus.CounterVec

	// OversizedMessagesDropped counts client requests dropped for exceeding the maximum message size.
	OversizedMessagesDropped prometheus.Counter

	// DeadKernels counts kernels declared dead by a heartbeat monitor.
	DeadKernels prometheus.Counter

	// ActiveSessions tracks the channel sessions that are currently open.
	ActiveSessions *prometheus.GaugeVec

	// ExecuteLatencyMilliseconds observes the duration of synchronous executions, labelled by outcome.
	ExecuteLatencyMilliseconds *prometheus.HistogramVec
}

// NewRelayMetrics creates the relay's metrics and registers them with a new registry.
func NewRelayMetrics() *RelayMetrics {
	m := &RelayMetrics{
		registry: prometheus.NewRegistry(),
	}

	m.MessagesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "messages_forwarded_total",
		Help:      "The number of messages relayed between clients and kernels.",
	}, []string{"channel", "direction"})
	m.MalformedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "malformed_messages_total",
		Help:      "The number of messages that could not be decoded and were dropped.",
	}, []string{"channel"})
	m.OversizedMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "oversized_messages_dropped_total",
		Help:      "The number of client requests dropped for exceeding the maximum message size.",
	})
	m.DeadKernels = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "dead_kernels_total",
		Help:      "The number of kernels declared dead after missing a heartbeat.",
	})
	m.ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "active_sessions",
		Help:      "The number of open channel sessions.",
	}, []string{"channel"})
	m.ExecuteLatencyMilliseconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "execute_latency_milliseconds",
		Help:      "The latency of synchronous code executions.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1e3, 2.5e3, 5e3, 1e4, 3e4, 6e4},
	}, []string{"status"})

	m.registry.MustRegister(m.MessagesForwarded, m.MalformedMessages, m.OversizedMessagesDropped, m.DeadKernels,
		m.ActiveSessions, m.ExecuteLatencyMilliseconds)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})

	return m
}

// Registry returns the registry that the metrics are registered with.
func (m *RelayMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// HandleRequest serves the metrics when Prometheus scrapes them.
func (m *RelayMetrics) HandleRequest(c *gin.Context) {
	if m == nil {
		c.Status(http.StatusNotFound)
		return
	}
	m.handler.ServeHTTP(c.Writer, c.Request)
}

func (m *RelayMetrics) MessageForwarded(channel string, direction string) {
	if m == nil {
		return
	}
	m.MessagesForwarded.WithLabelValues(channel, direction).Inc()
}

func (m *RelayMetrics) MessageMalformed(channel string) {
	if m == nil {
		return
	}
	m.MalformedMessages.WithLabelValues(channel).Inc()
}

func (m *RelayMetrics) OversizedMessageDropped() {
	if m == nil {
		return
	}
	m.OversizedMessagesDropped.Inc()
}

func (m *RelayMetrics) KernelDied() {
	if m == nil {
		return
	}
	m.DeadKernels.Inc()
}

func (m *RelayMetrics) SessionOpened(channel string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(channel).Inc()
}

func (m *RelayMetrics) SessionClosed(channel string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(channel).Dec()
}

func (m *RelayMetrics) ObserveExecution(status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ExecuteLatencyMilliseconds.WithLabelValues(status).Observe(float64(latency.Milliseconds()))
}
