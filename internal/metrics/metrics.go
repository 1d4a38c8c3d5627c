// Package metrics exposes Prometheus instruments for the relay. A nil
// *Metrics is valid and records nothing, so components can be built without
// one in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "pester"

// Delivery outcomes for RoutedMessage.
const (
	OutcomeDelivered = "delivered"
	OutcomeBuffered  = "buffered"
)

type Metrics struct {
	registry *prometheus.Registry

	connections    *prometheus.GaugeVec
	sessions       prometheus.Gauge
	channels       prometheus.Gauge
	mailboxDepth   prometheus.Gauge
	inbound        *prometheus.CounterVec
	routed         *prometheus.CounterVec
	mailboxDropped prometheus.Counter
	kicks          prometheus.Counter
	protocolErrors *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active", Help: "Open client connections by transport.",
		}, []string{"transport"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Registered user sessions.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channels_active", Help: "Channels with at least one member.",
		}),
		mailboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mailbox_messages", Help: "Messages waiting in offline mailboxes.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_events_total", Help: "Decoded client events by type.",
		}, []string{"type"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "routed_messages_total", Help: "Per-recipient message deliveries by outcome.",
		}, []string{"outcome"}),
		mailboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mailbox_evictions_total", Help: "Buffered messages evicted by the mailbox bound.",
		}),
		kicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_kicks_total", Help: "Sessions superseded by a newer registration.",
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total", Help: "Error events sent to clients by kind.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_frames_total", Help: "Inbound frames discarded by the rate limiter.",
		}, []string{"transport"}),
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
		}, []string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	r.MustRegister(m.connections, m.sessions, m.channels, m.mailboxDepth)
	r.MustRegister(m.inbound, m.routed, m.mailboxDropped, m.kicks, m.protocolErrors, m.rateLimited)
	r.MustRegister(m.httpReqCnt, m.httpDur)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Dec()
}

// SetState publishes the router's current store sizes.
func (m *Metrics) SetState(sessions, channels, buffered int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(sessions))
	m.channels.Set(float64(channels))
	m.mailboxDepth.Set(float64(buffered))
}

func (m *Metrics) InboundEvent(eventType string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RoutedMessage(outcome string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MailboxEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mailboxDropped.Add(float64(n))
}

func (m *Metrics) SessionKicked() {
	if m == nil {
		return
	}
	m.kicks.Inc()
}

func (m *Metrics) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameRateLimited(transport string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(transport).Inc()
}

// Middleware records request counts and latencies for the HTTP surface.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
