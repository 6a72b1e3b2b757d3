package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	messagesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_created_total",
			Help: "Total number of chat messages persisted.",
		},
	)
	readReceiptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_read_receipts_total",
			Help: "Read receipts attempted, by outcome.",
		},
		[]string{"result"},
	)
	sessionReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_session_reconnects_total",
			Help: "Total number of room session reconnect attempts.",
		},
	)
	broadcastPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broadcast_publish_errors_total",
			Help: "Total number of broadcast publish errors.",
		},
	)
	broadcastDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broadcast_dropped_total",
			Help: "Broadcast events dropped because a subscriber queue was full.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		messagesCreatedTotal,
		readReceiptsTotal,
		sessionReconnectsTotal,
		broadcastPublishErrorsTotal,
		broadcastDroppedTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the default registry.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncMessageCreated() {
	messagesCreatedTotal.Inc()
}

// IncReadReceipt records a receipt outcome: "ok" or "failed".
func IncReadReceipt(result string) {
	readReceiptsTotal.WithLabelValues(result).Inc()
}

func IncSessionReconnect() {
	sessionReconnectsTotal.Inc()
}

func IncBroadcastPublishError() {
	broadcastPublishErrorsTotal.Inc()
}

func IncBroadcastDropped() {
	broadcastDroppedTotal.Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
