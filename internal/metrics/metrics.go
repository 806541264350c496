package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_sessions",
		Help: "Current number of live websocket sessions",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Users with at least one live session",
	})
	RelayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_events_total",
		Help: "Events delivered to sessions by the router",
	}, []string{"event"})
	RelayDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_dropped_total",
		Help: "Events dropped because a session send buffer was full",
	}, []string{"event"})
	MessagesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_created_total",
		Help: "Total number of chat messages persisted",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsSessions, OnlineUsers, RelayEventsTotal, RelayDroppedTotal,
		MessagesCreatedTotal, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware records request counts and latencies per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
