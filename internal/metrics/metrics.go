// Package metrics holds the Prometheus collectors for the API service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livechat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_ws_events_total",
			Help: "Total number of inbound websocket events.",
		},
		[]string{"event", "result"},
	)
	wsSlowConsumersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_ws_slow_consumers_total",
			Help: "Connections closed because their send buffer was full.",
		},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_online_users",
			Help: "Users with at least one presence connection on this node.",
		},
	)
	presenceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_presence_transitions_total",
			Help: "Announced status changes.",
		},
		[]string{"status"},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_total",
			Help: "Messages persisted, by conversation kind.",
		},
		[]string{"kind"},
	)
	relayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_relay_errors_total",
			Help: "Relay publish failures and drops.",
		},
		[]string{"reason"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_amqp_publish_errors_total",
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
		wsSlowConsumersTotal,
		onlineUsers,
		presenceTransitionsTotal,
		messagesTotal,
		relayErrorsTotal,
		amqpPublishErrorsTotal,
	)
}

// Handler serves /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTP records request counts and latency per chi route pattern.
func HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func IncWSActive(kind string) { wsActiveConnections.WithLabelValues(kind).Inc() }
func DecWSActive(kind string) { wsActiveConnections.WithLabelValues(kind).Dec() }

func IncWSEvent(event, result string) { wsEventsTotal.WithLabelValues(event, result).Inc() }

func IncSlowConsumer() { wsSlowConsumersTotal.Inc() }

func SetOnlineUsers(n int) { onlineUsers.Set(float64(n)) }

func IncPresenceTransition(status string) { presenceTransitionsTotal.WithLabelValues(status).Inc() }

func IncMessage(kind string) { messagesTotal.WithLabelValues(kind).Inc() }

func IncRelayError(reason string) { relayErrorsTotal.WithLabelValues(reason).Inc() }

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }
