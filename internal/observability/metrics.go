package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the message log service.",
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
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
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
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	roomAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_room_appends_total",
			Help: "Appends handled by the message log, by result.",
		},
		[]string{"result"},
	)
	presenceExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_presence_leases_expired_total",
			Help: "Presence leases flipped offline by the sweeper.",
		},
	)
	syncPresenceWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_presence_writes_total",
			Help: "Presence writes issued by client sessions.",
		},
		[]string{"state", "outcome"},
	)
	syncSubscriptionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_subscription_events_total",
			Help: "Room subscription lifecycle events.",
		},
		[]string{"event"},
	)
	syncSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_sends_total",
			Help: "Optimistic sends by final outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		roomAppendsTotal,
		presenceExpiredTotal,
		syncPresenceWritesTotal,
		syncSubscriptionEventsTotal,
		syncSendsTotal,
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

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
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

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// ObserveAppend counts an append by result: created, replayed, conflict or error.
func ObserveAppend(result string) {
	roomAppendsTotal.WithLabelValues(result).Inc()
}

func AddPresenceExpired(n int) {
	presenceExpiredTotal.Add(float64(n))
}

// ObservePresenceWrite counts a client presence write.
func ObservePresenceWrite(state, outcome string) {
	syncPresenceWritesTotal.WithLabelValues(state, outcome).Inc()
}

func ObserveSubscriptionEvent(event string) {
	syncSubscriptionEventsTotal.WithLabelValues(event).Inc()
}

func ObserveSend(outcome string) {
	syncSendsTotal.WithLabelValues(outcome).Inc()
}
