package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricsMiddlewareCountsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HTTPMetricsMiddleware())
	router.GET("/rooms/:room_id/deltas", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/rooms/:room_id/deltas", "200"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/lobby/deltas", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/rooms/:room_id/deltas", "200"))
	assert.Equal(t, before+1, after)
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

type recordingPublisher struct {
	keys    []string
	headers map[string]string
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	p.keys = append(p.keys, routingKey)
	return p.err
}

func (p *recordingPublisher) PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	p.headers = headers
	return p.Publish(ctx, routingKey, event)
}

func TestPublishEventUsesHeadersAndCountsErrors(t *testing.T) {
	pub := &recordingPublisher{}
	SetPublisher(pub)
	t.Cleanup(func() { SetPublisher(nil) })

	require.NoError(t, PublishEvent(context.Background(), RoomRoutingKey("lobby"), EventEnvelope{}, BuildHeaders("req-1", "")))
	assert.Equal(t, []string{"room_events.lobby"}, pub.keys)
	assert.Equal(t, map[string]string{"x-request-id": "req-1"}, pub.headers)

	pub.err = errors.New("channel closed")
	before := testutil.ToFloat64(amqpPublishErrorsTotal)
	assert.Error(t, PublishEvent(context.Background(), WSRoutingKey, EventEnvelope{}, nil))
	assert.Equal(t, before+1, testutil.ToFloat64(amqpPublishErrorsTotal))
}

func TestPublishEventWithoutPublisher(t *testing.T) {
	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), WSRoutingKey, EventEnvelope{}, nil))
}
