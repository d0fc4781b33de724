package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	routingKey string
	event      any
	err        error
}

func (p *capturePublisher) Publish(ctx context.Context, routingKey string, event any) error {
	p.routingKey = routingKey
	p.event = event
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	emitter := NewAuditEmitter(pub, "audit.log", "chat-sync", "test", nil)
	user := "u-1"

	emitter.Emit(context.Background(), "INFO", "presence offline", "req-9", &user)

	assert.Equal(t, "audit.log", pub.routingKey)
	envelope, ok := pub.event.(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, "audit_log", envelope.EventType)
	assert.Equal(t, "chat-sync", envelope.Service)
	assert.Equal(t, "req-9", envelope.RequestID)
	require.NotNil(t, envelope.UserID)
	assert.Equal(t, "u-1", *envelope.UserID)
	assert.Equal(t, "presence offline", envelope.Payload.Text)
}

func TestAuditEmitterToleratesFailures(t *testing.T) {
	var nilEmitter *AuditEmitter
	nilEmitter.Emit(context.Background(), "INFO", "ignored", "", nil)

	pub := &capturePublisher{err: errors.New("broker down")}
	NewAuditEmitter(pub, "audit.log", "chat-sync", "test", nil).Emit(context.Background(), "WARN", "x", "", nil)
	assert.Equal(t, "audit.log", pub.routingKey)
}

func TestSetupTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "chat-sync")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
