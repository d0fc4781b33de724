package observability

import (
	"context"
	"sync"
)

// Publisher delivers events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// HeaderPublisher is implemented by publishers that can attach message headers.
type HeaderPublisher interface {
	PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
)

// SetPublisher installs the process-wide event publisher. Nil disables publishing.
func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defaultPublisher = publisher
	publisherMu.Unlock()
}

// PublishEvent sends message through the installed publisher, if any.
func PublishEvent(ctx context.Context, routingKey string, message any, headers map[string]string) error {
	publisherMu.RLock()
	publisher := defaultPublisher
	publisherMu.RUnlock()
	if publisher == nil {
		return nil
	}

	var err error
	if hp, ok := publisher.(HeaderPublisher); ok && len(headers) > 0 {
		err = hp.PublishWithHeaders(ctx, routingKey, message, headers)
	} else {
		err = publisher.Publish(ctx, routingKey, message)
	}
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
