// Package bus carries scoring events between the API and async workers,
// over in-process channels (community tier) or NATS (pro tier).
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/logging"
	"github.com/opensource-finance/aegisflow/internal/metrics"
)

var (
	// ErrTenantRequired is returned when publishing or subscribing without a tenant.
	ErrTenantRequired = errors.New("bus: tenantID is required")

	// ErrClosed is returned by a bus after Close.
	ErrClosed = errors.New("bus: closed")
)

// MetadataRequestID carries the originating HTTP request ID, when any.
const MetadataRequestID = "request_id"

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Subject returns the routing key for a tenant's topic. NATS uses it
// verbatim, so "aegisflow.alert.*" matches alerts for every tenant.
func Subject(tenantID, topic string) string {
	return topic + "." + tenantID
}

func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if id := logging.RequestID(ctx); id != "" {
		msg.Metadata[MetadataRequestID] = id
	}
	return msg
}

// deliver runs handler with the sender's request ID restored on ctx.
// Handler errors stay on the consumer side: they are logged and counted.
func deliver(ctx context.Context, handler domain.MessageHandler, msg *domain.Message) {
	if id := msg.Metadata[MetadataRequestID]; id != "" {
		ctx = logging.WithRequestID(ctx, id)
	}
	if err := handler(ctx, msg); err != nil {
		metrics.BusMessagesTotal.WithLabelValues(msg.Topic, "handler_error").Inc()
		logging.L(ctx).Error("message handler failed",
			"topic", msg.Topic,
			"tenant_id", msg.TenantID,
			"message_id", msg.ID,
			"error", err,
		)
		return
	}
	metrics.BusMessagesTotal.WithLabelValues(msg.Topic, "delivered").Inc()
}
