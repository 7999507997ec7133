package domain

import "context"

// EventBus moves pipeline events between the API, workers and anything
// listening for alerts. Delivery is at-most-once and scoped by tenant.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe starts delivering a tenant's messages on topic to handler
	// until the subscription or the bus is closed.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages. The context carries the
// publisher's request ID when there was one.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope carried on the wire. Payload holds the
// topic-specific JSON body.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects "channel" (in-process) or "nats".
type EventBusConfig struct {
	Type              string `yaml:"type"`
	ChannelBufferSize int    `yaml:"channel_buffer_size"`

	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup load-balances subscriptions across instances when set.
	NATSQueueGroup string `yaml:"nats_queue_group"`
}

// Topics. Subjects on the wire append the tenant ID.
const (
	TopicTransactionIngested = "aegisflow.transaction.ingested"
	TopicAssessment          = "aegisflow.assessment"
	TopicAlert               = "aegisflow.alert"
	TopicModelReloaded       = "aegisflow.model.reloaded"
)
