package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/metrics"
)

// ChannelBus implements EventBus using Go channels.
// Used as the Community tier event bus. Each subscription owns a buffered
// channel drained by one goroutine, so a slow handler only delays its own
// messages; once the buffer is full further messages are dropped.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subjects   map[string][]*channelSubscription
	closed     bool
}

type channelSubscription struct {
	bus     *ChannelBus
	subject string
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subjects:   make(map[string][]*channelSubscription),
	}
}

// Publish fans a message out to every subscriber of the tenant's topic.
// It never blocks.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	msg := newMessage(ctx, tenantID, topic, payload)

	// Sends are non-blocking, so they run under the read lock and never
	// race with Close closing the inboxes.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	metrics.BusMessagesTotal.WithLabelValues(topic, "published").Inc()
	for _, sub := range b.subjects[Subject(tenantID, topic)] {
		select {
		case sub.inbox <- msg:
		default:
			metrics.BusMessagesTotal.WithLabelValues(topic, "dropped").Inc()
			slog.Warn("subscriber buffer full, dropping message",
				"tenant_id", tenantID,
				"topic", topic,
				"message_id", msg.ID,
			)
		}
	}
	return nil
}

// Subscribe registers a handler for a tenant's topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		subject: Subject(tenantID, topic),
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.subjects[sub.subject] = append(b.subjects[sub.subject], sub)

	go sub.run()
	return sub, nil
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. Messages still buffered are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subjects {
		for _, sub := range subs {
			sub.cancel()
			close(sub.inbox)
		}
	}
	b.subjects = make(map[string][]*channelSubscription)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subjects[sub.subject]
	for i, s := range subs {
		if s == sub {
			b.subjects[sub.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subjects[sub.subject]) == 0 {
		delete(b.subjects, sub.subject)
	}
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			deliver(s.ctx, s.handler, msg)
		}
	}
}

// Unsubscribe stops receiving messages and detaches from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
