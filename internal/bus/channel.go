package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultRequestTimeout bounds Request when the context has no deadline.
const defaultRequestTimeout = 30 * time.Second

var errBusClosed = errors.New("bus is closed")

// route addresses the subscribers of one tenant's topic.
type route struct {
	tenantID string
	topic    string
}

// ChannelBus is the in-process EventBus of the Community tier. Each
// subscription owns a buffered channel drained by its own goroutine; a
// full buffer drops the message for that subscriber.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	routes     map[route][]*channelSubscription
	closed     bool
}

type channelSubscription struct {
	id      string
	route   route
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus returns a bus whose subscribers buffer bufferSize
// messages (1000 when not positive).
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		routes:     make(map[route][]*channelSubscription),
	}
}

// Publish delivers payload to the subscribers of topic for tenantID and
// to AllTenants subscribers.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	return b.send(tenantID, topic, payload, nil)
}

func (b *ChannelBus) send(tenantID, topic string, payload []byte, metadata map[string]string) error {
	switch tenantID {
	case "":
		return fmt.Errorf("tenantID is required")
	case domain.AllTenants:
		return fmt.Errorf("cannot publish to %s", domain.AllTenants)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UnixNano(),
	}

	// The read lock keeps Close from closing an inbox mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}

	for _, sub := range b.targets(tenantID, topic) {
		select {
		case sub.inbox <- msg:
		default:
			slog.Warn("bus subscriber full, message dropped",
				"tenant_id", tenantID,
				"topic", topic,
				"message_id", msg.ID,
			)
		}
	}
	return nil
}

// targets lists tenant subscribers, then AllTenants subscribers. Work
// topics go to the first of them only. Callers hold b.mu.
func (b *ChannelBus) targets(tenantID, topic string) []*channelSubscription {
	subs := b.routes[route{tenantID, topic}]
	if all := b.routes[route{domain.AllTenants, topic}]; len(all) > 0 {
		subs = append(subs[:len(subs):len(subs)], all...)
	}
	if domain.IsWorkTopic(topic) && len(subs) > 1 {
		return subs[:1]
	}
	return subs
}

// Subscribe runs handler for every message on topic for tenantID until
// ctx ends, the subscription is dropped or the bus closes.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		route:   route{tenantID, topic},
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	b.routes[sub.route] = append(b.routes[sub.route], sub)

	go sub.run()
	return sub, nil
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
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Debug("bus handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request publishes payload with a private reply topic and waits for the
// first Reply.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	replies := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()
	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replies <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.send(tenantID, topic, payload, map[string]string{domain.MetadataReplyTo: replyTopic}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timeout on %s: %w", topic, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Reply publishes payload to the reply topic of msg.
func (b *ChannelBus) Reply(ctx context.Context, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata[domain.MetadataReplyTo]
	if replyTo == "" {
		return fmt.Errorf("message %s has no reply address", msg.ID)
	}
	return b.send(msg.TenantID, replyTo, payload, nil)
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close stops every subscription. Later calls are no-ops.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.routes {
		for _, sub := range subs {
			sub.cancel()
			close(sub.inbox)
		}
	}
	clear(b.routes)
	return nil
}

// Unsubscribe stops delivery to the subscription.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.routes[s.route]
	for i, other := range subs {
		if other.id == s.id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.routes, s.route)
	} else {
		b.routes[s.route] = subs
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.route.topic
}
