package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Headers carrying the message envelope. The NATS payload is the raw
// message payload.
const (
	headerTenant    = "Kestrel-Tenant"
	headerMessageID = "Kestrel-Message-Id"
	headerTimestamp = "Kestrel-Timestamp"
	headerInReplyTo = "Kestrel-In-Reply-To"
)

// NATSBus implements EventBus on a NATS connection. Subjects are
// "<topic>.<tenant>" so an AllTenants subscription is the "<topic>.*"
// wildcard. Work topics are queue-subscribed so replicas share the load.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	queue         string
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to cfg.NATSUrl. The connection keeps retrying in
// the background when the server is not up yet.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.ConnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS connected", "url", nc.ConnectedUrl(), "server_id", nc.ConnectedServerId())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	return &NATSBus{
		conn:          conn,
		queue:         cfg.NATSQueueGroup,
		subscriptions: make(map[string]*natsSubscription),
	}, nil
}

// Publish sends payload on the tenant's subject for topic.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	m, err := b.newMsg(tenantID, topic, payload)
	if err != nil {
		return err
	}
	return b.conn.PublishMsg(m)
}

// Subscribe registers handler for topic. AllTenants receives the topic of
// every tenant.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	subject := topic + "." + tenantID
	if tenantID == domain.AllTenants {
		subject = topic + ".*"
	}

	cb := func(m *nats.Msg) {
		msg := toMessage(topic, m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if b.queue != "" && domain.IsWorkTopic(topic) {
		natsSub, err = b.conn.QueueSubscribe(subject, b.queue, cb)
	} else {
		natsSub, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
		bus:   b,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Request sends payload and waits for the responder's Reply.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	m, err := b.newMsg(tenantID, topic, payload)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	reply, err := b.conn.RequestMsgWithContext(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", m.Subject, err)
	}
	return reply.Data, nil
}

// Reply answers a request on the inbox it arrived with.
func (b *NATSBus) Reply(ctx context.Context, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata[domain.MetadataReplyTo]
	if replyTo == "" {
		return fmt.Errorf("message %s has no reply address", msg.ID)
	}

	m := nats.NewMsg(replyTo)
	m.Data = payload
	m.Header.Set(headerTenant, msg.TenantID)
	m.Header.Set(headerMessageID, uuid.New().String())
	m.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().UnixNano(), 10))
	m.Header.Set(headerInReplyTo, msg.ID)
	return b.conn.PublishMsg(m)
}

// Ping reports whether the connection is up and the server answers.
func (b *NATSBus) Ping(ctx context.Context) error {
	if status := b.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("NATS not connected: %s", status)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drops every subscription and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for id, sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()

	b.conn.Close()
	return nil
}

func (b *NATSBus) newMsg(tenantID, topic string, payload []byte) (*nats.Msg, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if tenantID == domain.AllTenants {
		return nil, fmt.Errorf("cannot publish to %s", domain.AllTenants)
	}

	m := nats.NewMsg(topic + "." + tenantID)
	m.Data = payload
	m.Header.Set(headerTenant, tenantID)
	m.Header.Set(headerMessageID, uuid.New().String())
	m.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().UnixNano(), 10))
	return m, nil
}

// toMessage rebuilds the envelope from the headers of m.
func toMessage(topic string, m *nats.Msg) *domain.Message {
	ts, _ := strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64)
	msg := &domain.Message{
		ID:        m.Header.Get(headerMessageID),
		TenantID:  m.Header.Get(headerTenant),
		Topic:     topic,
		Payload:   m.Data,
		Metadata:  make(map[string]string),
		Timestamp: ts,
	}
	if m.Reply != "" {
		msg.Metadata[domain.MetadataReplyTo] = m.Reply
	}
	return msg
}

// Unsubscribe stops delivery to the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
