package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// collector records delivered messages and lets a test wait for them.
type collector struct {
	mu   sync.Mutex
	msgs []*domain.Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) handle(ctx context.Context, msg *domain.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

// wait blocks until n more messages arrived.
func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout: got %d of %d messages", i, n)
		}
	}
}

// quiet fails if anything arrives within a short window.
func (c *collector) quiet(t *testing.T) {
	t.Helper()
	select {
	case <-c.got:
		t.Error("unexpected delivery")
	case <-time.After(30 * time.Millisecond):
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func subscribe(t *testing.T, b domain.EventBus, tenantID, topic string, c *collector) domain.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), tenantID, topic, c.handle)
	if err != nil {
		t.Fatalf("subscribe %s/%s failed: %v", tenantID, topic, err)
	}
	return sub
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		c := newCollector()
		subscribe(t, bus, tenantID, domain.TopicDecision, c)

		if err := bus.Publish(ctx, tenantID, domain.TopicDecision, []byte(`{"riskCategory":"HIGH"}`)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		c.wait(t, 1)

		msg := c.msgs[0]
		if string(msg.Payload) != `{"riskCategory":"HIGH"}` {
			t.Errorf("unexpected payload %s", msg.Payload)
		}
		if msg.TenantID != tenantID || msg.Topic != domain.TopicDecision {
			t.Errorf("unexpected envelope %s/%s", msg.TenantID, msg.Topic)
		}
		if msg.ID == "" || msg.Timestamp == 0 {
			t.Error("expected id and timestamp on the envelope")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		one, two := newCollector(), newCollector()
		subscribe(t, bus, "tenant-a", domain.TopicAlert, one)
		subscribe(t, bus, "tenant-b", domain.TopicAlert, two)

		_ = bus.Publish(ctx, "tenant-a", domain.TopicAlert, []byte("critical"))
		one.wait(t, 1)
		two.quiet(t)
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", domain.TopicAlert, nil); err == nil {
			t.Error("expected error for empty tenantID on publish")
		}
		if _, err := bus.Subscribe(ctx, "", domain.TopicAlert, newCollector().handle); err == nil {
			t.Error("expected error for empty tenantID on subscribe")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		c := newCollector()
		sub := subscribe(t, bus, tenantID, domain.TopicExecutionFinalized, c)

		_ = bus.Publish(ctx, tenantID, domain.TopicExecutionFinalized, []byte("exec-1"))
		c.wait(t, 1)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		_ = bus.Publish(ctx, tenantID, domain.TopicExecutionFinalized, []byte("exec-2"))
		c.quiet(t)
	})

	t.Run("EventTopicsFanOut", func(t *testing.T) {
		audit, pager := newCollector(), newCollector()
		subscribe(t, bus, "tenant-c", domain.TopicAlert, audit)
		subscribe(t, bus, "tenant-c", domain.TopicAlert, pager)

		_ = bus.Publish(ctx, "tenant-c", domain.TopicAlert, []byte("critical"))
		audit.wait(t, 1)
		pager.wait(t, 1)
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub := subscribe(t, bus, tenantID, domain.TopicInference, newCollector())
		if sub.Topic() != domain.TopicInference {
			t.Errorf("expected topic %q, got %q", domain.TopicInference, sub.Topic())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	subscribe(t, bus, "tenant-001", domain.TopicAlert, newCollector())

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "tenant-001", domain.TopicAlert, nil); err == nil {
		t.Error("expected publish error after close")
	}
	if _, err := bus.Subscribe(ctx, "tenant-001", domain.TopicAlert, newCollector().handle); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("expected *ChannelBus, got %T", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	const messages = 500
	c := newCollector()
	subscribe(t, bus, "tenant-load", domain.TopicDecision, c)

	for i := 0; i < messages; i++ {
		if err := bus.Publish(context.Background(), "tenant-load", domain.TopicDecision, []byte("scored")); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}
	c.wait(t, messages)
	if n := c.count(); n != messages {
		t.Errorf("expected %d messages, got %d", messages, n)
	}
}

func TestChannelBusFullSubscriberDrops(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	release := make(chan struct{})
	var handled atomic.Int32
	_, err := bus.Subscribe(context.Background(), "tenant-slow", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		<-release
		handled.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// One message blocks the handler, one fills the buffer, the rest drop.
	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), "tenant-slow", domain.TopicAlert, nil); err != nil {
			t.Fatalf("publish must not block or fail: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	time.Sleep(50 * time.Millisecond)

	if n := handled.Load(); n != 2 {
		t.Errorf("expected 2 handled messages, got %d", n)
	}
}

func TestChannelBusRequestReply(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	_, err := bus.Subscribe(ctx, tenantID, domain.TopicInference, func(ctx context.Context, msg *domain.Message) error {
		return bus.Reply(ctx, msg, append([]byte("scored:"), msg.Payload...))
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	t.Run("ReplyReachesRequester", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, tenantID, domain.TopicInference, []byte("TXN_0"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "scored:TXN_0" {
			t.Errorf("expected 'scored:TXN_0', got '%s'", string(reply))
		}
	})

	t.Run("ReplySubscriptionIsReleased", func(t *testing.T) {
		bus.mu.RLock()
		n := len(bus.routes)
		bus.mu.RUnlock()
		if n != 1 {
			t.Errorf("expected only the responder subscription, got %d", n)
		}
	})

	t.Run("NoResponderTimesOut", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		if _, err := bus.Request(reqCtx, tenantID, "nobody.listens", []byte("x")); err == nil {
			t.Error("expected timeout error")
		}
	})

	t.Run("ReplyWithoutAddress", func(t *testing.T) {
		err := bus.Reply(ctx, &domain.Message{ID: "m1", TenantID: tenantID}, []byte("x"))
		if err == nil {
			t.Error("expected error for message without reply address")
		}
	})
}

func TestChannelBusUnsubscribe(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	var count atomic.Int32
	sub, _ := bus.Subscribe(ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		count.Add(1)
		return nil
	})

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	_ = bus.Publish(ctx, tenantID, domain.TopicAlert, []byte("critical"))
	time.Sleep(20 * time.Millisecond)

	if count.Load() != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
	}
}

func TestChannelBusAllTenants(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("FanIn", func(t *testing.T) {
		var mu sync.Mutex
		var tenants []string
		var wg sync.WaitGroup
		wg.Add(2)

		_, err := bus.Subscribe(ctx, domain.AllTenants, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			tenants = append(tenants, msg.TenantID)
			mu.Unlock()
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		_ = bus.Publish(ctx, "tenant-a", domain.TopicAlert, []byte("a"))
		_ = bus.Publish(ctx, "tenant-b", domain.TopicAlert, []byte("b"))

		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for fan-in delivery")
		}

		mu.Lock()
		defer mu.Unlock()
		if len(tenants) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(tenants))
		}
		for _, tenant := range tenants {
			if tenant == domain.AllTenants {
				t.Error("message kept the subscription tenant instead of the publisher's")
			}
		}
	})

	t.Run("WorkTopicDeliveredOnce", func(t *testing.T) {
		var specific, global atomic.Int32

		_, _ = bus.Subscribe(ctx, "tenant-c", domain.TopicBatchSubmitted, func(ctx context.Context, msg *domain.Message) error {
			specific.Add(1)
			return nil
		})
		_, _ = bus.Subscribe(ctx, domain.AllTenants, domain.TopicBatchSubmitted, func(ctx context.Context, msg *domain.Message) error {
			global.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "tenant-c", domain.TopicBatchSubmitted, []byte("batch"))
		_ = bus.Publish(ctx, "tenant-d", domain.TopicBatchSubmitted, []byte("batch"))
		time.Sleep(50 * time.Millisecond)

		if specific.Load() != 1 {
			t.Errorf("expected tenant subscriber to get 1 batch, got %d", specific.Load())
		}
		if global.Load() != 1 {
			t.Errorf("expected all-tenants subscriber to get 1 batch, got %d", global.Load())
		}
	})

	t.Run("PublishRejected", func(t *testing.T) {
		if err := bus.Publish(ctx, domain.AllTenants, domain.TopicAlert, nil); err == nil {
			t.Error("expected error publishing to all tenants")
		}
	})
}

func TestNATSEnvelope(t *testing.T) {
	b := &NATSBus{}

	m, err := b.newMsg("acme", domain.TopicAlert, []byte(`{"transactionId":"TXN_0"}`))
	if err != nil {
		t.Fatalf("newMsg failed: %v", err)
	}
	if m.Subject != "kestrel.alert.acme" {
		t.Errorf("expected subject 'kestrel.alert.acme', got '%s'", m.Subject)
	}

	m.Reply = "_INBOX.request"
	msg := toMessage(domain.TopicAlert, m)
	if msg.TenantID != "acme" {
		t.Errorf("expected tenant 'acme', got '%s'", msg.TenantID)
	}
	if msg.ID == "" || msg.ID != m.Header.Get(headerMessageID) {
		t.Errorf("message id not carried: %q", msg.ID)
	}
	if msg.Timestamp == 0 {
		t.Error("expected timestamp from header")
	}
	if msg.Metadata[domain.MetadataReplyTo] != "_INBOX.request" {
		t.Errorf("expected reply address, got %v", msg.Metadata)
	}
	if string(msg.Payload) != `{"transactionId":"TXN_0"}` {
		t.Errorf("payload changed in transit: %s", msg.Payload)
	}

	if _, err := b.newMsg(domain.AllTenants, domain.TopicAlert, nil); err == nil {
		t.Error("expected error publishing to all tenants")
	}
	if _, err := b.newMsg("", domain.TopicAlert, nil); err == nil {
		t.Error("expected error for empty tenantID")
	}
}
