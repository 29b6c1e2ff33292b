package domain

import (
	"context"
)

// EventBus carries tenant-scoped messages between Kestrel components.
// ChannelBus serves a single process; NATSBus spans replicas.
type EventBus interface {
	// Publish delivers payload to the subscribers of topic for tenantID.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe runs handler for each message on topic for tenantID, or for
	// every tenant when tenantID is AllTenants.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes payload and waits for a Reply, bounded by ctx.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Reply answers a message received through Request.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler handles one delivered message. Errors are logged by the
// bus; messages are not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus delivers.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// MetadataReplyTo names the message metadata key holding the reply address.
const MetadataReplyTo = "reply_to"

// AllTenants subscribes to a topic for every tenant. It is only valid for
// Subscribe; publishing under it is rejected.
const AllTenants = "_global"

// IsWorkTopic reports whether topic carries work that must be handled once.
// Buses deliver work topics to a single subscriber, preferring a
// tenant-specific one over an AllTenants one.
func IsWorkTopic(topic string) bool {
	return topic == TopicBatchSubmitted || topic == TopicInference
}

// Subscription is a live Subscribe registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `env:"KESTREL_BUS"`

	// Channel settings (Community tier)
	ChannelBufferSize int `env:"KESTREL_BUS_BUFFER"`

	// NATS settings (Pro tier)
	NATSUrl           string `env:"KESTREL_NATS_URL"`
	NATSToken         string `env:"KESTREL_NATS_TOKEN"`
	NATSMaxReconnects int    `env:"KESTREL_NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `env:"KESTREL_NATS_RECONNECT_WAIT"` // seconds

	// NATSQueueGroup load-balances work topics across server replicas.
	NATSQueueGroup string `env:"KESTREL_NATS_QUEUE"`
}

// Standard topic names for the analysis pipeline.
const (
	// TopicBatchSubmitted carries batches for asynchronous analysis.
	TopicBatchSubmitted = "kestrel.batch.submitted"

	// TopicInference is the request/reply subject of the model layer.
	TopicInference = "kestrel.model.infer"

	// TopicDecision receives HIGH and CRITICAL scored transactions.
	TopicDecision = "kestrel.decision"

	// TopicAlert receives CRITICAL scored transactions.
	TopicAlert = "kestrel.alert"

	// TopicExecutionFinalized receives finalized execution records.
	TopicExecutionFinalized = "kestrel.execution.finalized"
)
