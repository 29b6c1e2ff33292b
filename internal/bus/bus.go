// Package bus moves Kestrel events between the API, the analyzer, the
// model layer and the async workers. Every message belongs to a tenant.
package bus

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New returns the bus selected by cfg.Type: "channel" keeps everything in
// process, "nats" spans processes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unsupported event bus type %q: want channel or nats", cfg.Type)
}
