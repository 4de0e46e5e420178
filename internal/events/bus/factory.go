package bus

import (
	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/logger"
)

// New selects a Bus implementation from configuration: an empty NATS URL
// gets the in-process MemoryBus, otherwise a NATSBus connected to that
// URL. A failed NATS connection is returned as an error instead of falling
// back to the MemoryBus — a misconfigured NATS URL should fail startup
// rather than silently degrade to single-replica delivery.
func New(cfg config.NATSConfig, events config.EventsConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		log.Info("event bus: using in-process bus (no nats.url configured)")
		return NewMemoryBus(), nil
	}

	log.WithFields(zap.String("url", cfg.URL)).Info("event bus: connecting to nats")
	b, err := NewNATSBus(cfg.URL, events.Namespace)
	if err != nil {
		return nil, err
	}
	return b, nil
}
