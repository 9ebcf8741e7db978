package events

import (
	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events/bus"
)

// ProvidedBus describes the event bus created by Provide
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory bool
	NATS   bool
}

// Provide creates the event bus based on configuration.
// If a NATS URL is configured the bus is NATS-backed; otherwise an
// in-process bus is used. Returns the bus and a cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func(), error) {
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		provided := &ProvidedBus{Bus: natsBus, NATS: true}
		return provided, func() { natsBus.Close() }, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	provided := &ProvidedBus{Bus: memBus, Memory: true}
	return provided, func() { memBus.Close() }, nil
}
