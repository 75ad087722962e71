package events

import (
	"fmt"
	"strings"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation. With no NATS URL
// configured the pool runs on the in-memory bus, which is the single-process
// default.
func Provide(cfg bus.NATSConfig, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}
