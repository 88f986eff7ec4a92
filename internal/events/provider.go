package events

import (
	"fmt"
	"strings"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation, wrapped in
// LoggedBus so every publisher gets JSONL durability and per-topic rate
// limiting regardless of transport.
func Provide(cfg *config.Config, log *logger.Logger, c clock.Clock, eventLogDir string) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		logged := bus.NewLoggedBus(natsBus, eventLogDir, cfg.RateLimit.PerMinute, c, log)
		cleanup := func() error {
			logged.Close()
			return nil
		}
		return &ProvidedBus{Bus: logged, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	logged := bus.NewLoggedBus(memBus, eventLogDir, cfg.RateLimit.PerMinute, c, log)
	return &ProvidedBus{Bus: logged, Memory: memBus}, func() error {
		logged.Close()
		return nil
	}, nil
}
