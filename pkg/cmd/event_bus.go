package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/brunori/outflow/pkg/channels/gochannel"
	"github.com/brunori/outflow/pkg/channels/kafka"
	"github.com/brunori/outflow/pkg/config"
	"github.com/brunori/outflow/pkg/eventbus"
)

// NewEventBus builds the lifecycle event bus for the configured provider.
// gochannel keeps events in-process; kafka shares them across workers.
func NewEventBus(cfg *config.Config, logger *slog.Logger, serviceName string) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch cfg.EventBus {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName, cfg.Brokers())
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", cfg.EventBus)
	}
}
