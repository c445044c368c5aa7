package event

import (
	"go.uber.org/fx"

	"ownet/config"
	"ownet/config/logger"
)

// Module provides the event queue for dependency injection
var Module = fx.Module("event",
	fx.Provide(func(cfg *config.Config, log logger.Logger) Queue {
		return New(cfg, log.WithComponent("EVENTS"))
	}),
)
