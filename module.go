package ownet

import (
	"context"

	"go.uber.org/fx"

	"ownet/config"
	"ownet/config/logger"
	"ownet/event"
)

// Module wires the whole client for dependency injection: config,
// logger, event queue and the service, torn down on application stop.
var Module = fx.Options(
	config.Module,
	logger.Module,
	event.Module,
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Service) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return s.Close()
			},
		})
	}),
)
