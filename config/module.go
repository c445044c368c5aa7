package config

import (
	"go.uber.org/fx"
)

// Module provides the fx dependency injection options for the config package
var Module = fx.Options(
	fx.Provide(Load),
)
