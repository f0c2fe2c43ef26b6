package contribution

import "go.uber.org/fx"

var Module = fx.Module("contribution",
	fx.Provide(NewService),
)
