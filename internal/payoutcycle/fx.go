package payoutcycle

import "go.uber.org/fx"

var Module = fx.Module("payoutcycle",
	fx.Provide(NewProcessor),
)
