package scheduler

import "go.uber.org/fx"

// Module provides the batch driver. It never runs on its own; the cron
// trigger endpoint and the tick binary call RunOnce.
var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)
