package custody

import "go.uber.org/fx"

var Module = fx.Module("custody",
	fx.Provide(NewKeystore),
	fx.Provide(func(k *Keystore) Provider { return k }),
)
