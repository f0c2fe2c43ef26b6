package chama

import (
	"github.com/smallbiznis/chama/internal/chama/repository"
	"github.com/smallbiznis/chama/internal/chama/service"
	"github.com/smallbiznis/chama/internal/custody"
	"go.uber.org/fx"
)

var Module = fx.Module("chama.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(k *custody.Keystore) service.KeyIssuer { return k }),
	fx.Provide(service.New),
)
