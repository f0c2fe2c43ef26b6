package onchain

import (
	"fmt"
	"net/http"
	"time"

	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/custody"
	obsmetrics "github.com/smallbiznis/chama/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("onchain",
	fx.Provide(NewExecutor),
)

type Params struct {
	fx.In

	Config  config.Config
	Signers custody.Provider
	Log     *zap.Logger
	Metrics *obsmetrics.RotationMetrics `optional:"true"`
}

// NewExecutor picks the executor for the configured chain mode.
func NewExecutor(p Params) (Executor, error) {
	var base Executor
	switch p.Config.Chain.Mode {
	case config.ChainModeSimulated, "":
		p.Log.Warn("using simulated chain; no transactions leave this process")
		base = NewSimulatedChain()
	case config.ChainModeRelayer:
		relayer, err := NewRelayerExecutor(p.Config.Chain, p.Signers, &http.Client{Timeout: 15 * time.Second}, p.Log)
		if err != nil {
			return nil, err
		}
		base = relayer
	default:
		return nil, fmt.Errorf("unsupported chain mode %q", p.Config.Chain.Mode)
	}
	return Instrument(base, p.Metrics, p.Log), nil
}
