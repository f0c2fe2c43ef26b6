package onchain

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/chama/internal/observability/metrics"
	"github.com/smallbiznis/chama/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// instrumented records latency, failures and a span for every call.
type instrumented struct {
	next    Executor
	metrics *obsmetrics.RotationMetrics
	log     *zap.Logger
}

// Instrument wraps next with metrics and tracing.
func Instrument(next Executor, metrics *obsmetrics.RotationMetrics, log *zap.Logger) Executor {
	return &instrumented{next: next, metrics: metrics, log: log.Named("onchain")}
}

func (i *instrumented) SetPayoutOrder(ctx context.Context, onchainID int64, addresses []string) (txHash string, err error) {
	ctx, done := i.observe(ctx, MethodSetPayoutOrder, attribute.Int64("chama.onchain_id", onchainID), attribute.Int("chama.members", len(addresses)))
	defer func() { done(err) }()
	return i.next.SetPayoutOrder(ctx, onchainID, addresses)
}

func (i *instrumented) SettleDueChamas(ctx context.Context, onchainIDs []int64) (receipt *Receipt, err error) {
	ctx, done := i.observe(ctx, MethodCheckPayDate, attribute.Int("chama.count", len(onchainIDs)))
	defer func() { done(err) }()
	return i.next.SettleDueChamas(ctx, onchainIDs)
}

func (i *instrumented) DepositOnBehalf(ctx context.Context, onchainID int64, member string, amount string) (txHash string, err error) {
	ctx, done := i.observe(ctx, MethodDepositForMember, attribute.Int64("chama.onchain_id", onchainID))
	defer func() { done(err) }()
	return i.next.DepositOnBehalf(ctx, onchainID, member, amount)
}

func (i *instrumented) JoinPublicChama(ctx context.Context, onchainID int64, member string) (txHash string, err error) {
	ctx, done := i.observe(ctx, MethodJoinPublicChama, attribute.Int64("chama.onchain_id", onchainID))
	defer func() { done(err) }()
	return i.next.JoinPublicChama(ctx, onchainID, member)
}

func (i *instrumented) observe(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "chain."+method, append(attrs, attribute.String("chain.method", method))...)
	return ctx, func(err error) {
		elapsed := time.Since(start)
		i.metrics.ObserveChainCall(method, elapsed, err)
		if err != nil {
			i.log.Warn("chain call failed",
				zap.String("method", method),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
		}
		tracing.End(span, err)
	}
}
