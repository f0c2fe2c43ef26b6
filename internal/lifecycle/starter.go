// Package lifecycle moves pending chamas to active once their start date
// has passed.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/notification"
	obslogger "github.com/smallbiznis/chama/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chama/internal/observability/metrics"
	"github.com/smallbiznis/chama/internal/observability/tracing"
	"github.com/smallbiznis/chama/internal/onchain"
	"github.com/smallbiznis/chama/internal/rotation"
	"github.com/smallbiznis/chama/internal/scheduler/guard"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          chamadomain.Repository
	Executor      onchain.Executor
	Notifier      notification.Notifier
	Rotation      *config.RotationConfigHolder
	Builder       *rotation.Builder           `optional:"true"`
	Metrics       *obsmetrics.RotationMetrics `optional:"true"`
	DomainMetrics *obsmetrics.Metrics         `optional:"true"`
}

type Starter struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          chamadomain.Repository
	executor      onchain.Executor
	notifier      notification.Notifier
	rotation      *config.RotationConfigHolder
	builder       *rotation.Builder
	metrics       *obsmetrics.RotationMetrics
	domainMetrics *obsmetrics.Metrics
}

// Result describes what one Start call did.
type Result struct {
	Started bool
	TxHash  string
	Order   chamadomain.PayoutOrder
}

func NewStarter(p Params) *Starter {
	builder := p.Builder
	if builder == nil {
		builder = rotation.NewBuilder()
	}
	return &Starter{
		db:            p.DB,
		log:           p.Log.Named("lifecycle.starter"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		executor:      p.Executor,
		notifier:      p.Notifier,
		rotation:      p.Rotation,
		builder:       builder,
		metrics:       p.Metrics,
		domainMetrics: p.DomainMetrics,
	}
}

// Start builds and commits the payout order for one pending chama. The
// order is set on-chain first; started=true and the order rows are only
// written after the transaction is confirmed. A chama that is not (or no
// longer) eligible yields Result{Started: false} and no error.
func (s *Starter) Start(ctx context.Context, chamaID snowflake.ID) (result Result, err error) {
	ctx, span := tracing.Start(ctx, "lifecycle.start", attribute.String("chama.id", chamaID.String()))
	defer func() { tracing.End(span, err) }()

	chama, err := s.repo.FindByID(ctx, s.db, chamaID)
	if err != nil {
		return Result{}, err
	}
	if chama == nil {
		return Result{}, chamadomain.DataIntegrityError(chamadomain.OpStartChama, nil,
			fmt.Errorf("%w: %s", chamadomain.ErrChamaNotFound, chamaID))
	}
	span.SetAttributes(attribute.Int64("chama.onchain_id", chama.OnchainID))

	now := s.clock.Now().UTC()
	if err := guard.EnsureChamaCanStart(chama.Started, chama.StartDate, now); err != nil {
		s.logger(ctx).Debug("lifecycle.start.skipped",
			zap.String("chama_id", chama.ID.String()),
			zap.String("reason", err.Error()),
		)
		return Result{}, nil
	}

	members, err := s.repo.ListMembers(ctx, s.db, chama.ID)
	if err != nil {
		return Result{}, err
	}
	addresses := make([]string, len(members))
	for i, member := range members {
		addresses[i] = member.WalletAddress
	}

	order, err := s.builder.Build(addresses, chama.BasePayDate(), chama.CycleLength())
	if err != nil {
		return Result{}, chamadomain.WithChama(err, chama)
	}
	for i := range order {
		order[i].ID = s.genID.Generate()
		order[i].ChamaID = chama.ID
		order[i].UpdatedAt = now
	}

	txHash, err := s.executor.SetPayoutOrder(ctx, chama.OnchainID, order.Addresses())
	if err != nil {
		return Result{}, chamadomain.ChainExecutionError(chamadomain.OpSetPayoutOrder, chama, err)
	}

	payDate := order[0].PayDate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkStarted(ctx, tx, chama.ID, chama.Version, payDate, now)
		if err != nil {
			return err
		}
		if !ok {
			return chamadomain.ErrConcurrentUpdate
		}
		return s.repo.InsertPayoutOrder(ctx, tx, order)
	})
	if err != nil {
		s.metrics.IncDivergence(chamadomain.OpCommitStart)
		s.logger(ctx).Error("payout order set on-chain but start was not committed",
			zap.Bool("alert", true),
			zap.String("chama_id", chama.ID.String()),
			zap.Int64("onchain_id", chama.OnchainID),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
		return Result{}, chamadomain.PersistenceError(chamadomain.OpCommitStart, chama, err)
	}

	s.logger(ctx).Info("chama started",
		zap.String("chama_id", chama.ID.String()),
		zap.Int64("onchain_id", chama.OnchainID),
		zap.Int("members", len(order)),
		zap.Time("pay_date", payDate),
		zap.String("tx_hash", txHash),
	)
	s.domainMetrics.RecordStart(ctx)

	messages := s.rotation.Get().Messages
	s.notifier.NotifyAll(ctx, chama.ID,
		config.Render(messages.ChamaStarted, chama.Name, chama.ContributionAmount, ""),
		notification.CategoryChamaStarted, 0)

	return Result{Started: true, TxHash: txHash, Order: order}, nil
}

func (s *Starter) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}
