// Package payoutcycle settles due chamas: it asks the contract to settle,
// reads back whether the round disbursed or refunded, and advances the
// stored rotation to match.
package payoutcycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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
	Metrics       *obsmetrics.RotationMetrics `optional:"true"`
	DomainMetrics *obsmetrics.Metrics         `optional:"true"`
}

type Processor struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          chamadomain.Repository
	executor      onchain.Executor
	notifier      notification.Notifier
	rotation      *config.RotationConfigHolder
	metrics       *obsmetrics.RotationMetrics
	domainMetrics *obsmetrics.Metrics
}

// Result describes what one Process call committed. Kind is empty when the
// chama was not due.
type Result struct {
	Kind      onchain.SettlementKind
	TxHash    string
	Recipient string
	Amount    string
	Round     int
	Cycle     int
}

func (r Result) Settled() bool {
	return r.Kind != ""
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		db:            p.DB,
		log:           p.Log.Named("payoutcycle.processor"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		executor:      p.Executor,
		notifier:      p.Notifier,
		rotation:      p.Rotation,
		metrics:       p.Metrics,
		domainMetrics: p.DomainMetrics,
	}
}

// Process settles one due chama. Nothing is written unless the contract
// confirmed a disbursement or refund for it.
func (p *Processor) Process(ctx context.Context, chamaID snowflake.ID) (result Result, err error) {
	ctx, span := tracing.Start(ctx, "payoutcycle.process", attribute.String("chama.id", chamaID.String()))
	defer func() { tracing.End(span, err) }()

	chama, err := p.repo.FindByID(ctx, p.db, chamaID)
	if err != nil {
		return Result{}, err
	}
	if chama == nil {
		return Result{}, chamadomain.DataIntegrityError(chamadomain.OpSettlePayouts, nil,
			fmt.Errorf("%w: %s", chamadomain.ErrChamaNotFound, chamaID))
	}
	span.SetAttributes(attribute.Int64("chama.onchain_id", chama.OnchainID))

	now := p.clock.Now().UTC()
	if err := guard.EnsureChamaPayoutDue(chama.Started, chama.PayDate, now); err != nil {
		if guard.IsNotDue(err) {
			return Result{}, nil
		}
		return Result{}, chamadomain.DataIntegrityError(chamadomain.OpSettlePayouts, chama, err)
	}

	order, err := p.repo.ListPayoutOrder(ctx, p.db, chama.ID)
	if err != nil {
		return Result{}, err
	}
	memberCount, err := p.repo.CountMembers(ctx, p.db, chama.ID)
	if err != nil {
		return Result{}, err
	}
	if len(order) == 0 || len(order) != memberCount {
		return Result{}, chamadomain.DataIntegrityError(chamadomain.OpSettlePayouts, chama,
			fmt.Errorf("%w: order has %d entries, chama has %d members", chamadomain.ErrPayoutOrderMismatch, len(order), memberCount))
	}

	receipt, err := p.executor.SettleDueChamas(ctx, []int64{chama.OnchainID})
	if err != nil {
		return Result{}, chamadomain.ChainExecutionError(chamadomain.OpSettlePayouts, chama, err)
	}
	settlement, err := receipt.SettlementFor(chama.OnchainID)
	if err != nil {
		return Result{}, chamadomain.ChainExecutionError(chamadomain.OpSettlePayouts, chama, err)
	}

	state := rotation.StateOf(*chama, order)
	switch settlement.Kind {
	case onchain.SettlementDisburse:
		return p.disburse(ctx, chama, state, settlement, now)
	case onchain.SettlementRefund:
		return p.refund(ctx, chama, state, settlement, now)
	default:
		return Result{}, chamadomain.ChainExecutionError(chamadomain.OpSettlePayouts, chama,
			fmt.Errorf("%w: %q", chamadomain.ErrUnexpectedSettlement, settlement.Kind))
	}
}

func (p *Processor) disburse(ctx context.Context, chama *chamadomain.Chama, state rotation.State, settlement onchain.Settlement, now time.Time) (Result, error) {
	existing, err := p.repo.FindPayoutByTxHash(ctx, p.db, settlement.TxHash)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		p.logger(ctx).Warn("payout already recorded for transaction",
			zap.String("chama_id", chama.ID.String()),
			zap.String("tx_hash", settlement.TxHash),
		)
		return Result{}, nil
	}

	recipient, err := p.repo.FindUserByAddress(ctx, p.db, settlement.Recipient)
	if err != nil {
		return Result{}, err
	}
	if recipient == nil {
		return Result{}, chamadomain.DataIntegrityError(chamadomain.OpApplySettle, chama,
			fmt.Errorf("%w: %s", chamadomain.ErrRecipientNotFound, settlement.Recipient))
	}

	next, err := rotation.ApplyDisburse(state, settlement.Recipient, settlement.Amount, chama.CycleLength())
	if err != nil {
		return Result{}, chamadomain.WithChama(err, chama)
	}

	payout := &chamadomain.Payout{
		ID:            p.genID.Generate(),
		ChamaID:       chama.ID,
		UserID:        recipient.ID,
		WalletAddress: recipient.WalletAddress,
		Amount:        settlement.Amount,
		TxHash:        settlement.TxHash,
		Cycle:         state.Cycle,
		Round:         state.Round,
		CreatedAt:     now,
	}
	if err := p.commit(ctx, chama, next, payout, now); err != nil {
		p.divergence(ctx, chama, settlement, err)
		return Result{}, chamadomain.PersistenceError(chamadomain.OpCommitSettle, chama, err)
	}

	p.logger(ctx).Info("payout disbursed",
		zap.String("chama_id", chama.ID.String()),
		zap.Int64("onchain_id", chama.OnchainID),
		zap.String("recipient_id", recipient.ID.String()),
		zap.String("amount", settlement.Amount),
		zap.Int("round", state.Round),
		zap.Int("cycle", state.Cycle),
		zap.Bool("rotation_completed", state.Wraps()),
		zap.String("tx_hash", settlement.TxHash),
	)
	p.domainMetrics.RecordSettlement(ctx, string(onchain.SettlementDisburse))

	messages := p.rotation.Get().Messages
	p.notifier.Notify(ctx, recipient.ID, chama.ID,
		config.Render(messages.PayoutReceived, chama.Name, settlement.Amount, recipient.DisplayName),
		notification.CategoryPayoutReceived)
	p.notifier.NotifyAll(ctx, chama.ID,
		config.Render(messages.PayoutCompleted, chama.Name, settlement.Amount, recipient.DisplayName),
		notification.CategoryPayoutCompleted, recipient.ID)

	return Result{
		Kind:      onchain.SettlementDisburse,
		TxHash:    settlement.TxHash,
		Recipient: recipient.WalletAddress,
		Amount:    settlement.Amount,
		Round:     next.Round,
		Cycle:     next.Cycle,
	}, nil
}

func (p *Processor) refund(ctx context.Context, chama *chamadomain.Chama, state rotation.State, settlement onchain.Settlement, now time.Time) (Result, error) {
	next := rotation.ApplyRefund(state, chama.CycleLength())
	if err := p.commit(ctx, chama, next, nil, now); err != nil {
		p.divergence(ctx, chama, settlement, err)
		return Result{}, chamadomain.PersistenceError(chamadomain.OpCommitSettle, chama, err)
	}

	p.logger(ctx).Info("round refunded",
		zap.String("chama_id", chama.ID.String()),
		zap.Int64("onchain_id", chama.OnchainID),
		zap.Int("round", state.Round),
		zap.Int("cycle", state.Cycle),
		zap.Time("next_pay_date", next.PayDate),
		zap.String("tx_hash", settlement.TxHash),
	)
	p.domainMetrics.RecordSettlement(ctx, string(onchain.SettlementRefund))

	messages := p.rotation.Get().Messages
	p.notifier.NotifyAll(ctx, chama.ID,
		config.Render(messages.RoundRefunded, chama.Name, chama.ContributionAmount, ""),
		notification.CategoryRoundRefunded, 0)

	return Result{
		Kind:   onchain.SettlementRefund,
		TxHash: settlement.TxHash,
		Round:  next.Round,
		Cycle:  next.Cycle,
	}, nil
}

// commit writes the payout row (if any), the order and the counters in one
// transaction. The counter update is conditional on the version read before
// the chain call.
func (p *Processor) commit(ctx context.Context, chama *chamadomain.Chama, next rotation.State, payout *chamadomain.Payout, now time.Time) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if payout != nil {
			if err := p.repo.InsertPayout(ctx, tx, payout); err != nil {
				return err
			}
		}
		if err := p.repo.UpdatePayoutOrder(ctx, tx, next.Order, now); err != nil {
			return err
		}
		ok, err := p.repo.UpdateCounters(ctx, tx, chama.ID, chama.Version, next.Round, next.Cycle, next.PayDate, now)
		if err != nil {
			return err
		}
		if !ok {
			return chamadomain.ErrConcurrentUpdate
		}
		return nil
	})
}

func (p *Processor) divergence(ctx context.Context, chama *chamadomain.Chama, settlement onchain.Settlement, err error) {
	p.metrics.IncDivergence(chamadomain.OpCommitSettle)
	p.logger(ctx).Error("settlement confirmed on-chain but not committed",
		zap.Bool("alert", true),
		zap.String("chama_id", chama.ID.String()),
		zap.Int64("onchain_id", chama.OnchainID),
		zap.String("settlement", string(settlement.Kind)),
		zap.String("recipient", strings.ToLower(settlement.Recipient)),
		zap.String("tx_hash", settlement.TxHash),
		zap.Bool("concurrent_update", errors.Is(err, chamadomain.ErrConcurrentUpdate)),
		zap.Error(err),
	)
}

func (p *Processor) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, p.log)
}
