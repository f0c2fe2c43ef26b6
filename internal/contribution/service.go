// Package contribution records deposits that an agent makes on behalf of
// a chama member through the member's custodial wallet.
package contribution

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/notification"
	obslogger "github.com/smallbiznis/chama/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chama/internal/observability/metrics"
	"github.com/smallbiznis/chama/internal/observability/tracing"
	"github.com/smallbiznis/chama/internal/onchain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DepositRequest struct {
	ChamaID snowflake.ID
	UserID  snowflake.ID
	Amount  string
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     chamadomain.Repository
	Executor onchain.Executor
	Notifier notification.Notifier
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     chamadomain.Repository
	executor onchain.Executor
	notifier notification.Notifier
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("contribution.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		executor: p.Executor,
		notifier: p.Notifier,
		metrics:  p.Metrics,
	}
}

// DepositForMember deposits exactly one contribution for the member in the
// chama's current round. The contract decides at settlement time whether
// the round is fully funded.
func (s *Service) DepositForMember(ctx context.Context, req DepositRequest) (contribution *chamadomain.Contribution, err error) {
	ctx, span := tracing.Start(ctx, "contribution.deposit",
		attribute.String("chama.id", req.ChamaID.String()),
		attribute.String("user.id", req.UserID.String()),
	)
	defer func() { tracing.End(span, err) }()

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		return nil, chamadomain.ErrInvalidContribution
	}

	chama, err := s.repo.FindByID(ctx, s.db, req.ChamaID)
	if err != nil {
		return nil, err
	}
	if chama == nil {
		return nil, chamadomain.ErrChamaNotFound
	}
	if !chama.Started {
		return nil, chamadomain.ErrChamaNotStarted
	}
	expected, err := decimal.NewFromString(chama.ContributionAmount)
	if err != nil {
		return nil, chamadomain.DataIntegrityError(chamadomain.OpDeposit, chama,
			fmt.Errorf("%w: stored amount %q", chamadomain.ErrInvalidContribution, chama.ContributionAmount))
	}
	if !amount.Equal(expected) {
		return nil, fmt.Errorf("%w: expected %s, got %s", chamadomain.ErrContributionMismatch, expected.String(), amount.String())
	}

	member, err := s.repo.FindMember(ctx, s.db, chama.ID, req.UserID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, chamadomain.ErrNotMember
	}

	txHash, err := s.executor.DepositOnBehalf(ctx, chama.OnchainID, member.WalletAddress, expected.String())
	if err != nil {
		return nil, chamadomain.ChainExecutionError(chamadomain.OpDeposit, chama, err)
	}

	contribution = &chamadomain.Contribution{
		ID:            s.genID.Generate(),
		ChamaID:       chama.ID,
		UserID:        member.UserID,
		WalletAddress: member.WalletAddress,
		Amount:        expected.String(),
		Cycle:         chama.Cycle,
		Round:         chama.Round,
		TxHash:        txHash,
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.repo.InsertContribution(ctx, s.db, contribution); err != nil {
		s.logger(ctx).Error("deposit confirmed on-chain but not recorded",
			zap.Bool("alert", true),
			zap.String("chama_id", chama.ID.String()),
			zap.Int64("onchain_id", chama.OnchainID),
			zap.String("user_id", member.UserID.String()),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
		return nil, chamadomain.PersistenceError(chamadomain.OpDeposit, chama, err)
	}

	s.logger(ctx).Info("contribution deposited",
		zap.String("chama_id", chama.ID.String()),
		zap.String("user_id", member.UserID.String()),
		zap.String("amount", contribution.Amount),
		zap.Int("round", chama.Round),
		zap.Int("cycle", chama.Cycle),
		zap.String("tx_hash", txHash),
	)
	s.metrics.RecordContribution(ctx)
	s.notifier.Notify(ctx, member.UserID, chama.ID,
		fmt.Sprintf("Your contribution of %s to %s was received.", contribution.Amount, chama.Name),
		notification.CategoryDeposit)

	return contribution, nil
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}
