package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/custody"
	"github.com/smallbiznis/chama/internal/lock"
	"github.com/smallbiznis/chama/internal/onchain"
	"github.com/smallbiznis/chama/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const joinLockTTL = 2 * time.Minute

var walletAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// KeyIssuer creates custodial keys for users who bring no wallet.
type KeyIssuer interface {
	NewKey(userID snowflake.ID) (*custody.Key, error)
	StoreKey(ctx context.Context, tx *gorm.DB, key *custody.Key) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Executor onchain.Executor
	Keys     KeyIssuer   `optional:"true"`
	Locker   lock.Locker `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	executor onchain.Executor
	keys     KeyIssuer
	locker   lock.Locker
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("chama.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		executor: p.Executor,
		keys:     p.Keys,
		locker:   p.Locker,
	}
}

// CreateUser registers a member. Without a wallet address a custodial key
// is issued and its address becomes the user's wallet.
func (s *Service) CreateUser(ctx context.Context, req domain.CreateUserRequest) (*domain.User, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	address := strings.TrimSpace(req.WalletAddress)
	if address != "" && !walletAddressPattern.MatchString(address) {
		return nil, domain.ErrInvalidWalletAddress
	}
	if address == "" && s.keys == nil {
		return nil, domain.ErrSignerUnavailable
	}

	user := &domain.User{
		ID:            s.genID.Generate(),
		DisplayName:   name,
		Phone:         strings.TrimSpace(req.Phone),
		WalletAddress: address,
		CreatedAt:     s.clock.Now().UTC(),
	}

	var key *custody.Key
	if address == "" {
		var err error
		key, err = s.keys.NewKey(user.ID)
		if err != nil {
			return nil, err
		}
		user.WalletAddress = key.Address
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertUser(ctx, tx, user); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: wallet already registered", domain.ErrInvalidWalletAddress)
			}
			return err
		}
		if key != nil {
			return s.keys.StoreKey(ctx, tx, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) Create(ctx context.Context, req domain.CreateChamaRequest) (*domain.Chama, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.ContributionAmount))
	if err != nil || !amount.IsPositive() {
		return nil, domain.ErrInvalidContribution
	}
	if req.CycleDays < 1 {
		return nil, domain.ErrInvalidCycleLength
	}
	if req.MaxMembers < 2 {
		return nil, domain.ErrInvalidMaxMembers
	}
	if req.OnchainID <= 0 {
		return nil, domain.ErrInvalidOnchainID
	}

	now := s.clock.Now().UTC()
	startDate := req.StartDate.UTC()
	if req.StartDate.IsZero() {
		startDate = now
	}

	chama := &domain.Chama{
		ID:                 s.genID.Generate(),
		Name:               name,
		Description:        strings.TrimSpace(req.Description),
		ContributionAmount: amount.String(),
		CycleDays:          req.CycleDays,
		MaxMembers:         req.MaxMembers,
		IsPublic:           req.IsPublic,
		StartDate:          startDate,
		Cycle:              1,
		Round:              1,
		OnchainID:          req.OnchainID,
		AdminID:            req.AdminID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chamaSlug, err := s.uniqueSlug(ctx, tx, name, req.OnchainID)
		if err != nil {
			return err
		}
		chama.Slug = chamaSlug
		return s.repo.Insert(ctx, tx, chama)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: on-chain id %d already registered", domain.ErrInvalidOnchainID, req.OnchainID)
		}
		return nil, err
	}

	s.log.Info("chama created",
		zap.String("chama_id", chama.ID.String()),
		zap.String("slug", chama.Slug),
		zap.Int64("onchain_id", chama.OnchainID),
	)
	return chama, nil
}

func (s *Service) uniqueSlug(ctx context.Context, tx *gorm.DB, name string, onchainID int64) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "chama"
	}
	existing, err := s.repo.FindBySlug(ctx, tx, base)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return base, nil
	}
	return fmt.Sprintf("%s-%d", base, onchainID), nil
}

// AddMember admits a user to a chama that has not started. Public chamas
// are joined on-chain first; the membership row is written only after the
// join is confirmed.
func (s *Service) AddMember(ctx context.Context, req domain.AddMemberRequest) (*domain.Member, error) {
	if s.locker != nil {
		key := lock.ChamaKey(req.ChamaID)
		token, ok, err := s.locker.TryLock(ctx, key, joinLockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrLockNotAcquired
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.log.Warn("failed to release chama lock", zap.String("chama_id", req.ChamaID.String()), zap.Error(err))
			}
		}()
	}

	chama, user, err := s.checkAdmission(ctx, s.db, req)
	if err != nil {
		return nil, err
	}

	if chama.IsPublic {
		txHash, err := s.executor.JoinPublicChama(ctx, chama.OnchainID, user.WalletAddress)
		if err != nil {
			return nil, domain.ChainExecutionError(domain.OpJoinChama, chama, err)
		}
		s.log.Info("public chama joined on-chain",
			zap.String("chama_id", chama.ID.String()),
			zap.String("user_id", user.ID.String()),
			zap.String("tx_hash", txHash),
		)
	}

	member := &domain.Member{
		ID:            s.genID.Generate(),
		ChamaID:       chama.ID,
		UserID:        user.ID,
		WalletAddress: user.WalletAddress,
		JoinedAt:      s.clock.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := s.checkAdmission(ctx, tx, req); err != nil {
			return err
		}
		return s.repo.InsertMember(ctx, tx, member)
	})
	if err != nil {
		if chama.IsPublic {
			s.log.Error("member joined on-chain but membership was not stored",
				zap.Bool("alert", true),
				zap.String("chama_id", chama.ID.String()),
				zap.Int64("onchain_id", chama.OnchainID),
				zap.String("user_id", user.ID.String()),
				zap.Error(err),
			)
			return nil, domain.PersistenceError(domain.OpJoinChama, chama, err)
		}
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAlreadyMember
		}
		return nil, err
	}
	return member, nil
}

func (s *Service) checkAdmission(ctx context.Context, conn *gorm.DB, req domain.AddMemberRequest) (*domain.Chama, *domain.User, error) {
	chama, err := s.repo.FindByID(ctx, conn, req.ChamaID)
	if err != nil {
		return nil, nil, err
	}
	if chama == nil {
		return nil, nil, domain.ErrChamaNotFound
	}
	if chama.Started {
		return nil, nil, domain.ErrChamaAlreadyStarted
	}
	user, err := s.repo.FindUserByID(ctx, conn, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, domain.ErrUserNotFound
	}
	existing, err := s.repo.FindMember(ctx, conn, chama.ID, user.ID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, domain.ErrAlreadyMember
	}
	count, err := s.repo.CountMembers(ctx, conn, chama.ID)
	if err != nil {
		return nil, nil, err
	}
	if count >= chama.MaxMembers {
		return nil, nil, domain.ErrChamaFull
	}
	return chama, user, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Chama, error) {
	chama, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if chama == nil {
		return nil, domain.ErrChamaNotFound
	}
	return chama, nil
}

func (s *Service) ListMembers(ctx context.Context, chamaID snowflake.ID) ([]domain.Member, error) {
	return s.repo.ListMembers(ctx, s.db, chamaID)
}

func (s *Service) GetPayoutOrder(ctx context.Context, chamaID snowflake.ID) (domain.PayoutOrder, error) {
	return s.repo.ListPayoutOrder(ctx, s.db, chamaID)
}
