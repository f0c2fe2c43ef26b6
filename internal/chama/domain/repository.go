package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the chama state store. Callers pass the *gorm.DB so a
// transaction can span several calls.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, chama *Chama) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Chama, error)
	FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*Chama, error)
	ListPendingStarts(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Chama, error)
	ListDuePayouts(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Chama, error)

	// MarkStarted flips started=true only when the row is still pending at
	// expectedVersion. It reports false when another writer got there first.
	MarkStarted(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, payDate, now time.Time) (bool, error)
	// UpdateCounters advances round, cycle and pay date at expectedVersion.
	UpdateCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, round, cycle int, payDate, now time.Time) (bool, error)
	RecordError(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) error

	InsertMember(ctx context.Context, db *gorm.DB, member *Member) error
	ListMembers(ctx context.Context, db *gorm.DB, chamaID snowflake.ID) ([]Member, error)
	FindMember(ctx context.Context, db *gorm.DB, chamaID, userID snowflake.ID) (*Member, error)
	CountMembers(ctx context.Context, db *gorm.DB, chamaID snowflake.ID) (int, error)

	InsertPayoutOrder(ctx context.Context, db *gorm.DB, order PayoutOrder) error
	UpdatePayoutOrder(ctx context.Context, db *gorm.DB, order PayoutOrder, now time.Time) error
	ListPayoutOrder(ctx context.Context, db *gorm.DB, chamaID snowflake.ID) (PayoutOrder, error)

	InsertUser(ctx context.Context, db *gorm.DB, user *User) error
	FindUserByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindUserByAddress(ctx context.Context, db *gorm.DB, address string) (*User, error)

	InsertPayout(ctx context.Context, db *gorm.DB, payout *Payout) error
	FindPayoutByTxHash(ctx context.Context, db *gorm.DB, txHash string) (*Payout, error)
	ListPayouts(ctx context.Context, db *gorm.DB, chamaID snowflake.ID) ([]Payout, error)

	InsertContribution(ctx context.Context, db *gorm.DB, contribution *Contribution) error
	FindContributionByTxHash(ctx context.Context, db *gorm.DB, txHash string) (*Contribution, error)
}

type CreateChamaRequest struct {
	Name               string
	Description        string
	ContributionAmount string
	CycleDays          int
	MaxMembers         int
	IsPublic           bool
	StartDate          time.Time
	OnchainID          int64
	AdminID            snowflake.ID
}

type AddMemberRequest struct {
	ChamaID snowflake.ID
	UserID  snowflake.ID
}

type CreateUserRequest struct {
	DisplayName   string
	Phone         string
	WalletAddress string
}

// Service covers chama bootstrap: creating groups and admitting members
// before the rotation starts.
type Service interface {
	CreateUser(ctx context.Context, req CreateUserRequest) (*User, error)
	Create(ctx context.Context, req CreateChamaRequest) (*Chama, error)
	AddMember(ctx context.Context, req AddMemberRequest) (*Member, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Chama, error)
	ListMembers(ctx context.Context, chamaID snowflake.ID) ([]Member, error)
	GetPayoutOrder(ctx context.Context, chamaID snowflake.ID) (PayoutOrder, error)
}
