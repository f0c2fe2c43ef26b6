package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Chama is a rotating savings group. Counters and the payout order are
// only mutated by the lifecycle starter and the payout cycle processor.
type Chama struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	Slug               string       `gorm:"type:text;not null;uniqueIndex"`
	Name               string       `gorm:"type:text;not null"`
	Description        string       `gorm:"type:text"`
	ContributionAmount string       `gorm:"type:text;not null"`
	CycleDays          int          `gorm:"not null"`
	MaxMembers         int          `gorm:"not null"`
	IsPublic           bool         `gorm:"not null;default:false"`
	StartDate          time.Time    `gorm:"not null"`
	PayDate            *time.Time
	Cycle              int   `gorm:"not null;default:1"`
	Round              int   `gorm:"not null;default:1"`
	Started            bool  `gorm:"not null;default:false"`
	OnchainID          int64 `gorm:"not null;uniqueIndex"`
	AdminID            snowflake.ID
	Version            int64 `gorm:"not null;default:0"`
	LastError          *string
	LastErrorAt        *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Chama) TableName() string { return "chamas" }

// CycleLength returns the configured cadence as a day count usable with AddDate.
func (c Chama) CycleLength() int {
	return c.CycleDays
}

// BasePayDate is the anchor used when the first payout order is built.
func (c Chama) BasePayDate() time.Time {
	if c.PayDate != nil && !c.PayDate.IsZero() {
		return c.PayDate.UTC()
	}
	return c.StartDate.UTC()
}

type Member struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ChamaID       snowflake.ID `gorm:"not null;uniqueIndex:ux_chama_members_user"`
	UserID        snowflake.ID `gorm:"not null;uniqueIndex:ux_chama_members_user"`
	WalletAddress string       `gorm:"type:text;not null"`
	JoinedAt      time.Time    `gorm:"not null"`
}

func (Member) TableName() string { return "chama_members" }

type User struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	DisplayName   string       `gorm:"type:text;not null"`
	Phone         string       `gorm:"type:text"`
	WalletAddress string       `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt     time.Time    `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// PayoutOrderEntry is one scheduled turn in the rotation. Position is
// 1-based and matches the chama's round counter.
type PayoutOrderEntry struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ChamaID       snowflake.ID `gorm:"not null;uniqueIndex:ux_payout_order_position"`
	Position      int          `gorm:"not null;uniqueIndex:ux_payout_order_position"`
	WalletAddress string       `gorm:"type:text;not null"`
	PayDate       time.Time    `gorm:"not null"`
	Amount        string       `gorm:"type:text;not null;default:'0'"`
	Paid          bool         `gorm:"not null;default:false"`
	UpdatedAt     time.Time    `gorm:"not null"`
}

func (PayoutOrderEntry) TableName() string { return "payout_order_entries" }

// UnpaidAmount is stored on entries that have not received a payout yet.
const UnpaidAmount = "0"

type PayoutOrder []PayoutOrderEntry

// Addresses returns the wallet addresses in payout order.
func (o PayoutOrder) Addresses() []string {
	out := make([]string, len(o))
	for i, entry := range o {
		out[i] = entry.WalletAddress
	}
	return out
}

// Clone returns a deep copy so pure transitions never alias persisted rows.
func (o PayoutOrder) Clone() PayoutOrder {
	if o == nil {
		return nil
	}
	out := make(PayoutOrder, len(o))
	copy(out, o)
	return out
}

// Payout is the ledger row written for every confirmed disbursement.
type Payout struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ChamaID       snowflake.ID `gorm:"not null;index"`
	UserID        snowflake.ID `gorm:"not null"`
	WalletAddress string       `gorm:"type:text;not null"`
	Amount        string       `gorm:"type:text;not null"`
	TxHash        string       `gorm:"type:text;not null;uniqueIndex"`
	Cycle         int          `gorm:"not null"`
	Round         int          `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null"`
}

func (Payout) TableName() string { return "payouts" }

// Contribution is a confirmed deposit made on behalf of a member.
type Contribution struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ChamaID       snowflake.ID `gorm:"not null;index"`
	UserID        snowflake.ID `gorm:"not null"`
	WalletAddress string       `gorm:"type:text;not null"`
	Amount        string       `gorm:"type:text;not null"`
	Cycle         int          `gorm:"not null"`
	Round         int          `gorm:"not null"`
	TxHash        string       `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt     time.Time    `gorm:"not null"`
}

func (Contribution) TableName() string { return "contributions" }
