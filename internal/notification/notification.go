// Package notification fans rotation outcomes out to members. Delivery is
// best effort: failures are logged and counted, never returned.
package notification

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Category string

const (
	CategoryChamaStarted    Category = "chama_started"
	CategoryPayoutReceived  Category = "payout_received"
	CategoryPayoutCompleted Category = "payout_completed"
	CategoryRoundRefunded   Category = "round_refunded"
	CategoryDeposit         Category = "contribution_received"
)

// Notification is one inbox row.
type Notification struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID    snowflake.ID   `json:"user_id" gorm:"not null;index"`
	ChamaID   *snowflake.ID  `json:"chama_id,omitempty"`
	Category  Category       `json:"category" gorm:"type:text;not null"`
	Message   string         `json:"message" gorm:"type:text;not null"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
}

func (Notification) TableName() string { return "notifications" }

// Notifier is what the rotation engine depends on.
type Notifier interface {
	Notify(ctx context.Context, userID, chamaID snowflake.ID, message string, category Category)
	// NotifyAll reaches every member of chamaID except excludeUserID, which
	// may be zero.
	NotifyAll(ctx context.Context, chamaID snowflake.ID, message string, category Category, excludeUserID snowflake.ID)
}
