// Package lock serializes work on one chama across concurrent triggers.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrEmptyKey      = errors.New("lock key is empty")
	ErrInvalidTTL    = errors.New("lock ttl must be positive")
	ErrNotConfigured = errors.New("lock client not configured")
)

// Locker hands out short-lived exclusive leases. A lease expires after ttl
// even if the holder never releases it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

const chamaKeyFormat = "chama:rotation:lock:%s"

// ChamaKey is the lease key shared by every writer of one chama.
func ChamaKey(chamaID snowflake.ID) string {
	return fmt.Sprintf(chamaKeyFormat, chamaID.String())
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
