// internal/scheduler/testing/helper.go
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chama/internal/clock"
	"gorm.io/gorm"
)

// TimeAccelerator makes chamas eligible for the batch driver without
// waiting for real dates.
type TimeAccelerator struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTimeAccelerator(db *gorm.DB, clk clock.Clock) *TimeAccelerator {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &TimeAccelerator{db: db, clock: clk}
}

// MakeStartable moves a pending chama's start date into the past.
func (ta *TimeAccelerator) MakeStartable(ctx context.Context, chamaID snowflake.ID) error {
	now := ta.clock.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE chamas
		 SET start_date = ?, updated_at = ?
		 WHERE id = ? AND started = ?`,
		now.Add(-1*time.Minute),
		now,
		chamaID,
		false,
	).Error
}

// MakeDue moves a started chama's pay date into the past. Order entries are
// left alone so rotation dates stay comparable.
func (ta *TimeAccelerator) MakeDue(ctx context.Context, chamaID snowflake.ID) error {
	now := ta.clock.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE chamas
		 SET pay_date = ?, updated_at = ?
		 WHERE id = ? AND started = ?`,
		now.Add(-1*time.Minute),
		now,
		chamaID,
		true,
	).Error
}

// MakeAllDue speeds up every started chama.
func (ta *TimeAccelerator) MakeAllDue(ctx context.Context) (int64, error) {
	now := ta.clock.Now().UTC()
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE chamas
		 SET pay_date = ?, updated_at = ?
		 WHERE started = ? AND pay_date > ?`,
		now.Add(-1*time.Minute),
		now,
		true,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ChamaInfo shows where a chama stands for debugging.
type ChamaInfo struct {
	ID           snowflake.ID
	Started      bool
	Round        int
	Cycle        int
	PayDate      *time.Time
	TimeUntilPay time.Duration
	Due          bool
	LastError    *string
}

func (ta *TimeAccelerator) GetChamaInfo(ctx context.Context, chamaID snowflake.ID) (*ChamaInfo, error) {
	var row struct {
		ID        snowflake.ID
		Started   bool
		Round     int
		Cycle     int
		PayDate   *time.Time
		LastError *string
	}

	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, started, round, cycle, pay_date, last_error
		 FROM chamas
		 WHERE id = ?`,
		chamaID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}

	now := ta.clock.Now().UTC()
	info := &ChamaInfo{
		ID:        row.ID,
		Started:   row.Started,
		Round:     row.Round,
		Cycle:     row.Cycle,
		PayDate:   row.PayDate,
		LastError: row.LastError,
	}
	if row.PayDate != nil {
		info.TimeUntilPay = row.PayDate.Sub(now)
		info.Due = row.Started && !now.Before(*row.PayDate)
	}
	return info, nil
}

// ResetChamaErrors clears error flags for retesting.
func (ta *TimeAccelerator) ResetChamaErrors(ctx context.Context, chamaID snowflake.ID) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE chamas
		 SET last_error = NULL, last_error_at = NULL, updated_at = ?
		 WHERE id = ?`,
		ta.clock.Now().UTC(),
		chamaID,
	).Error
}
