package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"gorm.io/gorm"
)

const chamaColumns = `id, slug, name, description, contribution_amount, cycle_days, max_members,
	 is_public, start_date, pay_date, cycle, round, started, onchain_id, admin_id, version,
	 last_error, last_error_at, created_at, updated_at`

type repo struct{}

func Provide() chamadomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, chama *chamadomain.Chama) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO chamas (
			id, slug, name, description, contribution_amount, cycle_days, max_members,
			is_public, start_date, pay_date, cycle, round, started, onchain_id, admin_id,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chama.ID,
		chama.Slug,
		chama.Name,
		chama.Description,
		chama.ContributionAmount,
		chama.CycleDays,
		chama.MaxMembers,
		chama.IsPublic,
		chama.StartDate,
		chama.PayDate,
		chama.Cycle,
		chama.Round,
		chama.Started,
		chama.OnchainID,
		chama.AdminID,
		chama.Version,
		chama.CreatedAt,
		chama.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*chamadomain.Chama, error) {
	var chama chamadomain.Chama
	err := db.WithContext(ctx).Raw(
		`SELECT `+chamaColumns+` FROM chamas WHERE id = ?`,
		id,
	).Scan(&chama).Error
	if err != nil {
		return nil, err
	}
	if chama.ID == 0 {
		return nil, nil
	}
	return &chama, nil
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*chamadomain.Chama, error) {
	var chama chamadomain.Chama
	err := db.WithContext(ctx).Raw(
		`SELECT `+chamaColumns+` FROM chamas WHERE slug = ?`,
		slug,
	).Scan(&chama).Error
	if err != nil {
		return nil, err
	}
	if chama.ID == 0 {
		return nil, nil
	}
	return &chama, nil
}

func (r *repo) ListPendingStarts(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]chamadomain.Chama, error) {
	var chamas []chamadomain.Chama
	err := db.WithContext(ctx).Raw(
		`SELECT `+chamaColumns+`
		 FROM chamas
		 WHERE started = ? AND start_date <= ?
		 ORDER BY start_date ASC, id ASC
		 LIMIT ?`,
		false,
		now,
		limit,
	).Scan(&chamas).Error
	if err != nil {
		return nil, err
	}
	return chamas, nil
}

func (r *repo) ListDuePayouts(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]chamadomain.Chama, error) {
	var chamas []chamadomain.Chama
	err := db.WithContext(ctx).Raw(
		`SELECT `+chamaColumns+`
		 FROM chamas
		 WHERE started = ? AND pay_date IS NOT NULL AND pay_date <= ?
		 ORDER BY pay_date ASC, id ASC
		 LIMIT ?`,
		true,
		now,
		limit,
	).Scan(&chamas).Error
	if err != nil {
		return nil, err
	}
	return chamas, nil
}

func (r *repo) MarkStarted(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, payDate, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE chamas
		 SET started = ?, pay_date = ?, cycle = 1, round = 1, version = version + 1,
		     last_error = NULL, last_error_at = NULL, updated_at = ?
		 WHERE id = ? AND started = ? AND version = ?`,
		true,
		payDate,
		now,
		id,
		false,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, round, cycle int, payDate, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE chamas
		 SET round = ?, cycle = ?, pay_date = ?, version = version + 1,
		     last_error = NULL, last_error_at = NULL, updated_at = ?
		 WHERE id = ? AND started = ? AND version = ?`,
		round,
		cycle,
		payDate,
		now,
		id,
		true,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RecordError(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE chamas SET last_error = ?, last_error_at = ? WHERE id = ?`,
		message,
		now,
		id,
	).Error
}

func (r *repo) InsertMember(ctx context.Context, db *gorm.DB, member *chamadomain.Member) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO chama_members (id, chama_id, user_id, wallet_address, joined_at)
		 VALUES (?, ?, ?, ?, ?)`,
		member.ID,
		member.ChamaID,
		member.UserID,
		member.WalletAddress,
		member.JoinedAt,
	).Error
}

func (r *repo) ListMembers(ctx context.Context, db *gorm.DB, chamaID snowflake.ID) ([]chamadomain.Member, error) {
	var members []chamadomain.Member
	err := db.WithContext(ctx).Raw(
		`SELECT id, chama_id, user_id, wallet_address, joined_at
		 FROM chama_members
		 WHERE chama_id = ?
		 ORDER BY joined_at ASC, id ASC`,
		chamaID,
	).Scan(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repo) FindMember(ctx context.Context, db *gorm.DB, chamaID, userID snowflake.ID) (*chamadomain.Member, error) {
	var member chamadomain.Member
	err := db.WithContext(ctx).Raw(
		`SELECT id, chama_id, user_id, wallet_address, joined_at
		 FROM chama_members
		 WHERE chama_id = ? AND user_id = ?`,
		chamaID,
		userID,
	).Scan(&member).Error
	if err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, nil
	}
	return &member, nil
}

func (r *repo) CountMembers(ctx context.Context, db *gorm.DB, chamaID snowflake.ID) (int, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM chama_members WHERE chama_id = ?`,
		chamaID,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *repo) InsertPayoutOrder(ctx context.Context, db *gorm.DB, order chamadomain.PayoutOrder) error {
	for _, entry := range order {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO payout_order_entries (
				id, chama_id, position, wallet_address, pay_date, amount, paid, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID,
			entry.ChamaID,
			entry.Position,
			entry.WalletAddress,
			entry.PayDate,
			entry.Amount,
			entry.Paid,
			entry.UpdatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) UpdatePayoutOrder(ctx context.Context, db *gorm.DB, order chamadomain.PayoutOrder, now time.Time) error {
	for _, entry := range order {
		if err := db.WithContext(ctx).Exec(
			`UPDATE payout_order_entries
			 SET pay_date = ?, amount = ?, paid = ?, updated_at = ?
			 WHERE chama_id = ? AND position = ?`,
			entry.PayDate,
			entry.Amount,
			entry.Paid,
			now,
			entry.ChamaID,
			entry.Position,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListPayoutOrder(ctx context.Context, db *gorm.DB, chamaID snowflake.ID) (chamadomain.PayoutOrder, error) {
	var entries []chamadomain.PayoutOrderEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, chama_id, position, wallet_address, pay_date, amount, paid, updated_at
		 FROM payout_order_entries
		 WHERE chama_id = ?
		 ORDER BY position ASC`,
		chamaID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return chamadomain.PayoutOrder(entries), nil
}

func (r *repo) InsertUser(ctx context.Context, db *gorm.DB, user *chamadomain.User) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (id, display_name, phone, wallet_address, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		user.ID,
		user.DisplayName,
		user.Phone,
		user.WalletAddress,
		user.CreatedAt,
	).Error
}

func (r *repo) FindUserByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*chamadomain.User, error) {
	var user chamadomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, display_name, phone, wallet_address, created_at FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindUserByAddress(ctx context.Context, db *gorm.DB, address string) (*chamadomain.User, error) {
	var user chamadomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, display_name, phone, wallet_address, created_at
		 FROM users WHERE LOWER(wallet_address) = LOWER(?)`,
		address,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) InsertPayout(ctx context.Context, db *gorm.DB, payout *chamadomain.Payout) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payouts (
			id, chama_id, user_id, wallet_address, amount, tx_hash, cycle, round, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payout.ID,
		payout.ChamaID,
		payout.UserID,
		payout.WalletAddress,
		payout.Amount,
		payout.TxHash,
		payout.Cycle,
		payout.Round,
		payout.CreatedAt,
	).Error
}

func (r *repo) FindPayoutByTxHash(ctx context.Context, db *gorm.DB, txHash string) (*chamadomain.Payout, error) {
	var payout chamadomain.Payout
	err := db.WithContext(ctx).Raw(
		`SELECT id, chama_id, user_id, wallet_address, amount, tx_hash, cycle, round, created_at
		 FROM payouts WHERE tx_hash = ?`,
		txHash,
	).Scan(&payout).Error
	if err != nil {
		return nil, err
	}
	if payout.ID == 0 {
		return nil, nil
	}
	return &payout, nil
}

func (r *repo) ListPayouts(ctx context.Context, db *gorm.DB, chamaID snowflake.ID) ([]chamadomain.Payout, error) {
	var payouts []chamadomain.Payout
	err := db.WithContext(ctx).Raw(
		`SELECT id, chama_id, user_id, wallet_address, amount, tx_hash, cycle, round, created_at
		 FROM payouts WHERE chama_id = ?
		 ORDER BY cycle ASC, round ASC`,
		chamaID,
	).Scan(&payouts).Error
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

func (r *repo) InsertContribution(ctx context.Context, db *gorm.DB, contribution *chamadomain.Contribution) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO contributions (
			id, chama_id, user_id, wallet_address, amount, cycle, round, tx_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		contribution.ID,
		contribution.ChamaID,
		contribution.UserID,
		contribution.WalletAddress,
		contribution.Amount,
		contribution.Cycle,
		contribution.Round,
		contribution.TxHash,
		contribution.CreatedAt,
	).Error
}

func (r *repo) FindContributionByTxHash(ctx context.Context, db *gorm.DB, txHash string) (*chamadomain.Contribution, error) {
	var contribution chamadomain.Contribution
	err := db.WithContext(ctx).Raw(
		`SELECT id, chama_id, user_id, wallet_address, amount, cycle, round, tx_hash, created_at
		 FROM contributions WHERE tx_hash = ?`,
		txHash,
	).Scan(&contribution).Error
	if err != nil {
		return nil, err
	}
	if contribution.ID == 0 {
		return nil, nil
	}
	return &contribution, nil
}
