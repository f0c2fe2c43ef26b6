// Package chamatest holds shared fixtures for tests that need a chama
// state store. It opens an in-memory SQLite database with the same
// tables the postgres migrations create.
package chamatest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	chamarepo "github.com/smallbiznis/chama/internal/chama/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		display_name TEXT NOT NULL,
		phone TEXT,
		wallet_address TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE chamas (
		id INTEGER PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		contribution_amount TEXT NOT NULL,
		cycle_days INTEGER NOT NULL,
		max_members INTEGER NOT NULL,
		is_public BOOLEAN NOT NULL DEFAULT 0,
		start_date DATETIME NOT NULL,
		pay_date DATETIME,
		cycle INTEGER NOT NULL DEFAULT 1,
		round INTEGER NOT NULL DEFAULT 1,
		started BOOLEAN NOT NULL DEFAULT 0,
		onchain_id INTEGER NOT NULL UNIQUE,
		admin_id INTEGER,
		version INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_error_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE chama_members (
		id INTEGER PRIMARY KEY,
		chama_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		wallet_address TEXT NOT NULL,
		joined_at DATETIME NOT NULL,
		UNIQUE (chama_id, user_id)
	)`,
	`CREATE TABLE payout_order_entries (
		id INTEGER PRIMARY KEY,
		chama_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		wallet_address TEXT NOT NULL,
		pay_date DATETIME NOT NULL,
		amount TEXT NOT NULL DEFAULT '0',
		paid BOOLEAN NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		UNIQUE (chama_id, position)
	)`,
	`CREATE TABLE payouts (
		id INTEGER PRIMARY KEY,
		chama_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		wallet_address TEXT NOT NULL,
		amount TEXT NOT NULL,
		tx_hash TEXT NOT NULL UNIQUE,
		cycle INTEGER NOT NULL,
		round INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE contributions (
		id INTEGER PRIMARY KEY,
		chama_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		wallet_address TEXT NOT NULL,
		amount TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		round INTEGER NOT NULL,
		tx_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE custodial_keys (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL UNIQUE,
		address TEXT NOT NULL UNIQUE,
		public_key TEXT NOT NULL,
		encrypted_key TEXT NOT NULL,
		kdf_salt TEXT NOT NULL,
		activated BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE notifications (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		chama_id INTEGER,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT,
		read_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
}

// OpenDB returns an isolated in-memory database with the chama schema.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:chamatest_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// Node returns a snowflake node for test ids.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// Fixture seeds chamas, users and members directly through the repository.
type Fixture struct {
	T     testing.TB
	DB    *gorm.DB
	Repo  chamadomain.Repository
	GenID *snowflake.Node

	onchainSeq int64
}

func NewFixture(t testing.TB, db *gorm.DB) *Fixture {
	t.Helper()
	return &Fixture{T: t, DB: db, Repo: chamarepo.Provide(), GenID: Node(t)}
}

// ChamaOptions controls the seeded chama. Zero values get sensible defaults.
type ChamaOptions struct {
	Name               string
	ContributionAmount string
	CycleDays          int
	MaxMembers         int
	StartDate          time.Time
	IsPublic           bool
}

// Chama inserts a pending chama with one member per address.
func (f *Fixture) Chama(opts ChamaOptions, addresses ...string) (*chamadomain.Chama, []chamadomain.Member) {
	f.T.Helper()
	ctx := context.Background()

	f.onchainSeq++
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("Chama %d", f.onchainSeq)
	}
	if opts.ContributionAmount == "" {
		opts.ContributionAmount = "100"
	}
	if opts.CycleDays == 0 {
		opts.CycleDays = 7
	}
	if opts.MaxMembers == 0 {
		opts.MaxMembers = len(addresses) + 2
	}
	if opts.StartDate.IsZero() {
		opts.StartDate = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	now := opts.StartDate
	chama := &chamadomain.Chama{
		ID:                 f.GenID.Generate(),
		Slug:               fmt.Sprintf("chama-%d", f.onchainSeq),
		Name:               opts.Name,
		ContributionAmount: opts.ContributionAmount,
		CycleDays:          opts.CycleDays,
		MaxMembers:         opts.MaxMembers,
		IsPublic:           opts.IsPublic,
		StartDate:          opts.StartDate,
		Cycle:              1,
		Round:              1,
		OnchainID:          f.onchainSeq,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := f.Repo.Insert(ctx, f.DB, chama); err != nil {
		f.T.Fatalf("insert chama: %v", err)
	}

	members := make([]chamadomain.Member, 0, len(addresses))
	for _, address := range addresses {
		user := f.User(address)
		member := chamadomain.Member{
			ID:            f.GenID.Generate(),
			ChamaID:       chama.ID,
			UserID:        user.ID,
			WalletAddress: address,
			JoinedAt:      now,
		}
		if err := f.Repo.InsertMember(ctx, f.DB, &member); err != nil {
			f.T.Fatalf("insert member: %v", err)
		}
		members = append(members, member)
	}
	return chama, members
}

// User returns the user owning address, creating it when missing.
func (f *Fixture) User(address string) *chamadomain.User {
	f.T.Helper()
	ctx := context.Background()

	existing, err := f.Repo.FindUserByAddress(ctx, f.DB, address)
	if err != nil {
		f.T.Fatalf("find user: %v", err)
	}
	if existing != nil {
		return existing
	}
	user := &chamadomain.User{
		ID:            f.GenID.Generate(),
		DisplayName:   "member " + address,
		WalletAddress: address,
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := f.Repo.InsertUser(ctx, f.DB, user); err != nil {
		f.T.Fatalf("insert user: %v", err)
	}
	return user
}

// Reload reads the chama back from the store.
func (f *Fixture) Reload(id snowflake.ID) *chamadomain.Chama {
	f.T.Helper()
	chama, err := f.Repo.FindByID(context.Background(), f.DB, id)
	if err != nil {
		f.T.Fatalf("reload chama: %v", err)
	}
	if chama == nil {
		f.T.Fatalf("chama %s not found", id)
	}
	return chama
}

// Order reads the persisted payout order.
func (f *Fixture) Order(id snowflake.ID) chamadomain.PayoutOrder {
	f.T.Helper()
	order, err := f.Repo.ListPayoutOrder(context.Background(), f.DB, id)
	if err != nil {
		f.T.Fatalf("load payout order: %v", err)
	}
	return order
}
