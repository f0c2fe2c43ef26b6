package custody

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
}

// Keystore stores ed25519 keys sealed with a per-user AES-GCM key derived
// by argon2id from the master passphrase.
type Keystore struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	passphrase string
}

func NewKeystore(p Params) *Keystore {
	return &Keystore{
		db:         p.DB,
		log:        p.Log.Named("custody.keystore"),
		genID:      p.GenID,
		clock:      p.Clock,
		passphrase: p.Config.CustodyPassphrase,
	}
}

// CreateKey generates and stores a key for userID and returns its address.
func (k *Keystore) CreateKey(ctx context.Context, userID snowflake.ID) (string, error) {
	key, err := k.NewKey(userID)
	if err != nil {
		return "", err
	}
	if err := k.StoreKey(ctx, k.db, key); err != nil {
		return "", err
	}
	return key.Address, nil
}

// NewKey generates a sealed key for userID without storing it, so callers
// can learn the address before the user row exists.
func (k *Keystore) NewKey(userID snowflake.ID) (*Key, error) {
	if strings.TrimSpace(k.passphrase) == "" {
		return nil, ErrPassphraseMissing
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	sealed, err := seal(deriveKey(k.userPassphrase(userID), salt), priv.Seed())
	if err != nil {
		return nil, err
	}

	now := k.clock.Now()
	return &Key{
		ID:           k.genID.Generate(),
		UserID:       userID,
		Address:      AddressFromPublicKey(pub),
		PublicKey:    hex.EncodeToString(pub),
		EncryptedKey: sealed,
		KDFSalt:      base64.RawStdEncoding.EncodeToString(salt),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// StoreKey persists key through tx.
func (k *Keystore) StoreKey(ctx context.Context, tx *gorm.DB, key *Key) error {
	if tx == nil {
		tx = k.db
	}
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO custodial_keys (
			id, user_id, address, public_key, encrypted_key, kdf_salt, activated, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.UserID,
		key.Address,
		key.PublicKey,
		key.EncryptedKey,
		key.KDFSalt,
		false,
		key.CreatedAt,
		key.UpdatedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return ErrKeyExists
		}
		return err
	}

	k.log.Info("custodial key created",
		zap.String("user_id", key.UserID.String()),
		zap.String("address", key.Address),
	)
	return nil
}

func (k *Keystore) SignerForUser(ctx context.Context, userID snowflake.ID) (Signer, error) {
	key, err := k.find(ctx, `user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	return k.unseal(key)
}

func (k *Keystore) SignerForAddress(ctx context.Context, address string) (Signer, error) {
	key, err := k.find(ctx, `LOWER(address) = LOWER(?)`, strings.TrimSpace(address))
	if err != nil {
		return nil, err
	}
	return k.unseal(key)
}

func (k *Keystore) IsActivated(ctx context.Context, address string) (bool, error) {
	key, err := k.find(ctx, `LOWER(address) = LOWER(?)`, strings.TrimSpace(address))
	if err != nil {
		return false, err
	}
	return key.Activated, nil
}

func (k *Keystore) MarkActivated(ctx context.Context, address string) error {
	result := k.db.WithContext(ctx).Exec(
		`UPDATE custodial_keys SET activated = ?, updated_at = ? WHERE LOWER(address) = LOWER(?)`,
		true,
		k.clock.Now(),
		strings.TrimSpace(address),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (k *Keystore) find(ctx context.Context, where string, arg any) (*Key, error) {
	var key Key
	err := k.db.WithContext(ctx).Raw(
		`SELECT id, user_id, address, public_key, encrypted_key, kdf_salt, activated, created_at, updated_at
		 FROM custodial_keys WHERE `+where,
		arg,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, ErrKeyNotFound
	}
	return &key, nil
}

func (k *Keystore) unseal(key *Key) (Signer, error) {
	if strings.TrimSpace(k.passphrase) == "" {
		return nil, ErrPassphraseMissing
	}
	salt, err := base64.RawStdEncoding.DecodeString(key.KDFSalt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	seed, err := open(deriveKey(k.userPassphrase(key.UserID), salt), key.EncryptedKey)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: bad seed length", ErrDecryptFailed)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &ed25519Signer{
		address: key.Address,
		public:  pub,
		private: priv,
	}, nil
}

func (k *Keystore) userPassphrase(userID snowflake.ID) string {
	return k.passphrase + ":" + userID.String()
}
