// Package custody keeps user signing keys encrypted at rest and hands out
// capability-scoped signers. Callers never see private key bytes.
package custody

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/crypto/sha3"
	"gorm.io/datatypes"
)

var (
	ErrKeyNotFound       = errors.New("custodial_key_not_found")
	ErrKeyExists         = errors.New("custodial_key_exists")
	ErrPassphraseMissing = errors.New("custody_passphrase_missing")
	ErrDecryptFailed     = errors.New("custodial_key_decrypt_failed")
)

// Signer signs payloads for exactly one account.
type Signer interface {
	Address() string
	PublicKey() string
	Sign(payload []byte) ([]byte, error)
}

// Provider resolves signers and tracks first-use account activation.
type Provider interface {
	SignerForUser(ctx context.Context, userID snowflake.ID) (Signer, error)
	SignerForAddress(ctx context.Context, address string) (Signer, error)
	IsActivated(ctx context.Context, address string) (bool, error)
	MarkActivated(ctx context.Context, address string) error
}

// Key is the stored, encrypted form of a custodial account.
type Key struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	UserID       snowflake.ID   `gorm:"not null;uniqueIndex"`
	Address      string         `gorm:"type:text;not null;uniqueIndex"`
	PublicKey    string         `gorm:"type:text;not null"`
	EncryptedKey datatypes.JSON `gorm:"not null"`
	KDFSalt      string         `gorm:"type:text;not null"`
	Activated    bool           `gorm:"not null;default:false"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

func (Key) TableName() string { return "custodial_keys" }

type ed25519Signer struct {
	address string
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func (s *ed25519Signer) Address() string { return s.address }

func (s *ed25519Signer) PublicKey() string { return hex.EncodeToString(s.public) }

func (s *ed25519Signer) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.private, payload), nil
}

// Verify checks a signature produced by a custodial signer.
func Verify(publicKeyHex string, payload, signature []byte) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, signature)
}

// AddressFromPublicKey derives the account address: the last 20 bytes of
// the Keccak-256 digest of the public key.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	digest := h.Sum(nil)
	return "0x" + hex.EncodeToString(digest[len(digest)-20:])
}
