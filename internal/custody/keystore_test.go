package custody

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/chama/internal/chama/chamatest"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestKeystore(t *testing.T, passphrase string) (*Keystore, *chamatest.Fixture) {
	t.Helper()
	db := chamatest.OpenDB(t)
	fixture := chamatest.NewFixture(t, db)
	ks := NewKeystore(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  fixture.GenID,
		Clock:  clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Config: config.Config{CustodyPassphrase: passphrase},
	})
	return ks, fixture
}

func TestKeystoreSignsWithStoredKey(t *testing.T) {
	ctx := context.Background()
	ks, fixture := newTestKeystore(t, "correct horse")
	user := fixture.User("0xplaceholder")

	address, err := ks.CreateKey(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, address, 42)

	signer, err := ks.SignerForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, address, signer.Address())

	payload := []byte("setPayoutOrder:1")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.True(t, Verify(signer.PublicKey(), payload, sig))
	assert.False(t, Verify(signer.PublicKey(), []byte("tampered"), sig))

	byAddress, err := ks.SignerForAddress(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), byAddress.PublicKey())
}

func TestKeystoreRejectsWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	ks, fixture := newTestKeystore(t, "first")
	user := fixture.User("0xplaceholder")

	_, err := ks.CreateKey(ctx, user.ID)
	require.NoError(t, err)

	ks.passphrase = "second"
	_, err = ks.SignerForUser(ctx, user.ID)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestKeystoreActivation(t *testing.T) {
	ctx := context.Background()
	ks, fixture := newTestKeystore(t, "pass")
	user := fixture.User("0xplaceholder")

	address, err := ks.CreateKey(ctx, user.ID)
	require.NoError(t, err)

	activated, err := ks.IsActivated(ctx, address)
	require.NoError(t, err)
	assert.False(t, activated)

	require.NoError(t, ks.MarkActivated(ctx, address))
	activated, err = ks.IsActivated(ctx, address)
	require.NoError(t, err)
	assert.True(t, activated)

	assert.ErrorIs(t, ks.MarkActivated(ctx, "0xmissing"), ErrKeyNotFound)
}

func TestKeystoreErrors(t *testing.T) {
	ctx := context.Background()
	ks, fixture := newTestKeystore(t, "")
	user := fixture.User("0xplaceholder")

	_, err := ks.CreateKey(ctx, user.ID)
	assert.ErrorIs(t, err, ErrPassphraseMissing)

	ks.passphrase = "set"
	_, err = ks.SignerForUser(ctx, user.ID)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = ks.CreateKey(ctx, user.ID)
	require.NoError(t, err)
	_, err = ks.CreateKey(ctx, user.ID)
	assert.ErrorIs(t, err, ErrKeyExists)
}
