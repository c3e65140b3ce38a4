package stub_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/payment/stub"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

func testWallet(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base58.Encode(pub)
}

func TestSendTransfer_DebitsFaucetAndConfirms(t *testing.T) {
	b := stub.New(10_000, stub.WithConfirmAfter(1))
	wallet := testWallet(t)
	ctx := context.Background()

	sig, err := b.SendTransfer(ctx, wallet, 1_000, "job-1")
	require.NoError(t, err)
	require.NotEmpty(t, sig)
	assert.Equal(t, int64(9_000), b.FaucetLamports())

	st, err := b.ConfirmSignature(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, st)

	st, err = b.ConfirmSignature(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmed, st)

	// Confirmed transfers stay confirmed.
	st, err = b.ConfirmSignature(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmed, st)

	bal, err := b.GetBalance(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), bal)
}

func TestSendTransfer_BadWalletIsPermanent(t *testing.T) {
	b := stub.New(10_000)
	_, err := b.SendTransfer(context.Background(), "not-base58-0OIl", 1, "job-1")
	require.ErrorIs(t, err, domain.ErrPermanent)
}

func TestSendTransfer_InsufficientFundsIsPermanent(t *testing.T) {
	b := stub.New(10)
	_, err := b.SendTransfer(context.Background(), testWallet(t), 11, "job-1")
	require.ErrorIs(t, err, domain.ErrPermanent)
	assert.Equal(t, int64(10), b.FaucetLamports())
}

func TestSendTransfer_ZeroAmountSettles(t *testing.T) {
	b := stub.New(0, stub.WithConfirmAfter(0))
	wallet := testWallet(t)
	ctx := context.Background()

	sig, err := b.SendTransfer(ctx, wallet, 0, "job-free")
	require.NoError(t, err)
	st, err := b.ConfirmSignature(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmed, st)
}

func TestConfirmSignature_UnknownIsPermanent(t *testing.T) {
	b := stub.New(10)
	st, err := b.ConfirmSignature(context.Background(), "bogus")
	require.ErrorIs(t, err, domain.ErrPermanent)
	assert.Equal(t, domain.PaymentFailed, st)
}
