// Package stub implements PaymentBackend as a deterministic in-process
// ledger. It validates wallet addresses, debits a faucet balance and confirms
// signatures after a fixed number of polls, which makes settlement behavior
// reproducible in development and tests. The real RPC client plugs in behind
// the same port.
package stub

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

// transfer is one submitted payment waiting to confirm.
type transfer struct {
	wallet    string
	amount    int64
	memo      string
	pollsLeft int
	status    domain.PaymentStatus
}

// Backend is the stub ledger. Safe for concurrent use; it never retries
// internally, matching the PaymentBackend contract.
type Backend struct {
	mu sync.Mutex

	faucetLamports int64
	confirmAfter   int
	transfers      map[string]*transfer
	balances       map[string]int64
}

// Option mutates the backend at construction.
type Option func(*Backend)

// WithConfirmAfter sets how many ConfirmSignature polls a transfer stays
// PENDING before confirming. Zero confirms on the first poll.
func WithConfirmAfter(polls int) Option {
	return func(b *Backend) { b.confirmAfter = polls }
}

// New builds a ledger funded with faucetLamports.
func New(faucetLamports int64, opts ...Option) *Backend {
	b := &Backend{
		faucetLamports: faucetLamports,
		confirmAfter:   1,
		transfers:      make(map[string]*transfer),
		balances:       make(map[string]int64),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ValidWallet reports whether the address decodes as a base58 public key of
// plausible length.
func ValidWallet(addr string) bool {
	raw, err := base58.Decode(addr)
	if err != nil {
		return false
	}
	return len(raw) == 32
}

// SendTransfer debits the faucet and records a pending transfer. Bad
// addresses and exhausted funds are permanent failures; zero amounts are
// accepted and settle like any other transfer.
func (b *Backend) SendTransfer(_ domain.Context, toWallet string, amountLamports int64, memo string) (string, error) {
	if !ValidWallet(toWallet) {
		return "", fmt.Errorf("op=payment.send wallet=%s: bad address: %w", toWallet, domain.ErrPermanent)
	}
	if amountLamports < 0 {
		return "", fmt.Errorf("op=payment.send: negative amount: %w", domain.ErrPermanent)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if amountLamports > b.faucetLamports {
		return "", fmt.Errorf("op=payment.send: insufficient funds (%d > %d): %w",
			amountLamports, b.faucetLamports, domain.ErrPermanent)
	}
	b.faucetLamports -= amountLamports
	sig := uuid.New().String()
	b.transfers[sig] = &transfer{
		wallet:    toWallet,
		amount:    amountLamports,
		memo:      memo,
		pollsLeft: b.confirmAfter,
		status:    domain.PaymentPending,
	}
	return sig, nil
}

// ConfirmSignature counts down the configured polls and then lands the
// transfer, crediting the destination balance. Unknown signatures fail
// permanently.
func (b *Backend) ConfirmSignature(_ domain.Context, signature string) (domain.PaymentStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tr, ok := b.transfers[signature]
	if !ok {
		return domain.PaymentFailed, fmt.Errorf("op=payment.confirm sig=%s: unknown signature: %w", signature, domain.ErrPermanent)
	}
	if tr.status != domain.PaymentPending {
		return tr.status, nil
	}
	if tr.pollsLeft > 0 {
		tr.pollsLeft--
		return domain.PaymentPending, nil
	}
	tr.status = domain.PaymentConfirmed
	b.balances[tr.wallet] += tr.amount
	return domain.PaymentConfirmed, nil
}

// GetBalance returns the lamports credited to a wallet by confirmed
// transfers.
func (b *Backend) GetBalance(_ domain.Context, wallet string) (int64, error) {
	if !ValidWallet(wallet) {
		return 0, fmt.Errorf("op=payment.balance wallet=%s: bad address: %w", wallet, domain.ErrPermanent)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[wallet], nil
}

// FaucetLamports returns the remaining marketplace funds.
func (b *Backend) FaucetLamports() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faucetLamports
}
