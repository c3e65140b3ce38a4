// Package settlement converts COMPLETED jobs into CONFIRMED payments. A
// single worker consumes a buffered channel of job ids, submits the transfer
// through the PaymentBackend and polls for confirmation with exponential
// backoff. The worker owns the whole retry policy; the backend never retries.
//
// A PENDING payment row can never be lost: it is written in the same
// transaction as the COMPLETED transition, and Reconcile re-posts every
// PENDING row at startup, so a crash between enqueue and confirmation only
// delays settlement.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/observability"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	obs "github.com/fairyhunter13/compute-marketplace/internal/observability"
)

// Options tunes the worker. Zero values fall back to production defaults.
type Options struct {
	// Buffer sizes the settlement channel; a completion burst up to this
	// size never blocks a handler.
	Buffer int
	// MaxSendAttempts bounds transient SendTransfer retries before the row
	// is left PENDING for reconciliation.
	MaxSendAttempts int
	// ConfirmInitialDelay is the first confirmation poll interval; doubles
	// up to ConfirmTotalTimeout elapsed.
	ConfirmInitialDelay time.Duration
	ConfirmTotalTimeout time.Duration
	// DrainTimeout bounds how long Run keeps settling after shutdown.
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.MaxSendAttempts <= 0 {
		o.MaxSendAttempts = 5
	}
	if o.ConfirmInitialDelay <= 0 {
		o.ConfirmInitialDelay = 2 * time.Second
	}
	if o.ConfirmTotalTimeout <= 0 {
		o.ConfirmTotalTimeout = 60 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	return o
}

// Worker is the single settlement consumer.
type Worker struct {
	store   domain.Store
	backend domain.PaymentBackend
	breaker *obs.Breaker
	opts    Options
	ch      chan string
	done    chan struct{}
}

// New builds a worker; Run must be started by the caller.
func New(store domain.Store, backend domain.PaymentBackend, opts Options) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		store:   store,
		backend: backend,
		breaker: obs.NewBreaker(5, 30*time.Second, 2),
		opts:    opts,
		ch:      make(chan string, opts.Buffer),
		done:    make(chan struct{}),
	}
}

// EnqueueSettlement posts a job id for settlement. Best-effort: a full
// channel is tolerated because reconciliation re-reads PENDING rows.
func (w *Worker) EnqueueSettlement(_ domain.Context, jobID string) error {
	select {
	case w.ch <- jobID:
		observability.SettlementQueueDepth.Set(float64(len(w.ch)))
		return nil
	default:
		slog.Warn("settlement channel full, leaving payment for reconciler",
			slog.String("job_id", jobID))
		return nil
	}
}

// QueueDepth returns how many job ids wait on the channel.
func (w *Worker) QueueDepth() int { return len(w.ch) }

// Reconcile re-posts every PENDING payment row. Called at startup and safe
// to call again any time; settled rows are skipped by the worker.
func (w *Worker) Reconcile(ctx domain.Context) error {
	pending, err := w.store.ListPendingPayments(ctx)
	if err != nil {
		return fmt.Errorf("op=settlement.reconcile: %w", err)
	}
	for _, p := range pending {
		_ = w.EnqueueSettlement(ctx, p.JobID)
	}
	if len(pending) > 0 {
		slog.Info("settlement reconciliation enqueued pending payments",
			slog.Int("count", len(pending)))
	}
	return nil
}

// Run consumes the channel until ctx is canceled, then drains what is
// already buffered for up to DrainTimeout. Rows still PENDING afterwards are
// picked up by the next start's reconciliation.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case jobID := <-w.ch:
			observability.SettlementQueueDepth.Set(float64(len(w.ch)))
			w.settle(ctx, jobID)
		}
	}
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() { <-w.done }

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.DrainTimeout)
	defer cancel()
	for {
		select {
		case jobID := <-w.ch:
			w.settle(ctx, jobID)
			if ctx.Err() != nil {
				return
			}
		default:
			return
		}
	}
}

// settle runs the full pipeline for one job id: load the PENDING row, submit
// the transfer, poll for confirmation, persist the terminal status.
func (w *Worker) settle(ctx context.Context, jobID string) {
	start := time.Now()
	p, err := w.store.GetPayment(ctx, jobID)
	if err != nil {
		slog.Error("settlement could not load payment",
			slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if p.Status != domain.PaymentPending {
		return
	}

	sig, err := w.send(ctx, p)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPermanent):
		slog.Warn("transfer rejected permanently",
			slog.String("job_id", jobID), slog.Any("error", err))
		w.finish(ctx, jobID, "", domain.PaymentFailed)
		return
	default:
		// Transient attempts exhausted or shutdown: leave the row PENDING.
		slog.Warn("transfer submission deferred",
			slog.String("job_id", jobID), slog.Any("error", err))
		return
	}

	status, err := w.confirm(ctx, sig)
	switch {
	case err == nil && status == domain.PaymentConfirmed:
		w.finish(ctx, jobID, sig, domain.PaymentConfirmed)
		observability.SettlementConfirmSeconds.Observe(time.Since(start).Seconds())
		slog.Info("payment confirmed",
			slog.String("job_id", jobID),
			slog.String("signature", sig),
			slog.Int64("amount_lamports", p.AmountLamports))
	case err == nil && status == domain.PaymentFailed:
		w.finish(ctx, jobID, sig, domain.PaymentFailed)
	default:
		// Still pending after the confirmation window; reconciliation owns it
		// now. The transfer may yet land, so the row must not be failed.
		slog.Warn("confirmation window elapsed, payment left pending",
			slog.String("job_id", jobID), slog.String("signature", sig))
	}
}

func (w *Worker) send(ctx context.Context, p domain.Payment) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.ConfirmInitialDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var sig string
	op := func() error {
		if !w.breaker.Allow() {
			return fmt.Errorf("op=settlement.send: breaker open: %w", domain.ErrTransient)
		}
		s, err := w.backend.SendTransfer(ctx, p.AgentWallet, p.AmountLamports, p.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrPermanent) {
				// The backend answered; only availability trips the breaker.
				return backoff.Permanent(err)
			}
			w.breaker.Failure()
			return err
		}
		w.breaker.Success()
		sig = s
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(w.opts.MaxSendAttempts-1)), ctx))
	return sig, err
}

var errStillPending = errors.New("transfer still pending")

func (w *Worker) confirm(ctx context.Context, sig string) (domain.PaymentStatus, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.ConfirmInitialDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = w.opts.ConfirmTotalTimeout

	var status domain.PaymentStatus
	op := func() error {
		st, err := w.backend.ConfirmSignature(ctx, sig)
		if err != nil {
			if errors.Is(err, domain.ErrPermanent) {
				status = domain.PaymentFailed
				return nil
			}
			return err
		}
		switch st {
		case domain.PaymentConfirmed, domain.PaymentFailed:
			status = st
			return nil
		default:
			return errStillPending
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return domain.PaymentPending, err
	}
	return status, nil
}

func (w *Worker) finish(ctx context.Context, jobID, sig string, status domain.PaymentStatus) {
	if err := w.store.UpdatePaymentStatus(ctx, jobID, sig, status); err != nil {
		slog.Error("settlement status write failed",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
			slog.Any("error", err))
		return
	}
	observability.ObservePayment(string(status))
}
