package postgres

import (
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

const paymentColumns = `job_id, agent_id, agent_wallet, amount_lamports, signature, status, created_at, updated_at`

func scanPayment(row agentScanner) (domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.JobID, &p.AgentID, &p.AgentWallet, &p.AmountLamports,
		&p.Signature, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetPayment loads the payment row for one job.
func (s *Store) GetPayment(ctx domain.Context, jobID string) (domain.Payment, error) {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.Get")
	defer span.End()

	row := s.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE job_id=$1`, jobID)
	p, err := scanPayment(row)
	if err != nil {
		return domain.Payment{}, translate("payment.get", err)
	}
	return p, nil
}

// UpdatePaymentStatus is idempotent: only a PENDING row moves, and the job's
// payment_signature is set in the same transaction when the transfer
// confirms. Missing rows are ErrNotFound; already-settled rows are no-ops.
func (s *Store) UpdatePaymentStatus(ctx domain.Context, jobID, signature string, status domain.PaymentStatus) error {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("payment.status", string(status)))

	return s.inTx(ctx, "payment.update", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE payments SET status=$2, signature=$3, updated_at=NOW() WHERE job_id=$1 AND status='pending'`,
			jobID, status, signature)
		if err != nil {
			return translate("payment.update", err)
		}
		if tag.RowsAffected() == 0 {
			// Either the row is already settled (fine) or it never existed.
			var current string
			if scanErr := tx.QueryRow(ctx, `SELECT status FROM payments WHERE job_id=$1`, jobID).Scan(&current); scanErr != nil {
				return translate("payment.update", scanErr)
			}
			return nil
		}
		if status == domain.PaymentConfirmed && signature != "" {
			if _, err := tx.Exec(ctx, `UPDATE jobs SET payment_signature=$2 WHERE id=$1`, jobID, signature); err != nil {
				return translate("payment.update", err)
			}
		}
		return nil
	})
}

// ListPendingPayments returns every PENDING row, oldest first; startup
// reconciliation feeds these back into the settlement worker.
func (s *Store) ListPendingPayments(ctx domain.Context) ([]domain.Payment, error) {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.ListPending")
	defer span.End()

	rows, err := s.Pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status='pending' ORDER BY created_at, job_id`)
	if err != nil {
		return nil, translate("payment.list_pending", err)
	}
	defer rows.Close()
	return collectPayments(rows, "payment.list_pending")
}

// ListPayments returns recent payments, newest first.
func (s *Store) ListPayments(ctx domain.Context, limit int) ([]domain.Payment, error) {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.List")
	defer span.End()

	rows, err := s.Pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments ORDER BY created_at DESC, job_id LIMIT $1`, limit)
	if err != nil {
		return nil, translate("payment.list", err)
	}
	defer rows.Close()
	return collectPayments(rows, "payment.list")
}

// PaymentStats aggregates the payments table for the admin surface.
func (s *Store) PaymentStats(ctx domain.Context) (domain.PaymentStats, error) {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.Stats")
	defer span.End()

	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*), COALESCE(SUM(amount_lamports),0) FROM payments GROUP BY status`)
	if err != nil {
		return domain.PaymentStats{}, translate("payment.stats", err)
	}
	defer rows.Close()
	stats := domain.PaymentStats{CountByStatus: make(map[domain.PaymentStatus]int64)}
	for rows.Next() {
		var st domain.PaymentStatus
		var n, sum int64
		if err := rows.Scan(&st, &n, &sum); err != nil {
			return domain.PaymentStats{}, translate("payment.stats", err)
		}
		stats.CountByStatus[st] = n
		stats.TotalCount += n
		switch st {
		case domain.PaymentConfirmed:
			stats.TotalPaidLamports += sum
		case domain.PaymentPending:
			stats.PendingLamports += sum
		}
	}
	if err := rows.Err(); err != nil {
		return domain.PaymentStats{}, translate("payment.stats", err)
	}
	return stats, nil
}

func collectPayments(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}, op string) ([]domain.Payment, error) {
	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, translate(op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(op, err)
	}
	return out, nil
}
