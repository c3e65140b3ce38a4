package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

const jobColumns = `id, job_type, image_ref, command, env, input_url, output_url,
	gpu_memory_required, requires_gpu, estimated_duration_s, timeout_s, reward_lamports,
	agent_id, agent_wallet, status, priority, retry_count, max_retries,
	created_at, accepted_at, started_at, completed_at,
	completion_data, failure_reason, payment_signature`

func scanJob(row agentScanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.JobType, &j.ImageRef, &j.Command, &j.Env, &j.InputURL, &j.OutputURL,
		&j.GPUMemoryRequired, &j.RequiresGPU, &j.EstimatedDurationS, &j.TimeoutS, &j.RewardLamports,
		&j.AgentID, &j.AgentWallet, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.CreatedAt, &j.AcceptedAt, &j.StartedAt, &j.CompletedAt,
		&j.CompletionData, &j.FailureReason, &j.PaymentSignature,
	)
	return j, err
}

// CreateJob inserts a new job row, AVAILABLE unless the caller set a status.
func (s *Store) CreateJob(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"))

	if j.ID == "" {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", domain.ErrInvalidArgument)
	}
	if j.Status == "" {
		j.Status = domain.JobAvailable
	}
	if j.Command == nil {
		j.Command = []string{}
	}
	if j.Env == nil {
		j.Env = map[string]string{}
	}
	q := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`
	_, err := s.Pool.Exec(ctx, q,
		j.ID, j.JobType, j.ImageRef, j.Command, j.Env, j.InputURL, j.OutputURL,
		j.GPUMemoryRequired, j.RequiresGPU, j.EstimatedDurationS, j.TimeoutS, j.RewardLamports,
		j.AgentID, j.AgentWallet, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
		j.CreatedAt, j.AcceptedAt, j.StartedAt, j.CompletedAt,
		j.CompletionData, j.FailureReason, j.PaymentSignature,
	)
	if err != nil {
		return domain.Job{}, translate("job.create", err)
	}
	return j, nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		return domain.Job{}, translate("job.get", err)
	}
	return j, nil
}

// ListAvailableJobs returns AVAILABLE jobs the capability admits, best
// priority first, FIFO within a level, capped at limit. The query leans on
// the (status, priority DESC, created_at) index.
func (s *Store) ListAvailableJobs(ctx domain.Context, c domain.Capability, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListAvailable")
	defer span.End()
	span.SetAttributes(attribute.Int("jobs.limit", limit))

	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status='available'
		AND (gpu_memory_required = 0 OR gpu_memory_required <= $1)
		AND (NOT requires_gpu OR $2)
		ORDER BY priority DESC, created_at
		LIMIT $3`
	rows, err := s.Pool.Query(ctx, q, c.GPUMemoryBytes, c.HasGPU(), limit)
	if err != nil {
		return nil, translate("job.list_available", err)
	}
	defer rows.Close()
	return collectJobs(rows, "job.list_available")
}

// AssignJob is the CAS AVAILABLE -> ASSIGNED. A row that exists but is no
// longer AVAILABLE loses with ErrConflict.
func (s *Store) AssignJob(ctx domain.Context, jobID, agentID, wallet string, now time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Assign")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("agent.id", agentID))

	q := `UPDATE jobs SET status='assigned', agent_id=$2, agent_wallet=$3, accepted_at=$4
		WHERE id=$1 AND status='available'
		RETURNING ` + jobColumns
	row := s.Pool.QueryRow(ctx, q, jobID, agentID, wallet, now)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if err != pgx.ErrNoRows {
		return domain.Job{}, translate("job.assign", err)
	}
	// Lost the CAS or the id is unknown; read once more to tell them apart.
	var status string
	if scanErr := s.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, jobID).Scan(&status); scanErr != nil {
		return domain.Job{}, translate("job.assign", scanErr)
	}
	return domain.Job{}, fmt.Errorf("op=job.assign id=%s status=%s: %w", jobID, status, domain.ErrConflict)
}

// MarkAgentJobsRunning flips the agent's ASSIGNED rows to RUNNING on its
// first heartbeat after accept and returns the transitioned ids.
func (s *Store) MarkAgentJobsRunning(ctx domain.Context, agentID string, now time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()

	q := `UPDATE jobs SET status='running', started_at=$2
		WHERE agent_id=$1 AND status='assigned'
		RETURNING id`
	rows, err := s.Pool.Query(ctx, q, agentID, now)
	if err != nil {
		return nil, translate("job.mark_running", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translate("job.mark_running", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("job.mark_running", err)
	}
	return ids, nil
}

// CompleteJob is one transaction: job -> COMPLETED, agent
// stats folded in, Payment row inserted PENDING. A job completed or failed
// already returns ErrConflict; a job held by another agent, ErrWrongAgent.
func (s *Store) CompleteJob(ctx domain.Context, jobID, agentID string, data map[string]any, reportedSeconds float64, now time.Time) (domain.Job, domain.Payment, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("agent.id", agentID))

	var out domain.Job
	var pay domain.Payment
	err := s.inTx(ctx, "job.complete", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID)
		j, err := scanJob(row)
		if err != nil {
			return translate("job.complete", err)
		}
		if j.Status.Terminal() {
			return fmt.Errorf("op=job.complete id=%s status=%s: %w", jobID, j.Status, domain.ErrConflict)
		}
		if j.AgentID != nil && *j.AgentID != agentID {
			return fmt.Errorf("op=job.complete id=%s: %w", jobID, domain.ErrWrongAgent)
		}

		var wallet string
		var avg float64
		if err := tx.QueryRow(ctx,
			`SELECT wallet_address, avg_completion_seconds FROM agents WHERE id=$1 FOR UPDATE`,
			agentID).Scan(&wallet, &avg); err != nil {
			return translate("job.complete", err)
		}

		duration := j.CompletionSeconds(reportedSeconds, now)
		if j.AgentWallet != nil && *j.AgentWallet != "" {
			wallet = *j.AgentWallet
		}

		// A completion racing a requeue arrives on an AVAILABLE row: the work
		// was done, so the reporter gets the job back and the credit.
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status='completed', agent_id=$2, agent_wallet=$3,
			completed_at=$4, completion_data=$5 WHERE id=$1`,
			jobID, agentID, wallet, now, data); err != nil {
			return translate("job.complete", err)
		}

		pay = domain.Payment{
			JobID:          jobID,
			AgentID:        agentID,
			AgentWallet:    wallet,
			AmountLamports: j.RewardLamports,
			Status:         domain.PaymentPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if _, err := tx.Exec(ctx, `INSERT INTO payments (job_id, agent_id, agent_wallet, amount_lamports, signature, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'',$5,$6,$6)`,
			pay.JobID, pay.AgentID, pay.AgentWallet, pay.AmountLamports, pay.Status, now); err != nil {
			return translate("job.complete", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE agents SET
			total_completed = total_completed + 1,
			total_earned_lamports = total_earned_lamports + $2,
			avg_completion_seconds = $3
			WHERE id=$1`,
			agentID, j.RewardLamports, domain.NextAvgCompletion(avg, duration)); err != nil {
			return translate("job.complete", err)
		}

		out = j
		out.Status = domain.JobCompleted
		out.AgentID = &agentID
		out.AgentWallet = &wallet
		t := now
		out.CompletedAt = &t
		out.CompletionData = data
		return nil
	})
	if err != nil {
		return domain.Job{}, domain.Payment{}, err
	}
	return out, pay, nil
}

// FailJob is the terminal transition; retries go through RequeueJob and
// never land here.
func (s *Store) FailJob(ctx domain.Context, jobID, agentID, reason string, now time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	var out domain.Job
	err := s.inTx(ctx, "job.fail", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID)
		j, err := scanJob(row)
		if err != nil {
			return translate("job.fail", err)
		}
		if j.Status.Terminal() || j.Status == domain.JobAvailable {
			return fmt.Errorf("op=job.fail id=%s status=%s: %w", jobID, j.Status, domain.ErrConflict)
		}
		if j.AgentID != nil && *j.AgentID != agentID {
			return fmt.Errorf("op=job.fail id=%s: %w", jobID, domain.ErrWrongAgent)
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status='failed', failure_reason=$2, completed_at=$3 WHERE id=$1`,
			jobID, reason, now); err != nil {
			return translate("job.fail", err)
		}
		out = j
		out.Status = domain.JobFailed
		out.FailureReason = &reason
		t := now
		out.CompletedAt = &t
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

// RequeueJob resets a held job to AVAILABLE: agent cleared, retry_count
// incremented, priority replaced with the balancer's escalated level.
func (s *Store) RequeueJob(ctx domain.Context, jobID string, priority domain.JobPriority, now time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	var out domain.Job
	err := s.inTx(ctx, "job.requeue", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID)
		j, err := scanJob(row)
		if err != nil {
			return translate("job.requeue", err)
		}
		if j.Status.Terminal() || j.Status == domain.JobAvailable {
			return fmt.Errorf("op=job.requeue id=%s status=%s: %w", jobID, j.Status, domain.ErrConflict)
		}
		if j.RetryCount >= j.MaxRetries {
			return fmt.Errorf("op=job.requeue id=%s retries=%d/%d: %w", jobID, j.RetryCount, j.MaxRetries, domain.ErrConflict)
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status='available', agent_id=NULL, agent_wallet=NULL,
			accepted_at=NULL, started_at=NULL, retry_count=retry_count+1, priority=$2 WHERE id=$1`,
			jobID, priority); err != nil {
			return translate("job.requeue", err)
		}
		out = j
		out.Status = domain.JobAvailable
		out.AgentID = nil
		out.AgentWallet = nil
		out.AcceptedAt = nil
		out.StartedAt = nil
		out.RetryCount++
		out.Priority = priority
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

// ListJobsByStatus returns jobs in one status, newest first.
func (s *Store) ListJobsByStatus(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByStatus")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	rows, err := s.Pool.Query(ctx, q, status, limit, offset)
	if err != nil {
		return nil, translate("job.list_by_status", err)
	}
	defer rows.Close()
	return collectJobs(rows, "job.list_by_status")
}

// CountJobsByStatus returns the per-status row counts.
func (s *Store) CountJobsByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()

	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, translate("job.count_by_status", err)
	}
	defer rows.Close()
	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var st domain.JobStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, translate("job.count_by_status", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, translate("job.count_by_status", err)
	}
	return counts, nil
}

// ExpireAvailableJobsBefore marks stale AVAILABLE rows EXPIRED; the retention
// sweep calls this.
func (s *Store) ExpireAvailableJobsBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Expire")
	defer span.End()

	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET status='expired', completed_at=NOW() WHERE status='available' AND created_at < $1`,
		cutoff)
	if err != nil {
		return 0, translate("job.expire", err)
	}
	return tag.RowsAffected(), nil
}

func collectJobs(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}, op string) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, translate(op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(op, err)
	}
	return out, nil
}
