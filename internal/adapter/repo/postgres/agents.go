package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

const agentColumns = `id, api_key_hash, wallet_address, gpu_model, gpu_vendor, gpu_memory_bytes,
	compute_framework, max_concurrent_jobs, last_heartbeat_at, is_healthy, reputation,
	total_completed, total_failed, total_earned_lamports, avg_completion_seconds, created_at`

type agentScanner interface{ Scan(dest ...any) error }

func scanAgent(row agentScanner) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(
		&a.ID, &a.APIKeyHash, &a.WalletAddress,
		&a.Capability.GPUModel, &a.Capability.GPUVendor, &a.Capability.GPUMemoryBytes,
		&a.Capability.ComputeFramework, &a.Capability.MaxConcurrentJobs,
		&a.LastHeartbeatAt, &a.IsHealthy, &a.Reputation,
		&a.TotalCompleted, &a.TotalFailed, &a.TotalEarnedLamports,
		&a.AvgCompletionSeconds, &a.CreatedAt,
	)
	return a, err
}

// CreateAgent inserts a new agent row. A taken api key digest surfaces as
// ErrConflict through the unique index.
func (s *Store) CreateAgent(ctx domain.Context, a domain.Agent) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "agents"))

	if a.ID == "" || a.APIKeyHash == "" {
		return domain.Agent{}, fmt.Errorf("op=agent.create: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO agents (` + agentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := s.Pool.Exec(ctx, q,
		a.ID, a.APIKeyHash, a.WalletAddress,
		a.Capability.GPUModel, a.Capability.GPUVendor, a.Capability.GPUMemoryBytes,
		a.Capability.ComputeFramework, a.Capability.MaxConcurrentJobs,
		a.LastHeartbeatAt, a.IsHealthy, a.Reputation,
		a.TotalCompleted, a.TotalFailed, a.TotalEarnedLamports,
		a.AvgCompletionSeconds, a.CreatedAt,
	)
	if err != nil {
		return domain.Agent{}, translate("agent.create", err)
	}
	return a, nil
}

// GetAgent loads one agent by id.
func (s *Store) GetAgent(ctx domain.Context, id string) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Get")
	defer span.End()

	row := s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return domain.Agent{}, translate("agent.get", err)
	}
	return a, nil
}

// GetAgentByAPIKey resolves the bearer key presented on the wire; only the
// digest is ever compared or stored.
func (s *Store) GetAgentByAPIKey(ctx domain.Context, apiKey string) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.GetByAPIKey")
	defer span.End()

	row := s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE api_key_hash=$1`, domain.HashAPIKey(apiKey))
	a, err := scanAgent(row)
	if err != nil {
		return domain.Agent{}, translate("agent.get_by_key", err)
	}
	return a, nil
}

// TouchAgent stamps the heartbeat and revives the row.
func (s *Store) TouchAgent(ctx domain.Context, id string, now time.Time) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Touch")
	defer span.End()

	tag, err := s.Pool.Exec(ctx, `UPDATE agents SET last_heartbeat_at=$2, is_healthy=TRUE WHERE id=$1`, id, now)
	if err != nil {
		return translate("agent.touch", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.touch id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateAgentStats folds counter deltas in and replaces reputation and the
// completion EMA with the caller-computed values.
func (s *Store) UpdateAgentStats(ctx domain.Context, id string, delta domain.AgentStatsDelta) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.UpdateStats")
	defer span.End()

	q := `UPDATE agents SET
		total_completed = total_completed + $2,
		total_failed = total_failed + $3,
		total_earned_lamports = total_earned_lamports + $4,
		reputation = $5,
		avg_completion_seconds = $6
		WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q, id,
		delta.DeltaCompleted, delta.DeltaFailed, delta.DeltaEarnedLamports,
		delta.Reputation, delta.AvgCompletionS)
	if err != nil {
		return translate("agent.update_stats", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.update_stats id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListAgents returns every agent, oldest first.
func (s *Store) ListAgents(ctx domain.Context) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.List")
	defer span.End()

	rows, err := s.Pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, translate("agent.list", err)
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, translate("agent.list", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("agent.list", err)
	}
	return out, nil
}
