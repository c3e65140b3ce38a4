package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/observability"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
	"github.com/fairyhunter13/compute-marketplace/internal/service/ratelimiter"
)

// DefaultMaxAvailableJobs caps how many jobs one poll returns.
const DefaultMaxAvailableJobs = 10

// JobService drives the job lifecycle: poll, accept, complete, fail.
type JobService struct {
	Store      domain.Store
	Balancer   *loadbalancer.Balancer
	Settlement domain.SettlementQueue
	Limiter    ratelimiter.Limiter
	Clock      domain.Clock
	MaxPoll    int
}

// NewJobService constructs a JobService. Limiter may be nil when Redis is
// not configured.
func NewJobService(store domain.Store, lb *loadbalancer.Balancer, settle domain.SettlementQueue, limiter ratelimiter.Limiter, clock domain.Clock, maxPoll int) JobService {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if maxPoll <= 0 {
		maxPoll = DefaultMaxAvailableJobs
	}
	return JobService{Store: store, Balancer: lb, Settlement: settle, Limiter: limiter, Clock: clock, MaxPoll: maxPoll}
}

// Poll runs one placement pass and returns the jobs now held by the calling
// agent. The pass drains the queue onto the best-ranked agents; each
// placement is CASed in the Store before the balancer commits it, so a lost
// race just drops the placement. A job can land on this agent during some
// other agent's pass, so every poll also returns the caller's reserved rows
// it has not seen yet. When nothing is held and the caller still has free
// slots, AVAILABLE rows its capability admits are offered directly; accept
// performs the CAS.
func (s JobService) Poll(ctx domain.Context, agent domain.Agent, cap domain.Capability) ([]domain.Job, error) {
	if s.Limiter != nil {
		allowed, retryAfter, _ := s.Limiter.Allow(ctx, agent.ID, 1)
		if !allowed {
			return nil, fmt.Errorf("op=job.poll agent=%s retry_after=%s: %w", agent.ID, retryAfter, domain.ErrRateLimited)
		}
	}

	if cap.MaxConcurrentJobs > 0 {
		agent.Capability = cap
	}
	s.Balancer.UpsertAgent(agent)

	mine := s.redeliver(ctx, agent, s.placementPass(ctx, agent))
	if len(mine) > s.MaxPoll {
		// Rows cut here stay reserved and undelivered, so the next poll
		// returns them.
		mine = mine[:s.MaxPoll]
	}
	if len(mine) > 0 {
		for _, j := range mine {
			s.Balancer.MarkDelivered(j.ID, agent.ID)
		}
		return mine, nil
	}

	if s.Balancer.FreeSlots(agent.ID) == 0 {
		return nil, nil
	}
	rows, err := s.Store.ListAvailableJobs(ctx, agent.Capability, s.MaxPoll)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// placementPass assigns queued jobs to ranked agents and returns the rows
// committed onto the calling agent.
func (s JobService) placementPass(ctx context.Context, caller domain.Agent) []domain.Job {
	placements := s.Balancer.AssignJobs()
	if len(placements) == 0 {
		return nil
	}
	now := s.Clock.Now()
	var mine []domain.Job
	for _, p := range placements {
		wallet := caller.WalletAddress
		if p.AgentID != caller.ID {
			target, err := s.Store.GetAgent(ctx, p.AgentID)
			if err != nil {
				s.Balancer.Abort(p, true)
				continue
			}
			wallet = target.WalletAddress
		}
		row, err := s.Store.AssignJob(ctx, p.Job.JobID, p.AgentID, wallet, now)
		switch {
		case err == nil:
			s.Balancer.Commit(p)
			observability.JobsAssignedTotal.Inc()
			if p.AgentID == caller.ID {
				mine = append(mine, row)
			}
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			// Row moved under us; drop the placement for good.
			s.Balancer.Abort(p, false)
		default:
			slog.Warn("assignment write failed, requeueing",
				slog.String("job_id", p.Job.JobID), slog.Any("error", err))
			s.Balancer.Abort(p, true)
		}
	}
	return mine
}

// redeliver appends the caller's undelivered reservations to the placement
// pass result. Such a row sits ASSIGNED (or RUNNING once a heartbeat flips
// it) until its holder learns about it here; accept is idempotent, so a row
// the agent already accepted coming through again is harmless.
func (s JobService) redeliver(ctx context.Context, caller domain.Agent, mine []domain.Job) []domain.Job {
	held := s.Balancer.Undelivered(caller.ID)
	if len(held) == 0 {
		return mine
	}
	seen := make(map[string]struct{}, len(mine))
	for _, j := range mine {
		seen[j.ID] = struct{}{}
	}
	for _, jobID := range held {
		if _, ok := seen[jobID]; ok {
			continue
		}
		row, err := s.Store.GetJob(ctx, jobID)
		if err != nil || row.Status.Terminal() || !row.AssignedTo(caller.ID) {
			continue
		}
		mine = append(mine, row)
	}
	return mine
}

// Accept binds the job to the calling agent. The CAS from AVAILABLE is the
// normal path; accepting a job the placement pass already put on this agent
// succeeds idempotently.
func (s JobService) Accept(ctx domain.Context, jobID string, agent domain.Agent, wallet string) (domain.Job, error) {
	if wallet == "" {
		wallet = agent.WalletAddress
	}
	if wallet == "" {
		return domain.Job{}, fmt.Errorf("op=job.accept id=%s: missing wallet address: %w", jobID, domain.ErrInvalidArgument)
	}
	now := s.Clock.Now()
	row, err := s.Store.AssignJob(ctx, jobID, agent.ID, wallet, now)
	if err == nil {
		s.Balancer.Reserve(domain.QueuedJobFromJob(row), agent.ID, now)
		observability.JobsAssignedTotal.Inc()
		return row, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return domain.Job{}, err
	}
	cur, gerr := s.Store.GetJob(ctx, jobID)
	if gerr == nil && !cur.Status.Terminal() {
		if cur.AssignedTo(agent.ID) {
			assignedAt := now
			if cur.AcceptedAt != nil {
				assignedAt = *cur.AcceptedAt
			}
			s.Balancer.Reserve(domain.QueuedJobFromJob(cur), agent.ID, assignedAt)
			return cur, nil
		}
		if cur.AgentID != nil {
			return domain.Job{}, fmt.Errorf("op=job.accept id=%s: held by another agent: %w", jobID, domain.ErrWrongAgent)
		}
	}
	return domain.Job{}, err
}

// Complete is the terminal success path: one Store transaction, balancer
// release, and the settlement enqueue.
func (s JobService) Complete(ctx domain.Context, jobID string, agent domain.Agent, executionTimeS float64, output map[string]any) (domain.Job, error) {
	now := s.Clock.Now()
	job, payment, err := s.Store.CompleteJob(ctx, jobID, agent.ID, output, executionTimeS, now)
	if err != nil {
		return domain.Job{}, err
	}
	duration := job.CompletionSeconds(executionTimeS, now)
	s.Balancer.RecordCompletion(jobID, agent.ID, duration)
	observability.JobsCompletedTotal.Inc()

	if s.Settlement != nil {
		if qerr := s.Settlement.EnqueueSettlement(ctx, payment.JobID); qerr != nil {
			slog.Warn("settlement enqueue failed, reconciliation will retry",
				slog.String("job_id", jobID), slog.Any("error", qerr))
		}
	}
	slog.Info("job completed",
		slog.String("job_id", jobID),
		slog.String("agent_id", agent.ID),
		slog.Float64("duration_s", duration),
		slog.Int64("reward_lamports", job.RewardLamports))
	return job, nil
}

// Fail applies the agent's failure report. The balancer owns the retry
// decision; the Store row follows it to AVAILABLE or terminal FAILED. The
// reporting agent always takes the reputation hit.
func (s JobService) Fail(ctx domain.Context, jobID string, agent domain.Agent, reason string) (domain.Job, bool, error) {
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, false, err
	}
	if job.Status.Terminal() {
		return domain.Job{}, false, fmt.Errorf("op=job.fail id=%s status=%s: %w", jobID, job.Status, domain.ErrConflict)
	}
	if !job.AssignedTo(agent.ID) {
		return domain.Job{}, false, fmt.Errorf("op=job.fail id=%s: %w", jobID, domain.ErrWrongAgent)
	}

	now := s.Clock.Now()
	outcome := s.Balancer.Fail(jobID, agent.ID, domain.QueuedJobFromJob(job))

	var final domain.Job
	if outcome.Requeued {
		final, err = s.Store.RequeueJob(ctx, jobID, outcome.Job.Priority, now)
		if errors.Is(err, domain.ErrConflict) {
			// The Store row ran out of retries first; follow it terminal.
			final, err = s.Store.FailJob(ctx, jobID, agent.ID, reason, now)
			outcome.Requeued = false
		}
		if err == nil && outcome.Requeued {
			observability.JobsRetriedTotal.Inc()
		}
	} else {
		final, err = s.Store.FailJob(ctx, jobID, agent.ID, reason, now)
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	observability.JobsFailedTotal.WithLabelValues("agent_report").Inc()

	s.penalize(ctx, agent.ID)
	slog.Info("job failure reported",
		slog.String("job_id", jobID),
		slog.String("agent_id", agent.ID),
		slog.Bool("requeued", outcome.Requeued),
		slog.String("reason", reason))
	return final, outcome.Requeued, nil
}

// penalize charges one failure against the agent's reputation and failure
// counter. Best-effort: a stats write failure never blocks the report.
func (s JobService) penalize(ctx context.Context, agentID string) {
	a, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	delta := domain.AgentStatsDelta{
		DeltaFailed:    1,
		Reputation:     domain.NextReputation(a.Reputation, true),
		AvgCompletionS: a.AvgCompletionSeconds,
	}
	if err := s.Store.UpdateAgentStats(ctx, agentID, delta); err != nil {
		slog.Warn("reputation update failed",
			slog.String("agent_id", agentID), slog.Any("error", err))
	}
}
