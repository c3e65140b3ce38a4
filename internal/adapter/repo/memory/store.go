// Package memory implements the Store port in process memory. It backs
// STORE_DRIVER=memory development runs and the usecase/httpserver tests; the
// postgres adapter is the production driver. Semantics mirror the postgres
// implementation exactly, including the sentinel error taxonomy.
package memory

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

// Store keeps agents, jobs and payments in maps behind one RWMutex. All
// returned values are deep copies so callers can never alias internal state.
type Store struct {
	mu       sync.RWMutex
	agents   map[string]*domain.Agent
	byKey    map[string]string // api key hash -> agent id
	jobs     map[string]*domain.Job
	payments map[string]*domain.Payment // job id -> payment
}

// New returns an empty store.
func New() *Store {
	return &Store{
		agents:   make(map[string]*domain.Agent),
		byKey:    make(map[string]string),
		jobs:     make(map[string]*domain.Job),
		payments: make(map[string]*domain.Payment),
	}
}

// Ping always succeeds.
func (s *Store) Ping(domain.Context) error { return nil }

func (s *Store) CreateAgent(_ domain.Context, a domain.Agent) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" || a.APIKeyHash == "" {
		return domain.Agent{}, fmt.Errorf("op=agent.create: %w", domain.ErrInvalidArgument)
	}
	if _, ok := s.agents[a.ID]; ok {
		return domain.Agent{}, fmt.Errorf("op=agent.create: %w", domain.ErrConflict)
	}
	if _, ok := s.byKey[a.APIKeyHash]; ok {
		return domain.Agent{}, fmt.Errorf("op=agent.create: api key digest taken: %w", domain.ErrConflict)
	}
	cp := a
	s.agents[a.ID] = &cp
	s.byKey[a.APIKeyHash] = a.ID
	return a, nil
}

func (s *Store) GetAgent(_ domain.Context, id string) (domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("op=agent.get id=%s: %w", id, domain.ErrNotFound)
	}
	return *a, nil
}

func (s *Store) GetAgentByAPIKey(_ domain.Context, apiKey string) (domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[domain.HashAPIKey(apiKey)]
	if !ok {
		return domain.Agent{}, fmt.Errorf("op=agent.get_by_key: %w", domain.ErrNotFound)
	}
	return *s.agents[id], nil
}

func (s *Store) TouchAgent(_ domain.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("op=agent.touch id=%s: %w", id, domain.ErrNotFound)
	}
	a.LastHeartbeatAt = now
	a.IsHealthy = true
	return nil
}

func (s *Store) UpdateAgentStats(_ domain.Context, id string, delta domain.AgentStatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("op=agent.update_stats id=%s: %w", id, domain.ErrNotFound)
	}
	a.TotalCompleted += delta.DeltaCompleted
	a.TotalFailed += delta.DeltaFailed
	a.TotalEarnedLamports += delta.DeltaEarnedLamports
	a.Reputation = delta.Reputation
	a.AvgCompletionSeconds = delta.AvgCompletionS
	return nil
}

func (s *Store) ListAgents(domain.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateJob(_ domain.Context, j domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", domain.ErrInvalidArgument)
	}
	if _, ok := s.jobs[j.ID]; ok {
		return domain.Job{}, fmt.Errorf("op=job.create id=%s: %w", j.ID, domain.ErrConflict)
	}
	if j.Status == "" {
		j.Status = domain.JobAvailable
	}
	cp := cloneJob(j)
	s.jobs[j.ID] = &cp
	return cloneJob(cp), nil
}

func (s *Store) GetJob(_ domain.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get id=%s: %w", id, domain.ErrNotFound)
	}
	return cloneJob(*j), nil
}

func (s *Store) ListAvailableJobs(_ domain.Context, c domain.Capability, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobAvailable && c.Admits(j.GPUMemoryRequired, j.RequiresGPU) {
			out = append(out, cloneJob(*j))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AssignJob(_ domain.Context, jobID, agentID, wallet string, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.assign id=%s: %w", jobID, domain.ErrNotFound)
	}
	if j.Status != domain.JobAvailable {
		return domain.Job{}, fmt.Errorf("op=job.assign id=%s status=%s: %w", jobID, j.Status, domain.ErrConflict)
	}
	j.Status = domain.JobAssigned
	j.AgentID = &agentID
	j.AgentWallet = &wallet
	t := now
	j.AcceptedAt = &t
	return cloneJob(*j), nil
}

func (s *Store) MarkAgentJobsRunning(_ domain.Context, agentID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, j := range s.jobs {
		if j.Status == domain.JobAssigned && j.AgentID != nil && *j.AgentID == agentID {
			j.Status = domain.JobRunning
			t := now
			j.StartedAt = &t
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) CompleteJob(_ domain.Context, jobID, agentID string, data map[string]any, reportedSeconds float64, now time.Time) (domain.Job, domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.Payment{}, fmt.Errorf("op=job.complete id=%s: %w", jobID, domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return domain.Job{}, domain.Payment{}, fmt.Errorf("op=job.complete id=%s status=%s: %w", jobID, j.Status, domain.ErrConflict)
	}
	if j.AgentID != nil && *j.AgentID != agentID {
		return domain.Job{}, domain.Payment{}, fmt.Errorf("op=job.complete id=%s: %w", jobID, domain.ErrWrongAgent)
	}
	if _, exists := s.payments[jobID]; exists {
		return domain.Job{}, domain.Payment{}, fmt.Errorf("op=job.complete id=%s: payment exists: %w", jobID, domain.ErrConflict)
	}
	agent, ok := s.agents[agentID]
	if !ok {
		return domain.Job{}, domain.Payment{}, fmt.Errorf("op=job.complete agent=%s: %w", agentID, domain.ErrNotFound)
	}

	duration := j.CompletionSeconds(reportedSeconds, now)

	// A completion racing a requeue arrives on an AVAILABLE row: the work was
	// done, so the reporter gets the job back and the credit.
	if j.AgentID == nil {
		j.AgentID = &agentID
		w := agent.WalletAddress
		j.AgentWallet = &w
	}
	j.Status = domain.JobCompleted
	t := now
	j.CompletedAt = &t
	if data != nil {
		j.CompletionData = maps.Clone(data)
	}

	wallet := agent.WalletAddress
	if j.AgentWallet != nil && *j.AgentWallet != "" {
		wallet = *j.AgentWallet
	}
	p := domain.Payment{
		JobID:          jobID,
		AgentID:        agentID,
		AgentWallet:    wallet,
		AmountLamports: j.RewardLamports,
		Status:         domain.PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.payments[jobID] = &p

	agent.TotalCompleted++
	agent.TotalEarnedLamports += j.RewardLamports
	agent.AvgCompletionSeconds = domain.NextAvgCompletion(agent.AvgCompletionSeconds, duration)

	return cloneJob(*j), p, nil
}

func (s *Store) FailJob(_ domain.Context, jobID, agentID, reason string, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.fail id=%s: %w", jobID, domain.ErrNotFound)
	}
	if j.Status.Terminal() || j.Status == domain.JobAvailable {
		return domain.Job{}, fmt.Errorf("op=job.fail id=%s status=%s: %w", jobID, j.Status, domain.ErrConflict)
	}
	if j.AgentID != nil && *j.AgentID != agentID {
		return domain.Job{}, fmt.Errorf("op=job.fail id=%s: %w", jobID, domain.ErrWrongAgent)
	}
	j.Status = domain.JobFailed
	j.FailureReason = &reason
	t := now
	j.CompletedAt = &t
	return cloneJob(*j), nil
}

func (s *Store) RequeueJob(_ domain.Context, jobID string, priority domain.JobPriority, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.requeue id=%s: %w", jobID, domain.ErrNotFound)
	}
	if j.Status.Terminal() || j.Status == domain.JobAvailable {
		return domain.Job{}, fmt.Errorf("op=job.requeue id=%s status=%s: %w", jobID, j.Status, domain.ErrConflict)
	}
	if j.RetryCount >= j.MaxRetries {
		return domain.Job{}, fmt.Errorf("op=job.requeue id=%s retries=%d/%d: %w", jobID, j.RetryCount, j.MaxRetries, domain.ErrConflict)
	}
	j.Status = domain.JobAvailable
	j.AgentID = nil
	j.AgentWallet = nil
	j.AcceptedAt = nil
	j.StartedAt = nil
	j.RetryCount++
	j.Priority = priority
	return cloneJob(*j), nil
}

func (s *Store) ListJobsByStatus(_ domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, cloneJob(*j))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountJobsByStatus(domain.Context) (map[domain.JobStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.JobStatus]int64)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *Store) ExpireAvailableJobsBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, j := range s.jobs {
		if j.Status == domain.JobAvailable && j.CreatedAt.Before(cutoff) {
			j.Status = domain.JobExpired
			t := now
			j.CompletedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *Store) GetPayment(_ domain.Context, jobID string) (domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[jobID]
	if !ok {
		return domain.Payment{}, fmt.Errorf("op=payment.get job=%s: %w", jobID, domain.ErrNotFound)
	}
	return *p, nil
}

func (s *Store) UpdatePaymentStatus(_ domain.Context, jobID, signature string, status domain.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[jobID]
	if !ok {
		return fmt.Errorf("op=payment.update job=%s: %w", jobID, domain.ErrNotFound)
	}
	// Only PENDING rows move; repeated confirms are no-ops.
	if p.Status != domain.PaymentPending {
		return nil
	}
	p.Status = status
	p.Signature = signature
	p.UpdatedAt = time.Now().UTC()
	if status == domain.PaymentConfirmed && signature != "" {
		if j, ok := s.jobs[jobID]; ok {
			sig := signature
			j.PaymentSignature = &sig
		}
	}
	return nil
}

func (s *Store) ListPendingPayments(domain.Context) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Payment
	for _, p := range s.payments {
		if p.Status == domain.PaymentPending {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}

func (s *Store) ListPayments(_ domain.Context, limit int) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PaymentStats(domain.Context) (domain.PaymentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.PaymentStats{CountByStatus: make(map[domain.PaymentStatus]int64)}
	for _, p := range s.payments {
		stats.CountByStatus[p.Status]++
		stats.TotalCount++
		switch p.Status {
		case domain.PaymentConfirmed:
			stats.TotalPaidLamports += p.AmountLamports
		case domain.PaymentPending:
			stats.PendingLamports += p.AmountLamports
		}
	}
	return stats, nil
}

func cloneJob(j domain.Job) domain.Job {
	out := j
	if j.Command != nil {
		out.Command = append([]string(nil), j.Command...)
	}
	out.Env = maps.Clone(j.Env)
	out.CompletionData = maps.Clone(j.CompletionData)
	out.AgentID = clonePtr(j.AgentID)
	out.AgentWallet = clonePtr(j.AgentWallet)
	out.AcceptedAt = clonePtr(j.AcceptedAt)
	out.StartedAt = clonePtr(j.StartedAt)
	out.CompletedAt = clonePtr(j.CompletedAt)
	out.FailureReason = clonePtr(j.FailureReason)
	out.PaymentSignature = clonePtr(j.PaymentSignature)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
