package usecase

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/observability"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
)

// DefaultMaxRetries applies when a submitted job does not set its own.
const DefaultMaxRetries = 3

// AdminService covers job submission and every read surface: admin stats,
// the public marketplace info, and payment history.
type AdminService struct {
	Store    domain.Store
	Balancer *loadbalancer.Balancer
	Backend  domain.PaymentBackend
	Wallet   string
	Clock    domain.Clock
}

// NewAdminService constructs an AdminService. wallet is the marketplace's
// own address, shown on the public info endpoint.
func NewAdminService(store domain.Store, lb *loadbalancer.Balancer, backend domain.PaymentBackend, wallet string, clock domain.Clock) AdminService {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return AdminService{Store: store, Balancer: lb, Backend: backend, Wallet: wallet, Clock: clock}
}

// CreateJobParams is the submission payload after transport decoding.
type CreateJobParams struct {
	JobType            string
	ImageRef           string
	Command            []string
	Env                map[string]string
	InputURL           string
	OutputURL          string
	GPUMemoryRequired  int64
	RequiresGPU        bool
	EstimatedDurationS int64
	TimeoutS           int64
	RewardLamports     int64
	Priority           string
	MaxRetries         int
}

// CreateJob validates the submission, derives the priority from the reward
// when none is given, persists the row, and enqueues it for placement.
func (s AdminService) CreateJob(ctx domain.Context, p CreateJobParams) (domain.Job, error) {
	if p.TimeoutS <= 0 {
		return domain.Job{}, fmt.Errorf("op=job.create: timeout_s must be positive: %w", domain.ErrInvalidArgument)
	}
	if len(p.Command) == 0 {
		return domain.Job{}, fmt.Errorf("op=job.create: empty command: %w", domain.ErrInvalidArgument)
	}
	if p.RewardLamports < 0 || p.GPUMemoryRequired < 0 {
		return domain.Job{}, fmt.Errorf("op=job.create: negative reward or gpu memory: %w", domain.ErrInvalidArgument)
	}

	priority := domain.RewardPriority(p.RewardLamports)
	if p.Priority != "" {
		parsed, ok := domain.ParsePriority(p.Priority)
		if !ok {
			return domain.Job{}, fmt.Errorf("op=job.create: unknown priority %q: %w", p.Priority, domain.ErrInvalidArgument)
		}
		priority = parsed
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	job := domain.Job{
		ID:                 uuid.New().String(),
		JobType:            p.JobType,
		ImageRef:           p.ImageRef,
		Command:            p.Command,
		Env:                p.Env,
		InputURL:           p.InputURL,
		OutputURL:          p.OutputURL,
		GPUMemoryRequired:  p.GPUMemoryRequired,
		RequiresGPU:        p.RequiresGPU,
		EstimatedDurationS: p.EstimatedDurationS,
		TimeoutS:           p.TimeoutS,
		RewardLamports:     p.RewardLamports,
		Status:             domain.JobAvailable,
		Priority:           priority,
		MaxRetries:         maxRetries,
		CreatedAt:          s.Clock.Now(),
	}
	created, err := s.Store.CreateJob(ctx, job)
	if err != nil {
		return domain.Job{}, err
	}
	s.Balancer.Enqueue(domain.QueuedJobFromJob(created))
	observability.JobsCreatedTotal.Inc()
	return created, nil
}

// AgentSummary is the admin view of one agent.
type AgentSummary struct {
	AgentID              string    `json:"agent_id"`
	WalletAddress        string    `json:"wallet_address"`
	GPUModel             string    `json:"gpu_model"`
	IsHealthy            bool      `json:"is_healthy"`
	Reputation           float64   `json:"reputation"`
	TotalCompleted       int64     `json:"total_completed"`
	TotalFailed          int64     `json:"total_failed"`
	TotalEarnedLamports  int64     `json:"total_earned_lamports"`
	AvgCompletionSeconds float64   `json:"avg_completion_s"`
	LastHeartbeatAt      time.Time `json:"last_heartbeat_at"`
}

// AdminStats is the aggregate admin view.
type AdminStats struct {
	Agents       []AgentSummary             `json:"agents"`
	JobsByStatus map[domain.JobStatus]int64 `json:"jobs_by_status"`
	Payments     domain.PaymentStats        `json:"payments"`
	LoadBalancer loadbalancer.Stats         `json:"load_balancer"`
}

// Stats assembles the admin stats response from the Store and the balancer.
func (s AdminService) Stats(ctx domain.Context) (AdminStats, error) {
	agents, err := s.Store.ListAgents(ctx)
	if err != nil {
		return AdminStats{}, err
	}
	byStatus, err := s.Store.CountJobsByStatus(ctx)
	if err != nil {
		return AdminStats{}, err
	}
	payments, err := s.Store.PaymentStats(ctx)
	if err != nil {
		return AdminStats{}, err
	}
	out := AdminStats{
		Agents:       make([]AgentSummary, 0, len(agents)),
		JobsByStatus: byStatus,
		Payments:     payments,
		LoadBalancer: s.Balancer.Stats(),
	}
	for _, a := range agents {
		out.Agents = append(out.Agents, AgentSummary{
			AgentID:              a.ID,
			WalletAddress:        a.WalletAddress,
			GPUModel:             a.Capability.GPUModel,
			IsHealthy:            a.IsHealthy,
			Reputation:           a.Reputation,
			TotalCompleted:       a.TotalCompleted,
			TotalFailed:          a.TotalFailed,
			TotalEarnedLamports:  a.TotalEarnedLamports,
			AvgCompletionSeconds: a.AvgCompletionSeconds,
			LastHeartbeatAt:      a.LastHeartbeatAt,
		})
	}
	return out, nil
}

// MarketplaceInfo is the public storefront summary.
type MarketplaceInfo struct {
	Name            string `json:"name"`
	WalletAddress   string `json:"wallet_address"`
	BalanceLamports int64  `json:"balance_lamports"`
	AgentsOnline    int    `json:"agents_online"`
	JobsAvailable   int64  `json:"jobs_available"`
}

// Info builds the public marketplace summary. A balance lookup failure zeroes
// the balance rather than failing the page.
func (s AdminService) Info(ctx domain.Context) (MarketplaceInfo, error) {
	byStatus, err := s.Store.CountJobsByStatus(ctx)
	if err != nil {
		return MarketplaceInfo{}, err
	}
	balance := int64(0)
	if s.Backend != nil && s.Wallet != "" {
		if b, berr := s.Backend.GetBalance(ctx, s.Wallet); berr == nil {
			balance = b
		}
	}
	lb := s.Balancer.Stats()
	return MarketplaceInfo{
		Name:            "compute-marketplace",
		WalletAddress:   s.Wallet,
		BalanceLamports: balance,
		AgentsOnline:    lb.HealthyAgents,
		JobsAvailable:   byStatus[domain.JobAvailable],
	}, nil
}

// PublicAgent is the redacted listing shown without authentication.
type PublicAgent struct {
	AgentID        string  `json:"agent_id"`
	GPUModel       string  `json:"gpu_model"`
	IsHealthy      bool    `json:"is_healthy"`
	TotalCompleted int64   `json:"total_completed"`
	Reputation     float64 `json:"reputation"`
}

// PublicAgents lists registered agents with wallets and keys redacted.
func (s AdminService) PublicAgents(ctx domain.Context) ([]PublicAgent, error) {
	agents, err := s.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PublicAgent, 0, len(agents))
	for _, a := range agents {
		out = append(out, PublicAgent{
			AgentID:        a.ID,
			GPUModel:       a.Capability.GPUModel,
			IsHealthy:      a.IsHealthy,
			TotalCompleted: a.TotalCompleted,
			Reputation:     a.Reputation,
		})
	}
	return out, nil
}

// PaymentsHistory returns the most recent payments, newest first.
func (s AdminService) PaymentsHistory(ctx domain.Context, limit int) ([]domain.Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Store.ListPayments(ctx, limit)
}

// HealthStatus is the public health response.
type HealthStatus struct {
	Status         string    `json:"status"`
	Store          string    `json:"store"`
	PaymentBackend string    `json:"payment_backend"`
	Now            time.Time `json:"now"`
}

// Health probes the store and the payment backend. Degraded dependencies are
// reported, not masked.
func (s AdminService) Health(ctx domain.Context) HealthStatus {
	st := HealthStatus{Status: "ok", Store: "ok", PaymentBackend: "ok", Now: s.Clock.Now()}
	if err := s.Store.Ping(ctx); err != nil {
		st.Status = "degraded"
		st.Store = "unavailable"
	}
	if s.Backend != nil && s.Wallet != "" {
		if _, err := s.Backend.GetBalance(ctx, s.Wallet); err != nil {
			st.Status = "degraded"
			st.PaymentBackend = "unavailable"
		}
	}
	return st
}
