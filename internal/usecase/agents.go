// Package usecase holds the broker's application services. Each service
// orchestrates the Store transaction, the balancer's in-memory state, and any
// background work for one REST operation; handlers stay thin.
package usecase

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
)

// InitialReputation is assigned at registration.
const InitialReputation = 100

// AgentService covers registration, authentication, and liveness.
type AgentService struct {
	Store    domain.Store
	Balancer *loadbalancer.Balancer
	Clock    domain.Clock
}

// NewAgentService constructs an AgentService. A nil clock falls back to the
// real one.
func NewAgentService(store domain.Store, lb *loadbalancer.Balancer, clock domain.Clock) AgentService {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return AgentService{Store: store, Balancer: lb, Clock: clock}
}

// ValidWallet reports whether the address decodes as a 32-byte base58 public
// key.
func ValidWallet(addr string) bool {
	raw, err := base58.Decode(addr)
	if err != nil {
		return false
	}
	return len(raw) == 32
}

// Register creates the agent row and returns the plaintext API key exactly
// once; only its digest is persisted.
func (s AgentService) Register(ctx domain.Context, wallet string, cap domain.Capability) (domain.Agent, string, error) {
	if !ValidWallet(wallet) {
		return domain.Agent{}, "", fmt.Errorf("op=agent.register: bad wallet address: %w", domain.ErrInvalidArgument)
	}
	if cap.MaxConcurrentJobs <= 0 {
		cap.MaxConcurrentJobs = 1
	}
	if cap.GPUMemoryBytes < 0 {
		return domain.Agent{}, "", fmt.Errorf("op=agent.register: negative gpu memory: %w", domain.ErrInvalidArgument)
	}

	key, err := domain.NewAPIKey()
	if err != nil {
		return domain.Agent{}, "", fmt.Errorf("op=agent.register: %w", err)
	}
	now := s.Clock.Now()
	a := domain.Agent{
		ID:              uuid.New().String(),
		APIKeyHash:      domain.HashAPIKey(key),
		WalletAddress:   wallet,
		Capability:      cap,
		LastHeartbeatAt: now,
		IsHealthy:       true,
		Reputation:      InitialReputation,
		CreatedAt:       now,
	}
	created, err := s.Store.CreateAgent(ctx, a)
	if err != nil {
		return domain.Agent{}, "", err
	}
	s.Balancer.UpsertAgent(created)
	return created, key, nil
}

// Authenticate resolves the X-API-Key header to an agent. Unknown keys map to
// ErrUnauthorized so the handler never leaks whether the key exists.
func (s AgentService) Authenticate(ctx domain.Context, apiKey string) (domain.Agent, error) {
	if apiKey == "" {
		return domain.Agent{}, fmt.Errorf("op=agent.auth: missing api key: %w", domain.ErrUnauthorized)
	}
	a, err := s.Store.GetAgentByAPIKey(ctx, apiKey)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("op=agent.auth: %w", domain.ErrUnauthorized)
	}
	return a, nil
}

// Heartbeat stamps liveness and flips the agent's ASSIGNED jobs to RUNNING.
// Returns the transitioned job ids.
func (s AgentService) Heartbeat(ctx domain.Context, agent domain.Agent) ([]string, time.Time, error) {
	now := s.Clock.Now()
	if err := s.Store.TouchAgent(ctx, agent.ID, now); err != nil {
		return nil, now, err
	}
	started, err := s.Store.MarkAgentJobsRunning(ctx, agent.ID, now)
	if err != nil {
		return nil, now, err
	}
	// A heartbeat from an agent the balancer has never seen means the broker
	// restarted since registration; re-seed it from the Store row.
	if !s.Balancer.Heartbeat(agent.ID) {
		s.Balancer.UpsertAgent(agent)
	}
	return started, now, nil
}
