package loadbalancer

import (
	"sort"
	"time"
)

// AgentSnapshot is one agent's scheduling view as exposed on the admin
// surface.
type AgentSnapshot struct {
	AgentID              string    `json:"agent_id"`
	Score                float64   `json:"score"`
	IsHealthy            bool      `json:"is_healthy"`
	CurrentJobs          int       `json:"current_jobs"`
	MaxConcurrentJobs    int       `json:"max_concurrent_jobs"`
	AvailableSlots       int       `json:"available_slots"`
	SuccessRate          float64   `json:"success_rate"`
	AvgCompletionSeconds float64   `json:"avg_completion_s"`
	TotalCompleted       int64     `json:"total_completed"`
	TotalFailed          int64     `json:"total_failed"`
	LastHeartbeatAt      time.Time `json:"last_heartbeat_at"`
}

// Stats is the balancer's aggregate view. Capacity and load count healthy
// agents only; the lifetime counters are monotonic since process start.
type Stats struct {
	TotalAgents    int     `json:"total_agents"`
	HealthyAgents  int     `json:"healthy_agents"`
	TotalCapacity  int     `json:"total_capacity"`
	CurrentLoad    int     `json:"current_load"`
	UtilizationPct float64 `json:"utilization_pct"`
	QueuedJobs     int     `json:"queued_jobs"`
	AssignedJobs   int     `json:"assigned_jobs"`

	TotalJobsQueued    uint64 `json:"total_jobs_queued"`
	TotalJobsAssigned  uint64 `json:"total_jobs_assigned"`
	TotalJobsCompleted uint64 `json:"total_jobs_completed"`
	TotalJobsFailed    uint64 `json:"total_jobs_failed"`
	TotalJobsRetried   uint64 `json:"total_jobs_retried"`

	Agents []AgentSnapshot `json:"agents"`
}

// Stats returns a consistent snapshot for the admin stats endpoint and the
// maintenance-tick metrics, agents sorted best score first.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		TotalAgents:        len(b.agents),
		QueuedJobs:         b.queue.Len(),
		AssignedJobs:       len(b.assigned),
		TotalJobsQueued:    b.totalQueued,
		TotalJobsAssigned:  b.totalAssigned,
		TotalJobsCompleted: b.totalCompleted,
		TotalJobsFailed:    b.totalFailed,
		TotalJobsRetried:   b.totalRetried,
		Agents:             make([]AgentSnapshot, 0, len(b.agents)),
	}
	for _, c := range b.agents {
		if c.IsHealthy {
			s.HealthyAgents++
			s.TotalCapacity += c.Capability.MaxConcurrentJobs
			s.CurrentLoad += c.CurrentJobs
		}
		s.Agents = append(s.Agents, AgentSnapshot{
			AgentID:              c.AgentID,
			Score:                c.Score(),
			IsHealthy:            c.IsHealthy,
			CurrentJobs:          c.CurrentJobs,
			MaxConcurrentJobs:    c.Capability.MaxConcurrentJobs,
			AvailableSlots:       c.AvailableSlots(),
			SuccessRate:          c.SuccessRate(),
			AvgCompletionSeconds: c.AvgCompletionSeconds,
			TotalCompleted:       c.TotalCompleted,
			TotalFailed:          c.TotalFailed,
			LastHeartbeatAt:      c.LastHeartbeat,
		})
	}
	if s.TotalCapacity > 0 {
		s.UtilizationPct = float64(s.CurrentLoad) / float64(s.TotalCapacity) * 100
	}
	sort.Slice(s.Agents, func(i, j int) bool {
		if s.Agents[i].Score != s.Agents[j].Score {
			return s.Agents[i].Score > s.Agents[j].Score
		}
		return s.Agents[i].AgentID < s.Agents[j].AgentID
	})
	return s
}
