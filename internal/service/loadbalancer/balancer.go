// Package loadbalancer schedules queued jobs onto registered agents. All
// state lives in memory behind a single mutex; the Store remains the source
// of truth and the balancer is rebuilt from it on startup. Methods never
// perform I/O: callers apply the returned decisions to the Store outside the
// lock.
package loadbalancer

import (
	"container/heap"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

// Capacity tracks one agent's scheduling view: capability, live slot usage
// and the local stats the scorer reads.
type Capacity struct {
	AgentID    string
	Capability domain.Capability

	CurrentJobs          int
	TotalCompleted       int64
	TotalFailed          int64
	AvgCompletionSeconds float64

	LastHeartbeat time.Time
	IsHealthy     bool
}

// defaultAvgCompletionSeconds seeds the speed term for agents with no
// completion history so they score as average rather than infinitely fast.
const defaultAvgCompletionSeconds = 60

// AvailableSlots returns how many more jobs the agent can hold.
func (c *Capacity) AvailableSlots() int {
	free := c.Capability.MaxConcurrentJobs - c.CurrentJobs
	if free < 0 {
		return 0
	}
	return free
}

// SuccessRate returns completed/(completed+failed), or 1 with no history.
func (c *Capacity) SuccessRate() float64 {
	total := c.TotalCompleted + c.TotalFailed
	if total == 0 {
		return 1
	}
	return float64(c.TotalCompleted) / float64(total)
}

// Score ranks agents for placement: 50% free capacity, 30% success rate,
// 20% completion speed normalized against a 60s baseline.
func (c *Capacity) Score() float64 {
	availability := 0.0
	if c.Capability.MaxConcurrentJobs > 0 {
		availability = float64(c.AvailableSlots()) / float64(c.Capability.MaxConcurrentJobs)
	}
	avg := c.AvgCompletionSeconds
	if avg < 1 {
		avg = 1
	}
	speed := 60 / avg
	if speed > 1 {
		speed = 1
	}
	return 0.5*availability + 0.3*c.SuccessRate() + 0.2*speed
}

// Placement pairs a popped job with the agent chosen for it. The caller must
// CAS the Store row to ASSIGNED and then either Commit or Abort.
type Placement struct {
	Job     domain.QueuedJob
	AgentID string
}

// FailOutcome is the balancer's retry decision for one failed assignment.
// When Requeued is set, Job is the escalated mirror already pushed back onto
// the queue and the caller must reset the Store row to AVAILABLE. Otherwise
// retries are exhausted and the caller must mark the row FAILED.
type FailOutcome struct {
	Requeued bool
	Job      domain.QueuedJob
}

// Victim is an assignment torn down by a watchdog sweep.
type Victim struct {
	JobID    string
	AgentID  string
	Reason   string
	Requeued bool
	Job      domain.QueuedJob
}

// reservation records that an agent currently holds a job. delivered flips
// once the agent has been handed the job, either in a poll response or by
// accepting it directly.
type reservation struct {
	job        domain.QueuedJob
	agentID    string
	assignedAt time.Time
	delivered  bool
}

// Balancer owns the priority queue of available jobs and the live
// reservation table. One mutex guards everything; critical sections touch
// only in-memory maps.
type Balancer struct {
	mu               sync.Mutex
	clock            domain.Clock
	heartbeatTimeout time.Duration

	agents   map[string]*Capacity
	queue    jobHeap
	queued   map[string]*queueItem
	pending  map[string]*reservation
	assigned map[string]*reservation
	byAgent  map[string]map[string]struct{}

	totalQueued    uint64
	totalAssigned  uint64
	totalCompleted uint64
	totalFailed    uint64
	totalRetried   uint64
}

// New builds an empty balancer. A nil clock falls back to the real one and a
// non-positive heartbeat timeout falls back to the default.
func New(clock domain.Clock, heartbeatTimeout time.Duration) *Balancer {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = domain.DefaultHeartbeatTimeout
	}
	return &Balancer{
		clock:            clock,
		heartbeatTimeout: heartbeatTimeout,
		agents:           make(map[string]*Capacity),
		queued:           make(map[string]*queueItem),
		pending:          make(map[string]*reservation),
		assigned:         make(map[string]*reservation),
		byAgent:          make(map[string]map[string]struct{}),
	}
}

// UpsertAgent registers an agent or refreshes a known one. New entries seed
// their stats from the Store row; known entries keep the balancer's local
// counters and only take the fresh capability and liveness.
func (b *Balancer) UpsertAgent(a domain.Agent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if c, ok := b.agents[a.ID]; ok {
		c.Capability = a.Capability
		c.LastHeartbeat = now
		c.IsHealthy = true
		return
	}
	avg := a.AvgCompletionSeconds
	if avg <= 0 {
		avg = defaultAvgCompletionSeconds
	}
	b.agents[a.ID] = &Capacity{
		AgentID:              a.ID,
		Capability:           a.Capability,
		TotalCompleted:       a.TotalCompleted,
		TotalFailed:          a.TotalFailed,
		AvgCompletionSeconds: avg,
		LastHeartbeat:        now,
		IsHealthy:            true,
	}
	slog.Info("agent registered with balancer",
		slog.String("agent_id", a.ID),
		slog.Int("max_concurrent_jobs", a.Capability.MaxConcurrentJobs),
		slog.Int64("gpu_memory_bytes", a.Capability.GPUMemoryBytes))
}

// Heartbeat stamps the agent's liveness and revives it if it had been marked
// unhealthy. Returns false for agents the balancer has never seen.
func (b *Balancer) Heartbeat(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.agents[agentID]
	if !ok {
		return false
	}
	c.LastHeartbeat = b.clock.Now()
	if !c.IsHealthy {
		slog.Info("agent revived by heartbeat", slog.String("agent_id", agentID))
		c.IsHealthy = true
	}
	return true
}

// Enqueue adds a job to the queue. Jobs already queued, planned or assigned
// are rejected so a row can never be scheduled twice.
func (b *Balancer) Enqueue(q domain.QueuedJob) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queued[q.JobID]; ok {
		return false
	}
	if _, ok := b.pending[q.JobID]; ok {
		return false
	}
	if _, ok := b.assigned[q.JobID]; ok {
		return false
	}
	b.pushLocked(q)
	b.totalQueued++
	slog.Debug("job queued",
		slog.String("job_id", q.JobID),
		slog.String("priority", q.Priority.String()),
		slog.Int("retry_count", q.RetryCount))
	return true
}

// AssignJobs drains the queue against the current agent ranking: healthy
// agents with free slots sorted by score (ties broken by lower agent id),
// each popped job placed on the first agent that admits it. Placed jobs are
// held out of the queue with their slot reserved until the caller commits or
// aborts; jobs nobody can run are pushed back.
func (b *Balancer) AssignJobs() []Placement {
	b.mu.Lock()
	defer b.mu.Unlock()

	ranked := b.rankedLocked()
	if len(ranked) == 0 || b.queue.Len() == 0 {
		return nil
	}

	var placed []Placement
	var leftovers []domain.QueuedJob
	for b.queue.Len() > 0 {
		q := b.popLocked()
		var target *Capacity
		for _, c := range ranked {
			if c.AvailableSlots() > 0 && c.Capability.Admits(q.GPUMemoryRequired, q.RequiresGPU) {
				target = c
				break
			}
		}
		if target == nil {
			leftovers = append(leftovers, q)
			continue
		}
		target.CurrentJobs++
		b.pending[q.JobID] = &reservation{job: q, agentID: target.AgentID, assignedAt: b.clock.Now()}
		placed = append(placed, Placement{Job: q, AgentID: target.AgentID})
	}
	for _, q := range leftovers {
		b.pushLocked(q)
	}
	return placed
}

// Commit finalizes a placement after the Store CAS succeeded: the tentative
// slot becomes a live reservation keyed by (agent_id, job_id).
func (b *Balancer) Commit(p Placement) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.pending[p.Job.JobID]
	if !ok {
		if _, held := b.assigned[p.Job.JobID]; held {
			return
		}
		res = &reservation{job: p.Job, agentID: p.AgentID}
		if c := b.agents[p.AgentID]; c != nil {
			c.CurrentJobs++
		}
	}
	delete(b.pending, p.Job.JobID)
	res.assignedAt = b.clock.Now()
	b.assigned[p.Job.JobID] = res
	b.addByAgentLocked(res.agentID, p.Job.JobID)
	b.totalAssigned++
	slog.Info("job assigned",
		slog.String("job_id", p.Job.JobID),
		slog.String("agent_id", res.agentID),
		slog.String("priority", p.Job.Priority.String()))
}

// Abort rolls back a placement whose Store CAS failed. With requeue the job
// returns to the queue for the next pass; without it the job is dropped,
// which is correct when another broker already took the row.
func (b *Balancer) Abort(p Placement, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.pending[p.Job.JobID]
	if !ok {
		return
	}
	delete(b.pending, p.Job.JobID)
	if c := b.agents[res.agentID]; c != nil && c.CurrentJobs > 0 {
		c.CurrentJobs--
	}
	if requeue {
		b.pushLocked(res.job)
	}
}

// Reserve binds a job directly to an agent, bypassing the assignment pass.
// Used when an accept CAS lands on a row the balancer still holds queued, and
// when rebuilding reservations from ASSIGNED/RUNNING rows at startup. A zero
// assignedAt means now.
func (b *Balancer) Reserve(q domain.QueuedJob, agentID string, assignedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if res, ok := b.assigned[q.JobID]; ok {
		if res.agentID == agentID {
			res.delivered = true
			return
		}
		b.releaseLocked(q.JobID, res)
	}
	if res, ok := b.pending[q.JobID]; ok {
		delete(b.pending, q.JobID)
		if c := b.agents[res.agentID]; c != nil && c.CurrentJobs > 0 {
			c.CurrentJobs--
		}
	}
	if item, ok := b.queued[q.JobID]; ok {
		heap.Remove(&b.queue, item.index)
		delete(b.queued, q.JobID)
	}
	if assignedAt.IsZero() {
		assignedAt = b.clock.Now()
	}
	if c := b.agents[agentID]; c != nil {
		c.CurrentJobs++
	}
	b.assigned[q.JobID] = &reservation{job: q, agentID: agentID, assignedAt: assignedAt, delivered: true}
	b.addByAgentLocked(agentID, q.JobID)
	b.totalAssigned++
}

// RecordCompletion releases the reservation and folds the duration into the
// agent's completion EMA. Returns false when the balancer holds no matching
// reservation, which happens after a restart mid-flight.
func (b *Balancer) RecordCompletion(jobID, agentID string, durationSeconds float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	res := b.lookupLocked(jobID)
	if res == nil || res.agentID != agentID {
		return false
	}
	b.releaseLocked(jobID, res)
	if c := b.agents[agentID]; c != nil {
		c.TotalCompleted++
		c.AvgCompletionSeconds = domain.NextAvgCompletion(c.AvgCompletionSeconds, durationSeconds)
	}
	b.totalCompleted++
	return true
}

// Fail releases the reservation and decides the retry. The mirror is the
// Store row's queue projection and is used when no reservation survives (for
// example after a broker restart) so the decision is always made here.
func (b *Balancer) Fail(jobID, agentID string, mirror domain.QueuedJob) FailOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := mirror
	if res := b.lookupLocked(jobID); res != nil && res.agentID == agentID {
		b.releaseLocked(jobID, res)
		if c := b.agents[agentID]; c != nil {
			c.TotalFailed++
		}
		q = res.job
	}
	b.totalFailed++
	return b.retryLocked(q, "agent reported failure")
}

// SweepTimeouts tears down every assignment past its deadline (timeout_s
// stretched by the watchdog factor). The caller applies each victim to the
// Store: requeued victims reset to AVAILABLE, the rest go terminal FAILED.
func (b *Balancer) SweepTimeouts() []Victim {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var expired []*reservation
	for _, res := range b.assigned {
		if now.After(res.job.AssignmentDeadline(res.assignedAt)) {
			expired = append(expired, res)
		}
	}
	victims := make([]Victim, 0, len(expired))
	for _, res := range expired {
		victims = append(victims, b.teardownLocked(res, "execution deadline exceeded"))
	}
	return victims
}

// SweepHealth marks agents silent past the heartbeat timeout unhealthy and
// recycles every reservation they hold through the failure/retry path.
func (b *Balancer) SweepHealth() []Victim {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var victims []Victim
	for _, c := range b.agents {
		if !c.IsHealthy || now.Sub(c.LastHeartbeat) <= b.heartbeatTimeout {
			continue
		}
		c.IsHealthy = false
		slog.Warn("agent heartbeat lost",
			slog.String("agent_id", c.AgentID),
			slog.Time("last_heartbeat", c.LastHeartbeat))
		held := make([]*reservation, 0, len(b.byAgent[c.AgentID]))
		for jobID := range b.byAgent[c.AgentID] {
			if res, ok := b.assigned[jobID]; ok {
				held = append(held, res)
			}
		}
		for _, res := range held {
			victims = append(victims, b.teardownLocked(res, "agent heartbeat lost"))
		}
	}
	return victims
}

// FreeSlots returns the agent's available slots, or 0 for unknown or
// unhealthy agents.
func (b *Balancer) FreeSlots(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.agents[agentID]
	if !ok || !c.IsHealthy {
		return 0
	}
	return c.AvailableSlots()
}

// Undelivered returns the ids of committed reservations the agent has not
// been handed yet, sorted for determinism. A job placed on an agent during
// another agent's poll stays undelivered until the holder polls or accepts
// it directly.
func (b *Balancer) Undelivered(agentID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.byAgent[agentID]))
	for jobID := range b.byAgent[agentID] {
		if res, ok := b.assigned[jobID]; ok && !res.delivered {
			ids = append(ids, jobID)
		}
	}
	sort.Strings(ids)
	return ids
}

// MarkDelivered records that the agent holding the job has been handed it.
func (b *Balancer) MarkDelivered(jobID, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if res, ok := b.assigned[jobID]; ok && res.agentID == agentID {
		res.delivered = true
	}
}

// QueueDepth returns how many jobs wait in the queue.
func (b *Balancer) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// AssignedCount returns how many live reservations exist.
func (b *Balancer) AssignedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.assigned)
}

// teardownLocked releases one reservation as a failure and applies the retry
// decision, charging the failure to the holding agent.
func (b *Balancer) teardownLocked(res *reservation, reason string) Victim {
	b.releaseLocked(res.job.JobID, res)
	if c := b.agents[res.agentID]; c != nil {
		c.TotalFailed++
	}
	b.totalFailed++
	outcome := b.retryLocked(res.job, reason)
	return Victim{
		JobID:    res.job.JobID,
		AgentID:  res.agentID,
		Reason:   reason,
		Requeued: outcome.Requeued,
		Job:      outcome.Job,
	}
}

// retryLocked escalates and requeues the job when attempts remain.
func (b *Balancer) retryLocked(q domain.QueuedJob, reason string) FailOutcome {
	if !q.CanRetry() {
		slog.Warn("job retries exhausted",
			slog.String("job_id", q.JobID),
			slog.Int("retry_count", q.RetryCount),
			slog.Int("max_retries", q.MaxRetries),
			slog.String("reason", reason))
		return FailOutcome{Job: q}
	}
	next := q.Requeued()
	b.pushLocked(next)
	b.totalRetried++
	slog.Info("job requeued for retry",
		slog.String("job_id", next.JobID),
		slog.Int("retry_count", next.RetryCount),
		slog.String("priority", next.Priority.String()),
		slog.String("reason", reason))
	return FailOutcome{Requeued: true, Job: next}
}

// lookupLocked finds a committed or still-pending reservation.
func (b *Balancer) lookupLocked(jobID string) *reservation {
	if res, ok := b.assigned[jobID]; ok {
		return res
	}
	if res, ok := b.pending[jobID]; ok {
		return res
	}
	return nil
}

// releaseLocked removes the reservation and frees the agent's slot.
func (b *Balancer) releaseLocked(jobID string, res *reservation) {
	delete(b.assigned, jobID)
	delete(b.pending, jobID)
	if set, ok := b.byAgent[res.agentID]; ok {
		delete(set, jobID)
		if len(set) == 0 {
			delete(b.byAgent, res.agentID)
		}
	}
	if c := b.agents[res.agentID]; c != nil && c.CurrentJobs > 0 {
		c.CurrentJobs--
	}
}

func (b *Balancer) addByAgentLocked(agentID, jobID string) {
	set, ok := b.byAgent[agentID]
	if !ok {
		set = make(map[string]struct{})
		b.byAgent[agentID] = set
	}
	set[jobID] = struct{}{}
}

func (b *Balancer) pushLocked(q domain.QueuedJob) {
	item := &queueItem{job: q}
	heap.Push(&b.queue, item)
	b.queued[q.JobID] = item
}

func (b *Balancer) popLocked() domain.QueuedJob {
	item := heap.Pop(&b.queue).(*queueItem)
	delete(b.queued, item.job.JobID)
	return item.job
}

// rankedLocked snapshots healthy agents with free slots, best score first,
// equal scores broken by the lower agent id so placement is deterministic.
func (b *Balancer) rankedLocked() []*Capacity {
	ranked := make([]*Capacity, 0, len(b.agents))
	for _, c := range b.agents {
		if c.IsHealthy && c.AvailableSlots() > 0 {
			ranked = append(ranked, c)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := ranked[i].Score(), ranked[j].Score()
		if si != sj {
			return si > sj
		}
		return ranked[i].AgentID < ranked[j].AgentID
	})
	return ranked
}
