package domain

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrWrongAgent      = errors.New("wrong agent")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("dependency unavailable")
	ErrTransient       = errors.New("transient failure")
	ErrPermanent       = errors.New("permanent failure")
	ErrInternal        = errors.New("internal error")
)

// ComputeFramework enumerates supported GPU compute stacks.
const (
	FrameworkCUDA   = "cuda"
	FrameworkROCm   = "rocm"
	FrameworkMetal  = "metal"
	FrameworkOpenCL = "opencl"
	FrameworkNone   = "none"
)

//go:generate mockery --name=Store --with-expecter --filename=store_mock.go
//go:generate mockery --name=PaymentBackend --with-expecter --filename=payment_backend_mock.go

// Capability describes what an agent can run.
type Capability struct {
	GPUModel          string
	GPUVendor         string
	GPUMemoryBytes    int64
	ComputeFramework  string
	MaxConcurrentJobs int
}

// HasGPU reports whether the capability includes a usable GPU.
func (c Capability) HasGPU() bool {
	return c.GPUMemoryBytes > 0 && c.ComputeFramework != FrameworkNone && c.ComputeFramework != ""
}

// Admits reports whether this capability can host a job with the given
// requirements. Equal memory is admissible.
func (c Capability) Admits(gpuMemoryRequired int64, requiresGPU bool) bool {
	if requiresGPU && !c.HasGPU() {
		return false
	}
	return gpuMemoryRequired <= c.GPUMemoryBytes || gpuMemoryRequired == 0
}

// Agent is a registered worker. Rows are never deleted; stale agents remain
// for audit with is_healthy=false.
type Agent struct {
	ID            string
	APIKeyHash    string
	WalletAddress string
	Capability    Capability

	LastHeartbeatAt time.Time
	IsHealthy       bool
	Reputation      float64 // [0,100], starts at 100

	TotalCompleted       int64
	TotalFailed          int64
	TotalEarnedLamports  int64
	AvgCompletionSeconds float64 // EMA, alpha=0.3

	CreatedAt time.Time
}

// SuccessRate returns completed/(completed+failed), or 1 when the agent has
// no history yet so new agents are not penalized by the scorer.
func (a Agent) SuccessRate() float64 {
	total := a.TotalCompleted + a.TotalFailed
	if total == 0 {
		return 1
	}
	return float64(a.TotalCompleted) / float64(total)
}

// CompletionEMAAlpha is the smoothing factor for avg_completion_seconds.
const CompletionEMAAlpha = 0.3

// NextAvgCompletion folds one completion sample into the EMA.
func NextAvgCompletion(current, sampleSeconds float64) float64 {
	if current <= 0 {
		return sampleSeconds
	}
	return CompletionEMAAlpha*sampleSeconds + (1-CompletionEMAAlpha)*current
}

// FailureReputationPenalty is subtracted from reputation on each failure
// report, floored at zero. Successful completions leave reputation unchanged.
const FailureReputationPenalty = 1.0

// NextReputation applies the failure penalty within [0,100].
func NextReputation(current float64, failed bool) float64 {
	if !failed {
		return clampReputation(current)
	}
	return clampReputation(current - FailureReputationPenalty)
}

func clampReputation(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

type JobStatus string

const (
	JobAvailable JobStatus = "available"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobExpired   JobStatus = "expired"
)

// Terminal reports whether no further transition may leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobExpired
}

// JobPriority orders queued jobs; higher values drain first.
type JobPriority int

const (
	PriorityLow    JobPriority = 0
	PriorityNormal JobPriority = 1
	PriorityHigh   JobPriority = 2
	PriorityUrgent JobPriority = 3
)

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "NORMAL"
	}
}

// ParsePriority maps the wire spelling to a priority; unknown spellings get
// NORMAL and ok=false.
func ParsePriority(s string) (JobPriority, bool) {
	switch s {
	case "LOW":
		return PriorityLow, true
	case "NORMAL":
		return PriorityNormal, true
	case "HIGH":
		return PriorityHigh, true
	case "URGENT":
		return PriorityUrgent, true
	default:
		return PriorityNormal, false
	}
}

// Escalate raises the priority one level, capped at URGENT.
func (p JobPriority) Escalate() JobPriority {
	if p >= PriorityUrgent {
		return PriorityUrgent
	}
	return p + 1
}

// DefaultMaxRetries bounds the requeue loop for failed jobs.
const DefaultMaxRetries = 3

// Job is a unit of work.
// Invariants: retry_count <= max_retries; payment_signature set implies
// COMPLETED; completed_at set implies a terminal status.
type Job struct {
	ID string

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

	AgentID     *string
	AgentWallet *string

	Status   JobStatus
	Priority JobPriority

	RetryCount int
	MaxRetries int

	CreatedAt   time.Time
	AcceptedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	CompletionData   map[string]any
	FailureReason    *string
	PaymentSignature *string
}

// AssignedTo reports whether the job is currently held by the given agent.
func (j Job) AssignedTo(agentID string) bool {
	return j.AgentID != nil && *j.AgentID == agentID
}

// CompletionSeconds picks the duration sample for the EMA: broker-measured
// wall time when started_at is known, the agent-reported figure otherwise,
// and a 60s estimate when neither exists.
func (j Job) CompletionSeconds(reportedSeconds float64, now time.Time) float64 {
	if j.StartedAt != nil {
		return now.Sub(*j.StartedAt).Seconds()
	}
	if reportedSeconds > 0 {
		return reportedSeconds
	}
	return 60
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is the at-most-once on-chain transfer record. Exactly one row may
// exist per job_id; it is inserted in the same transaction that moves the
// job to COMPLETED.
type Payment struct {
	JobID          string
	AgentID        string
	AgentWallet    string
	AmountLamports int64
	Signature      string
	Status         PaymentStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentStatsDelta carries one stats update: counter deltas plus the absolute
// replacement values the caller computed for reputation and the EMA.
type AgentStatsDelta struct {
	DeltaCompleted      int64
	DeltaFailed         int64
	DeltaEarnedLamports int64
	Reputation          float64
	AvgCompletionS      float64
}

// PaymentStats summarizes the payments table for the admin surface.
type PaymentStats struct {
	CountByStatus     map[PaymentStatus]int64
	TotalPaidLamports int64 // confirmed only
	PendingLamports   int64
	TotalCount        int64
}

// Store is the transactional persistence port for agents, jobs, and
// payments. Implementations translate their engine errors into the sentinel
// taxonomy: ErrNotFound, ErrConflict (CAS lost), ErrWrongAgent, ErrTransient,
// ErrInternal.
type Store interface {
	Ping(ctx Context) error

	CreateAgent(ctx Context, a Agent) (Agent, error)
	GetAgent(ctx Context, id string) (Agent, error)
	// GetAgentByAPIKey resolves the bearer key presented on the wire; the
	// store only ever persists HashAPIKey(key).
	GetAgentByAPIKey(ctx Context, apiKey string) (Agent, error)
	TouchAgent(ctx Context, id string, now time.Time) error
	UpdateAgentStats(ctx Context, id string, delta AgentStatsDelta) error
	ListAgents(ctx Context) ([]Agent, error)

	CreateJob(ctx Context, j Job) (Job, error)
	GetJob(ctx Context, id string) (Job, error)
	// ListAvailableJobs returns AVAILABLE jobs the capability admits, ordered
	// by (-priority, created_at), capped at limit.
	ListAvailableJobs(ctx Context, c Capability, limit int) ([]Job, error)
	// AssignJob is the CAS AVAILABLE -> ASSIGNED; ErrConflict when lost.
	AssignJob(ctx Context, jobID, agentID, wallet string, now time.Time) (Job, error)
	// MarkAgentJobsRunning flips the agent's ASSIGNED jobs to RUNNING on its
	// first heartbeat after accept; returns the transitioned job ids.
	MarkAgentJobsRunning(ctx Context, agentID string, now time.Time) ([]string, error)
	// CompleteJob performs the single transaction: job -> COMPLETED, agent
	// stats folded in, Payment row inserted PENDING. ErrWrongAgent when the
	// job is held by someone else, ErrConflict when already terminal.
	CompleteJob(ctx Context, jobID, agentID string, data map[string]any, reportedSeconds float64, now time.Time) (Job, Payment, error)
	// FailJob is the terminal transition; the retry path goes through
	// RequeueJob instead and never lands here.
	FailJob(ctx Context, jobID, agentID, reason string, now time.Time) (Job, error)
	// RequeueJob resets a held job to AVAILABLE with agent cleared,
	// retry_count incremented, and the escalated priority supplied by the
	// load balancer.
	RequeueJob(ctx Context, jobID string, priority JobPriority, now time.Time) (Job, error)
	ListJobsByStatus(ctx Context, status JobStatus, limit, offset int) ([]Job, error)
	CountJobsByStatus(ctx Context) (map[JobStatus]int64, error)
	// ExpireAvailableJobsBefore marks AVAILABLE jobs created before cutoff as
	// EXPIRED; used by the retention sweep.
	ExpireAvailableJobsBefore(ctx Context, cutoff time.Time) (int64, error)

	GetPayment(ctx Context, jobID string) (Payment, error)
	// UpdatePaymentStatus is idempotent: only PENDING rows transition, and the
	// job's payment_signature is set when the transfer confirms.
	UpdatePaymentStatus(ctx Context, jobID, signature string, status PaymentStatus) error
	ListPendingPayments(ctx Context) ([]Payment, error)
	ListPayments(ctx Context, limit int) ([]Payment, error)
	PaymentStats(ctx Context) (PaymentStats, error)
}

// PaymentBackend submits and confirms signed transfers. Implementations must
// be safe for concurrent use and must not retry internally; the settlement
// worker owns the retry policy. Errors wrap ErrTransient or ErrPermanent.
type PaymentBackend interface {
	SendTransfer(ctx Context, toWallet string, amountLamports int64, memo string) (string, error)
	ConfirmSignature(ctx Context, signature string) (PaymentStatus, error)
	GetBalance(ctx Context, wallet string) (int64, error)
}

// SettlementQueue accepts job ids whose PENDING payment should be settled.
// Posting is best-effort: a full queue is tolerated because startup
// reconciliation re-reads PENDING rows from the Store.
type SettlementQueue interface {
	EnqueueSettlement(ctx Context, jobID string) error
}

// Clock abstracts time for the watchdog and tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// APIKeyBytes is the entropy of a bearer key.
const APIKeyBytes = 32

// NewAPIKey mints a bearer key: 32 random bytes, base64url without padding.
func NewAPIKey() (string, error) {
	buf := make([]byte, APIKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey is the at-rest form of a bearer key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Context aliases the standard context type so port signatures stay short.
// Adapters and usecases pass context.Context through unchanged.
type Context = context.Context
