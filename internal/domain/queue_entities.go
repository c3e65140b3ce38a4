// Package domain defines queue and retry entities for job scheduling.
package domain

import (
	"time"
)

// QueuedJob is the in-memory mirror of a Job that is AVAILABLE or needs a
// requeue. It carries exactly what admission and ordering need; the Store row
// stays the source of truth for everything else.
type QueuedJob struct {
	JobID              string
	Priority           JobPriority
	GPUMemoryRequired  int64
	RequiresGPU        bool
	EstimatedDurationS int64
	TimeoutS           int64
	CreatedAt          time.Time
	RetryCount         int
	MaxRetries         int
}

// QueuedJobFromJob projects a Store row into its queue mirror.
func QueuedJobFromJob(j Job) QueuedJob {
	return QueuedJob{
		JobID:              j.ID,
		Priority:           j.Priority,
		GPUMemoryRequired:  j.GPUMemoryRequired,
		RequiresGPU:        j.RequiresGPU,
		EstimatedDurationS: j.EstimatedDurationS,
		TimeoutS:           j.TimeoutS,
		CreatedAt:          j.CreatedAt,
		RetryCount:         j.RetryCount,
		MaxRetries:         j.MaxRetries,
	}
}

// Before is the queue ordering: highest priority first, FIFO within a
// priority level.
func (q QueuedJob) Before(other QueuedJob) bool {
	if q.Priority != other.Priority {
		return q.Priority > other.Priority
	}
	return q.CreatedAt.Before(other.CreatedAt)
}

// CanRetry reports whether one more attempt is allowed. retry_count counts
// attempts already consumed, so a job with retry_count == max_retries is
// terminal.
func (q QueuedJob) CanRetry() bool {
	return q.RetryCount < q.MaxRetries
}

// Requeued returns the mirror for the next attempt: retry count incremented
// and priority escalated one level toward URGENT.
func (q QueuedJob) Requeued() QueuedJob {
	next := q
	next.RetryCount++
	next.Priority = q.Priority.Escalate()
	return next
}

// WatchdogFactor stretches timeout_s before the assignment watchdog fires,
// absorbing staging and report latency around the subprocess itself.
const WatchdogFactor = 1.2

// AssignmentDeadline returns the instant at which an assignment made at
// assignedAt is considered lost.
func (q QueuedJob) AssignmentDeadline(assignedAt time.Time) time.Time {
	timeout := time.Duration(float64(q.TimeoutS)*WatchdogFactor) * time.Second
	return assignedAt.Add(timeout)
}

// DefaultHeartbeatTimeout is how long an agent may stay silent before it is
// marked unhealthy and its assignments are recycled.
const DefaultHeartbeatTimeout = 60 * time.Second

// RewardPriority is the admission heuristic applied when a job is submitted
// without an explicit priority: bigger rewards queue ahead.
func RewardPriority(rewardLamports int64) JobPriority {
	switch {
	case rewardLamports >= 10_000_000:
		return PriorityHigh
	case rewardLamports >= 1_000_000:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
