package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
)

const rebuildPageSize = 200

// RebuildBalancer reloads the scheduler's in-memory state from the Store
// after a restart: agents, the AVAILABLE queue, and reservations for every
// ASSIGNED or RUNNING row.
func RebuildBalancer(ctx context.Context, store domain.Store, lb *loadbalancer.Balancer) error {
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("op=app.rebuild: %w", err)
	}
	for _, a := range agents {
		lb.UpsertAgent(a)
	}

	queued := 0
	err = eachJobByStatus(ctx, store, domain.JobAvailable, func(j domain.Job) {
		lb.Enqueue(domain.QueuedJobFromJob(j))
		queued++
	})
	if err != nil {
		return fmt.Errorf("op=app.rebuild: %w", err)
	}

	reserved := 0
	for _, status := range []domain.JobStatus{domain.JobAssigned, domain.JobRunning} {
		err = eachJobByStatus(ctx, store, status, func(j domain.Job) {
			if j.AgentID == nil {
				return
			}
			var assignedAt time.Time
			if j.AcceptedAt != nil {
				assignedAt = *j.AcceptedAt
			}
			lb.Reserve(domain.QueuedJobFromJob(j), *j.AgentID, assignedAt)
			reserved++
		})
		if err != nil {
			return fmt.Errorf("op=app.rebuild: %w", err)
		}
	}

	slog.Info("scheduler state rebuilt",
		slog.Int("agents", len(agents)),
		slog.Int("queued", queued),
		slog.Int("reserved", reserved))
	return nil
}

func eachJobByStatus(ctx context.Context, store domain.Store, status domain.JobStatus, fn func(domain.Job)) error {
	for offset := 0; ; offset += rebuildPageSize {
		jobs, err := store.ListJobsByStatus(ctx, status, rebuildPageSize, offset)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fn(j)
		}
		if len(jobs) < rebuildPageSize {
			return nil
		}
	}
}
