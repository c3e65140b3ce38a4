package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/observability"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
)

// Maintenance runs the watchdog sweeps and the retention cleanup. The
// balancer makes the retry decision for each victim; this loop applies it to
// the Store so both views stay in step.
type Maintenance struct {
	store    domain.Store
	balancer *loadbalancer.Balancer
	clock    domain.Clock

	interval  time.Duration
	retention time.Duration
	cleanup   time.Duration
}

// NewMaintenance builds the loop. Zero durations fall back to sane defaults.
func NewMaintenance(store domain.Store, lb *loadbalancer.Balancer, clock domain.Clock, interval, retention, cleanup time.Duration) *Maintenance {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if cleanup <= 0 {
		cleanup = 24 * time.Hour
	}
	return &Maintenance{
		store:     store,
		balancer:  lb,
		clock:     clock,
		interval:  interval,
		retention: retention,
		cleanup:   cleanup,
	}
}

// Run blocks until the context is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	sweep := time.NewTicker(m.interval)
	defer sweep.Stop()
	cleanup := time.NewTicker(m.cleanup)
	defer cleanup.Stop()

	m.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance loop stopping")
			return
		case <-sweep.C:
			m.SweepOnce(ctx)
		case <-cleanup.C:
			m.CleanupOnce(ctx)
		}
	}
}

// SweepOnce tears down timed-out assignments and reservations held by silent
// agents, then publishes the balancer gauges.
func (m *Maintenance) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("marketplace.maintenance")
	ctx, span := tracer.Start(ctx, "Maintenance.SweepOnce")
	defer span.End()

	victims := m.balancer.SweepTimeouts()
	victims = append(victims, m.balancer.SweepHealth()...)
	for _, v := range victims {
		m.applyVictim(ctx, v)
	}
	span.SetAttributes(attribute.Int("sweep.victims", len(victims)))

	stats := m.balancer.Stats()
	observability.ObserveBalancer(stats.QueuedJobs, stats.AssignedJobs, stats.HealthyAgents, stats.TotalAgents)
}

// applyVictim mirrors one teardown decision into the Store and charges the
// failure to the holding agent.
func (m *Maintenance) applyVictim(ctx context.Context, v loadbalancer.Victim) {
	now := m.clock.Now()
	cause := "timeout"
	if v.Reason == "agent heartbeat lost" {
		cause = "heartbeat_lost"
	}

	requeued := v.Requeued
	if requeued {
		if _, err := m.store.RequeueJob(ctx, v.JobID, v.Job.Priority, now); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				slog.Error("sweep requeue failed",
					slog.String("job_id", v.JobID), slog.Any("error", err))
				return
			}
			// The Store row ran out of retries first; follow it terminal.
			requeued = false
		}
	}
	if !requeued {
		if _, err := m.store.FailJob(ctx, v.JobID, v.AgentID, v.Reason, now); err != nil && !errors.Is(err, domain.ErrConflict) {
			slog.Error("sweep fail write failed",
				slog.String("job_id", v.JobID), slog.Any("error", err))
			return
		}
	}

	if requeued {
		observability.JobsRetriedTotal.Inc()
	}
	observability.JobsFailedTotal.WithLabelValues(cause).Inc()
	m.penalize(ctx, v.AgentID)

	slog.Warn("assignment torn down",
		slog.String("job_id", v.JobID),
		slog.String("agent_id", v.AgentID),
		slog.String("reason", v.Reason),
		slog.Bool("requeued", requeued))
}

func (m *Maintenance) penalize(ctx context.Context, agentID string) {
	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	err = m.store.UpdateAgentStats(ctx, agentID, domain.AgentStatsDelta{
		DeltaFailed:    1,
		Reputation:     domain.NextReputation(a.Reputation, true),
		AvgCompletionS: a.AvgCompletionSeconds,
	})
	if err != nil {
		slog.Warn("agent penalty write failed",
			slog.String("agent_id", agentID), slog.Any("error", err))
	}
}

// CleanupOnce expires AVAILABLE rows nobody claimed within the retention
// window.
func (m *Maintenance) CleanupOnce(ctx context.Context) {
	cutoff := m.clock.Now().Add(-m.retention)
	n, err := m.store.ExpireAvailableJobsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention cleanup failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Info("expired unclaimed jobs",
			slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
}
