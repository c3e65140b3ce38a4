package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/app"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
	"github.com/fairyhunter13/compute-marketplace/internal/usecase"
)

func TestRebuildBalancer_RestoresQueueAndReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent, held := h.seedAssignment(t)
	queuedJob, err := h.admin.CreateJob(ctx, usecase.CreateJobParams{
		JobType:        "render",
		Command:        []string{"true"},
		TimeoutS:       60,
		RewardLamports: 1_000,
	})
	require.NoError(t, err)

	// A fresh balancer simulates the broker restarting with a warm Store.
	fresh := loadbalancer.New(h.clock, time.Minute)
	require.NoError(t, app.RebuildBalancer(ctx, h.store, fresh))

	assert.Equal(t, 1, fresh.QueueDepth())
	assert.Equal(t, 1, fresh.AssignedCount())

	stats := fresh.Stats()
	assert.Equal(t, 1, stats.TotalAgents)

	// The restored reservation still answers a completion report.
	newJobs := usecase.NewJobService(h.store, fresh, nil, nil, h.clock, 10)
	_, err = newJobs.Complete(ctx, held.ID, agent, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.AssignedCount())

	got, err := h.store.GetJob(ctx, queuedJob.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAvailable, got.Status)
}

func TestRebuildBalancer_EmptyStore(t *testing.T) {
	h := newHarness(t)
	fresh := loadbalancer.New(h.clock, time.Minute)
	require.NoError(t, app.RebuildBalancer(context.Background(), h.store, fresh))
	assert.Equal(t, 0, fresh.QueueDepth())
	assert.Equal(t, 0, fresh.AssignedCount())
}
