package app_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/repo/memory"
	"github.com/fairyhunter13/compute-marketplace/internal/app"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
	"github.com/fairyhunter13/compute-marketplace/internal/usecase"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newWallet(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base58.Encode(pub)
}

type harness struct {
	store  *memory.Store
	lb     *loadbalancer.Balancer
	clock  *testClock
	agents usecase.AgentService
	jobs   usecase.JobService
	admin  usecase.AdminService
	maint  *app.Maintenance
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newTestClock()
	store := memory.New()
	lb := loadbalancer.New(clock, time.Minute)
	return &harness{
		store:  store,
		lb:     lb,
		clock:  clock,
		agents: usecase.NewAgentService(store, lb, clock),
		jobs:   usecase.NewJobService(store, lb, nil, nil, clock, 10),
		admin:  usecase.NewAdminService(store, lb, nil, "", clock),
		maint:  app.NewMaintenance(store, lb, clock, 30*time.Second, 7*24*time.Hour, 24*time.Hour),
	}
}

func (h *harness) seedAssignment(t *testing.T) (domain.Agent, domain.Job) {
	t.Helper()
	agent, _, err := h.agents.Register(context.Background(), newWallet(t), domain.Capability{
		GPUModel:          "rtx-4090",
		GPUMemoryBytes:    8_000_000_000,
		ComputeFramework:  domain.FrameworkCUDA,
		MaxConcurrentJobs: 1,
	})
	require.NoError(t, err)
	job, err := h.admin.CreateJob(context.Background(), usecase.CreateJobParams{
		JobType:        "render",
		Command:        []string{"true"},
		TimeoutS:       60,
		RewardLamports: 1_000,
	})
	require.NoError(t, err)
	_, err = h.jobs.Accept(context.Background(), job.ID, agent, agent.WalletAddress)
	require.NoError(t, err)
	return agent, job
}

func TestSweepOnce_TimeoutRequeuesAndPenalizes(t *testing.T) {
	h := newHarness(t)
	agent, job := h.seedAssignment(t)

	// Stay inside the heartbeat window but run past the stretched execution
	// deadline, so only the timeout watchdog fires.
	for i := 0; i < 5; i++ {
		h.clock.Advance(30 * time.Second)
		_, _, err := h.agents.Heartbeat(context.Background(), agent)
		require.NoError(t, err)
	}
	h.maint.SweepOnce(context.Background())

	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAvailable, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.AgentID)

	a, err := h.store.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.TotalFailed)
	assert.Less(t, a.Reputation, float64(usecase.InitialReputation))

	assert.Equal(t, 1, h.lb.QueueDepth(), "victim re-enters the scheduler queue")
}

func TestSweepOnce_SilentAgentLosesReservation(t *testing.T) {
	h := newHarness(t)
	_, job := h.seedAssignment(t)

	// No heartbeat for longer than the heartbeat timeout.
	h.clock.Advance(2 * time.Minute)
	h.maint.SweepOnce(context.Background())

	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAvailable, got.Status)
	assert.Equal(t, 0, h.lb.AssignedCount())
}

func TestSweepOnce_ExhaustedRetriesGoTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent, _, err := h.agents.Register(ctx, newWallet(t), domain.Capability{
		GPUModel:          "rtx-4090",
		GPUMemoryBytes:    8_000_000_000,
		ComputeFramework:  domain.FrameworkCUDA,
		MaxConcurrentJobs: 1,
	})
	require.NoError(t, err)
	job, err := h.admin.CreateJob(ctx, usecase.CreateJobParams{
		JobType:        "render",
		Command:        []string{"true"},
		TimeoutS:       60,
		RewardLamports: 1_000,
		MaxRetries:     1,
	})
	require.NoError(t, err)

	// Burn the single retry through an agent report, then let the watchdog
	// catch the second attempt.
	_, err = h.jobs.Accept(ctx, job.ID, agent, agent.WalletAddress)
	require.NoError(t, err)
	_, _, err = h.jobs.Fail(ctx, job.ID, agent, "boom")
	require.NoError(t, err)
	_, err = h.jobs.Accept(ctx, job.ID, agent, agent.WalletAddress)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.clock.Advance(30 * time.Second)
		_, _, err = h.agents.Heartbeat(ctx, agent)
		require.NoError(t, err)
	}
	h.maint.SweepOnce(ctx)

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, final.Status)
}

func TestCleanupOnce_ExpiresStaleAvailableJobs(t *testing.T) {
	h := newHarness(t)
	job, err := h.admin.CreateJob(context.Background(), usecase.CreateJobParams{
		JobType:        "render",
		Command:        []string{"true"},
		TimeoutS:       60,
		RewardLamports: 1_000,
	})
	require.NoError(t, err)

	h.clock.Advance(8 * 24 * time.Hour)
	h.maint.CleanupOnce(context.Background())

	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobExpired, got.Status)
}
