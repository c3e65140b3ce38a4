package httpserver_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/compute-marketplace/internal/adapter/httpserver"
	"github.com/fairyhunter13/compute-marketplace/internal/adapter/repo/memory"
	"github.com/fairyhunter13/compute-marketplace/internal/config"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
	"github.com/fairyhunter13/compute-marketplace/internal/usecase"
)

type noopQueue struct{ jobs []string }

func (q *noopQueue) EnqueueSettlement(_ domain.Context, jobID string) error {
	q.jobs = append(q.jobs, jobID)
	return nil
}

type rig struct {
	srv      *httpserver.Server
	router   http.Handler
	store    *memory.Store
	lb       *loadbalancer.Balancer
	queue    *noopQueue
	adminKey string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := config.Config{
		AdminAPIKey:  "admin-secret",
		MaxBodyBytes: 1 << 20,
	}
	store := memory.New()
	lb := loadbalancer.New(domain.RealClock{}, time.Minute)
	queue := &noopQueue{}
	agents := usecase.NewAgentService(store, lb, nil)
	jobs := usecase.NewJobService(store, lb, queue, nil, nil, 10)
	admin := usecase.NewAdminService(store, lb, nil, "", nil)
	srv := httpserver.NewServer(cfg, agents, jobs, admin, store.Ping, nil)
	return &rig{srv: srv, router: newRouter(srv), store: store, lb: lb, queue: queue, adminKey: "admin-secret"}
}

// newRouter mirrors the production route layout.
func newRouter(s *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.HealthHandler())
	r.Get("/readyz", s.ReadyzHandler())
	r.Post("/api/agents/register", s.RegisterHandler())
	r.Get("/api/marketplace/info", s.InfoHandler())
	r.Get("/api/marketplace/agents", s.PublicAgentsHandler())
	r.Group(func(g chi.Router) {
		g.Use(s.AgentAuth)
		g.Post("/api/agents/heartbeat", s.HeartbeatHandler())
		g.Post("/api/jobs/available", s.AvailableJobsHandler())
		g.Post("/api/jobs/{id}/accept", s.AcceptHandler())
		g.Post("/api/jobs/{id}/complete", s.CompleteHandler())
		g.Post("/api/jobs/{id}/fail", s.FailHandler())
	})
	r.Group(func(g chi.Router) {
		g.Use(s.AdminAuth)
		g.Post("/api/admin/jobs/create", s.CreateJobHandler())
		g.Get("/api/admin/stats", s.StatsHandler())
		g.Get("/api/admin/load-balancer", s.LoadBalancerHandler())
		g.Get("/api/payments/history", s.PaymentsHistoryHandler())
	})
	return r
}

func (rg *rig) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	rg.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func newWallet(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return base58.Encode(pub)
}

func (rg *rig) registerAgent(t *testing.T) (agentID, apiKey string) {
	t.Helper()
	rec := rg.do(t, http.MethodPost, "/api/agents/register", "", map[string]any{
		"wallet_address":      newWallet(t),
		"gpu_model":           "rtx-4090",
		"gpu_vendor":          "nvidia",
		"gpu_memory":          int64(8e9),
		"compute_capability":  "cuda",
		"max_concurrent_jobs": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	return body["agent_id"].(string), body["api_key"].(string)
}

func (rg *rig) createJob(t *testing.T, reward int64) string {
	t.Helper()
	rec := rg.do(t, http.MethodPost, "/api/admin/jobs/create", rg.adminKey, map[string]any{
		"job_type":        "render",
		"command":         []string{"python", "-c", "print('ok')"},
		"timeout_s":       60,
		"reward_lamports": reward,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["job_id"].(string)
}

func TestRegister_ReturnsKeyOnce(t *testing.T) {
	rg := newRig(t)
	agentID, apiKey := rg.registerAgent(t)
	require.NotEmpty(t, agentID)
	require.NotEmpty(t, apiKey)

	stored, err := rg.store.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	require.NotEqual(t, apiKey, stored.APIKeyHash, "only the digest is persisted")
}

func TestRegister_MissingWalletIs400(t *testing.T) {
	rg := newRig(t)
	rec := rg.do(t, http.MethodPost, "/api/agents/register", "", map[string]any{"gpu_model": "rtx-4090"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_MalformedBodyIs400(t *testing.T) {
	rg := newRig(t)
	req := httptest.NewRequest(http.MethodPost, "/api/agents/register", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	rg.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentAuth_UnknownKeyIs401(t *testing.T) {
	rg := newRig(t)
	rec := rg.do(t, http.MethodPost, "/api/agents/heartbeat", "not-a-key", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuth_MissingKeyIs403(t *testing.T) {
	rg := newRig(t)
	rec := rg.do(t, http.MethodGet, "/api/admin/stats", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = rg.do(t, http.MethodGet, "/api/admin/stats", "wrong", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHeartbeat_OK(t *testing.T) {
	rg := newRig(t)
	_, apiKey := rg.registerAgent(t)
	rec := rg.do(t, http.MethodPost, "/api/agents/heartbeat", apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, true, body["ok"])
	require.NotEmpty(t, body["now"])
}

func TestJobLifecycle_HappyPath(t *testing.T) {
	rg := newRig(t)
	_, apiKey := rg.registerAgent(t)
	jobID := rg.createJob(t, 1_000)

	rec := rg.do(t, http.MethodPost, "/api/jobs/available", apiKey, map[string]any{"max_concurrent_jobs": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pollResp struct {
		Jobs []struct {
			JobID          string `json:"job_id"`
			RewardLamports int64  `json:"reward_lamports"`
			TimeoutS       int64  `json:"timeout_s"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pollResp))
	require.Len(t, pollResp.Jobs, 1)
	require.Equal(t, jobID, pollResp.Jobs[0].JobID)
	require.Equal(t, int64(1_000), pollResp.Jobs[0].RewardLamports)

	rec = rg.do(t, http.MethodPost, "/api/jobs/"+jobID+"/accept", apiKey, map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, "accepted", body["status"])
	require.Equal(t, float64(1_000), body["reward_lamports"])

	rec = rg.do(t, http.MethodPost, "/api/jobs/"+jobID+"/complete", apiKey, map[string]any{
		"execution_time_s": 12.5,
		"output_data":      map[string]any{"frames": 120},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	require.Equal(t, "completed", body["status"])

	require.Equal(t, []string{jobID}, rg.queue.jobs, "completion enqueues settlement")

	// A second terminal report must not double-pay.
	rec = rg.do(t, http.MethodPost, "/api/jobs/"+jobID+"/complete", apiKey, map[string]any{})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Len(t, rg.queue.jobs, 1)
}

func TestAccept_ByWrongAgentIs403(t *testing.T) {
	rg := newRig(t)
	_, keyA := rg.registerAgent(t)
	jobID := rg.createJob(t, 1_000)

	// The only registered agent polls, so the placement lands on it.
	rec := rg.do(t, http.MethodPost, "/api/jobs/available", keyA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, err := rg.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobAssigned, job.Status)

	_, keyB := rg.registerAgent(t)
	rec = rg.do(t, http.MethodPost, "/api/jobs/"+jobID+"/accept", keyB, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFail_ReportsAndRequeues(t *testing.T) {
	rg := newRig(t)
	_, apiKey := rg.registerAgent(t)
	jobID := rg.createJob(t, 1_000)

	rec := rg.do(t, http.MethodPost, "/api/jobs/available", apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rg.do(t, http.MethodPost, "/api/jobs/"+jobID+"/fail", apiKey, map[string]any{
		"error_message": "cuda out of memory",
		"error_type":    "oom",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "failed", decode(t, rec)["status"])

	job, err := rg.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobAvailable, job.Status, "first failure requeues")
	require.Equal(t, 1, job.RetryCount)
}

func TestFail_MissingMessageIs400(t *testing.T) {
	rg := newRig(t)
	_, apiKey := rg.registerAgent(t)
	rec := rg.do(t, http.MethodPost, "/api/jobs/some-job/fail", apiKey, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccept_UnknownJobIs404(t *testing.T) {
	rg := newRig(t)
	_, apiKey := rg.registerAgent(t)
	rec := rg.do(t, http.MethodPost, "/api/jobs/no-such-job/accept", apiKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJob_ValidationIs400(t *testing.T) {
	rg := newRig(t)
	rec := rg.do(t, http.MethodPost, "/api/admin/jobs/create", rg.adminKey, map[string]any{
		"job_type":  "render",
		"timeout_s": 60,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "command is required")

	rec = rg.do(t, http.MethodPost, "/api/admin/jobs/create", rg.adminKey, map[string]any{
		"job_type": "render",
		"command":  []string{"true"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "timeout is required")
}

func TestStats_And_LoadBalancer(t *testing.T) {
	rg := newRig(t)
	rg.registerAgent(t)
	rg.createJob(t, 1_000)

	rec := rg.do(t, http.MethodGet, "/api/admin/stats", rg.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Contains(t, body, "agents")
	require.Contains(t, body, "jobs_by_status")
	require.Contains(t, body, "payments")
	require.Contains(t, body, "load_balancer")

	rec = rg.do(t, http.MethodGet, "/api/admin/load-balancer", rg.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lb := decode(t, rec)
	require.Equal(t, float64(1), lb["total_agents"])
}

func TestMarketplaceInfoAndPublicAgents(t *testing.T) {
	rg := newRig(t)
	agentID, _ := rg.registerAgent(t)

	rec := rg.do(t, http.MethodGet, "/api/marketplace/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "compute-marketplace", decode(t, rec)["name"])

	rec = rg.do(t, http.MethodGet, "/api/marketplace/agents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Agents, 1)
	require.Equal(t, agentID, listing.Agents[0].AgentID)
	require.NotContains(t, rec.Body.String(), "wallet_address", "public listing redacts wallets")
}

func TestPaymentsHistory(t *testing.T) {
	rg := newRig(t)
	rec := rg.do(t, http.MethodGet, "/api/payments/history?limit=zero", rg.adminKey, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rg.do(t, http.MethodGet, "/api/payments/history?limit=5", rg.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, decode(t, rec), "payments")
}

func TestHealth_OK(t *testing.T) {
	rg := newRig(t)
	rec := rg.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "ok", body["store"])
}

func TestReadyz(t *testing.T) {
	rg := newRig(t)
	rec := rg.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rg.srv.DBCheck = func(context.Context) error { return errors.New("down") }
	rec = rg.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
