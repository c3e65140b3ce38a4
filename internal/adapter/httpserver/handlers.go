package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/compute-marketplace/internal/config"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Agents usecase.AgentService
	Jobs   usecase.JobService
	Admin  usecase.AdminService

	// Readiness probes; nil entries are skipped.
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, agents usecase.AgentService, jobs usecase.JobService, admin usecase.AdminService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Agents: agents, Jobs: jobs, Admin: admin, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeJSON reads a bounded JSON body into v. An empty body is an error;
// callers that allow one pass allowEmpty.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	maxBytes := s.Cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: malformed json body: %v", domain.ErrInvalidArgument, err)
}

// JobSpec is the wire representation of a job.
type JobSpec struct {
	JobID              string            `json:"job_id"`
	JobType            string            `json:"job_type"`
	ImageRef           string            `json:"image_ref,omitempty"`
	Command            []string          `json:"command"`
	Env                map[string]string `json:"env,omitempty"`
	GPUMemoryRequired  int64             `json:"gpu_memory_required"`
	RequiresGPU        bool              `json:"requires_gpu"`
	EstimatedDurationS int64             `json:"estimated_duration_s"`
	TimeoutS           int64             `json:"timeout_s"`
	RewardLamports     int64             `json:"reward_lamports"`
	InputURL           string            `json:"input_url,omitempty"`
	OutputURL          string            `json:"output_url,omitempty"`
	Priority           string            `json:"priority,omitempty"`
	MaxRetries         int               `json:"max_retries,omitempty"`
	Status             string            `json:"status,omitempty"`
	RetryCount         int               `json:"retry_count,omitempty"`
}

func jobSpecFromDomain(j domain.Job) JobSpec {
	return JobSpec{
		JobID:              j.ID,
		JobType:            j.JobType,
		ImageRef:           j.ImageRef,
		Command:            j.Command,
		Env:                j.Env,
		GPUMemoryRequired:  j.GPUMemoryRequired,
		RequiresGPU:        j.RequiresGPU,
		EstimatedDurationS: j.EstimatedDurationS,
		TimeoutS:           j.TimeoutS,
		RewardLamports:     j.RewardLamports,
		InputURL:           j.InputURL,
		OutputURL:          j.OutputURL,
		Priority:           j.Priority.String(),
		MaxRetries:         j.MaxRetries,
		Status:             string(j.Status),
		RetryCount:         j.RetryCount,
	}
}

type registerRequest struct {
	WalletAddress     string `json:"wallet_address" validate:"required"`
	GPUModel          string `json:"gpu_model"`
	GPUVendor         string `json:"gpu_vendor"`
	GPUMemory         int64  `json:"gpu_memory" validate:"gte=0"`
	ComputeCapability string `json:"compute_capability"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs" validate:"gte=0"`
}

// RegisterHandler creates an agent and returns the API key exactly once.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := s.decodeJSON(w, r, &req, false); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		framework := req.ComputeCapability
		if framework == "" {
			framework = domain.FrameworkNone
		}
		agent, key, err := s.Agents.Register(r.Context(), req.WalletAddress, domain.Capability{
			GPUModel:          req.GPUModel,
			GPUVendor:         req.GPUVendor,
			GPUMemoryBytes:    req.GPUMemory,
			ComputeFramework:  framework,
			MaxConcurrentJobs: req.MaxConcurrentJobs,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("agent registered", "agent_id", agent.ID)
		writeJSON(w, http.StatusCreated, map[string]string{
			"agent_id": agent.ID,
			"api_key":  key,
		})
	}
}

// HeartbeatHandler stamps liveness for the authenticated agent.
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := AgentFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		_, now, err := s.Agents.Heartbeat(r.Context(), agent)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "now": now.Format(time.RFC3339)})
	}
}

type availableRequest struct {
	GPUModel          string `json:"gpu_model"`
	GPUVendor         string `json:"gpu_vendor"`
	GPUMemory         int64  `json:"gpu_memory" validate:"gte=0"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs" validate:"gte=0"`
}

// AvailableJobsHandler returns the jobs scheduled onto the calling agent. An
// empty body polls with the registered capability.
func (s *Server) AvailableJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := AgentFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req availableRequest
		if err := s.decodeJSON(w, r, &req, true); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		cap := agent.Capability
		if req.MaxConcurrentJobs > 0 {
			cap.MaxConcurrentJobs = req.MaxConcurrentJobs
		}
		if req.GPUMemory > 0 {
			cap.GPUMemoryBytes = req.GPUMemory
		}
		if req.GPUModel != "" {
			cap.GPUModel = req.GPUModel
		}
		if req.GPUVendor != "" {
			cap.GPUVendor = req.GPUVendor
		}
		jobs, err := s.Jobs.Poll(r.Context(), agent, cap)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		specs := make([]JobSpec, 0, len(jobs))
		for _, j := range jobs {
			specs = append(specs, jobSpecFromDomain(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": specs})
	}
}

type acceptRequest struct {
	WalletAddress string `json:"wallet_address"`
}

// AcceptHandler binds the job to the calling agent via the Store CAS.
func (s *Server) AcceptHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := AgentFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		jobID := chi.URLParam(r, "id")
		if res := ValidateJobID(jobID); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: bad job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		var req acceptRequest
		if err := s.decodeJSON(w, r, &req, true); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Jobs.Accept(r.Context(), jobID, agent, req.WalletAddress)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "accepted",
			"reward_lamports": job.RewardLamports,
		})
	}
}

type completeRequest struct {
	ExecutionTimeS float64        `json:"execution_time_s" validate:"gte=0"`
	OutputData     map[string]any `json:"output_data"`
	Metrics        map[string]any `json:"metrics"`
}

// CompleteHandler is the terminal success report.
func (s *Server) CompleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := AgentFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		jobID := chi.URLParam(r, "id")
		if res := ValidateJobID(jobID); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: bad job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		var req completeRequest
		if err := s.decodeJSON(w, r, &req, true); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		var data map[string]any
		if req.OutputData != nil || req.Metrics != nil {
			data = map[string]any{}
			if req.OutputData != nil {
				data["output_data"] = req.OutputData
			}
			if req.Metrics != nil {
				data["metrics"] = req.Metrics
			}
		}
		job, err := s.Jobs.Complete(r.Context(), jobID, agent, req.ExecutionTimeS, data)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "completed",
			"reward_lamports": job.RewardLamports,
		})
	}
}

type failRequest struct {
	ErrorMessage string `json:"error_message" validate:"required"`
	ErrorType    string `json:"error_type"`
}

// FailHandler is the agent's failure report; the retry decision happens
// server side.
func (s *Server) FailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := AgentFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		jobID := chi.URLParam(r, "id")
		if res := ValidateJobID(jobID); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: bad job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		var req failRequest
		if err := s.decodeJSON(w, r, &req, false); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		reason := SanitizeString(req.ErrorMessage)
		if req.ErrorType != "" {
			reason = req.ErrorType + ": " + reason
		}
		if _, _, err := s.Jobs.Fail(r.Context(), jobID, agent, reason); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed"})
	}
}

// HealthHandler reports broker and dependency health.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Admin.Health(r.Context()))
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler is the readiness probe: every configured dependency must
// answer.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]func(context.Context) error{
			"store": s.DBCheck,
			"redis": s.RedisCheck,
		}
		status := map[string]string{}
		ready := true
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				status[name] = "unavailable"
				ready = false
				continue
			}
			status[name] = "ok"
		}
		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "checks": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true, "checks": status})
	}
}
