package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/usecase"
)

type createJobRequest struct {
	JobType            string            `json:"job_type" validate:"required"`
	ImageRef           string            `json:"image_ref"`
	Command            []string          `json:"command" validate:"required,min=1"`
	Env                map[string]string `json:"env"`
	InputURL           string            `json:"input_url"`
	OutputURL          string            `json:"output_url"`
	GPUMemoryRequired  int64             `json:"gpu_memory_required" validate:"gte=0"`
	RequiresGPU        bool              `json:"requires_gpu"`
	EstimatedDurationS int64             `json:"estimated_duration_s" validate:"gte=0"`
	TimeoutS           int64             `json:"timeout_s" validate:"required,gt=0"`
	RewardLamports     int64             `json:"reward_lamports" validate:"gte=0"`
	Priority           string            `json:"priority"`
	MaxRetries         int               `json:"max_retries" validate:"gte=0"`
}

// CreateJobHandler posts a new job onto the marketplace.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := s.decodeJSON(w, r, &req, false); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		job, err := s.Admin.CreateJob(r.Context(), usecase.CreateJobParams{
			JobType:            SanitizeString(req.JobType),
			ImageRef:           req.ImageRef,
			Command:            req.Command,
			Env:                req.Env,
			InputURL:           req.InputURL,
			OutputURL:          req.OutputURL,
			GPUMemoryRequired:  req.GPUMemoryRequired,
			RequiresGPU:        req.RequiresGPU,
			EstimatedDurationS: req.EstimatedDurationS,
			TimeoutS:           req.TimeoutS,
			RewardLamports:     req.RewardLamports,
			Priority:           req.Priority,
			MaxRetries:         req.MaxRetries,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("job created",
			"job_id", job.ID,
			"priority", job.Priority.String(),
			"reward_lamports", job.RewardLamports,
		)
		writeJSON(w, http.StatusCreated, map[string]string{"job_id": job.ID})
	}
}

// StatsHandler returns the marketplace-wide admin view.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Admin.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// LoadBalancerHandler exposes the scheduler snapshot, best agent first.
func (s *Server) LoadBalancerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Admin.Balancer.Stats())
	}
}

// PaymentsHistoryHandler lists settlement rows, newest first.
func (s *Server) PaymentsHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: bad limit", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		payments, err := s.Admin.PaymentsHistory(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

// InfoHandler is the public marketplace card.
func (s *Server) InfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.Admin.Info(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// PublicAgentsHandler lists agents without wallet addresses or counters that
// would leak earnings.
func (s *Server) PublicAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := s.Admin.PublicAgents(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
	}
}
