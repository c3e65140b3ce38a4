package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Per-call deadlines. Status-class calls are short; terminal reports get a
// little longer because the broker writes a transaction.
const (
	statusCallTimeout = 5 * time.Second
	reportCallTimeout = 10 * time.Second
)

// ErrJobGone means the broker refused the job operation because another
// agent holds the row or it already went terminal. The runtime drops the job
// without retrying.
var ErrJobGone = errors.New("job no longer ours")

// Job is the broker's wire representation of a scheduled job.
type Job struct {
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
}

// Capability is the hardware profile sent on register and poll.
type Capability struct {
	GPUModel          string `json:"gpu_model"`
	GPUVendor         string `json:"gpu_vendor,omitempty"`
	GPUMemory         int64  `json:"gpu_memory"`
	ComputeCapability string `json:"compute_capability,omitempty"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
}

// Client talks to the broker REST surface.
type Client struct {
	http *resty.Client
}

// NewClient builds a broker client. The API key may be empty until the agent
// registers.
func NewClient(baseURL, apiKey string) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		rc.SetHeader("X-API-Key", apiKey)
	}
	return &Client{http: rc}
}

// SetAPIKey installs the credential returned by Register.
func (c *Client) SetAPIKey(key string) {
	c.http.SetHeader("X-API-Key", key)
}

// Register creates the agent on the broker. The returned API key is shown
// exactly once and must be persisted by the caller.
func (c *Client) Register(ctx context.Context, wallet string, cap Capability) (agentID, apiKey string, err error) {
	ctx, cancel := context.WithTimeout(ctx, reportCallTimeout)
	defer cancel()
	var out struct {
		AgentID string `json:"agent_id"`
		APIKey  string `json:"api_key"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"wallet_address":      wallet,
			"gpu_model":           cap.GPUModel,
			"gpu_vendor":          cap.GPUVendor,
			"gpu_memory":          cap.GPUMemory,
			"compute_capability":  cap.ComputeCapability,
			"max_concurrent_jobs": cap.MaxConcurrentJobs,
		}).
		SetResult(&out).
		Post("/api/agents/register")
	if err != nil {
		return "", "", fmt.Errorf("op=client.register: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", "", fmt.Errorf("op=client.register status=%d: %s", resp.StatusCode(), resp.String())
	}
	return out.AgentID, out.APIKey, nil
}

// Heartbeat stamps liveness.
func (c *Client) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, statusCallTimeout)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Post("/api/agents/heartbeat")
	if err != nil {
		return fmt.Errorf("op=client.heartbeat: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("op=client.heartbeat status=%d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Poll asks for work. A 429 from the broker's token bucket reads as an empty
// poll.
func (c *Client) Poll(ctx context.Context, cap Capability) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, statusCallTimeout)
	defer cancel()
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(cap).
		SetResult(&out).
		Post("/api/jobs/available")
	if err != nil {
		return nil, fmt.Errorf("op=client.poll: %w", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("op=client.poll status=%d: %s", resp.StatusCode(), resp.String())
	}
	return out.Jobs, nil
}

// Accept claims the job with the agent's wallet. ErrJobGone when another
// agent won the race.
func (c *Client) Accept(ctx context.Context, jobID, wallet string) error {
	ctx, cancel := context.WithTimeout(ctx, reportCallTimeout)
	defer cancel()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"wallet_address": wallet}).
		Post("/api/jobs/" + jobID + "/accept")
	if err != nil {
		return fmt.Errorf("op=client.accept id=%s: %w", jobID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return nil
	case http.StatusConflict, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("op=client.accept id=%s status=%d: %w", jobID, resp.StatusCode(), ErrJobGone)
	default:
		return fmt.Errorf("op=client.accept id=%s status=%d: %s", jobID, resp.StatusCode(), resp.String())
	}
}

// Complete files the success report.
func (c *Client) Complete(ctx context.Context, jobID string, executionTimeS float64, output map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, reportCallTimeout)
	defer cancel()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"execution_time_s": executionTimeS,
			"output_data":      output,
		}).
		Post("/api/jobs/" + jobID + "/complete")
	if err != nil {
		return fmt.Errorf("op=client.complete id=%s: %w", jobID, err)
	}
	return terminalReportStatus("complete", jobID, resp)
}

// Fail files the failure report.
func (c *Client) Fail(ctx context.Context, jobID, message, errType string) error {
	ctx, cancel := context.WithTimeout(ctx, reportCallTimeout)
	defer cancel()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"error_message": message,
			"error_type":    errType,
		}).
		Post("/api/jobs/" + jobID + "/fail")
	if err != nil {
		return fmt.Errorf("op=client.fail id=%s: %w", jobID, err)
	}
	return terminalReportStatus("fail", jobID, resp)
}

func terminalReportStatus(op, jobID string, resp *resty.Response) error {
	switch resp.StatusCode() {
	case http.StatusOK:
		return nil
	case http.StatusConflict, http.StatusForbidden, http.StatusNotFound:
		// Terminal already, or reassigned after a watchdog teardown. Either
		// way the broker has moved on.
		return fmt.Errorf("op=client.%s id=%s status=%d: %w", op, jobID, resp.StatusCode(), ErrJobGone)
	default:
		return fmt.Errorf("op=client.%s id=%s status=%d: %s", op, jobID, resp.StatusCode(), resp.String())
	}
}
