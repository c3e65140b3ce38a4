package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/compute-marketplace/internal/config"
)

// terminalReportAttempts bounds how often a terminal report is retried
// before the job is abandoned to the broker's watchdog.
const terminalReportAttempts = 3

// Runtime is the agent's steady-state loop: poll, heartbeat, execute.
type Runtime struct {
	cfg     config.AgentConfig
	client  *Client
	wallet  Wallet
	spawner Spawner
	stager  *Stager
	History *History

	mu     sync.Mutex
	active map[string]bool
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewRuntime wires the loop. A nil spawner means native subprocess
// execution.
func NewRuntime(cfg config.AgentConfig, client *Client, wallet Wallet, spawner Spawner) *Runtime {
	if spawner == nil {
		spawner = OSSpawner{}
	}
	slots := cfg.MaxConcurrentJobs
	if slots < 1 {
		slots = 1
	}
	return &Runtime{
		cfg:     cfg,
		client:  client,
		wallet:  wallet,
		spawner: spawner,
		stager:  NewStager(),
		History: &History{},
		active:  make(map[string]bool),
		slots:   make(chan struct{}, slots),
	}
}

func (r *Runtime) capability() Capability {
	return Capability{
		GPUModel:          r.cfg.GPUModel,
		GPUVendor:         r.cfg.GPUVendor,
		GPUMemory:         r.cfg.GPUMemoryBytes,
		ComputeCapability: r.cfg.ComputeFramework,
		MaxConcurrentJobs: r.cfg.MaxConcurrentJobs,
	}
}

// EnsureRegistered registers the agent when no API key is configured. The
// fresh key is installed on the client and returned so the operator can
// persist it.
func (r *Runtime) EnsureRegistered(ctx context.Context) (string, error) {
	if r.cfg.APIKey != "" {
		return "", nil
	}
	agentID, key, err := r.client.Register(ctx, r.wallet.Address(), r.capability())
	if err != nil {
		return "", err
	}
	r.client.SetAPIKey(key)
	slog.Info("agent registered with marketplace",
		slog.String("agent_id", agentID),
		slog.String("wallet", r.wallet.Address()))
	return key, nil
}

// Run blocks until the context is cancelled, then waits for in-flight jobs.
func (r *Runtime) Run(ctx context.Context) error {
	if _, err := r.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("op=runtime.run: %w", err)
	}

	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	r.heartbeatOnce(ctx)
	r.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("agent runtime stopping, waiting for running jobs")
			r.wg.Wait()
			return nil
		case <-heartbeat.C:
			r.heartbeatOnce(ctx)
		case <-poll.C:
			r.PollOnce(ctx)
		}
	}
}

func (r *Runtime) heartbeatOnce(ctx context.Context) {
	if err := r.client.Heartbeat(ctx); err != nil {
		slog.Warn("heartbeat failed", slog.Any("error", err))
	}
}

// PollOnce fetches offered jobs and starts execution for each accepted one,
// bounded by the slot pool.
func (r *Runtime) PollOnce(ctx context.Context) {
	jobs, err := r.client.Poll(ctx, r.capability())
	if err != nil {
		pollErrors.Inc()
		slog.Warn("poll failed", slog.Any("error", err))
		return
	}
	for _, job := range jobs {
		if !r.tryActivate(job.JobID) {
			continue
		}
		select {
		case r.slots <- struct{}{}:
		default:
			r.deactivate(job.JobID)
			return
		}
		if err := r.client.Accept(ctx, job.JobID, r.wallet.Address()); err != nil {
			<-r.slots
			r.deactivate(job.JobID)
			if !errors.Is(err, ErrJobGone) {
				slog.Warn("accept failed", slog.String("job_id", job.JobID), slog.Any("error", err))
			}
			continue
		}
		r.wg.Add(1)
		go func(j Job) {
			defer r.wg.Done()
			defer func() { <-r.slots }()
			defer r.deactivate(j.JobID)
			r.execute(ctx, j)
		}(job)
	}
}

func (r *Runtime) tryActivate(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[jobID] {
		return false
	}
	r.active[jobID] = true
	return true
}

func (r *Runtime) deactivate(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID)
}

// ActiveJobs returns the ids currently executing.
func (r *Runtime) ActiveJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

// execute runs one accepted job end to end: stage, spawn, upload, report.
func (r *Runtime) execute(ctx context.Context, job Job) {
	activeJobs.Inc()
	defer activeJobs.Dec()

	lg := slog.Default().With(slog.String("job_id", job.JobID), slog.String("job_type", job.JobType))
	lg.Info("job starting")

	scratch := filepath.Join(r.cfg.Workdir, job.JobID)
	inputDir := filepath.Join(scratch, "input")
	outputDir := filepath.Join(scratch, "output")
	for _, d := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			r.reportFail(ctx, job, fmt.Sprintf("workdir setup failed: %v", err), "setup", 0)
			return
		}
	}

	if err := r.stager.StageInput(ctx, job.InputURL, inputDir); err != nil {
		lg.Error("input staging failed", slog.Any("error", err))
		r.reportFail(ctx, job, fmt.Sprintf("input staging failed: %v", err), "staging", 0)
		return
	}

	command := RewriteCommand(job.Command, inputDir, outputDir)
	if len(command) > 1 {
		command[1] = ResolveScript(command[1], r.cfg.TestJobsDir, inputDir)
	}
	env := map[string]string{
		"JOB_ID":     job.JobID,
		"INPUT_DIR":  inputDir,
		"OUTPUT_DIR": outputDir,
	}
	for k, v := range job.Env {
		env[k] = v
	}

	res, err := r.spawner.Spawn(ctx, SpawnSpec{
		Command:          command,
		Env:              env,
		Dir:              scratch,
		MemoryLimitBytes: r.cfg.JobMemoryLimitBytes,
		TimeoutS:         job.TimeoutS,
	})
	switch {
	case err != nil:
		lg.Error("spawn failed", slog.Any("error", err))
		r.reportFail(ctx, job, fmt.Sprintf("spawn failed: %v", err), "spawn", res.Duration.Seconds())
	case res.TimedOut:
		lg.Warn("job timed out", slog.Int64("timeout_s", job.TimeoutS))
		r.reportFail(ctx, job, timeoutMessage(job, res), "timeout", res.Duration.Seconds())
	case res.ExitCode != 0:
		lg.Warn("job exited non-zero", slog.Int("exit_code", res.ExitCode))
		r.reportFail(ctx, job, exitMessage(res), "exit", res.Duration.Seconds())
	default:
		if err := r.stager.UploadOutput(ctx, job.OutputURL, outputDir); err != nil {
			// Results stay on local disk; the completion still counts.
			lg.Warn("output upload failed", slog.Any("error", err))
		}
		r.reportComplete(ctx, job, res)
	}
}

func timeoutMessage(job Job, res SpawnResult) string {
	msg := fmt.Sprintf("killed after exceeding timeout of %ds", job.TimeoutS)
	if res.StderrTail != "" {
		msg += "\n" + res.StderrTail
	}
	return msg
}

func exitMessage(res SpawnResult) string {
	msg := fmt.Sprintf("exit code %d", res.ExitCode)
	if res.StderrTail != "" {
		msg += "\n" + res.StderrTail
	}
	return msg
}

func (r *Runtime) reportComplete(ctx context.Context, job Job, res SpawnResult) {
	output := map[string]any{"exit_code": res.ExitCode}
	err := r.reportWithRetry(ctx, func(c context.Context) error {
		return r.client.Complete(c, job.JobID, res.Duration.Seconds(), output)
	})
	result := "completed"
	var errText string
	if err != nil {
		result = "report_lost"
		errText = err.Error()
		slog.Error("completion report failed", slog.String("job_id", job.JobID), slog.Any("error", err))
	} else {
		slog.Info("job completed", slog.String("job_id", job.JobID), slog.Duration("duration", res.Duration))
	}
	jobsFinished.WithLabelValues(result).Inc()
	r.History.Add(HistoryEntry{
		JobID:          job.JobID,
		JobType:        job.JobType,
		Result:         result,
		ExitCode:       res.ExitCode,
		Duration:       res.Duration,
		RewardLamports: job.RewardLamports,
		FinishedAt:     time.Now().UTC(),
		Error:          errText,
	})
}

func (r *Runtime) reportFail(ctx context.Context, job Job, message, errType string, durationS float64) {
	err := r.reportWithRetry(ctx, func(c context.Context) error {
		return r.client.Fail(c, job.JobID, message, errType)
	})
	if err != nil {
		slog.Error("failure report failed", slog.String("job_id", job.JobID), slog.Any("error", err))
	}
	jobsFinished.WithLabelValues("failed").Inc()
	r.History.Add(HistoryEntry{
		JobID:      job.JobID,
		JobType:    job.JobType,
		Result:     "failed",
		ExitCode:   -1,
		Duration:   time.Duration(durationS * float64(time.Second)),
		FinishedAt: time.Now().UTC(),
		Error:      message,
	})
}

// reportWithRetry retries transient report errors a few times. ErrJobGone
// short-circuits: the broker already moved the row on.
func (r *Runtime) reportWithRetry(ctx context.Context, op func(context.Context) error) error {
	// Terminal reports survive broker restarts; use a detached context so an
	// agent shutdown does not drop an earned completion.
	reportCtx := context.WithoutCancel(ctx)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 0
	attempt := func() error {
		err := op(reportCtx)
		if errors.Is(err, ErrJobGone) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(attempt, backoff.WithMaxRetries(bo, terminalReportAttempts-1))
	if errors.Is(err, ErrJobGone) {
		return nil
	}
	return err
}
