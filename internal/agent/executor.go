package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// stderrTailBytes bounds how much stderr survives into the failure report.
const stderrTailBytes = 4 * 1024

// SpawnSpec describes one sandboxed job subprocess.
type SpawnSpec struct {
	Command []string
	// Env is merged over the inherited process environment.
	Env map[string]string
	Dir string
	// MemoryLimitBytes caps the address space; 0 means no cap.
	MemoryLimitBytes int64
	// TimeoutS is the wall-clock budget; it also sets the CPU-time rlimit.
	TimeoutS int64
}

// SpawnResult is the observed outcome. ExitCode is -1 when the process was
// killed before exiting on its own.
type SpawnResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
	TimedOut   bool
}

// Spawner runs one job subprocess to completion. Tests substitute scripted
// implementations.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (SpawnResult, error)
}

// OSSpawner executes jobs as native subprocesses in their own process group
// with best-effort resource limits.
type OSSpawner struct{}

func (OSSpawner) Spawn(ctx context.Context, spec SpawnSpec) (SpawnResult, error) {
	if len(spec.Command) == 0 {
		return SpawnResult{ExitCode: -1}, fmt.Errorf("op=spawn: empty command")
	}
	timeout := time.Duration(spec.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = tail
	setSysProcAttr(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return SpawnResult{ExitCode: -1}, fmt.Errorf("op=spawn cmd=%s: %w", spec.Command[0], err)
	}
	applyResourceLimits(cmd.Process.Pid, spec)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killTree(cmd.Process.Pid)
		<-done
		return SpawnResult{
			ExitCode:   -1,
			StderrTail: tail.String(),
			Duration:   time.Since(start),
			TimedOut:   true,
		}, nil
	case err := <-done:
		res := SpawnResult{StderrTail: tail.String(), Duration: time.Since(start)}
		if err == nil {
			return res, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("op=spawn cmd=%s: %w", spec.Command[0], err)
	}
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// killTree kills the whole process tree, children first, then the group.
func killTree(pid int) {
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if children, err := p.Children(); err == nil {
			for _, child := range children {
				killTree(int(child.Pid))
			}
		}
		_ = p.Kill()
	}
	killProcessGroup(pid)
}

// tailBuffer keeps the last max bytes written through it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
