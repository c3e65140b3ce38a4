//go:build linux

package agent

import (
	"log/slog"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr puts the job in its own process group so the whole tree can
// be signalled at once.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// applyResourceLimits installs the memory and CPU-time rlimits on the
// already-started process. Failures are logged, not fatal; the wall-clock
// watchdog still bounds the job.
func applyResourceLimits(pid int, spec SpawnSpec) {
	if spec.MemoryLimitBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(spec.MemoryLimitBytes), Max: uint64(spec.MemoryLimitBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			slog.Warn("memory rlimit not applied", slog.Int("pid", pid), slog.Any("error", err))
		}
	}
	if spec.TimeoutS > 0 {
		lim := unix.Rlimit{Cur: uint64(spec.TimeoutS), Max: uint64(spec.TimeoutS)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			slog.Warn("cpu rlimit not applied", slog.Int("pid", pid), slog.Any("error", err))
		}
	}
}

func killProcessGroup(pid int) {
	if pgid, err := unix.Getpgid(pid); err == nil {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}
}
