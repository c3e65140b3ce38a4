//go:build !linux

package agent

import "os/exec"

func setSysProcAttr(*exec.Cmd) {}

func applyResourceLimits(int, SpawnSpec) {}

func killProcessGroup(int) {}
