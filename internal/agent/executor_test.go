//go:build !windows

package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/agent"
)

func TestOSSpawner_ExitCodeAndStderrTail(t *testing.T) {
	res, err := agent.OSSpawner{}.Spawn(context.Background(), agent.SpawnSpec{
		Command:  []string{"sh", "-c", "echo oops 1>&2; exit 3"},
		Dir:      t.TempDir(),
		TimeoutS: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.StderrTail, "oops")
	assert.False(t, res.TimedOut)
}

func TestOSSpawner_Success(t *testing.T) {
	res, err := agent.OSSpawner{}.Spawn(context.Background(), agent.SpawnSpec{
		Command:  []string{"sh", "-c", "true"},
		Dir:      t.TempDir(),
		TimeoutS: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestOSSpawner_TimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	res, err := agent.OSSpawner{}.Spawn(context.Background(), agent.SpawnSpec{
		Command:  []string{"sh", "-c", "sleep 30"},
		Dir:      t.TempDir(),
		TimeoutS: 1,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestOSSpawner_EnvInjected(t *testing.T) {
	dir := t.TempDir()
	res, err := agent.OSSpawner{}.Spawn(context.Background(), agent.SpawnSpec{
		Command:  []string{"sh", "-c", `test "$JOB_ID" = j-9`},
		Env:      map[string]string{"JOB_ID": "j-9"},
		Dir:      dir,
		TimeoutS: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestOSSpawner_EmptyCommand(t *testing.T) {
	_, err := agent.OSSpawner{}.Spawn(context.Background(), agent.SpawnSpec{})
	require.Error(t, err)
}
