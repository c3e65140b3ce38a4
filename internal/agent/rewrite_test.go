package agent_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/agent"
)

func TestRewriteCommand_ContainerPaths(t *testing.T) {
	in := "/work/j1/input"
	out := "/work/j1/output"

	got := agent.RewriteCommand([]string{"python3", "/input/train.py", "--out", "/output/model.bin"}, in, out)
	assert.Equal(t, []string{"python3", filepath.Join(in, "train.py"), "--out", filepath.Join(out, "model.bin")}, got)

	got = agent.RewriteCommand([]string{"bash", "-c", "ls /data"}, in, out)
	assert.Equal(t, []string{"bash", "-c", "ls /data"}, got, "non-container paths pass through")

	got = agent.RewriteCommand([]string{"python", "/input"}, in, out)
	assert.Equal(t, []string{"python", in}, got, "bare mount point rewrites too")
}

func TestRewriteCommand_NonInterpreterUntouched(t *testing.T) {
	cmd := []string{"/usr/bin/ffmpeg", "-i", "/input/clip.mp4"}
	assert.Equal(t, cmd, agent.RewriteCommand(cmd, "/in", "/out"))
}

func TestRewriteCommand_DoesNotMutateInput(t *testing.T) {
	cmd := []string{"python3", "/input/a.py"}
	_ = agent.RewriteCommand(cmd, "/in", "/out")
	assert.Equal(t, "/input/a.py", cmd[1])
}

func TestRewriteCommand_VersionedInterpreters(t *testing.T) {
	got := agent.RewriteCommand([]string{"/usr/bin/python3.12", "/input/a.py"}, "/in", "/out")
	assert.Equal(t, filepath.Join("/in", "a.py"), got[1])
}

func TestResolveScript_LookupOrder(t *testing.T) {
	testJobs := t.TempDir()
	inputDir := t.TempDir()

	// Missing everywhere: as given.
	assert.Equal(t, "/no/such/run.py", agent.ResolveScript("/no/such/run.py", testJobs, inputDir))

	// Present in the input dir.
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "run.py"), []byte("pass"), 0o644))
	assert.Equal(t, filepath.Join(inputDir, "run.py"), agent.ResolveScript("/no/such/run.py", testJobs, inputDir))

	// The test-jobs dir wins over the input dir.
	require.NoError(t, os.WriteFile(filepath.Join(testJobs, "run.py"), []byte("pass"), 0o644))
	assert.Equal(t, filepath.Join(testJobs, "run.py"), agent.ResolveScript("/no/such/run.py", testJobs, inputDir))

	// An existing path resolves to itself.
	real := filepath.Join(inputDir, "real.py")
	require.NoError(t, os.WriteFile(real, []byte("pass"), 0o644))
	assert.Equal(t, real, agent.ResolveScript(real, testJobs, inputDir))
}

func TestHistory_RingCapsAt50(t *testing.T) {
	h := &agent.History{}
	for i := 0; i < 60; i++ {
		h.Add(agent.HistoryEntry{JobID: string(rune('a' + i%26))})
	}
	assert.Equal(t, 50, h.Len())
	list := h.List()
	assert.Len(t, list, 50)
}
