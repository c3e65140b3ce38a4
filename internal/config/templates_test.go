package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/config"
)

func writeTemplate(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sampleTemplate = `
job_type: benchmark
image_ref: pytorch/pytorch:latest
command: ["python", "/input/run.py"]
env:
  BATCH_SIZE: "32"
gpu_memory_required: 4000000000
requires_gpu: true
estimated_duration_s: 120
timeout_s: 300
reward_lamports: 5000000
priority: HIGH
`

func TestLoadJobTemplate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeTemplate(t, dir, "bench.yaml", sampleTemplate)

	tpl, err := config.LoadJobTemplate(path)
	require.NoError(t, err)
	assert.Equal(t, "benchmark", tpl.JobType)
	assert.Equal(t, []string{"python", "/input/run.py"}, tpl.Command)
	assert.Equal(t, "32", tpl.Env["BATCH_SIZE"])
	assert.Equal(t, int64(4_000_000_000), tpl.GPUMemoryRequired)
	assert.True(t, tpl.RequiresGPU)
	assert.Equal(t, int64(300), tpl.TimeoutS)
	assert.Equal(t, int64(5_000_000), tpl.RewardLamports)
	assert.Equal(t, "HIGH", tpl.Priority)
}

func TestLoadJobTemplate_MissingFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := writeTemplate(t, dir, "no_type.yaml", "command: [\"echo\"]\n")
	_, err := config.LoadJobTemplate(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job_type")

	path = writeTemplate(t, dir, "no_cmd.yaml", "job_type: t\n")
	_, err = config.LoadJobTemplate(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")
}

func TestLoadJobTemplate_BadYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeTemplate(t, dir, "bad.yaml", "job_type: [unclosed")
	_, err := config.LoadJobTemplate(path)
	require.Error(t, err)
}

func TestLoadJobTemplatesDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemplate(t, dir, "02_second.yaml", sampleTemplate)
	writeTemplate(t, dir, "01_first.yml", "job_type: warmup\ncommand: [\"true\"]\ntimeout_s: 10\n")
	writeTemplate(t, dir, "ignored.txt", "not yaml")

	templates, err := config.LoadJobTemplatesDir(dir)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "warmup", templates[0].JobType, "sorted by filename")
	assert.Equal(t, "benchmark", templates[1].JobType)
}

func TestLoadJobTemplatesDir_Empty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_, err := config.LoadJobTemplatesDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no templates")
}
