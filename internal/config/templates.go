// Package config provides loading utilities for job template files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// JobTemplate is the on-disk shape marketctl submits to the broker. Field
// names follow the wire JobSpec.
type JobTemplate struct {
	JobType            string            `yaml:"job_type"`
	ImageRef           string            `yaml:"image_ref"`
	Command            []string          `yaml:"command"`
	Env                map[string]string `yaml:"env"`
	InputURL           string            `yaml:"input_url"`
	OutputURL          string            `yaml:"output_url"`
	GPUMemoryRequired  int64             `yaml:"gpu_memory_required"`
	RequiresGPU        bool              `yaml:"requires_gpu"`
	EstimatedDurationS int64             `yaml:"estimated_duration_s"`
	TimeoutS           int64             `yaml:"timeout_s"`
	RewardLamports     int64             `yaml:"reward_lamports"`
	Priority           string            `yaml:"priority"`
	MaxRetries         *int              `yaml:"max_retries"`
}

// LoadJobTemplate reads one YAML template.
func LoadJobTemplate(path string) (JobTemplate, error) {
	// #nosec G304 -- operator-supplied template path
	content, err := os.ReadFile(path)
	if err != nil {
		return JobTemplate{}, fmt.Errorf("op=config.LoadJobTemplate: %w", err)
	}
	var tpl JobTemplate
	if err := yaml.Unmarshal(content, &tpl); err != nil {
		return JobTemplate{}, fmt.Errorf("op=config.LoadJobTemplate: parse %s: %w", path, err)
	}
	if tpl.JobType == "" {
		return JobTemplate{}, fmt.Errorf("op=config.LoadJobTemplate: %s: job_type is required", path)
	}
	if len(tpl.Command) == 0 {
		return JobTemplate{}, fmt.Errorf("op=config.LoadJobTemplate: %s: command is required", path)
	}
	return tpl, nil
}

// LoadJobTemplatesDir reads every *.yaml/*.yml in dir, sorted by filename so
// seeding order is stable.
func LoadJobTemplatesDir(dir string) ([]JobTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadJobTemplatesDir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("op=config.LoadJobTemplatesDir: no templates in %s", dir)
	}
	templates := make([]JobTemplate, 0, len(paths))
	for _, p := range paths {
		tpl, err := LoadJobTemplate(p)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}
