// Command marketctl is the operator CLI for the compute marketplace: it
// posts jobs, seeds job templates from a directory, and queries the admin
// surface.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"

	"github.com/fairyhunter13/compute-marketplace/internal/config"
)

type cli struct {
	client *resty.Client
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	url := fs.String("url", envOr("MARKETPLACE_URL", "http://localhost:8080"), "marketplace base URL")
	key := fs.String("key", os.Getenv("ADMIN_API_KEY"), "admin API key")

	var run func(c *cli) error
	switch cmd {
	case "create-job":
		file := fs.String("f", "", "job template YAML file")
		jobType := fs.String("type", "", "job type")
		command := fs.String("command", "", "command, comma separated")
		timeout := fs.Int64("timeout", 300, "timeout seconds")
		reward := fs.Int64("reward", 0, "reward in lamports")
		gpuMem := fs.Int64("gpu-memory", 0, "required GPU memory bytes")
		requiresGPU := fs.Bool("requires-gpu", false, "job needs a GPU")
		priority := fs.String("priority", "", "normal or high")
		inputURL := fs.String("input-url", "", "input bundle URL")
		outputURL := fs.String("output-url", "", "output upload URL")
		run = func(c *cli) error {
			var tpl config.JobTemplate
			if *file != "" {
				loaded, err := config.LoadJobTemplate(*file)
				if err != nil {
					return err
				}
				tpl = loaded
			} else {
				if *jobType == "" || *command == "" {
					return fmt.Errorf("either -f or both -type and -command are required")
				}
				tpl = config.JobTemplate{
					JobType:           *jobType,
					Command:           strings.Split(*command, ","),
					TimeoutS:          *timeout,
					RewardLamports:    *reward,
					GPUMemoryRequired: *gpuMem,
					RequiresGPU:       *requiresGPU,
					Priority:          *priority,
					InputURL:          *inputURL,
					OutputURL:         *outputURL,
				}
			}
			return c.createJob(tpl)
		}
	case "seed-jobs":
		dir := fs.String("dir", "test-jobs", "directory of job template YAML files")
		run = func(c *cli) error { return c.seedJobs(*dir) }
	case "stats":
		run = func(c *cli) error { return c.get("/api/admin/stats") }
	case "load-balancer":
		run = func(c *cli) error { return c.get("/api/admin/load-balancer") }
	case "payments":
		limit := fs.Int("limit", 50, "max payments to list")
		run = func(c *cli) error {
			return c.get(fmt.Sprintf("/api/payments/history?limit=%d", *limit))
		}
	case "health":
		run = func(c *cli) error { return c.get("/health") }
	case "info":
		run = func(c *cli) error { return c.get("/api/marketplace/info") }
	case "agents":
		run = func(c *cli) error { return c.get("/api/marketplace/agents") }
	default:
		usage()
		os.Exit(2)
	}

	_ = fs.Parse(args)

	client := resty.New().SetBaseURL(*url)
	if *key != "" {
		client.SetHeader("X-API-Key", *key)
	}
	if err := run(&cli{client: client}); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: marketctl <command> [flags]

commands:
  create-job     post a job (-f template.yaml, or -type/-command flags)
  seed-jobs      post every *.yaml template in a directory (-dir)
  stats          marketplace statistics
  load-balancer  scheduler queue and reservation state
  payments       settlement history (-limit)
  agents         public agent listing
  info           marketplace info
  health         broker health

environment: MARKETPLACE_URL, ADMIN_API_KEY`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// jobBody maps a template onto the create endpoint's JSON body.
func jobBody(tpl config.JobTemplate) map[string]any {
	if tpl.TimeoutS <= 0 {
		tpl.TimeoutS = 300
	}
	body := map[string]any{
		"job_type":             tpl.JobType,
		"command":              tpl.Command,
		"timeout_s":            tpl.TimeoutS,
		"reward_lamports":      tpl.RewardLamports,
		"gpu_memory_required":  tpl.GPUMemoryRequired,
		"requires_gpu":         tpl.RequiresGPU,
		"estimated_duration_s": tpl.EstimatedDurationS,
	}
	if tpl.ImageRef != "" {
		body["image_ref"] = tpl.ImageRef
	}
	if len(tpl.Env) > 0 {
		body["env"] = tpl.Env
	}
	if tpl.InputURL != "" {
		body["input_url"] = tpl.InputURL
	}
	if tpl.OutputURL != "" {
		body["output_url"] = tpl.OutputURL
	}
	if tpl.Priority != "" {
		body["priority"] = tpl.Priority
	}
	if tpl.MaxRetries != nil {
		body["max_retries"] = *tpl.MaxRetries
	}
	return body
}

func (c *cli) createJob(tpl config.JobTemplate) error {
	resp, err := c.client.R().SetBody(jobBody(tpl)).Post("/api/admin/jobs/create")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("create job: %s: %s", resp.Status(), resp.String())
	}
	fmt.Println(prettify(resp.Body()))
	return nil
}

func (c *cli) seedJobs(dir string) error {
	templates, err := config.LoadJobTemplatesDir(dir)
	if err != nil {
		return err
	}
	for _, tpl := range templates {
		if err := c.createJob(tpl); err != nil {
			return fmt.Errorf("%s: %w", tpl.JobType, err)
		}
	}
	fmt.Printf("seeded %d jobs from %s\n", len(templates), dir)
	return nil
}

func (c *cli) get(path string) error {
	resp, err := c.client.R().Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %s: %s", path, resp.Status(), resp.String())
	}
	fmt.Println(prettify(resp.Body()))
	return nil
}

func prettify(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
