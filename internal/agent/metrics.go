package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_jobs_total",
			Help: "Jobs finished by this agent, by result",
		},
		[]string{"result"},
	)
	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_active_jobs",
			Help: "Jobs currently executing",
		},
	)
	pollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_poll_errors_total",
			Help: "Failed polls against the broker",
		},
	)
)

// InitMetrics registers the agent metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(jobsFinished, activeJobs, pollErrors)
}
