package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketplace_jobs_created_total",
			Help: "Total number of jobs submitted to the broker",
		},
	)
	JobsAssignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketplace_jobs_assigned_total",
			Help: "Total number of job assignments committed",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketplace_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_jobs_failed_total",
			Help: "Total number of job failures by cause",
		},
		[]string{"cause"},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketplace_jobs_retried_total",
			Help: "Total number of failed jobs requeued for retry",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketplace_queue_depth",
			Help: "Jobs currently waiting in the priority queue",
		},
	)
	AssignedJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketplace_assigned_jobs",
			Help: "Jobs currently held by live reservations",
		},
	)
	HealthyAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketplace_healthy_agents",
			Help: "Registered agents currently passing the heartbeat check",
		},
	)
	RegisteredAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketplace_registered_agents",
			Help: "Agents known to the load balancer",
		},
	)

	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_payments_total",
			Help: "Settlement outcomes by terminal status",
		},
		[]string{"status"},
	)
	SettlementQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketplace_settlement_queue_depth",
			Help: "Job ids waiting on the settlement channel",
		},
	)
	SettlementConfirmSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketplace_settlement_confirm_seconds",
			Help:    "Latency from transfer submission to on-chain confirmation",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsCreatedTotal)
	prometheus.MustRegister(JobsAssignedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(AssignedJobs)
	prometheus.MustRegister(HealthyAgents)
	prometheus.MustRegister(RegisteredAgents)
	prometheus.MustRegister(PaymentsTotal)
	prometheus.MustRegister(SettlementQueueDepth)
	prometheus.MustRegister(SettlementConfirmSeconds)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObservePayment counts one settled transfer by terminal status.
func ObservePayment(status string) {
	PaymentsTotal.WithLabelValues(status).Inc()
}

// ObserveBalancer publishes the balancer snapshot taken on each maintenance
// tick.
func ObserveBalancer(queued, assigned, healthy, registered int) {
	QueueDepth.Set(float64(queued))
	AssignedJobs.Set(float64(assigned))
	HealthyAgents.Set(float64(healthy))
	RegisteredAgents.Set(float64(registered))
}
