package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec
	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// Executions (orchestrator)

	ExecutionDuration  *prometheus.HistogramVec
	ExecutionResults   *prometheus.CounterVec
	ExecutionsInFlight prometheus.Gauge

	// Notifications

	NotificationResults *prometheus.CounterVec

	// Scheduler

	ScheduledJobs prometheus.Gauge
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torale",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "torale",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				// Sane initial defaults
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "torale",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "torale",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torale",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "torale",
				Subsystem: "executions",
				Name:      "duration_seconds",
				Help:      "Task execution duration by trigger and result",
				// agent calls dominate, so buckets run well past a minute
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"trigger", "result"}, // trigger=scheduled|manual, result=success|failed
		),
		ExecutionResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torale",
				Subsystem: "executions",
				Name:      "results_total",
				Help:      "Execution outcomes by trigger and result.",
			},
			[]string{"trigger", "result"},
		),
		ExecutionsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "torale",
				Subsystem: "executions",
				Name:      "in_flight",
				Help:      "Current number of running executions (per process)",
			},
		),

		NotificationResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torale",
				Subsystem: "notifications",
				Name:      "results_total",
				Help:      "Notification delivery outcomes by channel and result.",
			},
			[]string{"channel", "result"}, // channel=email|webhook, result=success|failed|skipped
		),

		ScheduledJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "torale",
				Subsystem: "scheduler",
				Name:      "jobs",
				Help:      "Number of jobs currently registered with the scheduler.",
			},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal,
		p.ExecutionDuration, p.ExecutionResults, p.ExecutionsInFlight,
		p.NotificationResults, p.ScheduledJobs,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()

		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
