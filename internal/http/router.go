package http

import (
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/torale/torale/internal/http/handlers"
	"github.com/torale/torale/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Deps carries everything the ops surface serves; the router does no
// wiring of its own.
type Deps struct {
	Log  *slog.Logger
	Prom *observability.Prom

	// readiness pings, keyed by dependency name
	Pings map[string]func() error

	Tasks      handlers.StatsTaskStore
	Executions handlers.StatsExecutionStore
	Users      handlers.StatsUserStore
	MaxUsers   int

	Runner       handlers.RunStarter
	Secrets      handlers.SecretSetter
	Deliveries   handlers.DeliveryStore
	Verification handlers.VerificationService

	MetricsGatherer prometheus.Gatherer
}

func NewRouter(d Deps) *gin.Engine {
	cfgEnv := os.Getenv("APP_ENV")

	if cfgEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(d.Log))
	r.Use(otelgin.Middleware("torale"))
	if d.Prom != nil {
		r.Use(d.Prom.GinHandleMiddleware())
	}

	// health
	h := handlers.NewHealthHandler(d.Pings)
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	if d.MetricsGatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.MetricsGatherer, promhttp.HandlerOpts{})))
	}

	statsHandler := handlers.NewStatsHandler(d.Tasks, d.Executions, d.Users, d.MaxUsers)
	r.GET("/stats", statsHandler.Stats)

	// manual runs block on the agent, keep the window tight
	runLimiter := NewRateLimiter(10, time.Minute)

	runsHandler := handlers.NewRunsHandler(d.Runner)
	r.POST("/internal/tasks/:id/run", runLimiter.Middleware(KeyByTaskOrIP), runsHandler.StartRun)

	secretsHandler := handlers.NewSecretsHandler(d.Secrets)
	r.POST("/internal/tasks/:id/webhook-secret", runLimiter.Middleware(KeyByTaskOrIP), secretsHandler.RotateWebhookSecret)

	deliveriesHandler := handlers.NewDeliveriesHandler(d.Deliveries)
	r.GET("/internal/executions/:id/webhook-delivery", deliveriesHandler.LatestDelivery)

	codeLimiter := NewRateLimiter(30, time.Minute)

	verificationHandler := handlers.NewVerificationHandler(d.Verification)
	verification := r.Group("/verification", codeLimiter.Middleware(KeyByIP))
	verification.POST("/request", verificationHandler.RequestCode)
	verification.POST("/confirm", verificationHandler.ConfirmCode)

	return r
}
