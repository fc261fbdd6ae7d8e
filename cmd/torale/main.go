package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/torale/torale/internal/agent"
	"github.com/torale/torale/internal/cache"
	"github.com/torale/torale/internal/config"
	"github.com/torale/torale/internal/db"
	httpx "github.com/torale/torale/internal/http"
	"github.com/torale/torale/internal/lifecycle"
	"github.com/torale/torale/internal/notify"
	"github.com/torale/torale/internal/observability"
	"github.com/torale/torale/internal/orchestrator"
	"github.com/torale/torale/internal/redisclient"
	"github.com/torale/torale/internal/repo/postgres"
	"github.com/torale/torale/internal/runner"
	"github.com/torale/torale/internal/scheduler"
	"github.com/torale/torale/internal/verification"
)

func main() {
	// Load the config set up
	cfg := config.Load()

	// start up the observability logger
	log := observability.NewLogger(cfg.Env)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "torale", cfg.OTLPEndpoint)
	if err != nil {
		log.Warn("tracing disabled", "err", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	pool, err := db.NewPool(cfg.DBURL)
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	prom := observability.NewProm(registry)

	// repositories

	tasksRepo := postgres.NewTasksRepo(pool, prom)
	executionsRepo := postgres.NewExecutionsRepo(pool, prom)
	sendsRepo := postgres.NewNotificationSendsRepo(pool, prom)
	deliveriesRepo := postgres.NewWebhookDeliveriesRepo(pool, prom)
	usersRepo := postgres.NewUsersRepo(pool, prom)
	verificationsRepo := postgres.NewVerificationsRepo(pool, prom)

	// notification stack: provider behind a circuit breaker, user
	// projections behind a short cache

	provider := notify.NewProtectedProvider(
		notify.NewHTTPProvider(cfg.EmailProviderURL, cfg.EmailProviderKey),
		notify.ProtectedProviderConfig{},
	)
	cachedUsers := cache.NewCachedUsers(usersRepo, 5*time.Minute)

	mailer := notify.NewMailer(provider, sendsRepo, cachedUsers, log, notify.MailerConfig{
		DailyLimit:  cfg.SpamDailyLimit,
		HourlyLimit: cfg.SpamHourlyLimit,
	})

	webhookSender := notify.NewWebhookSender(deliveriesRepo, log, notify.WebhookConfig{
		RequestTimeout: cfg.WebhookRequestTimeout(),
		MaxAttempts:    cfg.WebhookMaxAttempts,
		RetryBase:      time.Duration(cfg.WebhookRetryBaseMinutes) * time.Minute,
	})

	dispatcher := notify.NewDispatcher(mailer, webhookSender, log, prom)

	agentClient := agent.NewClient(agent.Config{
		FreeURL:  cfg.AgentURLFree,
		PaidURL:  cfg.AgentURLPaid,
		Deadline: cfg.AgentTimeout(),
	}, log)

	// scheduler + orchestrator wire through a RunFunc closure: the
	// orchestrator needs the job registry, the registry needs the run
	// function, so the function is bound late.

	sched, err := scheduler.New(log, prom)
	if err != nil {
		log.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}

	// the signal context rides into every scheduled run so shutdown can
	// abort an in-flight agent wait
	var orch *orchestrator.Orchestrator
	run := func(taskID, userID, taskName string) {
		orch.ExecuteScheduled(ctx, taskID, userID, taskName)
	}

	jobs := scheduler.NewTaskJobs(sched, run)
	machine := lifecycle.NewMachine(tasksRepo, jobs, log)
	orch = orchestrator.New(tasksRepo, executionsRepo, agentClient, dispatcher, machine, jobs, log, prom)

	coordinator := runner.New(tasksRepo, executionsRepo, jobs, orch, log)

	// verification flow

	limiter := verification.NewRedisRateLimiter(rdb.Raw(), cfg.EmailCodeHourlyLimit, time.Hour)
	verificationSvc := verification.NewService(verificationsRepo, cachedUsers, limiter, mailer, log, verification.Config{
		TTL:         time.Duration(cfg.EmailCodeTTLMinutes) * time.Minute,
		MaxAttempts: cfg.EmailCodeMaxAttempts,
	})

	if err := db.EnsureSeedTask(ctx, pool, tasksRepo, cfg); err != nil {
		log.Error("could not seed task", "err", err)
		os.Exit(1)
	}

	// reconcile before anything is served or fired

	reconciler := scheduler.NewReconciler(tasksRepo, sched, run, log)
	if err := reconciler.Reconcile(ctx); err != nil {
		log.Error("startup reconciliation failed", "err", err)
		os.Exit(1)
	}

	// system jobs

	reaper := scheduler.NewReaper(executionsRepo, log, time.Duration(cfg.StaleExecutionMinutes)*time.Minute)
	if err := sched.RunEvery(scheduler.ReapJobName, time.Duration(cfg.StaleReapIntervalMinutes)*time.Minute, func() {
		reaper.Run(ctx)
	}); err != nil {
		log.Error("could not register reaper job", "err", err)
		os.Exit(1)
	}

	sweep := scheduler.NewWebhookSweep(deliveriesRepo, tasksRepo, webhookSender, log)
	if err := sched.RunEvery(scheduler.SweepJobName, time.Duration(cfg.WebhookSweepIntervalMinutes)*time.Minute, func() {
		sweep.Run(ctx)
	}); err != nil {
		log.Error("could not register webhook sweep job", "err", err)
		os.Exit(1)
	}

	sched.Start()

	// ops HTTP surface

	router := httpx.NewRouter(httpx.Deps{
		Log:  log,
		Prom: prom,
		Pings: map[string]func() error{
			"db": func() error {
				pingCtx, cancel := config.WithTimeout(time.Second)
				defer cancel()
				return pool.Ping(pingCtx)
			},
			"redis": func() error {
				pingCtx, cancel := config.WithTimeout(time.Second)
				defer cancel()
				return rdb.Ping(pingCtx)
			},
		},
		Tasks:           tasksRepo,
		Executions:      executionsRepo,
		Users:           usersRepo,
		MaxUsers:        cfg.MaxUsers,
		Runner:          coordinator,
		Secrets:         tasksRepo,
		Deliveries:      deliveriesRepo,
		Verification:    verificationSvc,
		MetricsGatherer: registry,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second, // manual runs block on the agent
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := config.WithTimeout(10 * time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	if err := sched.Stop(); err != nil {
		log.Error("scheduler shutdown failed", "err", err)
	}

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", "err", err)
	}

	log.Info("shutdown complete")
}
