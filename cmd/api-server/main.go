package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/telemed-scheduling/internal/api"
	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/db"
	"github.com/hackgods/telemed-scheduling/internal/directory"
	"github.com/hackgods/telemed-scheduling/internal/notify"
	"github.com/hackgods/telemed-scheduling/internal/observability/metrics"
	"github.com/hackgods/telemed-scheduling/internal/payments"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	redisclient "github.com/hackgods/telemed-scheduling/internal/redis"
	"github.com/hackgods/telemed-scheduling/internal/video"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

func main() {
	boot := logging.Default()
	boot.Info("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		fatal(boot, "config load error", err)
	}
	logger := logging.New(cfg.LogLevel)
	logger.Info("configuration loaded", "env", cfg.Env, "http_port", cfg.HTTPPort, "timezone", cfg.Scheduling.Timezone)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		fatal(logger, "postgres connection error", err)
	}
	defer pgPool.Close()
	logger.Info("connected to postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		fatal(logger, "redis connection error", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", "error", err)
		}
	}()
	logger.Info("connected to redis")

	clock, err := practicetime.New(cfg.Scheduling.Timezone)
	if err != nil {
		fatal(logger, "practice timezone", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSchedulingMetrics(registry)

	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)
	dir := directory.NewPgRepository(pgPool)
	apptRepo := appointment.NewPgRepository(pgPool)

	avail := availability.NewService(availability.NewPgRepository(pgPool), apptRepo, clock, cfg, logger.With("component", "availability"))

	dispatcher, err := notify.NewDispatcherFromConfig(rootCtx, cfg.Email, logger)
	if err != nil {
		fatal(logger, "notification setup", err)
	}

	appts := appointment.NewService(apptRepo, locker, avail, clock, cfg, logger.With("component", "appointment")).
		WithCollaborators(buildRooms(cfg, logger), dispatcher, dir).
		WithMetrics(m)
	orch := booking.NewOrchestrator(appts, avail, dir, locker, cfg, m, logger.With("component", "booking"))

	stripe := payments.NewStripeClient(cfg.Payments.StripeSecretKey, cfg.Payments.SuccessURL, cfg.Payments.CancelURL, logger).
		WithBaseURL(cfg.Payments.StripeBaseURL).
		WithDryRun(cfg.Payments.StripeDryRun)
	reconciler := payments.NewReconciler(payments.NewPgRepository(pgPool), stripe, orch, appts, locker, cfg, m, logger.With("component", "payments")).
		WithNotifier(dispatcher)
	webhook := payments.NewStripeWebhookHandler(cfg.Payments.StripeWebhookSecret, reconciler, payments.NewProcessedStore(pgPool), m, logger)

	router := api.NewRouter(api.RouterConfig{
		Appointments:   appts,
		Booking:        orch,
		Availability:   avail,
		Payments:       reconciler,
		Webhook:        webhook,
		Postgres:       pgPool,
		Redis:          api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		JWTSecret:      cfg.JWTSecret,
		Env:            cfg.Env,
		Version:        cfg.Version,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Metrics:        m,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server error", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildRooms(cfg config.Config, logger *logging.Logger) video.Provisioner {
	if cfg.Video.APIURL == "" {
		logger.Info("video provider not configured, using dry run rooms")
		return video.NewDryRunProvisioner(logger)
	}
	return video.NewHTTPProvisioner(cfg.Video.APIURL, cfg.Video.APIKey, logger)
}

var exit = os.Exit

// fatal logs err through the structured logger and exits. Deferred cleanups
// do not run, as with log.Fatal.
func fatal(logger *logging.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	exit(1)
}
