package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/db"
	"github.com/hackgods/telemed-scheduling/internal/directory"
	"github.com/hackgods/telemed-scheduling/internal/notify"
	"github.com/hackgods/telemed-scheduling/internal/payments"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	redisclient "github.com/hackgods/telemed-scheduling/internal/redis"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

type sweeper struct {
	appointments *appointment.Service
	payments     *payments.Reconciler
	log          *logging.Logger
}

func main() {
	boot := logging.Default()
	boot.Info("expiry-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		fatal(boot, "config load error", err)
	}
	logger := logging.New(cfg.LogLevel).With("component", "expiry-worker")
	logger.Info("running expiry worker", "env", cfg.Env, "interval", cfg.WorkerInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		fatal(logger, "postgres connection error", err)
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		fatal(logger, "redis connection error", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", "error", err)
		}
	}()

	clock, err := practicetime.New(cfg.Scheduling.Timezone)
	if err != nil {
		fatal(logger, "practice timezone", err)
	}

	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)
	dir := directory.NewPgRepository(pgPool)
	apptRepo := appointment.NewPgRepository(pgPool)
	avail := availability.NewService(availability.NewPgRepository(pgPool), apptRepo, clock, cfg, logger)
	dispatcher, err := notify.NewDispatcherFromConfig(rootCtx, cfg.Email, logger)
	if err != nil {
		fatal(logger, "notification setup", err)
	}

	appts := appointment.NewService(apptRepo, locker, avail, clock, cfg, logger).
		WithCollaborators(nil, dispatcher, dir)
	orch := booking.NewOrchestrator(appts, avail, dir, locker, cfg, nil, logger)
	stripe := payments.NewStripeClient(cfg.Payments.StripeSecretKey, cfg.Payments.SuccessURL, cfg.Payments.CancelURL, logger).
		WithBaseURL(cfg.Payments.StripeBaseURL).
		WithDryRun(cfg.Payments.StripeDryRun)
	reconciler := payments.NewReconciler(payments.NewPgRepository(pgPool), stripe, orch, appts, locker, cfg, nil, logger).
		WithNotifier(dispatcher)

	w := &sweeper{appointments: appts, payments: reconciler, log: logger}

	// Run once at startup
	w.runOnce(rootCtx)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			w.runOnce(rootCtx)
		}
	}
}

// runOnce performs one sweep. Each step is independent: a failing step is
// logged and the next one still runs.
func (w *sweeper) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()

	expired, err := w.payments.SweepExpired(runCtx)
	if err != nil {
		w.log.Error("expire payment intents failed", "error", err)
	}
	completed, err := w.appointments.AutoComplete(runCtx)
	if err != nil {
		w.log.Error("auto complete failed", "error", err)
	}
	reminded, err := w.appointments.SendDueReminders(runCtx)
	if err != nil {
		w.log.Error("send reminders failed", "error", err)
	}

	w.log.Info("sweep complete",
		"expired_intents", expired,
		"completed", completed,
		"reminders", reminded,
		"duration", time.Since(start),
	)
}

var exit = os.Exit

// fatal logs err through the structured logger and exits. Deferred cleanups
// do not run, as with log.Fatal.
func fatal(logger *logging.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	exit(1)
}
