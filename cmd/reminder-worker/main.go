package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/config"
	"github.com/hackgods/hams-appointments/internal/db"
	"github.com/hackgods/hams-appointments/internal/logger"
	"github.com/hackgods/hams-appointments/internal/metrics"
	"github.com/hackgods/hams-appointments/internal/notify"
	redisclient "github.com/hackgods/hams-appointments/internal/redis"
	"github.com/hackgods/hams-appointments/internal/reminder"
)

func main() {
	once := flag.Bool("once", false, "run a single tick and exit")
	dryRun := flag.Bool("dry-run", false, "list reminders the next tick would claim and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, *once, *dryRun); err != nil {
		log.Fatal("reminder-worker stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger, once, dryRun bool) error {
	log.Info("reminder-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.ReminderInterval),
		zap.Int("batch_size", cfg.ReminderBatchSize),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns:        int32(cfg.ReminderConcurrency) + 2,
		ApplicationName: "hams-reminder-worker",
	})
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()
	log.Info("connected to postgres")

	store := reminder.NewPgStore(pgPool)
	if dryRun {
		return listDue(rootCtx, reminder.NewService(store, cfg.ReminderLead, time.Now, log, nil), cfg.ReminderBatchSize, log)
	}

	// Without redis every instance ticks on its own schedule; claims still
	// keep deliveries exclusive.
	var tickLock redisclient.Locker
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 2,
	})
	if err != nil {
		log.Warn("redis unavailable, running without tick lock", zap.Error(err))
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		tickLock = redisclient.NewRedisLocker(rdb, cfg.ReminderInterval)
	}

	m := metrics.NewCollector("hams")

	renderer, err := notify.NewRenderer(cfg.ClinicName)
	if err != nil {
		return err
	}
	gateway, err := notify.NewGateway(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.ClinicName,
	}, notify.BreakerSettings{Name: "smtp"}, log, m)
	if err != nil {
		return err
	}

	sched := reminder.NewScheduler(store, gateway, renderer, reminder.SchedulerConfig{
		Interval:    cfg.ReminderInterval,
		BatchSize:   cfg.ReminderBatchSize,
		ClaimTTL:    cfg.ReminderClaimTTL,
		Concurrency: cfg.ReminderConcurrency,
		SendTimeout: cfg.NotifyTimeout,
		TickLock:    tickLock,
	}, log, m)

	if once {
		start := time.Now()
		report, err := sched.RunOnce(rootCtx)
		if err != nil {
			return err
		}
		log.Info("reminder tick complete",
			zap.Bool("skipped", report.Skipped),
			zap.Int64("recovered", report.Recovered),
			zap.Int("claimed", report.Claimed),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("released", report.Released),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}

	if err := sched.Start(rootCtx); err != nil {
		return err
	}

	<-rootCtx.Done()
	log.Info("shutdown signal received, stopping reminder-worker")
	sched.Stop()
	return nil
}

func listDue(ctx context.Context, svc *reminder.Service, limit int, log *zap.Logger) error {
	due, err := svc.Due(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range due {
		log.Info("due reminder",
			zap.String("reminder_id", r.ID.String()),
			zap.String("appointment_id", r.AppointmentID),
			zap.String("recipient", r.Recipient),
			zap.Time("fire_at", r.FireAt),
		)
	}
	log.Info("dry run complete", zap.Int("due", len(due)), zap.Int("limit", limit))
	return nil
}
