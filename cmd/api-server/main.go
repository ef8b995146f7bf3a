package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/hams-appointments/internal/api"
	"github.com/hackgods/hams-appointments/internal/appointment"
	"github.com/hackgods/hams-appointments/internal/auth"
	"github.com/hackgods/hams-appointments/internal/availability"
	"github.com/hackgods/hams-appointments/internal/config"
	"github.com/hackgods/hams-appointments/internal/db"
	"github.com/hackgods/hams-appointments/internal/directory"
	"github.com/hackgods/hams-appointments/internal/logger"
	"github.com/hackgods/hams-appointments/internal/metrics"
	"github.com/hackgods/hams-appointments/internal/notify"
	redisclient "github.com/hackgods/hams-appointments/internal/redis"
	"github.com/hackgods/hams-appointments/internal/reminder"
)

func main() {
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

	if err := run(cfg, log); err != nil {
		log.Fatal("api-server stopped with error", zap.Error(err))
	}
	log.Info("api-server stopped")
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("http_port", cfg.HTTPPort),
	)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "hams-api"})
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()
	log.Info("connected to postgres")

	if err := db.Migrate(rootCtx, pgPool, log); err != nil {
		return err
	}

	var (
		locker     redisclient.Locker
		tickLock   redisclient.Locker
		redisCheck api.Check
	)
	rdb, redisErr := redisclient.NewRedisClient(rootCtx, redisOptions(cfg))
	if redisErr != nil {
		log.Warn("redis unavailable, using in-process slot locks", zap.Error(redisErr))
		locker = redisclient.NewLocalLocker()
		redisCheck = func(context.Context) error { return redisErr }
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		tickLock = redisclient.NewRedisLocker(rdb, cfg.ReminderInterval)
		redisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	m := metrics.NewCollector("hams")

	renderer, err := notify.NewRenderer(cfg.ClinicName)
	if err != nil {
		return err
	}
	gateway, err := notify.NewGateway(smtpConfig(cfg), notify.BreakerSettings{Name: "smtp"}, log, m)
	if err != nil {
		return err
	}

	apptRepo := appointment.NewPgRepository(pgPool)
	reminderStore := reminder.NewPgStore(pgPool)

	slots := availability.NewService(availability.NewPgStore(pgPool), apptRepo, log)
	reminders := reminder.NewService(reminderStore, cfg.ReminderLead, time.Now, log, m)

	appts := appointment.NewService(appointment.Deps{
		Repo:      apptRepo,
		Slots:     slots,
		Reminders: reminders,
		Directory: directory.NewPgRepository(pgPool),
		Gateway:   gateway,
		Renderer:  renderer,
		Locker:    locker,
		Tx:        db.NewTransactor(pgPool),
		Logger:    log,
		Metrics:   m,
	}, appointment.Settings{
		Location:        loc,
		MeetingBaseURL:  cfg.MeetingBaseURL,
		MeetingPrefix:   cfg.MeetingPrefix,
		DefaultLocation: cfg.ClinicName,
		NotifyTimeout:   cfg.NotifyTimeout,
	})

	health := api.NewHealthHandler(cfg.Env, cfg.Version,
		api.Dependency{Name: "postgres", Critical: true, Check: pgPool.Ping},
		api.Dependency{Name: "redis", Check: redisCheck},
	)

	router := api.NewRouter(api.RouterConfig{
		Appointments:   appts,
		Slots:          slots,
		Verifier:       auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Health:         health,
		Logger:         log,
		Metrics:        m,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MeetingBaseURL: cfg.MeetingBaseURL,
		Location:       loc,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return rootCtx },
	}

	g, gctx := errgroup.WithContext(rootCtx)

	if cfg.ReminderInProcess {
		sched := reminder.NewScheduler(reminderStore, gateway, renderer, reminder.SchedulerConfig{
			Interval:    cfg.ReminderInterval,
			BatchSize:   cfg.ReminderBatchSize,
			ClaimTTL:    cfg.ReminderClaimTTL,
			Concurrency: cfg.ReminderConcurrency,
			SendTimeout: cfg.NotifyTimeout,
			TickLock:    tickLock,
		}, log, m)
		if err := sched.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func smtpConfig(cfg config.Config) notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.ClinicName,
	}
}

func redisOptions(cfg config.Config) redisclient.Options {
	return redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	}
}
