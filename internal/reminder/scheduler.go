package reminder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/hams-appointments/internal/metrics"
	"github.com/hackgods/hams-appointments/internal/notify"
	redisclient "github.com/hackgods/hams-appointments/internal/redis"
)

var ErrSchedulerRunning = errors.New("reminder scheduler already running")

type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	ClaimTTL    time.Duration // in_flight claims older than this are failed
	Concurrency int
	SendTimeout time.Duration

	// TickLock, when set, keeps instances from ticking at the same moment.
	// Claims stay the correctness guarantee.
	TickLock    redisclient.Locker
	TickLockKey string

	Now func() time.Time
}

type TickReport struct {
	Skipped   bool // another instance held the tick lock
	Recovered int64
	Claimed   int
	Sent      int
	Failed    int
	Released  int // claimed but handed back to pending on shutdown
}

// Scheduler polls for due reminders and hands them to the gateway. Build it
// with NewScheduler, call Start once and Stop on shutdown.
type Scheduler struct {
	store    Store
	gateway  notify.Gateway
	renderer *notify.Renderer
	cfg      SchedulerConfig
	log      *zap.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(store Store, gateway notify.Gateway, renderer *notify.Renderer, cfg SchedulerConfig, log *zap.Logger, m *metrics.Collector) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 15 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.TickLockKey == "" {
		cfg.TickLockKey = "lock:reminder:tick"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		store:    store,
		gateway:  gateway,
		renderer: renderer,
		cfg:      cfg,
		log:      log.Named("scheduler"),
		metrics:  m,
	}
}

// Start runs a tick immediately and then every Interval until ctx is done
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSchedulerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(runCtx, s.done)

	s.log.Info("reminder scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("concurrency", s.cfg.Concurrency),
	)
	return nil
}

// Stop cancels the loop and waits for the current tick to finish. Sends
// already under way complete; the rest of the batch is released.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("reminder scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("reminder tick failed", zap.Error(err))
		return
	}
	if report.Claimed > 0 || report.Recovered > 0 {
		s.log.Info("reminder tick",
			zap.Int64("recovered", report.Recovered),
			zap.Int("claimed", report.Claimed),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("released", report.Released),
		)
	}
}

// RunOnce performs a single tick: fail stale claims, claim a batch of due
// reminders and deliver them. One delivery failing never affects the rest.
//
// The tick lock only keeps instances from ticking together. The tick itself
// runs on ctx, so a lock TTL shorter than a slow batch never cuts deliveries.
func (s *Scheduler) RunOnce(ctx context.Context) (TickReport, error) {
	if s.cfg.TickLock == nil {
		return s.runTick(ctx)
	}

	var report TickReport
	err := s.cfg.TickLock.WithLock(ctx, s.cfg.TickLockKey, func(context.Context) error {
		var err error
		report, err = s.runTick(ctx)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		s.log.Debug("tick skipped, lock held elsewhere")
		return TickReport{Skipped: true}, nil
	}
	return report, err
}

func (s *Scheduler) runTick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	var report TickReport

	now := s.cfg.Now().UTC()

	recovered, err := s.store.FailStaleClaims(ctx, now.Add(-s.cfg.ClaimTTL), now)
	if err != nil {
		return report, err
	}
	report.Recovered = recovered
	for i := int64(0); i < recovered; i++ {
		s.metrics.ReminderFinished(string(StatusFailed))
	}
	if recovered > 0 {
		s.log.Warn("stale reminder claims failed", zap.Int64("count", recovered))
	}

	claimed, err := s.store.ClaimDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	report.Claimed = len(claimed)

	var sent, failed, released atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range claimed {
		r := claimed[i]
		g.Go(func() error {
			// Once shutdown starts, claims not yet being delivered go back
			// to pending for the next instance.
			if ctx.Err() != nil {
				if s.release(ctx, r) {
					released.Add(1)
				}
				return nil
			}
			if s.deliver(ctx, r) {
				sent.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Sent = int(sent.Load())
	report.Failed = int(failed.Load())
	report.Released = int(released.Load())
	s.metrics.Tick(report.Claimed, time.Since(start))

	if report.Released > 0 {
		s.log.Info("unsent reminder claims released", zap.Int("count", report.Released))
	}
	return report, nil
}

// deliver sends one claimed reminder and records the outcome. It reports
// whether the reminder ended up sent. A send already under way finishes
// even when ctx is cancelled; SendTimeout bounds it.
func (s *Scheduler) deliver(ctx context.Context, r Reminder) bool {
	log := s.log.With(
		zap.String("reminder_id", r.ID.String()),
		zap.String("appointment_id", r.AppointmentID),
	)

	ctx = context.WithoutCancel(ctx)

	sendErr := s.send(ctx, r)
	at := s.cfg.Now().UTC()

	if sendErr != nil {
		log.Warn("reminder delivery failed", zap.Error(sendErr))
		if err := s.store.MarkFailed(ctx, r.ID, at, sendErr.Error()); err != nil {
			log.Error("failed to record reminder failure", zap.Error(err))
		}
		s.metrics.ReminderFinished(string(StatusFailed))
		return false
	}

	if err := s.store.MarkSent(ctx, r.ID, at); err != nil {
		log.Error("failed to record reminder sent", zap.Error(err))
		return false
	}
	s.metrics.ReminderFinished(string(StatusSent))
	log.Info("reminder sent", zap.String("recipient", r.Recipient))
	return true
}

func (s *Scheduler) release(ctx context.Context, r Reminder) bool {
	err := s.store.ReleaseClaim(context.WithoutCancel(ctx), r.ID, s.cfg.Now().UTC())
	if err != nil {
		s.log.Error("failed to release reminder claim",
			zap.String("reminder_id", r.ID.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Scheduler) send(ctx context.Context, r Reminder) error {
	msg, err := s.renderer.Render(notify.KindReminder, r.Payload)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	return s.gateway.Send(sendCtx, r.Recipient, msg)
}
