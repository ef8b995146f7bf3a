package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hackgods/hams-appointments/internal/api"
	"github.com/hackgods/hams-appointments/internal/appointment"
	"github.com/hackgods/hams-appointments/internal/auth"
	"github.com/hackgods/hams-appointments/internal/availability"
	"github.com/hackgods/hams-appointments/internal/config"
	"github.com/hackgods/hams-appointments/internal/db"
	"github.com/hackgods/hams-appointments/internal/logger"
)

type simOptions struct {
	baseURL      string
	duration     time.Duration
	workers      int
	rps          float64
	bookRatio    float64
	respondRatio float64
	patientLimit int
	hotSlots     int // 0 spreads bookings over every published slot
}

// target is one bookable slot.
type target struct {
	providerID string
	date       string
	slot       string
}

type booked struct {
	id         string
	providerID string
}

type dataPool struct {
	patients []string
	targets  []target
	tokens   map[string]string // user id -> bearer token

	mu     sync.RWMutex
	booked []booked
}

func (p *dataPool) add(b booked) {
	p.mu.Lock()
	p.booked = append(p.booked, b)
	p.mu.Unlock()
}

func (p *dataPool) randomBooked(rng *rand.Rand) (booked, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.booked) == 0 {
		return booked{}, false
	}
	return p.booked[rng.Intn(len(p.booked))], true
}

type opStats struct {
	total     atomic.Int64
	success   atomic.Int64
	conflict  atomic.Int64
	failed    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (s *opStats) record(d time.Duration, status int) {
	s.total.Add(1)
	switch {
	case status >= 200 && status < 300:
		s.success.Add(1)
	case status == http.StatusConflict:
		s.conflict.Add(1)
	default:
		s.failed.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

// percentile expects q in [0, 100].
func (s *opStats) percentile(q int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := min(len(sorted)*q/100, len(sorted)-1)
	return sorted[idx]
}

type simulator struct {
	opts    simOptions
	data    *dataPool
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger

	book    opStats
	respond opStats
	read    opStats
}

func main() {
	var opts simOptions
	flag.StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "api-server base URL")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to generate load")
	flag.IntVar(&opts.workers, "workers", 10, "concurrent clients")
	flag.Float64Var(&opts.rps, "rps", 0, "overall request rate cap, 0 for none")
	flag.Float64Var(&opts.bookRatio, "book", 0.6, "share of operations that book")
	flag.Float64Var(&opts.respondRatio, "respond", 0.2, "share of operations where a provider answers a request")
	flag.IntVar(&opts.patientLimit, "patients", 200, "patients to act as")
	flag.IntVar(&opts.hotSlots, "hot-slots", 20, "restrict bookings to this many slots to force contention")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	doubles, err := run(cfg, opts, log)
	if err != nil {
		log.Fatal("simulation failed", zap.Error(err))
	}
	if doubles > 0 {
		log.Error("double bookings detected", zap.Int("slots", doubles))
		os.Exit(2)
	}
}

func run(cfg config.Config, opts simOptions, log *zap.Logger) (int, error) {
	if opts.workers <= 0 || opts.duration <= 0 {
		return 0, fmt.Errorf("workers and duration must be positive")
	}
	loc, err := cfg.Location()
	if err != nil {
		return 0, err
	}

	ctx := context.Background()
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(loadCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4, ApplicationName: "hams-simulate"})
	if err != nil {
		return 0, err
	}
	defer pool.Close()

	data, err := loadDataPool(loadCtx, pool, opts, loc)
	if err != nil {
		return 0, err
	}
	if err := mintTokens(data, auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer), opts.duration+time.Hour); err != nil {
		return 0, err
	}
	log.Info("data loaded", zap.Int("patients", len(data.patients)), zap.Int("targets", len(data.targets)))

	sim := &simulator{
		opts:   opts,
		data:   data,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
	if opts.rps > 0 {
		sim.limiter = rate.NewLimiter(rate.Limit(opts.rps), max(1, int(opts.rps)))
	}

	sim.run(ctx)
	sim.report()

	return detectDoubleBookings(ctx, pool, log)
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, opts simOptions, loc *time.Location) (*dataPool, error) {
	data := &dataPool{tokens: make(map[string]string)}

	rows, err := pool.Query(ctx, `SELECT id FROM patients ORDER BY id LIMIT $1`, opts.patientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		data.patients = append(data.patients, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var providers []string
	rows, err = pool.Query(ctx, `SELECT id FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		providers = append(providers, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	store := availability.NewPgStore(pool)
	for _, p := range providers {
		days, err := store.ListFrom(ctx, p, availability.DateOf(now, loc))
		if err != nil {
			return nil, err
		}
		for _, d := range days {
			for _, label := range d.Labels {
				if !availability.SlotStart(d.Date, label, loc).After(now) {
					continue
				}
				data.targets = append(data.targets, target{providerID: p, date: availability.FormatDate(d.Date), slot: label})
			}
		}
	}

	if len(data.patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run the seeder first")
	}
	if len(data.targets) == 0 {
		return nil, fmt.Errorf("no future slots published, run the seeder first")
	}
	if opts.hotSlots > 0 && opts.hotSlots < len(data.targets) {
		data.targets = data.targets[:opts.hotSlots]
	}
	for _, t := range data.targets {
		data.tokens[t.providerID] = ""
	}
	return data, nil
}

func mintTokens(data *dataPool, v *auth.Verifier, ttl time.Duration) error {
	for id := range data.tokens {
		tok, err := v.Issue(auth.Identity{ID: id, Role: appointment.RoleProvider}, ttl)
		if err != nil {
			return err
		}
		data.tokens[id] = tok
	}
	for _, id := range data.patients {
		tok, err := v.Issue(auth.Identity{ID: id, Role: appointment.RolePatient}, ttl)
		if err != nil {
			return err
		}
		data.tokens[id] = tok
	}
	return nil
}

func (s *simulator) run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.opts.duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.opts.duration), zap.Int("workers", s.opts.workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.workers; i++ {
		seed := time.Now().UnixNano() + int64(i)
		g.Go(func() error {
			s.worker(ctx, rand.New(rand.NewSource(seed)))
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info("simulation complete")
}

func (s *simulator) worker(ctx context.Context, rng *rand.Rand) {
	for ctx.Err() == nil {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		r := rng.Float64()
		switch {
		case r < s.opts.bookRatio:
			s.doBook(ctx, rng)
		case r < s.opts.bookRatio+s.opts.respondRatio:
			s.doRespond(ctx, rng)
		default:
			s.doRead(ctx, rng)
		}
	}
}

func (s *simulator) doBook(ctx context.Context, rng *rand.Rand) {
	t := s.data.targets[rng.Intn(len(s.data.targets))]
	patient := s.data.patients[rng.Intn(len(s.data.patients))]

	var out api.MutationResponse
	status, d, err := s.call(ctx, http.MethodPost, "/appointments", patient, api.BookRequest{
		ProviderID: t.providerID,
		Date:       t.date,
		Slot:       t.slot,
		Reason:     "load test",
	}, &out)
	if err != nil {
		return
	}
	s.book.record(d, status)
	if status == http.StatusCreated {
		s.data.add(booked{id: out.Appointment.ID, providerID: t.providerID})
	}
}

func (s *simulator) doRespond(ctx context.Context, rng *rand.Rand) {
	b, ok := s.data.randomBooked(rng)
	if !ok {
		return
	}
	action := "accept"
	if rng.Intn(4) == 0 {
		action = "reject"
	}
	status, d, err := s.call(ctx, http.MethodPost, "/appointments/"+b.id+"/respond", b.providerID,
		api.DecisionRequest{Action: action, Reason: "schedule changed"}, nil)
	if err != nil {
		return
	}
	s.respond.record(d, status)
}

func (s *simulator) doRead(ctx context.Context, rng *rand.Rand) {
	if b, ok := s.data.randomBooked(rng); ok && rng.Intn(2) == 0 {
		status, d, err := s.call(ctx, http.MethodGet, "/appointments/"+b.id, b.providerID, nil, nil)
		if err == nil {
			s.read.record(d, status)
		}
		return
	}
	patient := s.data.patients[rng.Intn(len(s.data.patients))]
	status, d, err := s.call(ctx, http.MethodGet, "/appointments?limit=20", patient, nil, nil)
	if err == nil {
		s.read.record(d, status)
	}
}

// call returns an error only when no response came back, for example when
// the run deadline cut the request short.
func (s *simulator) call(ctx context.Context, method, path, as string, body, out any) (int, time.Duration, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.opts.baseURL+path, &buf)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.data.tokens[as])

	start := time.Now()
	resp, err := s.client.Do(req)
	d := time.Since(start)
	if err != nil {
		return 0, d, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.log.Warn("decode response", zap.String("path", path), zap.Error(err))
		}
	}
	return resp.StatusCode, d, nil
}

func (s *simulator) report() {
	fmt.Println("\n" + strings.Repeat("=", 72))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("Duration: %s  Workers: %d  Targets: %d\n\n", s.opts.duration, s.opts.workers, len(s.data.targets))

	printStats("Book", &s.book)
	printStats("Respond", &s.respond)
	printStats("Read", &s.read)
}

func printStats(name string, st *opStats) {
	total := st.total.Load()
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", st.success.Load(), pct(st.success.Load()))
	if c := st.conflict.Load(); c > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", c, pct(c))
	}
	if f := st.failed.Load(); f > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", f, pct(f))
	}
	fmt.Printf("  Latency: p50=%s p95=%s p99=%s\n\n",
		st.percentile(50).Round(time.Millisecond),
		st.percentile(95).Round(time.Millisecond),
		st.percentile(99).Round(time.Millisecond),
	)
}

// detectDoubleBookings returns how many slots hold more than one live
// appointment. Anything above zero is a bug.
func detectDoubleBookings(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) (int, error) {
	rows, err := pool.Query(ctx, `
		SELECT provider_id, appt_date, slot, COUNT(*)
		FROM appointments
		WHERE status NOT IN ($1, $2)
		GROUP BY provider_id, appt_date, slot
		HAVING COUNT(*) > 1
	`, string(appointment.StatusRejected), string(appointment.StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("double booking check: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			providerID, slot string
			date             time.Time
			count            int64
		)
		if err := rows.Scan(&providerID, &date, &slot, &count); err != nil {
			return n, err
		}
		n++
		log.Error("slot double booked",
			zap.String("provider_id", providerID),
			zap.String("date", availability.FormatDate(date)),
			zap.String("slot", slot),
			zap.Int64("live_appointments", count),
		)
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	fmt.Printf("Double booked slots: %d\n", n)
	return n, nil
}
