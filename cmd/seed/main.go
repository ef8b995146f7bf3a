package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/appointment"
	"github.com/hackgods/hams-appointments/internal/auth"
	"github.com/hackgods/hams-appointments/internal/availability"
	"github.com/hackgods/hams-appointments/internal/config"
	"github.com/hackgods/hams-appointments/internal/db"
	"github.com/hackgods/hams-appointments/internal/directory"
	"github.com/hackgods/hams-appointments/internal/logger"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type seedOptions struct {
	providers int
	patients  int
	days      int
	dayStart  string
	dayEnd    string
	interval  int
	tokenTTL  time.Duration
}

func main() {
	var opts seedOptions
	flag.IntVar(&opts.providers, "providers", 20, "providers to create")
	flag.IntVar(&opts.patients, "patients", 500, "patients to create")
	flag.IntVar(&opts.days, "days", 14, "days of availability to publish per provider, starting today")
	flag.StringVar(&opts.dayStart, "day-start", "09:00", "first slot of each day")
	flag.StringVar(&opts.dayEnd, "day-end", "17:00", "end of each day, exclusive")
	flag.IntVar(&opts.interval, "interval", 30, "slot length in minutes")
	flag.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the sample tokens printed at the end")
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

	if err := run(cfg, opts, log); err != nil {
		log.Fatal("seed failed", zap.Error(err))
	}
	log.Info("seed complete")
}

func run(cfg config.Config, opts seedOptions, log *zap.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	labels, err := availability.GenerateLabels(opts.dayStart, opts.dayEnd, opts.interval)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "hams-seed"})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, log); err != nil {
		return err
	}

	dir := directory.NewPgRepository(pool)
	slots := availability.NewService(availability.NewPgStore(pool), appointment.NewPgRepository(pool), log)
	tx := db.NewTransactor(pool)

	faker := gofakeit.New(0)

	log.Info("seeding providers", zap.Int("count", opts.providers), zap.Int("days", opts.days), zap.Int("slots_per_day", len(labels)))
	today := availability.DateOf(time.Now(), loc)
	for i := 1; i <= opts.providers; i++ {
		p := fakeProvider(faker, i)
		err := tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := dir.UpsertProvider(ctx, p); err != nil {
				return err
			}
			for d := 0; d < opts.days; d++ {
				if _, err := slots.SetSlots(ctx, p.ID, today.AddDate(0, 0, d), labels); err != nil {
					return fmt.Errorf("slots for %s: %w", p.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	const batchSize = 500
	log.Info("seeding patients", zap.Int("count", opts.patients))
	for offset := 0; offset < opts.patients; offset += batchSize {
		end := min(offset+batchSize, opts.patients)
		err := tx.WithinTx(ctx, func(ctx context.Context) error {
			for i := offset + 1; i <= end; i++ {
				if err := dir.UpsertPatient(ctx, fakePatient(faker, i)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", opts.patients))
	}

	return printSampleTokens(cfg, opts)
}

func fakeProvider(f *gofakeit.Faker, n int) directory.Provider {
	specialty := specialties[f.Number(0, len(specialties)-1)]
	location := fmt.Sprintf("%s, %s", f.Street(), f.City())
	return directory.Provider{
		ID:        providerID(n),
		Name:      "Dr. " + f.LastName(),
		Email:     f.Email(),
		Specialty: &specialty,
		Location:  &location,
	}
}

func fakePatient(f *gofakeit.Faker, n int) directory.Patient {
	return directory.Patient{
		ID:    patientID(n),
		Name:  f.Name(),
		Email: f.Email(),
	}
}

// providerID and patientID are stable so re-running the seeder updates
// rows instead of piling up new ones.
func providerID(n int) string { return fmt.Sprintf("prv_%04d", n) }
func patientID(n int) string  { return fmt.Sprintf("pat_%06d", n) }

func printSampleTokens(cfg config.Config, opts seedOptions) error {
	if opts.providers == 0 || opts.patients == 0 {
		return nil
	}
	v := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	patient, err := v.Issue(auth.Identity{ID: patientID(1), Role: appointment.RolePatient}, opts.tokenTTL)
	if err != nil {
		return err
	}
	provider, err := v.Issue(auth.Identity{ID: providerID(1), Role: appointment.RoleProvider}, opts.tokenTTL)
	if err != nil {
		return err
	}

	fmt.Printf("patient %s token:\n%s\n\n", patientID(1), patient)
	fmt.Printf("provider %s token:\n%s\n", providerID(1), provider)
	return nil
}
