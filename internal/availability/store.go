package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/hams-appointments/internal/db"
)

type Store interface {
	Upsert(ctx context.Context, providerID string, date time.Time, labels []string) error
	// Get returns nil labels when nothing was set for the date.
	Get(ctx context.Context, providerID string, date time.Time) ([]string, error)
	ListFrom(ctx context.Context, providerID string, from time.Time) ([]Day, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Upsert(ctx context.Context, providerID string, date time.Time, labels []string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO provider_availability (provider_id, slot_date, labels, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (provider_id, slot_date) DO UPDATE
		SET labels = EXCLUDED.labels,
		    updated_at = now()
	`, providerID, date, labels)
	if err != nil {
		return fmt.Errorf("upsert availability: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, providerID string, date time.Time) ([]string, error) {
	var labels []string
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT labels
		FROM provider_availability
		WHERE provider_id = $1 AND slot_date = $2
	`, providerID, date).Scan(&labels)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get availability: %w", err)
	}
	return labels, nil
}

func (s *PgStore) ListFrom(ctx context.Context, providerID string, from time.Time) ([]Day, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT provider_id, slot_date, labels, updated_at
		FROM provider_availability
		WHERE provider_id = $1 AND slot_date >= $2
		ORDER BY slot_date
	`, providerID, from)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	defer rows.Close()

	var result []Day
	for rows.Next() {
		var d Day
		if err := rows.Scan(&d.ProviderID, &d.Date, &d.Labels, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan availability: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}

	return result, nil
}
