package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/hams-appointments/internal/db"
)

// Directory resolves contact data for the identities the booking core
// stores as opaque strings.
type Directory interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
	GetProvider(ctx context.Context, id string) (*Provider, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Specialty,
		&p.Location,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	return &p, nil
}

func (r *PgRepository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetProvider(ctx context.Context, id string) (*Provider, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, name, email, specialty, location, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

// UpsertPatient is used by the seeder.
func (r *PgRepository) UpsertPatient(ctx context.Context, p Patient) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patients (id, name, email, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, updated_at = now()
	`, p.ID, p.Name, p.Email)
	if err != nil {
		return fmt.Errorf("upsert patient %s: %w", p.ID, err)
	}
	return nil
}

// UpsertProvider is used by the seeder.
func (r *PgRepository) UpsertProvider(ctx context.Context, p Provider) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO providers (id, name, email, specialty, location, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    email = EXCLUDED.email,
		    specialty = EXCLUDED.specialty,
		    location = EXCLUDED.location,
		    updated_at = now()
	`, p.ID, p.Name, p.Email, p.Specialty, p.Location)
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	return nil
}
