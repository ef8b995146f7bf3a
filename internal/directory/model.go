package directory

import (
	"time"

	"github.com/hackgods/hams-appointments/internal/apperr"
)

var (
	ErrPatientNotFound  = apperr.New(apperr.KindNotFound, "patient not found")
	ErrProviderNotFound = apperr.New(apperr.KindNotFound, "provider not found")
)

type Patient struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Provider struct {
	ID        string
	Name      string
	Email     string
	Specialty *string
	Location  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LocationOr returns the provider's clinic location or fallback when unset.
func (p *Provider) LocationOr(fallback string) string {
	if p == nil || p.Location == nil || *p.Location == "" {
		return fallback
	}
	return *p.Location
}
