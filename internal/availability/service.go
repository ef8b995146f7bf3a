package availability

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/apperr"
)

// BookedLister reports the labels held by live appointments on a date.
// The appointment repository satisfies it.
type BookedLister interface {
	BookedLabels(ctx context.Context, providerID string, date time.Time) ([]string, error)
}

type Service struct {
	store  Store
	booked BookedLister
	log    *zap.Logger
}

func NewService(store Store, booked BookedLister, log *zap.Logger) *Service {
	return &Service{
		store:  store,
		booked: booked,
		log:    log.Named("availability"),
	}
}

// SetSlots replaces the labels offered on date. Blank labels are rejected
// and duplicates collapse to their first occurrence. Returns what was stored.
func (s *Service) SetSlots(ctx context.Context, providerID string, date time.Time, labels []string) ([]string, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, apperr.Validation("provider is required")
	}
	if date.IsZero() {
		return nil, apperr.Validation("date is required")
	}
	if len(labels) == 0 {
		return nil, apperr.Validation("at least one slot label is required")
	}

	clean := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for i, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			return nil, apperr.Validation("slot label %d is empty", i)
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		clean = append(clean, l)
	}

	if err := s.store.Upsert(ctx, providerID, date, clean); err != nil {
		return nil, err
	}

	s.log.Debug("slots set",
		zap.String("provider_id", providerID),
		zap.String("date", FormatDate(date)),
		zap.Int("labels", len(clean)),
	)
	return clean, nil
}

// GetSlots never reports a missing date as an error.
func (s *Service) GetSlots(ctx context.Context, providerID string, date time.Time) ([]string, error) {
	labels, err := s.store.Get(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	if labels == nil {
		labels = []string{}
	}
	return labels, nil
}

// IsOffered reports whether label is in the provider's list for date.
func (s *Service) IsOffered(ctx context.Context, providerID string, date time.Time, label string) (bool, error) {
	labels, err := s.store.Get(ctx, providerID, date)
	if err != nil {
		return false, err
	}
	return slices.Contains(labels, label), nil
}

func (s *Service) GetBookedLabels(ctx context.Context, providerID string, date time.Time) ([]string, error) {
	labels, err := s.booked.BookedLabels(ctx, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("booked labels: %w", err)
	}
	if labels == nil {
		labels = []string{}
	}
	slices.Sort(labels)
	return labels, nil
}

// FreeLabels returns offered labels that are not booked, in offered order.
func (s *Service) FreeLabels(ctx context.Context, providerID string, date time.Time) ([]string, error) {
	offered, err := s.GetSlots(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	booked, err := s.GetBookedLabels(ctx, providerID, date)
	if err != nil {
		return nil, err
	}

	free := make([]string, 0, len(offered))
	for _, l := range offered {
		if _, found := slices.BinarySearch(booked, l); !found {
			free = append(free, l)
		}
	}
	return free, nil
}

// GetAvailability lists every date from the given day on, ordered by date.
func (s *Service) GetAvailability(ctx context.Context, providerID string, from time.Time) ([]Day, error) {
	days, err := s.store.ListFrom(ctx, providerID, from)
	if err != nil {
		return nil, err
	}
	return days, nil
}

// GenerateLabels produces "HH:MM" labels from start (inclusive) to end
// (exclusive) every interval minutes.
func GenerateLabels(start, end string, interval int) ([]string, error) {
	if interval <= 0 {
		return nil, apperr.Validation("interval must be a positive number of minutes")
	}
	from, err := time.Parse("15:04", start)
	if err != nil {
		return nil, apperr.Validation("invalid start time %q, expected HH:MM", start)
	}
	to, err := time.Parse("15:04", end)
	if err != nil {
		return nil, apperr.Validation("invalid end time %q, expected HH:MM", end)
	}
	if !from.Before(to) {
		return nil, apperr.Validation("start %s must be before end %s", start, end)
	}

	step := time.Duration(interval) * time.Minute
	var labels []string
	for t := from; t.Before(to); t = t.Add(step) {
		labels = append(labels, t.Format("15:04"))
	}
	return labels, nil
}
