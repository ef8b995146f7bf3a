package availability

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and the simulator.
type MemoryStore struct {
	mu   sync.RWMutex
	days map[string]map[time.Time]Day
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		days: make(map[string]map[time.Time]Day),
		now:  time.Now,
	}
}

func (m *MemoryStore) Upsert(_ context.Context, providerID string, date time.Time, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byDate, ok := m.days[providerID]
	if !ok {
		byDate = make(map[time.Time]Day)
		m.days[providerID] = byDate
	}
	byDate[date] = Day{
		ProviderID: providerID,
		Date:       date,
		Labels:     slices.Clone(labels),
		UpdatedAt:  m.now(),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, providerID string, date time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.days[providerID][date]
	if !ok {
		return nil, nil
	}
	return slices.Clone(d.Labels), nil
}

func (m *MemoryStore) ListFrom(_ context.Context, providerID string, from time.Time) ([]Day, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Day
	for date, d := range m.days[providerID] {
		if date.Before(from) {
			continue
		}
		d.Labels = slices.Clone(d.Labels)
		result = append(result, d)
	}
	slices.SortFunc(result, func(a, b Day) int { return a.Date.Compare(b.Date) })
	return result, nil
}
