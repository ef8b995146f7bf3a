package directory

import (
	"context"
	"sync"
)

// Memory is an in-process Directory used by tests and the simulator.
type Memory struct {
	mu        sync.RWMutex
	patients  map[string]Patient
	providers map[string]Provider
}

func NewMemory() *Memory {
	return &Memory{
		patients:  make(map[string]Patient),
		providers: make(map[string]Provider),
	}
}

func (m *Memory) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *Memory) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
}

func (m *Memory) GetPatient(_ context.Context, id string) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *Memory) GetProvider(_ context.Context, id string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}
