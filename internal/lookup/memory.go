package lookup

import (
	"context"
	"sync"
)

// Memory implements every lookup from in-process maps. It is used for local
// runs without DATABASE_URL and in tests.
type Memory struct {
	mu        sync.RWMutex
	profiles  map[string]Profile
	merchants map[string]Merchant
	scores    map[string]float64
	devices   map[string]map[string]bool
}

// NewMemory creates an empty in-memory lookup set.
func NewMemory() *Memory {
	return &Memory{
		profiles:  make(map[string]Profile),
		merchants: make(map[string]Merchant),
		scores:    make(map[string]float64),
		devices:   make(map[string]map[string]bool),
	}
}

func (m *Memory) PutProfile(p Profile) {
	m.mu.Lock()
	m.profiles[p.UserID] = p
	m.mu.Unlock()
}

func (m *Memory) PutMerchant(mc Merchant) {
	m.mu.Lock()
	m.merchants[mc.ID] = mc
	m.mu.Unlock()
}

func (m *Memory) PutFraudScore(userID string, score float64) {
	m.mu.Lock()
	m.scores[userID] = score
	m.mu.Unlock()
}

func (m *Memory) PutDevice(userID, fingerprint string) {
	m.mu.Lock()
	if m.devices[userID] == nil {
		m.devices[userID] = make(map[string]bool)
	}
	m.devices[userID][fingerprint] = true
	m.mu.Unlock()
}

func (m *Memory) Profile(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) Merchant(_ context.Context, merchantID string) (*Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.merchants[merchantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &mc, nil
}

func (m *Memory) PriorFraudScore(_ context.Context, userID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return s, nil
}

func (m *Memory) KnownDevice(_ context.Context, userID, fingerprint string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[userID][fingerprint], nil
}
