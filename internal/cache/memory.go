package cache

import (
	"context"
	"sync"
	"time"

	"billbook/internal/domain"
)

// Memory is a process-local overview cache for single-instance deployments
// (SQLite or in-memory stores).
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	shops map[string]*memoryShop
}

type memoryShop struct {
	version int64
	days    map[string]memoryEntry
}

type memoryEntry struct {
	overview  domain.Overview
	expiresAt time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Memory{ttl: ttl, now: time.Now, shops: make(map[string]*memoryShop)}
}

func (m *Memory) shop(shopID string) *memoryShop {
	s, ok := m.shops[shopID]
	if !ok {
		s = &memoryShop{days: make(map[string]memoryEntry)}
		m.shops[shopID] = s
	}
	return s
}

func (m *Memory) GetOverview(_ context.Context, shopID string, localDate string) (OverviewEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.shop(shopID)
	entry := OverviewEntry{Version: s.version}
	cached, ok := s.days[localDate]
	if !ok {
		return entry, nil
	}
	if !m.now().Before(cached.expiresAt) {
		delete(s.days, localDate)
		return entry, nil
	}
	overview := cached.overview
	entry.Overview = &overview
	return entry, nil
}

func (m *Memory) SetOverview(_ context.Context, shopID string, localDate string, version int64, overview domain.Overview) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.shop(shopID)
	if s.version != version {
		return ErrStale
	}
	s.days[localDate] = memoryEntry{overview: overview, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) InvalidateShop(_ context.Context, shopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.shop(shopID)
	s.version++
	clear(s.days)
	return nil
}
