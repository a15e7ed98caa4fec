package shield

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation used in tests and when no
// DATABASE_URL is configured.
type MemoryStore struct {
	mu           sync.RWMutex
	events       map[string]*Event
	enforcements map[string]*Enforcement
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:       make(map[string]*Event),
		enforcements: make(map[string]*Enforcement),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- events ---

func (m *MemoryStore) CreateEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
	return nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ev, ok := m.events[id]; ok {
		return ev, nil
	}
	return nil, ErrEventNotFound
}

func (m *MemoryStore) UpdateEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		return ErrEventNotFound
	}
	m.events[ev.ID] = ev
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, ev := range m.events {
		if f.UserID != "" && ev.UserID != f.UserID {
			continue
		}
		if f.App != "" && ev.App != f.App {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		if f.MinScore > 0 && (!ev.Scored() || *ev.RiskScore < f.MinScore) {
			continue
		}
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ev.CreatedAt.After(f.Until) {
			continue
		}
		if !f.BeforeCreatedAt.IsZero() && !beforeCursor(ev.CreatedAt, ev.ID, f.BeforeCreatedAt, f.BeforeID) {
			continue
		}
		result = append(result, ev)
	}
	sortEventsDesc(result)
	return capEvents(result, f.Limit), nil
}

func (m *MemoryStore) ListUserEvents(ctx context.Context, userID string, since time.Time, limit int) ([]*Event, error) {
	return m.ListEvents(ctx, EventFilter{UserID: userID, Since: since, Limit: limit})
}

func (m *MemoryStore) CountUserEvents(ctx context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ev := range m.events {
		if ev.UserID == userID && !ev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListEventsByDevice(ctx context.Context, deviceID string, since time.Time) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Event
	for _, ev := range m.events {
		if ev.CreatedAt.Before(since) {
			continue
		}
		if dev, ok := ev.ctxString(ctxDeviceID); ok && dev == deviceID {
			result = append(result, ev)
		}
	}
	sortEventsDesc(result)
	return result, nil
}

func (m *MemoryStore) ListActiveUsers(ctx context.Context, since time.Time, minScore float64, limit int) ([]UserApp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var result []UserApp
	for _, ev := range m.events {
		if ev.CreatedAt.Before(since) || !ev.Scored() || *ev.RiskScore < minScore {
			continue
		}
		key := ev.UserID + "\x00" + ev.App
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, UserApp{UserID: ev.UserID, App: ev.App})
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// --- enforcements ---

func (m *MemoryStore) CreateEnforcement(ctx context.Context, e *Enforcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enforcements[e.ID] = e
	return nil
}

func (m *MemoryStore) GetEnforcement(ctx context.Context, id string) (*Enforcement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.enforcements[id]; ok {
		return e, nil
	}
	return nil, ErrEnforcementNotFound
}

func (m *MemoryStore) UpdateEnforcement(ctx context.Context, e *Enforcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enforcements[e.ID]; !ok {
		return ErrEnforcementNotFound
	}
	m.enforcements[e.ID] = e
	return nil
}

func (m *MemoryStore) ListEnforcements(ctx context.Context, f EnforcementFilter) ([]*Enforcement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Enforcement
	for _, e := range m.enforcements {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.App != "" && e.App != f.App {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
			continue
		}
		if !f.BeforeCreatedAt.IsZero() && !beforeCursor(e.CreatedAt, e.ID, f.BeforeCreatedAt, f.BeforeID) {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Enforcement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Enforcement
	for _, e := range m.enforcements {
		if e.Status != EnforcementActive || e.ExpiresAt == nil {
			continue
		}
		if e.ExpiresAt.After(before) {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// --- helpers ---

func sortEventsDesc(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return strings.Compare(events[i].ID, events[j].ID) > 0
		}
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
}

func capEvents(events []*Event, limit int) []*Event {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}

// beforeCursor implements the (created_at, id) keyset comparison used by
// cursor pagination: strictly older rows, ties broken by id.
func beforeCursor(createdAt time.Time, id string, curAt time.Time, curID string) bool {
	if createdAt.Before(curAt) {
		return true
	}
	return createdAt.Equal(curAt) && id < curID
}
