package shield

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedEvent(t *testing.T, store *MemoryStore, id, userID, app string, typ EventType, score float64, at time.Time, ctxFields map[string]any) *Event {
	t.Helper()
	ev := &Event{
		ID:        id,
		UserID:    userID,
		App:       app,
		Type:      typ,
		Context:   ctxFields,
		RiskScore: &score,
		Status:    InvestigationPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := store.CreateEvent(context.Background(), ev); err != nil {
		t.Fatalf("CreateEvent(%s): %v", id, err)
	}
	return ev
}

func TestMemoryStore_EventCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.GetEvent(ctx, "evt_missing"); err != ErrEventNotFound {
		t.Errorf("GetEvent missing: err = %v, want ErrEventNotFound", err)
	}
	if err := store.UpdateEvent(ctx, &Event{ID: "evt_missing"}); err != ErrEventNotFound {
		t.Errorf("UpdateEvent missing: err = %v, want ErrEventNotFound", err)
	}

	ev := seedEvent(t, store, "evt_1", "u1", "final10", EventFraudSignal, 0.9, time.Now(), nil)
	got, err := store.GetEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.UserID != ev.UserID || got.Type != ev.Type {
		t.Errorf("got %+v, want %+v", got, ev)
	}

	ev.Status = InvestigationResolved
	if err := store.UpdateEvent(ctx, ev); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	got, _ = store.GetEvent(ctx, "evt_1")
	if got.Status != InvestigationResolved {
		t.Errorf("status = %q, want resolved", got.Status)
	}
}

func TestMemoryStore_ListEventsFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	seedEvent(t, store, "evt_a", "u1", "final10", EventFraudSignal, 0.9, base, nil)
	seedEvent(t, store, "evt_b", "u1", "ftw", EventUserReport, 0.7, base.Add(time.Hour), nil)
	seedEvent(t, store, "evt_c", "u2", "final10", EventFraudSignal, 0.4, base.Add(2*time.Hour), nil)

	tests := []struct {
		name    string
		filter  EventFilter
		wantIDs []string
	}{
		{"by user", EventFilter{UserID: "u1"}, []string{"evt_b", "evt_a"}},
		{"by app", EventFilter{App: "final10"}, []string{"evt_c", "evt_a"}},
		{"by type", EventFilter{Type: EventUserReport}, []string{"evt_b"}},
		{"by min score", EventFilter{MinScore: 0.8}, []string{"evt_a"}},
		{"by since", EventFilter{Since: base.Add(30 * time.Minute)}, []string{"evt_c", "evt_b"}},
		{"by until", EventFilter{Until: base.Add(30 * time.Minute)}, []string{"evt_a"}},
		{"limit", EventFilter{Limit: 2}, []string{"evt_c", "evt_b"}},
		{"no match", EventFilter{UserID: "u9"}, nil},
	}
	for _, tt := range tests {
		got, err := store.ListEvents(ctx, tt.filter)
		if err != nil {
			t.Fatalf("%s: ListEvents: %v", tt.name, err)
		}
		if len(got) != len(tt.wantIDs) {
			t.Errorf("%s: got %d events, want %d", tt.name, len(got), len(tt.wantIDs))
			continue
		}
		for i, id := range tt.wantIDs {
			if got[i].ID != id {
				t.Errorf("%s: events[%d] = %s, want %s", tt.name, i, got[i].ID, id)
			}
		}
	}
}

func TestMemoryStore_CursorPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seedEvent(t, store, fmt.Sprintf("evt_%d", i), "u1", "final10",
			EventFraudSignal, 0.9, base.Add(time.Duration(i)*time.Minute), nil)
	}

	page1, err := store.ListEvents(ctx, EventFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != "evt_4" || page1[1].ID != "evt_3" {
		t.Fatalf("page1 = %v", ids(page1))
	}

	last := page1[len(page1)-1]
	page2, err := store.ListEvents(ctx, EventFilter{
		Limit:           2,
		BeforeCreatedAt: last.CreatedAt,
		BeforeID:        last.ID,
	})
	if err != nil {
		t.Fatalf("ListEvents page2: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != "evt_2" || page2[1].ID != "evt_1" {
		t.Errorf("page2 = %v", ids(page2))
	}

	// Cursor ties on created_at break by id.
	seedEvent(t, store, "evt_3a", "u1", "final10", EventFraudSignal, 0.9, base.Add(3*time.Minute), nil)
	tied, err := store.ListEvents(ctx, EventFilter{
		BeforeCreatedAt: base.Add(3 * time.Minute),
		BeforeID:        "evt_3a",
	})
	if err != nil {
		t.Fatalf("ListEvents tied: %v", err)
	}
	for _, ev := range tied {
		if ev.ID == "evt_3a" {
			t.Error("cursor row itself returned")
		}
		if ev.ID == "evt_4" {
			t.Error("row newer than cursor returned")
		}
	}
}

func ids(events []*Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestMemoryStore_CountUserEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	seedEvent(t, store, "evt_old", "u1", "final10", EventFraudSignal, 0.9, base.Add(-2*time.Hour), nil)
	seedEvent(t, store, "evt_new", "u1", "final10", EventFraudSignal, 0.9, base, nil)
	seedEvent(t, store, "evt_other", "u2", "final10", EventFraudSignal, 0.9, base, nil)

	n, err := store.CountUserEvents(ctx, "u1", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountUserEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestMemoryStore_ListEventsByDevice(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	seedEvent(t, store, "evt_1", "u1", "final10", EventDeviceReuse, 0.9, base, map[string]any{"device_id": "dev-1"})
	seedEvent(t, store, "evt_2", "u2", "final10", EventDeviceReuse, 0.9, base, map[string]any{"device_id": "dev-1"})
	seedEvent(t, store, "evt_3", "u3", "final10", EventDeviceReuse, 0.9, base, map[string]any{"device_id": "dev-2"})
	seedEvent(t, store, "evt_4", "u4", "final10", EventDeviceReuse, 0.9, base.Add(-48*time.Hour), map[string]any{"device_id": "dev-1"})
	seedEvent(t, store, "evt_5", "u5", "final10", EventFraudSignal, 0.9, base, nil)

	got, err := store.ListEventsByDevice(ctx, "dev-1", base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListEventsByDevice: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (old and other-device rows excluded)", len(got))
	}
	for _, ev := range got {
		if dev, _ := ev.ctxString("device_id"); dev != "dev-1" {
			t.Errorf("event %s has device %q", ev.ID, dev)
		}
	}
}

func TestMemoryStore_ListActiveUsers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	seedEvent(t, store, "evt_1", "u1", "final10", EventFraudSignal, 0.9, base, nil)
	seedEvent(t, store, "evt_2", "u1", "final10", EventFraudSignal, 0.8, base, nil) // duplicate pair
	seedEvent(t, store, "evt_3", "u1", "ftw", EventFraudSignal, 0.7, base, nil)     // same user, other app
	seedEvent(t, store, "evt_4", "u2", "final10", EventUserReport, 0.3, base, nil)  // below min score
	seedEvent(t, store, "evt_5", "u3", "final10", EventFraudSignal, 0.9, base.Add(-2*time.Hour), nil)

	got, err := store.ListActiveUsers(ctx, base.Add(-time.Hour), 0.6, 100)
	if err != nil {
		t.Fatalf("ListActiveUsers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d pairs, want 2: %v", len(got), got)
	}
	pairs := make(map[string]bool)
	for _, ua := range got {
		pairs[ua.UserID+"/"+ua.App] = true
	}
	if !pairs["u1/final10"] || !pairs["u1/ftw"] {
		t.Errorf("pairs = %v, want u1/final10 and u1/ftw", pairs)
	}
}

func TestMemoryStore_ListExpiring(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(id string, status EnforcementStatus, expires *time.Time) {
		if err := store.CreateEnforcement(ctx, &Enforcement{ID: id, Status: status, ExpiresAt: expires}); err != nil {
			t.Fatalf("CreateEnforcement(%s): %v", id, err)
		}
	}
	mk("enf_due", EnforcementActive, &past)
	mk("enf_later", EnforcementActive, &future)
	mk("enf_indefinite", EnforcementActive, nil)
	mk("enf_done", EnforcementCompleted, &past)

	got, err := store.ListExpiring(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiring: %v", err)
	}
	if len(got) != 1 || got[0].ID != "enf_due" {
		t.Errorf("expiring = %v, want just enf_due", got)
	}
}

func TestMemoryStore_ListEnforcementsFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	mk := func(id, userID, app string, action Action, status EnforcementStatus, at time.Time) {
		if err := store.CreateEnforcement(ctx, &Enforcement{
			ID: id, UserID: userID, App: app, Action: action, Status: status, CreatedAt: at,
		}); err != nil {
			t.Fatalf("CreateEnforcement(%s): %v", id, err)
		}
	}
	mk("enf_1", "u1", "final10", ActionAutoBlock, EnforcementActive, base)
	mk("enf_2", "u1", "ftw", ActionTempSuspend, EnforcementOverridden, base.Add(time.Hour))
	mk("enf_3", "u2", "final10", ActionAutoBlock, EnforcementActive, base.Add(2*time.Hour))

	got, err := store.ListEnforcements(ctx, EnforcementFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListEnforcements: %v", err)
	}
	if len(got) != 2 || got[0].ID != "enf_2" || got[1].ID != "enf_1" {
		t.Errorf("by user: got %+v", got)
	}

	got, _ = store.ListEnforcements(ctx, EnforcementFilter{Action: ActionAutoBlock, Status: EnforcementActive})
	if len(got) != 2 {
		t.Errorf("by action+status: got %d, want 2", len(got))
	}

	got, _ = store.ListEnforcements(ctx, EnforcementFilter{App: "ftw"})
	if len(got) != 1 || got[0].ID != "enf_2" {
		t.Errorf("by app: got %+v", got)
	}
}
