package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/final10/savvyshield/internal/shield"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func decisionEvent(app, action string, score float64) *Event {
	return &Event{
		Type:      EventDecision,
		Timestamp: time.Now(),
		Data: DecisionData{
			EventID:   "evt_test",
			UserID:    "user_1",
			App:       app,
			Action:    action,
			RiskScore: score,
		},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, decisionEvent("final10-arcade", "observe", 0.2)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_AppFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Apps: []string{"final10-arcade"},
	}}

	if !h.shouldSend(client, decisionEvent("final10-arcade", "observe", 0.2)) {
		t.Error("Should receive events for subscribed app")
	}
	if h.shouldSend(client, decisionEvent("final10-trivia", "observe", 0.2)) {
		t.Error("Should NOT receive events for other apps")
	}
}

func TestShouldSend_ActionFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Actions: []string{"auto_block", "temp_suspend"},
	}}

	if !h.shouldSend(client, decisionEvent("app", "auto_block", 0.95)) {
		t.Error("Should receive auto_block decisions")
	}
	if h.shouldSend(client, decisionEvent("app", "observe", 0.2)) {
		t.Error("Should NOT receive observe decisions")
	}
}

func TestShouldSend_MinScoreFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinScore: 0.75,
	}}

	if !h.shouldSend(client, decisionEvent("app", "auto_block", 0.9)) {
		t.Error("Should receive high-score decision")
	}
	if h.shouldSend(client, decisionEvent("app", "observe", 0.4)) {
		t.Error("Should NOT receive low-score decision")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, decisionEvent("app", "observe", 0.1)) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonDecisionData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Apps: []string{"final10-arcade"},
	}}

	// Event with unexpected data should not crash
	event := &Event{
		Type: EventDecision,
		Data: "string data not a decision",
	}

	// Filters skip unknown payloads, so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Unknown payload should pass through when filters cannot inspect it")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(decisionEvent("app", "observe", 0.3))
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(decisionEvent("app", "auto_block", 0.95))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_PublishDecision(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	score := 0.92
	h.PublishDecision(
		&shield.Event{ID: "evt_1", UserID: "user_1", App: "final10-arcade", RiskScore: &score},
		&shield.Decision{Action: shield.ActionAutoBlock, Reasoning: "test"},
		"enf_1",
	)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants actionable decisions
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Actions: []string{"auto_block"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an observe decision (should be filtered out)
	h.Broadcast(decisionEvent("app", "observe", 0.2))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive observe decision")
	default:
		// Good - filtered out
	}

	// Send an auto_block decision (should be received)
	h.Broadcast(decisionEvent("app", "auto_block", 0.95))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive auto_block decision")
	}
}
