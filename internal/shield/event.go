// Package shield implements the SavvyShield risk pipeline: signal ingestion,
// heuristic risk scoring, tier-aware enforcement decisions, and the
// human-review workflow around them.
//
// The package is split into a pure decision core (scoring.go, decision.go)
// and thin persistence adapters (memory_store.go, postgres_store.go) so the
// decision logic is testable without a database.
package shield

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEventNotFound       = errors.New("shield event not found")
	ErrEnforcementNotFound = errors.New("shield enforcement not found")
	ErrInvalidStatus       = errors.New("invalid status for this operation")
)

// EventType classifies an observed risk signal.
type EventType string

const (
	EventFraudSignal       EventType = "fraud_signal"
	EventCheatSignal       EventType = "cheat_signal"
	EventUserReport        EventType = "user_report"
	EventPaymentRisk       EventType = "payment_risk"
	EventBehavioralAnomaly EventType = "behavioral_anomaly"
	EventDeviceReuse       EventType = "device_reuse"
	EventVelocitySpike     EventType = "velocity_spike"
	EventImpossibleTravel  EventType = "impossible_travel"
	EventBotDetection      EventType = "bot_detection"
	EventChargebackSignal  EventType = "chargeback_signal"
	EventIPReputation      EventType = "ip_reputation"
	EventWinRateAnomaly    EventType = "win_rate_anomaly"
	EventProactive         EventType = "proactive_investigation"
)

// knownEventTypes is the closed set accepted on ingest. Unknown types are
// still stored (they score with the unknown-type weight) so new client
// instrumentation never loses signal.
var knownEventTypes = map[EventType]bool{
	EventFraudSignal: true, EventCheatSignal: true, EventUserReport: true,
	EventPaymentRisk: true, EventBehavioralAnomaly: true, EventDeviceReuse: true,
	EventVelocitySpike: true, EventImpossibleTravel: true, EventBotDetection: true,
	EventChargebackSignal: true, EventIPReputation: true, EventWinRateAnomaly: true,
	EventProactive: true,
}

// Known reports whether t is one of the documented event types.
func (t EventType) Known() bool { return knownEventTypes[t] }

// InvestigationStatus is the lifecycle state of an event.
type InvestigationStatus string

const (
	InvestigationPending       InvestigationStatus = "pending"
	InvestigationInvestigating InvestigationStatus = "investigating"
	InvestigationResolved      InvestigationStatus = "resolved"
	InvestigationEscalated     InvestigationStatus = "escalated"
)

// Event is a single observed risk signal for a user. Events are append-only:
// the risk score is set once by the decision path and investigation status
// moves forward, but records are never deleted.
type Event struct {
	ID          string              `json:"id"`
	UserID      string              `json:"savvyUserId"`
	App         string              `json:"app"`
	Level       string              `json:"level"` // membership level at event time
	Type        EventType           `json:"type"`
	Context     map[string]any      `json:"context,omitempty"`
	RiskScore   *float64            `json:"riskScore,omitempty"` // nil until scored
	RiskFactors []string            `json:"riskFactors,omitempty"`
	Confidence  float64             `json:"confidence"`
	Status      InvestigationStatus `json:"investigationStatus"`
	CaseID      string              `json:"caseId,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Scored reports whether the event has a risk score.
func (e *Event) Scored() bool { return e.RiskScore != nil }

// ctxFloat reads a numeric context field. JSON decoding hands us float64,
// but synthesized events may carry ints.
func (e *Event) ctxFloat(key string) (float64, bool) {
	v, ok := e.Context[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ctxBool reads a boolean context field.
func (e *Event) ctxBool(key string) bool {
	v, ok := e.Context[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// ctxString reads a string context field.
func (e *Event) ctxString(key string) (string, bool) {
	v, ok := e.Context[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// EventFilter narrows admin event queries. Zero values mean "any".
type EventFilter struct {
	UserID   string
	App      string
	Type     EventType
	Status   InvestigationStatus
	MinScore float64
	Since    time.Time
	Until    time.Time
	// Cursor pagination: only rows strictly older than (BeforeCreatedAt, BeforeID).
	BeforeCreatedAt time.Time
	BeforeID        string
	Limit           int
}

// EventStore persists shield events.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	UpdateEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]*Event, error)

	// ListUserEvents returns a user's events since the given time, newest
	// first, capped at limit. Detector queries go through this.
	ListUserEvents(ctx context.Context, userID string, since time.Time, limit int) ([]*Event, error)
	// CountUserEvents counts a user's events since the given time.
	CountUserEvents(ctx context.Context, userID string, since time.Time) (int, error)
	// ListEventsByDevice returns events whose context device_id matches,
	// across all users, since the given time.
	ListEventsByDevice(ctx context.Context, deviceID string, since time.Time) ([]*Event, error)
	// ListActiveUsers returns distinct (user, app) pairs with at least one
	// event at or above minScore since the given time. Drives the sweep.
	ListActiveUsers(ctx context.Context, since time.Time, minScore float64, limit int) ([]UserApp, error)
}

// UserApp identifies a user within an owning application.
type UserApp struct {
	UserID string `json:"savvyUserId"`
	App    string `json:"app"`
}
