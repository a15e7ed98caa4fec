package shield

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/final10/savvyshield/internal/idgen"
	"github.com/final10/savvyshield/internal/traces"
)

var (
	eventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savvyshield",
		Subsystem: "shield",
		Name:      "events_ingested_total",
		Help:      "Total shield events ingested by type.",
	}, []string{"type"})

	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savvyshield",
		Subsystem: "shield",
		Name:      "decisions_total",
		Help:      "Total enforcement decisions by action and tier.",
	}, []string{"action", "tier"})
)

func init() {
	prometheus.MustRegister(eventsIngested, decisionsTotal)
}

// investigateThreshold is the ingest risk score above which a synchronous
// per-user investigation is triggered.
const investigateThreshold = 0.6

// Notifier enqueues enforcement records for webhook delivery. Delivery is
// fire-and-forget from the decision path's perspective.
type Notifier interface {
	Enqueue(e *Enforcement)
}

// Investigator runs the proactive detector battery for one user. Wired after
// construction to break the shield <-> investigation dependency.
type Investigator interface {
	InvestigateUser(ctx context.Context, userID, app, level string)
}

// Feed receives live decision events for streaming consumers.
type Feed interface {
	PublishDecision(ev *Event, d *Decision, enforcementID string)
}

// Service is the ingest-to-enforcement pipeline: store the event, score it,
// decide, persist the enforcement, and hand it to the dispatcher.
type Service struct {
	events       EventStore
	enforcements EnforcementStore
	notifier     Notifier
	investigator Investigator
	feed         Feed
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNotifier sets the webhook notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithFeed sets the live decision feed.
func WithFeed(f Feed) Option {
	return func(s *Service) { s.feed = f }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the shield service.
func NewService(events EventStore, enforcements EnforcementStore, opts ...Option) *Service {
	s := &Service{
		events:       events,
		enforcements: enforcements,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetInvestigator wires the proactive investigation engine after
// construction. Used for late binding in server setup.
func (s *Service) SetInvestigator(inv Investigator) {
	s.investigator = inv
}

// IngestRequest is an inbound risk signal from an instrumented client app.
type IngestRequest struct {
	Type    EventType      `json:"type"`
	UserID  string         `json:"savvy_user_id"`
	App     string         `json:"app"`
	Level   string         `json:"level"`
	Context map[string]any `json:"context"`
}

// IngestResult is the synchronous answer to an ingest call.
type IngestResult struct {
	EventID       string  `json:"event_id"`
	RiskScore     float64 `json:"risk_score"`
	Action        Action  `json:"action"`
	EnforcementID string  `json:"enforcement_id,omitempty"`
}

// Ingest stores a new event, runs it through the decision path, and
// conditionally triggers a proactive investigation. Persistence failures
// before an enforcement exists are fatal to the call; webhook delivery
// failures are not.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ctx, span := traces.StartSpan(ctx, "shield.Ingest",
		traces.UserID(req.UserID), traces.App(req.App))
	defer span.End()

	now := s.now()
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		UserID:    req.UserID,
		App:       req.App,
		Level:     req.Level,
		Type:      req.Type,
		Context:   req.Context,
		Status:    InvestigationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.events.CreateEvent(ctx, ev); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create event: %w", err)
	}
	eventsIngested.WithLabelValues(string(ev.Type)).Inc()
	span.SetAttributes(traces.EventID(ev.ID))

	decision, enf, err := s.decide(ctx, ev)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(traces.RiskScore(*ev.RiskScore))

	// High-risk signals get an immediate detector pass in the background.
	// Synthesized proactive events are excluded or every investigation
	// would spawn another.
	if s.investigator != nil && ev.Type != EventProactive && *ev.RiskScore > investigateThreshold {
		go s.investigator.InvestigateUser(context.WithoutCancel(ctx), ev.UserID, ev.App, ev.Level)
	}

	res := &IngestResult{
		EventID:   ev.ID,
		RiskScore: *ev.RiskScore,
		Action:    decision.Action,
	}
	if enf != nil {
		res.EnforcementID = enf.ID
	}
	return res, nil
}

// ProcessSynthesized runs an investigation-synthesized event through the
// decision path. The event is already scored by the detector battery; it is
// stored as-is and never re-triggers investigation.
func (s *Service) ProcessSynthesized(ctx context.Context, ev *Event) (*Decision, *Enforcement, error) {
	if err := s.events.CreateEvent(ctx, ev); err != nil {
		return nil, nil, fmt.Errorf("create synthesized event: %w", err)
	}
	eventsIngested.WithLabelValues(string(ev.Type)).Inc()
	return s.decide(ctx, ev)
}

// decide scores the event if needed, evaluates the decision table, and
// creates + dispatches an enforcement for actionable decisions.
func (s *Service) decide(ctx context.Context, ev *Event) (*Decision, *Enforcement, error) {
	ctx, span := traces.StartSpan(ctx, "shield.Decide",
		traces.EventID(ev.ID), traces.UserID(ev.UserID))
	defer span.End()

	// Decisions have the risk score as their sole numeric input: an
	// unscored event must be scored and the score persisted first.
	if !ev.Scored() {
		score := Score(ev)
		ev.RiskScore = &score
		if ev.Confidence == 0 {
			ev.Confidence = defaultConfidence(ev)
		}
		ev.UpdatedAt = s.now()
		if err := s.events.UpdateEvent(ctx, ev); err != nil {
			span.RecordError(err)
			return nil, nil, fmt.Errorf("persist risk score: %w", err)
		}
	}

	decision := Decide(ev.Level, *ev.RiskScore, ev.Confidence, ev.RiskFactors)
	decisionsTotal.WithLabelValues(string(decision.Action), decision.Tier.String()).Inc()

	if !decision.Actionable() {
		if s.feed != nil {
			s.feed.PublishDecision(ev, decision, "")
		}
		return decision, nil, nil
	}

	now := s.now()
	caseID := ev.CaseID
	if caseID == "" {
		caseID = idgen.WithPrefix("case_")
		ev.CaseID = caseID
		if err := s.events.UpdateEvent(ctx, ev); err != nil {
			s.logger.Warn("failed to stamp case id on event", "event", ev.ID, "error", err)
		}
	}

	enf := &Enforcement{
		ID:               idgen.WithPrefix("enf_"),
		UserID:           ev.UserID,
		App:              ev.App,
		Level:            ev.Level,
		CaseID:           caseID,
		RelatedEventIDs:  []string{ev.ID},
		RiskScore:        decision.RiskScore,
		Confidence:       decision.Confidence,
		RiskFactors:      decision.RiskFactors,
		Action:           decision.Action,
		Reason:           decision.Reasoning,
		AffectedFeatures: decision.AffectedFeatures,
		Restrictions:     decision.Restrictions,
		DurationHours:    decision.DurationHours,
		Status:           EnforcementPending,
		Review: HumanReview{
			Required:    true,
			Status:      ReviewPending,
			SLADeadline: now.Add(time.Duration(decision.SLAHours) * time.Hour),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	enf.AppendAudit("created", "decision_engine", decision.Reasoning, now)
	if err := enf.Activate("decision_engine", now); err != nil {
		return nil, nil, fmt.Errorf("activate enforcement: %w", err)
	}

	if err := s.enforcements.CreateEnforcement(ctx, enf); err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("create enforcement: %w", err)
	}
	span.SetAttributes(traces.EnforcementID(enf.ID), traces.CaseID(caseID))

	s.logger.Info("enforcement decided",
		"user", ev.UserID, "app", ev.App, "tier", decision.Tier.String(),
		"band", decision.Band.String(), "action", decision.Action,
		"score", decision.RiskScore, "enforcement", enf.ID)

	if s.notifier != nil {
		s.notifier.Enqueue(enf)
	}
	if s.feed != nil {
		s.feed.PublishDecision(ev, decision, enf.ID)
	}
	return decision, enf, nil
}

// defaultConfidence assigns a baseline confidence per signal origin: direct
// platform signals are trusted more than user reports.
func defaultConfidence(ev *Event) float64 {
	switch ev.Type {
	case EventUserReport:
		return 0.5
	case EventProactive:
		return 0.8
	default:
		return 0.7
	}
}

// RiskProfile is the aggregate risk view of one user.
type RiskProfile struct {
	UserID             string         `json:"savvyUserId"`
	App                string         `json:"app"`
	EventCount         int            `json:"eventCount"`
	AverageScore       float64        `json:"averageScore"`
	MaxScore           float64        `json:"maxScore"`
	EventsByType       map[string]int `json:"eventsByType"`
	ActiveEnforcements []*Enforcement `json:"activeEnforcements"`
	RecentEvents       []*Event       `json:"recentEvents"`
}

// profileWindow bounds how far back a risk profile looks.
const profileWindow = 30 * 24 * time.Hour

// UserProfile aggregates a user's recent events and active enforcements.
func (s *Service) UserProfile(ctx context.Context, userID string) (*RiskProfile, error) {
	since := s.now().Add(-profileWindow)
	events, err := s.events.ListUserEvents(ctx, userID, since, 200)
	if err != nil {
		return nil, fmt.Errorf("list user events: %w", err)
	}

	profile := &RiskProfile{
		UserID:       userID,
		EventsByType: make(map[string]int),
		RecentEvents: events,
		EventCount:   len(events),
	}
	var sum float64
	var scored int
	for _, ev := range events {
		profile.EventsByType[string(ev.Type)]++
		if profile.App == "" {
			profile.App = ev.App
		}
		if ev.Scored() {
			scored++
			sum += *ev.RiskScore
			if *ev.RiskScore > profile.MaxScore {
				profile.MaxScore = *ev.RiskScore
			}
		}
	}
	if scored > 0 {
		profile.AverageScore = clampScore(sum / float64(scored))
	}

	active, err := s.enforcements.ListEnforcements(ctx, EnforcementFilter{
		UserID: userID,
		Status: EnforcementActive,
		Limit:  50,
	})
	if err != nil {
		return nil, fmt.Errorf("list enforcements: %w", err)
	}
	profile.ActiveEnforcements = active
	return profile, nil
}
