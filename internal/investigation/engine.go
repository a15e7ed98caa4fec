package investigation

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/final10/savvyshield/internal/idgen"
	"github.com/final10/savvyshield/internal/shield"
	"github.com/final10/savvyshield/internal/traces"
)

var (
	investigationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savvyshield",
		Subsystem: "investigation",
		Name:      "runs_total",
		Help:      "Detector battery runs by trigger",
	}, []string{"trigger"})

	detectorHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savvyshield",
		Subsystem: "investigation",
		Name:      "detector_hits_total",
		Help:      "Detector findings above the synthesis threshold",
	}, []string{"detector"})

	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "savvyshield",
		Subsystem: "investigation",
		Name:      "sweeps_total",
		Help:      "Completed proactive sweeps",
	})
)

func init() {
	prometheus.MustRegister(investigationsTotal, detectorHits, sweepsTotal)
}

const (
	// findingThreshold gates which detector hits contribute to a
	// synthesized event.
	findingThreshold = 0.6

	// sweepInterval is how often the proactive sweep runs.
	sweepInterval = 5 * time.Minute

	// sweepWindow bounds how far back the sweep looks for candidates.
	sweepWindow = 1 * time.Hour

	// sweepMinScore selects users with at least one recent high-signal
	// event as sweep candidates.
	sweepMinScore = 0.6

	sweepMaxUsers = 100
)

// Engine runs the detector battery. It serves both on-demand investigations
// (triggered by high-risk ingests) and the periodic proactive sweep.
type Engine struct {
	battery []Detector
	store   shield.EventStore
	service *shield.Service
	logger  *slog.Logger

	stop    chan struct{}
	running atomic.Bool // sweep loop started
	enabled atomic.Bool // sweep ticks act on candidates
	// inFlight guards against overlapping sweeps when one run outlasts
	// the tick interval.
	inFlight atomic.Bool

	lastSweepAt    atomic.Int64 // unix seconds
	lastSweepUsers atomic.Int64
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBattery replaces the default detector battery.
func WithBattery(battery []Detector) Option {
	return func(e *Engine) { e.battery = battery }
}

// WithClassifier sets the IP reputation classifier used by the default
// battery.
func WithClassifier(c IPClassifier) Option {
	return func(e *Engine) {
		for i, d := range e.battery {
			if _, ok := d.(*IPReputationDetector); ok {
				e.battery[i] = NewIPReputationDetector(e.store, c)
			}
		}
	}
}

// WithGameApps scopes the win-rate detector to the named apps.
func WithGameApps(apps []string) Option {
	return func(e *Engine) {
		for i, d := range e.battery {
			if _, ok := d.(*WinRateDetector); ok {
				e.battery[i] = NewWinRateDetector(e.store, apps)
			}
		}
	}
}

// New creates an engine with the full default battery.
func New(store shield.EventStore, service *shield.Service, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		service: service,
		logger:  slog.Default(),
		stop:    make(chan struct{}),
	}
	e.battery = []Detector{
		NewDeviceReuseDetector(store),
		NewVelocityDetector(store),
		NewImpossibleTravelDetector(store),
		NewWinRateDetector(store, nil),
		NewPaymentRiskDetector(store),
		NewBotBehaviorDetector(store),
		NewIPReputationDetector(store, nil),
		NewBehavioralPatternDetector(store),
	}
	e.enabled.Store(true)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InvestigateUser runs the full battery for one user and, when findings
// cross the threshold, synthesizes a proactive event through the decision
// path. Implements shield.Investigator.
func (e *Engine) InvestigateUser(ctx context.Context, userID, app, level string) {
	e.investigate(ctx, userID, app, level, "on_demand")
}

// Investigate runs the battery and returns the findings without waiting for
// the decision path. Used by the admin trigger endpoint.
func (e *Engine) Investigate(ctx context.Context, userID, app, level string) []Finding {
	return e.investigate(ctx, userID, app, level, "admin")
}

func (e *Engine) investigate(ctx context.Context, userID, app, level, trigger string) []Finding {
	ctx, span := traces.StartSpan(ctx, "investigation.Investigate",
		traces.UserID(userID), traces.App(app),
		attribute.String("trigger", trigger))
	defer span.End()

	investigationsTotal.WithLabelValues(trigger).Inc()

	var findings []Finding
	for _, det := range e.battery {
		f, err := e.runDetector(ctx, det, userID, app)
		if err != nil {
			// One broken detector never aborts the battery.
			e.logger.Error("detector failed",
				"detector", det.Name(), "user_id", userID, "error", err)
			continue
		}
		if f == nil || f.RiskScore <= findingThreshold {
			continue
		}
		detectorHits.WithLabelValues(det.Name()).Inc()
		findings = append(findings, *f)
	}

	span.SetAttributes(attribute.Int("findings", len(findings)))
	if len(findings) == 0 {
		return nil
	}
	e.synthesize(ctx, userID, app, level, findings)
	return findings
}

// runDetector isolates a single detector, converting panics into errors
// logged by the caller.
func (e *Engine) runDetector(ctx context.Context, det Detector, userID, app string) (f *Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("detector panic",
				"detector", det.Name(), "panic", r, "stack", string(debug.Stack()))
			f, err = nil, nil
		}
	}()
	return det.Check(ctx, userID, app)
}

// synthesize folds the findings into one proactive event and runs it through
// the decision path. Score is the max across findings; every triggered
// detector contributes a risk factor.
func (e *Engine) synthesize(ctx context.Context, userID, app, level string, findings []Finding) {
	var maxScore, maxConfidence float64
	factors := make([]string, 0, len(findings))
	evidence := make(map[string]any, len(findings))
	for _, f := range findings {
		factors = append(factors, f.RiskFactor)
		evidence[f.RiskFactor] = f.Evidence
		if f.RiskScore > maxScore {
			maxScore = f.RiskScore
		}
		if f.Confidence > maxConfidence {
			maxConfidence = f.Confidence
		}
	}

	score := maxScore
	now := time.Now().UTC()
	ev := &shield.Event{
		ID:          idgen.WithPrefix("evt_"),
		UserID:      userID,
		App:         app,
		Level:       level,
		Type:        shield.EventProactive,
		Context:     map[string]any{"findings": evidence},
		RiskScore:   &score,
		RiskFactors: factors,
		Confidence:  maxConfidence,
		Status:      shield.InvestigationInvestigating,
		CaseID:      idgen.WithPrefix("case_"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, _, err := e.service.ProcessSynthesized(ctx, ev); err != nil {
		e.logger.Error("synthesized event rejected",
			"user_id", userID, "case_id", ev.CaseID, "error", err)
		return
	}
	e.logger.Info("proactive case opened",
		"user_id", userID, "app", app, "case_id", ev.CaseID,
		"risk_score", score, "factors", factors)
}

// Start launches the periodic sweep loop. Idempotent, and safe to call
// again after Stop.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	// Fresh channel each start so the loop survives a stop/start cycle.
	stop := make(chan struct{})
	e.stop = stop
	go e.loop(stop)
	e.logger.Info("proactive sweep started", "interval", sweepInterval)
}

// Stop terminates the sweep loop. Non-blocking and idempotent.
func (e *Engine) Stop() {
	if e.running.CompareAndSwap(true, false) {
		close(e.stop)
	}
}

// Enable turns sweep ticks back on.
func (e *Engine) Enable() { e.enabled.Store(true) }

// Disable makes sweep ticks no-ops without stopping the loop.
func (e *Engine) Disable() { e.enabled.Store(false) }

// Status reports the sweep loop state for the admin surface.
func (e *Engine) Status() map[string]any {
	status := map[string]any{
		"running":          e.running.Load(),
		"enabled":          e.enabled.Load(),
		"interval_seconds": int(sweepInterval.Seconds()),
		"last_sweep_users": e.lastSweepUsers.Load(),
	}
	if at := e.lastSweepAt.Load(); at > 0 {
		status["last_sweep_at"] = time.Unix(at, 0).UTC().Format(time.RFC3339)
	}
	return status
}

func (e *Engine) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.enabled.Load() {
				e.safeSweep()
			}
		case <-stop:
			return
		}
	}
}

// safeSweep runs one sweep with panic recovery so a bad candidate never
// kills the loop.
func (e *Engine) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sweep panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	e.Sweep(context.Background())
}

// Sweep runs one proactive pass over recently active high-signal users.
// Overlapping sweeps are skipped.
func (e *Engine) Sweep(ctx context.Context) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.logger.Warn("sweep already in flight, skipping")
		return
	}
	defer e.inFlight.Store(false)

	started := time.Now()
	candidates, err := e.store.ListActiveUsers(ctx, started.Add(-sweepWindow), sweepMinScore, sweepMaxUsers)
	if err != nil {
		e.logger.Error("sweep candidate query failed", "error", err)
		return
	}

	for _, c := range candidates {
		e.investigate(ctx, c.UserID, c.App, e.latestLevel(ctx, c.UserID), "sweep")
	}

	sweepsTotal.Inc()
	e.lastSweepAt.Store(started.Unix())
	e.lastSweepUsers.Store(int64(len(candidates)))
	e.logger.Info("sweep complete",
		"candidates", len(candidates), "elapsed", time.Since(started).String())
}

// latestLevel reads the user's tier level off their most recent event.
// Unknown levels fall back to the lowest tier during decisioning.
func (e *Engine) latestLevel(ctx context.Context, userID string) string {
	events, err := e.store.ListUserEvents(ctx, userID, time.Now().Add(-24*time.Hour), 1)
	if err != nil || len(events) == 0 {
		return ""
	}
	return events[0].Level
}
