package investigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/final10/savvyshield/internal/shield"
)

type stubDetector struct {
	name    string
	finding *Finding
	err     error
	panics  bool
	calls   int
}

func (d *stubDetector) Name() string { return d.name }

func (d *stubDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	d.calls++
	if d.panics {
		panic("detector blew up")
	}
	return d.finding, d.err
}

func newTestEngine(t *testing.T, battery []Detector) (*Engine, *shield.MemoryStore) {
	t.Helper()
	store := shield.NewMemoryStore()
	svc := shield.NewService(store, store)
	return New(store, svc, WithBattery(battery)), store
}

func TestInvestigate_SynthesizesFromFindings(t *testing.T) {
	battery := []Detector{
		&stubDetector{name: "device_reuse", finding: &Finding{
			RiskFactor: "device_reuse", RiskScore: 0.7, Confidence: 0.85,
			Evidence: map[string]any{"user_count": 5},
		}},
		&stubDetector{name: "payment_risk", finding: &Finding{
			RiskFactor: "payment_risk", RiskScore: 0.9, Confidence: 0.8,
		}},
		&stubDetector{name: "velocity_spike"}, // no finding
	}
	engine, store := newTestEngine(t, battery)

	findings := engine.Investigate(context.Background(), "u1", "final10", "gold")
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}

	events, err := store.ListEvents(context.Background(), shield.EventFilter{
		UserID: "u1", Type: shield.EventProactive,
	})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("proactive events = %d, want 1", len(events))
	}
	ev := events[0]
	// Synthesized score is the max across findings.
	if ev.RiskScore == nil || *ev.RiskScore != 0.9 {
		t.Errorf("score = %v, want 0.9", ev.RiskScore)
	}
	if ev.Confidence != 0.85 {
		t.Errorf("confidence = %v, want max 0.85", ev.Confidence)
	}
	if len(ev.RiskFactors) != 2 {
		t.Errorf("risk factors = %v", ev.RiskFactors)
	}
	if ev.CaseID == "" {
		t.Error("expected a case id")
	}
	if ev.Status != shield.InvestigationInvestigating {
		t.Errorf("status = %q, want investigating", ev.Status)
	}

	// The decision path ran: 0.9 critical for a gold user means auto_block.
	enfs, err := store.ListEnforcements(context.Background(), shield.EnforcementFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListEnforcements: %v", err)
	}
	if len(enfs) != 1 || enfs[0].Action != shield.ActionAutoBlock {
		t.Errorf("enforcements = %+v, want one auto_block", enfs)
	}
	if enfs[0].CaseID != ev.CaseID {
		t.Errorf("enforcement case %q != event case %q", enfs[0].CaseID, ev.CaseID)
	}
}

func TestInvestigate_ThresholdGatesFindings(t *testing.T) {
	battery := []Detector{
		&stubDetector{name: "ip_reputation", finding: &Finding{
			RiskFactor: "ip_reputation", RiskScore: 0.6, Confidence: 0.7, // at threshold, not above
		}},
	}
	engine, store := newTestEngine(t, battery)

	findings := engine.Investigate(context.Background(), "u1", "final10", "bronze")
	if findings != nil {
		t.Errorf("findings = %v, want none at threshold", findings)
	}
	events, _ := store.ListEvents(context.Background(), shield.EventFilter{UserID: "u1"})
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestInvestigate_DetectorFailuresAreIsolated(t *testing.T) {
	broken := &stubDetector{name: "broken", err: errors.New("db timeout")}
	panicky := &stubDetector{name: "panicky", panics: true}
	healthy := &stubDetector{name: "velocity_spike", finding: &Finding{
		RiskFactor: "velocity_spike", RiskScore: 0.7, Confidence: 0.8,
	}}
	engine, _ := newTestEngine(t, []Detector{broken, panicky, healthy})

	findings := engine.Investigate(context.Background(), "u1", "final10", "bronze")
	if len(findings) != 1 || findings[0].RiskFactor != "velocity_spike" {
		t.Errorf("findings = %+v, want the healthy detector's finding", findings)
	}
	if healthy.calls != 1 {
		t.Errorf("healthy detector calls = %d, want 1", healthy.calls)
	}
}

func TestSweep_InvestigatesActiveUsers(t *testing.T) {
	det := &stubDetector{name: "velocity_spike"}
	engine, store := newTestEngine(t, []Detector{det})
	ctx := context.Background()

	score := 0.9
	now := time.Now()
	for i, user := range []string{"u1", "u2"} {
		ev := &shield.Event{
			ID: "evt_sweep_" + user, UserID: user, App: "final10", Level: "bronze",
			Type: shield.EventFraudSignal, RiskScore: &score,
			Status: shield.InvestigationPending, CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		}
		if err := store.CreateEvent(ctx, ev); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}
	// Low-score user is not a candidate.
	low := 0.3
	if err := store.CreateEvent(ctx, &shield.Event{
		ID: "evt_low", UserID: "u3", App: "final10", Type: shield.EventUserReport,
		RiskScore: &low, Status: shield.InvestigationPending, CreatedAt: now,
	}); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	engine.Sweep(ctx)

	if det.calls != 2 {
		t.Errorf("detector calls = %d, want 2 (one per candidate)", det.calls)
	}
	status := engine.Status()
	if status["last_sweep_users"] != int64(2) {
		t.Errorf("last_sweep_users = %v, want 2", status["last_sweep_users"])
	}
	if _, ok := status["last_sweep_at"]; !ok {
		t.Error("expected last_sweep_at after a sweep")
	}
}

func TestSweep_SkipsWhenInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := detectorFunc{
		name: "slow",
		check: func(ctx context.Context, userID, app string) (*Finding, error) {
			close(started)
			<-release
			return nil, nil
		},
	}
	engine, store := newTestEngine(t, []Detector{blocking})
	ctx := context.Background()

	score := 0.9
	if err := store.CreateEvent(ctx, &shield.Event{
		ID: "evt_1", UserID: "u1", App: "final10", Type: shield.EventFraudSignal,
		RiskScore: &score, Status: shield.InvestigationPending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	done := make(chan struct{})
	go func() {
		engine.Sweep(ctx)
		close(done)
	}()
	<-started

	// Second sweep while the first is blocked: must return immediately.
	engine.Sweep(ctx)

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first sweep never finished")
	}
	if engine.Status()["last_sweep_users"] != int64(1) {
		t.Errorf("last_sweep_users = %v, want 1 (second sweep skipped)", engine.Status()["last_sweep_users"])
	}
}

type detectorFunc struct {
	name  string
	check func(ctx context.Context, userID, app string) (*Finding, error)
}

func (d detectorFunc) Name() string { return d.name }
func (d detectorFunc) Check(ctx context.Context, userID, app string) (*Finding, error) {
	return d.check(ctx, userID, app)
}

func TestEngine_StartStopAndToggle(t *testing.T) {
	engine, _ := newTestEngine(t, []Detector{&stubDetector{name: "noop"}})

	if engine.Status()["running"] != false {
		t.Error("running before Start")
	}
	engine.Start()
	if engine.Status()["running"] != true {
		t.Error("not running after Start")
	}
	engine.Start() // idempotent

	engine.Disable()
	if engine.Status()["enabled"] != false {
		t.Error("still enabled after Disable")
	}
	engine.Enable()
	if engine.Status()["enabled"] != true {
		t.Error("not enabled after Enable")
	}

	engine.Stop()
	engine.Stop() // idempotent
	if engine.Status()["running"] != false {
		t.Error("still running after Stop")
	}
}

func TestEngine_RestartsAfterStop(t *testing.T) {
	engine, _ := newTestEngine(t, []Detector{&stubDetector{name: "noop"}})

	engine.Start()
	engine.Stop()

	// A second cycle must get a live loop, not a spent stop channel.
	engine.Start()
	if engine.Status()["running"] != true {
		t.Fatal("not running after restart")
	}
	engine.Stop()
	if engine.Status()["running"] != false {
		t.Error("still running after second Stop")
	}
}

func TestInvestigate_EmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	engine, _ := newTestEngine(t, []Detector{&stubDetector{name: "noop"}})
	engine.Investigate(context.Background(), "user-1", "final10", "bronze")

	found := false
	for _, s := range recorder.Ended() {
		if s.Name() == "investigation.Investigate" {
			found = true
		}
	}
	if !found {
		t.Error("missing investigation.Investigate span")
	}
}
