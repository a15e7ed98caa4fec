// Package investigation runs the proactive detector battery: a fixed set of
// independent heuristics over recent shield events, swept on a timer and
// triggered synchronously after high-risk ingests.
package investigation

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/final10/savvyshield/internal/shield"
)

// Finding is a single detector hit.
type Finding struct {
	RiskFactor string         `json:"risk_factor"`
	RiskScore  float64        `json:"risk_score"`
	Confidence float64        `json:"confidence"`
	Evidence   map[string]any `json:"evidence,omitempty"`
}

// Detector is one independent heuristic in the battery. Check returns nil
// when the heuristic does not fire.
type Detector interface {
	Name() string
	Check(ctx context.Context, userID, app string) (*Finding, error)
}

// round3 keeps detector scores comparable against exact thresholds.
func round3(x float64) float64 { return math.Round(x*1000) / 1000 }

// ---------------------------------------------------------------------------
// Device reuse: one device id shared by too many accounts within 24h
// ---------------------------------------------------------------------------

type DeviceReuseDetector struct {
	store shield.EventStore
}

func NewDeviceReuseDetector(store shield.EventStore) *DeviceReuseDetector {
	return &DeviceReuseDetector{store: store}
}

func (d *DeviceReuseDetector) Name() string { return "device_reuse" }

func (d *DeviceReuseDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	since := time.Now().Add(-24 * time.Hour)
	events, err := d.store.ListUserEvents(ctx, userID, since, 200)
	if err != nil {
		return nil, err
	}

	// Devices this user touched recently.
	devices := make(map[string]bool)
	for _, ev := range events {
		if dev, ok := ev.Context["device_id"].(string); ok && dev != "" {
			devices[dev] = true
		}
	}

	var worstDevice string
	var worstCount int
	for dev := range devices {
		shared, err := d.store.ListEventsByDevice(ctx, dev, since)
		if err != nil {
			return nil, err
		}
		users := make(map[string]bool)
		for _, ev := range shared {
			users[ev.UserID] = true
		}
		if len(users) > worstCount {
			worstCount = len(users)
			worstDevice = dev
		}
	}

	if worstCount <= 3 {
		return nil, nil
	}
	score := math.Min(0.9, 0.5+0.1*float64(worstCount-3))
	return &Finding{
		RiskFactor: d.Name(),
		RiskScore:  round3(score),
		Confidence: 0.85,
		Evidence: map[string]any{
			"device_id":  worstDevice,
			"user_count": worstCount,
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Velocity spike: more than 20 events in the trailing hour
// ---------------------------------------------------------------------------

type VelocityDetector struct {
	store shield.EventStore
}

func NewVelocityDetector(store shield.EventStore) *VelocityDetector {
	return &VelocityDetector{store: store}
}

func (d *VelocityDetector) Name() string { return "velocity_spike" }

func (d *VelocityDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	since := time.Now().Add(-1 * time.Hour)
	count, err := d.store.CountUserEvents(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	if count <= 20 {
		return nil, nil
	}
	score := math.Min(0.9, 0.6+0.01*float64(count-20))
	return &Finding{
		RiskFactor: d.Name(),
		RiskScore:  round3(score),
		Confidence: 0.8,
		Evidence:   map[string]any{"event_count": count, "window": "1h"},
	}, nil
}

// ---------------------------------------------------------------------------
// Impossible travel: two recent geo-tagged events too far apart in space,
// too close in time
// ---------------------------------------------------------------------------

const (
	earthRadiusKm        = 6371
	travelDistanceKm     = 5000
	travelWindow         = 30 * time.Minute
	impossibleTravelScore = 0.8
)

type ImpossibleTravelDetector struct {
	store shield.EventStore
}

func NewImpossibleTravelDetector(store shield.EventStore) *ImpossibleTravelDetector {
	return &ImpossibleTravelDetector{store: store}
}

func (d *ImpossibleTravelDetector) Name() string { return "impossible_travel" }

// Haversine returns the great-circle distance in kilometres between two
// coordinates. Symmetric: swapping the points yields the same distance.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const deg2rad = math.Pi / 180
	dLat := (lat2 - lat1) * deg2rad
	dLon := (lon2 - lon1) * deg2rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*deg2rad)*math.Cos(lat2*deg2rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func (d *ImpossibleTravelDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	since := time.Now().Add(-24 * time.Hour)
	events, err := d.store.ListUserEvents(ctx, userID, since, 200)
	if err != nil {
		return nil, err
	}

	// The two most recent geo-tagged events (events come newest first).
	type geo struct {
		lat, lon float64
		at       time.Time
	}
	var points []geo
	for _, ev := range events {
		lat, okLat := ev.Context["lat"].(float64)
		lon, okLon := ev.Context["lon"].(float64)
		if okLat && okLon {
			points = append(points, geo{lat: lat, lon: lon, at: ev.CreatedAt})
			if len(points) == 2 {
				break
			}
		}
	}
	if len(points) < 2 {
		return nil, nil
	}

	dist := Haversine(points[0].lat, points[0].lon, points[1].lat, points[1].lon)
	elapsed := points[0].at.Sub(points[1].at)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	if dist <= travelDistanceKm || elapsed >= travelWindow {
		return nil, nil
	}
	return &Finding{
		RiskFactor: d.Name(),
		RiskScore:  impossibleTravelScore,
		Confidence: 0.9,
		Evidence: map[string]any{
			"distance_km":     math.Round(dist),
			"elapsed_minutes": math.Round(elapsed.Minutes()),
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Win-rate anomaly: game-app-scoped; suspiciously high win rate over 7 days
// ---------------------------------------------------------------------------

type WinRateDetector struct {
	store shield.EventStore
	// gameApps scopes the detector. Empty means "any app that reports
	// game_result context".
	gameApps map[string]bool
}

func NewWinRateDetector(store shield.EventStore, gameApps []string) *WinRateDetector {
	apps := make(map[string]bool, len(gameApps))
	for _, a := range gameApps {
		apps[strings.TrimSpace(a)] = true
	}
	return &WinRateDetector{store: store, gameApps: apps}
}

func (d *WinRateDetector) Name() string { return "win_rate_anomaly" }

func (d *WinRateDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	if len(d.gameApps) > 0 && !d.gameApps[app] {
		return nil, nil
	}
	since := time.Now().Add(-7 * 24 * time.Hour)
	events, err := d.store.ListUserEvents(ctx, userID, since, 500)
	if err != nil {
		return nil, err
	}

	var total, wins int
	for _, ev := range events {
		result, ok := ev.Context["game_result"].(string)
		if !ok {
			continue
		}
		total++
		if result == "win" {
			wins++
		}
	}
	if total < 10 {
		return nil, nil
	}
	rate := float64(wins) / float64(total)
	if rate <= 0.8 {
		return nil, nil
	}
	score := math.Min(0.9, 0.6+2*(rate-0.8))
	return &Finding{
		RiskFactor: d.Name(),
		RiskScore:  round3(score),
		Confidence: 0.75,
		Evidence:   map[string]any{"games": total, "wins": wins, "win_rate": round3(rate)},
	}, nil
}

// ---------------------------------------------------------------------------
// Payment risk: any payment_risk/chargeback_signal events in 24h
// ---------------------------------------------------------------------------

type PaymentRiskDetector struct {
	store shield.EventStore
}

func NewPaymentRiskDetector(store shield.EventStore) *PaymentRiskDetector {
	return &PaymentRiskDetector{store: store}
}

func (d *PaymentRiskDetector) Name() string { return "payment_risk" }

func (d *PaymentRiskDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	since := time.Now().Add(-24 * time.Hour)
	events, err := d.store.ListUserEvents(ctx, userID, since, 200)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, ev := range events {
		if ev.Type == shield.EventPaymentRisk || ev.Type == shield.EventChargebackSignal {
			count++
		}
	}
	if count == 0 {
		return nil, nil
	}
	score := math.Min(0.95, 0.7+0.1*float64(count))
	return &Finding{
		RiskFactor: d.Name(),
		RiskScore:  round3(score),
		Confidence: 0.9,
		Evidence:   map[string]any{"payment_events": count, "window": "24h"},
	}, nil
}

// ---------------------------------------------------------------------------
// Bot behavior: mechanically regular event timing over the trailing hour
// ---------------------------------------------------------------------------

const botScore = 0.8

type BotBehaviorDetector struct {
	store shield.EventStore
}

func NewBotBehaviorDetector(store shield.EventStore) *BotBehaviorDetector {
	return &BotBehaviorDetector{store: store}
}

func (d *BotBehaviorDetector) Name() string { return "bot_behavior" }

func (d *BotBehaviorDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	since := time.Now().Add(-1 * time.Hour)
	events, err := d.store.ListUserEvents(ctx, userID, since, 200)
	if err != nil {
		return nil, err
	}
	if len(events) < 5 {
		return nil, nil
	}

	// Inter-event intervals in seconds, newest-first event order.
	intervals := make([]float64, 0, len(events)-1)
	for i := 0; i < len(events)-1; i++ {
		intervals = append(intervals, events[i].CreatedAt.Sub(events[i+1].CreatedAt).Seconds())
	}

	mean, stddev := meanStddev(intervals)
	if mean <= 0 || stddev >= 0.1*mean {
		return nil, nil
	}
	return &Finding{
		RiskFactor: d.Name(),
		RiskScore:  botScore,
		Confidence: 0.8,
		Evidence: map[string]any{
			"events":          len(events),
			"mean_interval_s": round3(mean),
			"stddev_s":        round3(stddev),
		},
	}, nil
}

// meanStddev computes the mean and population standard deviation.
func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		diff := x - mean
		variance += diff * diff
	}
	return mean, math.Sqrt(variance / float64(len(xs)))
}

// ---------------------------------------------------------------------------
// IP reputation: most recent IP flagged as VPN/proxy/Tor
// ---------------------------------------------------------------------------

const ipReputationScore = 0.6

// IPClassifier flags anonymizing infrastructure. The default implementation
// is a deterministic prefix classifier; a real reputation provider can be
// plugged in.
type IPClassifier interface {
	Classify(ip string) (flagged bool, category string)
}

// PrefixClassifier flags IPs by known-bad prefix. Deterministic, so detector
// behavior is reproducible in tests.
type PrefixClassifier struct {
	prefixes map[string]string
}

// NewPrefixClassifier creates a classifier seeded with sample VPN/proxy/Tor
// ranges.
func NewPrefixClassifier() *PrefixClassifier {
	return &PrefixClassifier{prefixes: map[string]string{
		"185.220.": "tor",
		"199.249.": "tor",
		"104.28.":  "proxy",
		"45.134.":  "vpn",
		"193.27.":  "vpn",
	}}
}

func (c *PrefixClassifier) Classify(ip string) (bool, string) {
	for prefix, category := range c.prefixes {
		if strings.HasPrefix(ip, prefix) {
			return true, category
		}
	}
	return false, ""
}

type IPReputationDetector struct {
	store      shield.EventStore
	classifier IPClassifier
}

func NewIPReputationDetector(store shield.EventStore, classifier IPClassifier) *IPReputationDetector {
	if classifier == nil {
		classifier = NewPrefixClassifier()
	}
	return &IPReputationDetector{store: store, classifier: classifier}
}

func (d *IPReputationDetector) Name() string { return "ip_reputation" }

func (d *IPReputationDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	since := time.Now().Add(-24 * time.Hour)
	events, err := d.store.ListUserEvents(ctx, userID, since, 100)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		ip, ok := ev.Context["ip"].(string)
		if !ok || ip == "" {
			continue
		}
		// Only the most recent IP is consulted.
		flagged, category := d.classifier.Classify(ip)
		if !flagged {
			return nil, nil
		}
		return &Finding{
			RiskFactor: d.Name(),
			RiskScore:  ipReputationScore,
			Confidence: 0.7,
			Evidence:   map[string]any{"ip": ip, "category": category},
		}, nil
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Behavioral pattern: activity concentrated in a single hour-of-day bucket
// ---------------------------------------------------------------------------

const behavioralScore = 0.6

type BehavioralPatternDetector struct {
	store shield.EventStore
}

func NewBehavioralPatternDetector(store shield.EventStore) *BehavioralPatternDetector {
	return &BehavioralPatternDetector{store: store}
}

func (d *BehavioralPatternDetector) Name() string { return "behavioral_pattern" }

func (d *BehavioralPatternDetector) Check(ctx context.Context, userID, app string) (*Finding, error) {
	since := time.Now().Add(-7 * 24 * time.Hour)
	events, err := d.store.ListUserEvents(ctx, userID, since, 500)
	if err != nil {
		return nil, err
	}
	if len(events) < 20 {
		return nil, nil
	}

	var histogram [24]int
	for _, ev := range events {
		histogram[ev.CreatedAt.Hour()]++
	}
	peakHour, peak := 0, 0
	for hour, n := range histogram {
		if n > peak {
			peak = n
			peakHour = hour
		}
	}
	fraction := float64(peak) / float64(len(events))
	if fraction <= 0.8 {
		return nil, nil
	}
	return &Finding{
		RiskFactor: d.Name(),
		RiskScore:  behavioralScore,
		Confidence: 0.7,
		Evidence: map[string]any{
			"events":        len(events),
			"peak_hour":     peakHour,
			"peak_fraction": round3(fraction),
		},
	}, nil
}
