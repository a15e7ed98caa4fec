package shield

import "math"

// Risk scoring is a deterministic function over a single event: a small base,
// a per-type weight, and context escalations, clamped to [0,1]. It never
// touches storage, so it can be tested with fixed inputs.

const baseScore = 0.1

// typeWeight is the fixed per-event-type contribution. Loaded once; treat as
// immutable configuration.
var typeWeight = map[EventType]float64{
	EventPaymentRisk:       0.9,
	EventChargebackSignal:  0.9,
	EventFraudSignal:       0.8,
	EventDeviceReuse:       0.8,
	EventBotDetection:      0.8,
	EventCheatSignal:       0.7,
	EventImpossibleTravel:  0.7,
	EventWinRateAnomaly:    0.7,
	EventUserReport:        0.6,
	EventVelocitySpike:     0.6,
	EventIPReputation:      0.6,
	EventBehavioralAnomaly: 0.5,
}

const unknownTypeWeight = 0.3

// Context fields consulted by the scorer.
const (
	ctxValue            = "value"
	ctxReuseCount       = "reuse_count"
	ctxEventCount       = "event_count"
	ctxImpossibleTravel = "impossible_travel"
	ctxDeviceID         = "device_id"
	ctxIP               = "ip"
	ctxLat              = "lat"
	ctxLon              = "lon"
	ctxGameResult       = "game_result"
)

// Score computes the risk score for an event. Pure function: same event in,
// same score out. Result is rounded to 3 decimals and clamped to [0,1].
func Score(ev *Event) float64 {
	score := baseScore

	if w, ok := typeWeight[ev.Type]; ok {
		score += w
	} else {
		score += unknownTypeWeight
	}

	// Monetary escalation is cumulative: a 12,000 value crosses all three
	// thresholds for +0.4 total.
	if v, ok := ev.ctxFloat(ctxValue); ok {
		if v > 1000 {
			score += 0.2
		}
		if v > 5000 {
			score += 0.1
		}
		if v > 10000 {
			score += 0.1
		}
	}

	if n, ok := ev.ctxFloat(ctxReuseCount); ok && n > 5 {
		score += 0.2
	}
	if n, ok := ev.ctxFloat(ctxEventCount); ok && n > 10 {
		score += 0.15
	}
	if ev.ctxBool(ctxImpossibleTravel) {
		score += 0.2
	}

	return clampScore(score)
}

// clampScore bounds a score to [0,1] and rounds to 3 decimal places so that
// threshold arithmetic (0.5 + 0.1 = 0.6) compares exactly.
func clampScore(s float64) float64 {
	if s > 1.0 {
		s = 1.0
	}
	if s < 0.0 {
		s = 0.0
	}
	return math.Round(s*1000) / 1000
}
