package shield

import (
	"fmt"
	"strings"
)

// Tier is the coarse risk-tolerance grouping derived from a membership level.
type Tier int

const (
	TierLow Tier = iota
	TierMid
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	default:
		return "low"
	}
}

// tierByLevel maps membership levels to tiers. Unrecognized levels are low.
var tierByLevel = map[string]Tier{
	"guest":    TierLow,
	"bronze":   TierLow,
	"silver":   TierMid,
	"gold":     TierMid,
	"vip":      TierHigh,
	"platinum": TierHigh,
}

// TierForLevel resolves a membership level to its tier.
func TierForLevel(level string) Tier {
	if t, ok := tierByLevel[strings.ToLower(strings.TrimSpace(level))]; ok {
		return t
	}
	return TierLow
}

// Band buckets a risk score into an enforcement severity range.
type Band int

const (
	BandObserve Band = iota
	BandModerate
	BandHigh
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandModerate:
		return "moderate"
	case BandHigh:
		return "high"
	case BandCritical:
		return "critical"
	default:
		return "observe"
	}
}

// BandForScore maps a risk score to its band.
func BandForScore(score float64) Band {
	switch {
	case score >= 0.9:
		return BandCritical
	case score >= 0.75:
		return BandHigh
	case score >= 0.6:
		return BandModerate
	default:
		return BandObserve
	}
}

// Action is the enforcement measure chosen by a decision.
type Action string

const (
	ActionObserve         Action = "observe"
	ActionTempSuspend     Action = "temp_suspend"
	ActionAutoBlock       Action = "auto_block"
	ActionSoftRestrict    Action = "soft_restrict"
	ActionSuspendFeatures Action = "suspend_features"
	ActionPermanentBan    Action = "permanent_ban"
)

// Restrictions is the per-feature restriction bundle attached to a decision.
type Restrictions struct {
	Betting     bool     `json:"betting"`
	Withdrawals bool     `json:"withdrawals"`
	Trading     bool     `json:"trading"`
	Promotions  bool     `json:"promotions"`
	Messaging   bool     `json:"messaging"`
	Streaming   bool     `json:"streaming"`
	Custom      []string `json:"custom,omitempty"`
}

// allRestrictions blocks every feature category.
func allRestrictions() Restrictions {
	return Restrictions{
		Betting: true, Withdrawals: true, Trading: true,
		Promotions: true, Messaging: true, Streaming: true,
	}
}

// Features lists the names of every blocked category plus custom entries.
func (r Restrictions) Features() []string {
	var out []string
	for _, f := range []struct {
		name string
		on   bool
	}{
		{"betting", r.Betting},
		{"withdrawals", r.Withdrawals},
		{"trading", r.Trading},
		{"promotions", r.Promotions},
		{"messaging", r.Messaging},
		{"streaming", r.Streaming},
	} {
		if f.on {
			out = append(out, f.name)
		}
	}
	out = append(out, r.Custom...)
	return out
}

// SLA hours by tier: the time allowed for human review before a case is
// overdue. Individual table cells may override.
var slaHoursByTier = map[Tier]int{
	TierLow:  24,
	TierMid:  12,
	TierHigh: 4,
}

// decisionCell is one entry of the (Tier x Band) enforcement table.
type decisionCell struct {
	Action        Action
	DurationHours int // 0 = indefinite
	Restrictions  Restrictions
	SLAHours      int // 0 = tier default
}

// decisionTable is the verbatim tier/band enforcement mapping. Built once at
// init; treated as immutable configuration.
var decisionTable = map[Tier]map[Band]decisionCell{
	TierLow: {
		BandModerate: {
			Action:        ActionTempSuspend,
			DurationHours: 24,
			Restrictions:  Restrictions{Betting: true, Withdrawals: true, Trading: true},
		},
		BandHigh: {
			Action:        ActionAutoBlock,
			DurationHours: 72,
			Restrictions:  allRestrictions(),
		},
		BandCritical: {
			Action:       ActionAutoBlock,
			Restrictions: allRestrictions(),
		},
	},
	TierMid: {
		BandModerate: {
			Action:        ActionTempSuspend,
			DurationHours: 12,
			Restrictions:  Restrictions{Betting: true, Withdrawals: true},
		},
		BandHigh: {
			Action:        ActionTempSuspend,
			DurationHours: 48,
			Restrictions:  Restrictions{Betting: true, Withdrawals: true, Trading: true, Promotions: true},
		},
		BandCritical: {
			Action:       ActionAutoBlock,
			Restrictions: allRestrictions(),
		},
	},
	TierHigh: {
		BandModerate: {
			Action:       ActionSoftRestrict,
			Restrictions: Restrictions{Custom: []string{"high_value_betting"}},
		},
		BandHigh: {
			Action:       ActionSoftRestrict,
			Restrictions: Restrictions{Custom: []string{"high_value_operations", "bulk_operations"}},
		},
		BandCritical: {
			Action:       ActionSuspendFeatures,
			Restrictions: Restrictions{Custom: []string{"high_risk_features", "admin_functions"}},
			SLAHours:     2, // override: critical cases for high-tier users get a 2h review window
		},
	},
}

// Decision is the outcome of evaluating a scored event against the
// enforcement table. It carries copies of the inputs so enforcement history
// stays immutable even if scoring logic changes later.
type Decision struct {
	Action           Action       `json:"action"`
	Tier             Tier         `json:"-"`
	Band             Band         `json:"-"`
	DurationHours    *int         `json:"durationHours,omitempty"` // nil = indefinite
	Restrictions     Restrictions `json:"restrictions"`
	AffectedFeatures []string     `json:"affectedFeatures,omitempty"`
	SLAHours         int          `json:"slaHours"`
	Reasoning        string       `json:"reasoning"`
	RiskScore        float64      `json:"riskScore"`
	Confidence       float64      `json:"confidence"`
	RiskFactors      []string     `json:"riskFactors,omitempty"`
}

// Actionable reports whether the decision calls for an enforcement record.
func (d *Decision) Actionable() bool { return d.Action != ActionObserve }

// Decide maps (membership level, risk score, confidence, factors) to an
// enforcement decision. Pure function over the decision table: below the
// moderate band the answer is always observe, regardless of tier.
func Decide(level string, score, confidence float64, factors []string) *Decision {
	tier := TierForLevel(level)
	band := BandForScore(score)

	d := &Decision{
		Tier:        tier,
		Band:        band,
		RiskScore:   score,
		Confidence:  confidence,
		RiskFactors: append([]string(nil), factors...),
		SLAHours:    slaHoursByTier[tier],
	}

	if band == BandObserve {
		d.Action = ActionObserve
		d.Reasoning = fmt.Sprintf("risk score %.3f below moderate threshold; observing", score)
		return d
	}

	cell := decisionTable[tier][band]
	d.Action = cell.Action
	d.Restrictions = cell.Restrictions
	d.AffectedFeatures = cell.Restrictions.Features()
	if cell.DurationHours > 0 {
		h := cell.DurationHours
		d.DurationHours = &h
	}
	if cell.SLAHours > 0 {
		d.SLAHours = cell.SLAHours
	}
	d.Reasoning = fmt.Sprintf("risk score %.3f in %s band for %s tier user: %s",
		score, band, tier, cell.Action)
	return d
}
