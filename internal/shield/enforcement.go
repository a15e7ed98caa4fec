package shield

import (
	"context"
	"time"
)

// EnforcementStatus is the workflow state of an enforcement record.
type EnforcementStatus string

const (
	EnforcementPending    EnforcementStatus = "pending"
	EnforcementActive     EnforcementStatus = "active"
	EnforcementCompleted  EnforcementStatus = "completed"
	EnforcementOverridden EnforcementStatus = "overridden"
	EnforcementExpired    EnforcementStatus = "expired"
)

// ReviewStatus is the state of the human-review sub-record.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewApproved  ReviewStatus = "approved"
	ReviewRejected  ReviewStatus = "rejected"
	ReviewEscalated ReviewStatus = "escalated"
)

// maxAuditEntries caps the audit trail: appending beyond this silently drops
// the oldest entries.
const maxAuditEntries = 50

// HumanReview tracks the reviewer workflow for an enforcement.
type HumanReview struct {
	Required    bool         `json:"required"`
	Status      ReviewStatus `json:"status"`
	Reviewer    string       `json:"reviewer,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	SLADeadline time.Time    `json:"slaDeadline"`
	ReviewedAt  *time.Time   `json:"reviewedAt,omitempty"`
}

// Overdue reports whether the review SLA has lapsed without a decision.
func (r *HumanReview) Overdue(now time.Time) bool {
	if !r.Required {
		return false
	}
	switch r.Status {
	case ReviewPending, ReviewInReview:
		return now.After(r.SLADeadline)
	}
	return false
}

// AppealStatus is the state of a filed appeal.
type AppealStatus string

const (
	AppealOpen     AppealStatus = "open"
	AppealAccepted AppealStatus = "accepted"
	AppealDenied   AppealStatus = "denied"
)

// Appeal is a user-filed challenge to an enforcement.
type Appeal struct {
	Reason        string       `json:"reason"`
	Evidence      string       `json:"evidence,omitempty"`
	Status        AppealStatus `json:"status"`
	ReviewerNotes string       `json:"reviewerNotes,omitempty"`
	FiledAt       time.Time    `json:"filedAt"`
	ResolvedAt    *time.Time   `json:"resolvedAt,omitempty"`
}

// AuditEntry is one record of the append-only enforcement audit trail.
type AuditEntry struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Delivery records the webhook delivery outcome for an enforcement. Retry
// scheduling is out of scope; only the counter is kept.
type Delivery struct {
	Sent           bool       `json:"sent"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	ResponseStatus int        `json:"responseStatus,omitempty"`
	ResponseBody   string     `json:"responseBody,omitempty"`
	RetryCount     int        `json:"retryCount"`
}

// Enforcement is a decision plus its consequence: the action applied to a
// user, the review workflow around it, and the delivery bookkeeping. Risk
// score and confidence are copied at decision time so history is immutable.
type Enforcement struct {
	ID              string   `json:"id"`
	UserID          string   `json:"savvyUserId"`
	App             string   `json:"app"`
	Level           string   `json:"level"`
	CaseID          string   `json:"caseId,omitempty"`
	RelatedEventIDs []string `json:"relatedEventIds,omitempty"`

	RiskScore        float64      `json:"riskScore"`
	Confidence       float64      `json:"confidence"`
	RiskFactors      []string     `json:"riskFactors,omitempty"`
	Action           Action       `json:"action"`
	Reason           string       `json:"reason"`
	AffectedFeatures []string     `json:"affectedFeatures,omitempty"`
	Restrictions     Restrictions `json:"restrictions"`
	DurationHours    *int         `json:"durationHours,omitempty"` // nil = indefinite

	Status      EnforcementStatus `json:"status"`
	ActivatedAt *time.Time        `json:"activatedAt,omitempty"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"` // nil = indefinite
	Review      HumanReview       `json:"humanReview"`
	Appeals     []Appeal          `json:"appeals,omitempty"`
	Audit       []AuditEntry      `json:"audit,omitempty"`
	Delivery    Delivery          `json:"webhookStatus"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the enforcement is in a final state.
func (e *Enforcement) IsTerminal() bool {
	switch e.Status {
	case EnforcementCompleted, EnforcementOverridden, EnforcementExpired:
		return true
	}
	return false
}

// AppendAudit records an audit entry, dropping the oldest entries once the
// trail exceeds the cap.
func (e *Enforcement) AppendAudit(action, actor, detail string, at time.Time) {
	e.Audit = append(e.Audit, AuditEntry{Action: action, Actor: actor, Detail: detail, At: at})
	if len(e.Audit) > maxAuditEntries {
		e.Audit = e.Audit[len(e.Audit)-maxAuditEntries:]
	}
}

// Activate transitions pending -> active and stamps the expiry for
// duration-bounded actions. Indefinite enforcements keep a nil expiry and
// stay active until explicitly overridden or completed.
func (e *Enforcement) Activate(actor string, now time.Time) error {
	if e.Status != EnforcementPending {
		return ErrInvalidStatus
	}
	e.Status = EnforcementActive
	e.ActivatedAt = &now
	if e.DurationHours != nil {
		exp := now.Add(time.Duration(*e.DurationHours) * time.Hour)
		e.ExpiresAt = &exp
	}
	e.AppendAudit("activated", actor, "", now)
	e.UpdatedAt = now
	return nil
}

// Complete ends an active enforcement.
func (e *Enforcement) Complete(actor, detail string, now time.Time) error {
	if e.IsTerminal() {
		return ErrInvalidStatus
	}
	e.Status = EnforcementCompleted
	e.AppendAudit("completed", actor, detail, now)
	e.UpdatedAt = now
	return nil
}

// Override ends an enforcement by reviewer decision.
func (e *Enforcement) Override(actor, reason string, now time.Time) error {
	if e.IsTerminal() {
		return ErrInvalidStatus
	}
	e.Status = EnforcementOverridden
	e.AppendAudit("overridden", actor, reason, now)
	e.UpdatedAt = now
	return nil
}

// Expire marks a duration-bounded enforcement as lapsed. No-op error if the
// enforcement has no expiry or has not reached it.
func (e *Enforcement) Expire(now time.Time) error {
	if e.Status != EnforcementActive || e.ExpiresAt == nil || now.Before(*e.ExpiresAt) {
		return ErrInvalidStatus
	}
	e.Status = EnforcementExpired
	e.AppendAudit("expired", "system", "", now)
	e.UpdatedAt = now
	return nil
}

// FileAppeal attaches a new open appeal.
func (e *Enforcement) FileAppeal(reason, evidence string, now time.Time) {
	e.Appeals = append(e.Appeals, Appeal{
		Reason:   reason,
		Evidence: evidence,
		Status:   AppealOpen,
		FiledAt:  now,
	})
	e.AppendAudit("appeal_filed", e.UserID, reason, now)
	e.UpdatedAt = now
}

// EnforcementFilter narrows admin enforcement queries.
type EnforcementFilter struct {
	UserID          string
	App             string
	Action          Action
	Status          EnforcementStatus
	Since           time.Time
	Until           time.Time
	BeforeCreatedAt time.Time
	BeforeID        string
	Limit           int
}

// EnforcementStore persists enforcement records.
type EnforcementStore interface {
	CreateEnforcement(ctx context.Context, e *Enforcement) error
	GetEnforcement(ctx context.Context, id string) (*Enforcement, error)
	UpdateEnforcement(ctx context.Context, e *Enforcement) error
	ListEnforcements(ctx context.Context, f EnforcementFilter) ([]*Enforcement, error)
	// ListExpiring returns active enforcements whose expiry is at or before
	// the given time. Drives the expiry timer.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Enforcement, error)
}

// Store combines both collections. The memory and Postgres implementations
// satisfy it; components that only need one side take the narrow interface.
type Store interface {
	EventStore
	EnforcementStore
}
