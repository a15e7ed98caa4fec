package shield

import (
	"context"
	"fmt"
)

// Human-review and appeal operations. These mutate the enforcement state
// machine on behalf of an external reviewing actor; the decision logic that
// created the enforcement is never re-run here.

// ReviewDecision is the verdict a reviewer hands down.
type ReviewDecision string

const (
	ReviewDecisionApprove  ReviewDecision = "approve"
	ReviewDecisionReject   ReviewDecision = "reject"
	ReviewDecisionEscalate ReviewDecision = "escalate"
)

// Review applies a reviewer verdict to an enforcement's human-review
// sub-record. Rejecting the decision overrides the enforcement itself.
func (s *Service) Review(ctx context.Context, id string, decision ReviewDecision, reviewer, notes string) (*Enforcement, error) {
	e, err := s.enforcements.GetEnforcement(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Review.Required {
		return nil, fmt.Errorf("%w: enforcement does not require review", ErrInvalidStatus)
	}
	switch e.Review.Status {
	case ReviewApproved, ReviewRejected:
		return nil, fmt.Errorf("%w: review already resolved", ErrInvalidStatus)
	}

	now := s.now()
	e.Review.Reviewer = reviewer
	e.Review.Notes = notes
	e.Review.ReviewedAt = &now

	switch decision {
	case ReviewDecisionApprove:
		e.Review.Status = ReviewApproved
		e.AppendAudit("review_approved", reviewer, notes, now)
	case ReviewDecisionReject:
		e.Review.Status = ReviewRejected
		e.AppendAudit("review_rejected", reviewer, notes, now)
		if !e.IsTerminal() {
			if err := e.Override(reviewer, "review rejected: "+notes, now); err != nil {
				return nil, err
			}
		}
	case ReviewDecisionEscalate:
		e.Review.Status = ReviewEscalated
		e.AppendAudit("review_escalated", reviewer, notes, now)
	default:
		return nil, fmt.Errorf("unknown review decision %q", decision)
	}

	e.UpdatedAt = now
	if err := s.enforcements.UpdateEnforcement(ctx, e); err != nil {
		return nil, fmt.Errorf("update enforcement: %w", err)
	}
	return e, nil
}

// Override ends an enforcement by operator decision, independent of the
// review workflow.
func (s *Service) OverrideEnforcement(ctx context.Context, id, actor, reason string) (*Enforcement, error) {
	e, err := s.enforcements.GetEnforcement(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Override(actor, reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.enforcements.UpdateEnforcement(ctx, e); err != nil {
		return nil, fmt.Errorf("update enforcement: %w", err)
	}
	return e, nil
}

// CompleteEnforcement marks an enforcement as served.
func (s *Service) CompleteEnforcement(ctx context.Context, id, actor, detail string) (*Enforcement, error) {
	e, err := s.enforcements.GetEnforcement(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Complete(actor, detail, s.now()); err != nil {
		return nil, err
	}
	if err := s.enforcements.UpdateEnforcement(ctx, e); err != nil {
		return nil, fmt.Errorf("update enforcement: %w", err)
	}
	return e, nil
}

// FileAppeal attaches a user appeal to an enforcement.
func (s *Service) FileAppeal(ctx context.Context, id, reason, evidence string) (*Enforcement, error) {
	e, err := s.enforcements.GetEnforcement(ctx, id)
	if err != nil {
		return nil, err
	}
	e.FileAppeal(reason, evidence, s.now())
	if err := s.enforcements.UpdateEnforcement(ctx, e); err != nil {
		return nil, fmt.Errorf("update enforcement: %w", err)
	}
	return e, nil
}

// ResolveAppeal resolves the appeal at the given index. Accepting an appeal
// overrides the enforcement.
func (s *Service) ResolveAppeal(ctx context.Context, id string, index int, accept bool, reviewer, notes string) (*Enforcement, error) {
	e, err := s.enforcements.GetEnforcement(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.Appeals) {
		return nil, fmt.Errorf("appeal index %d out of range", index)
	}
	appeal := &e.Appeals[index]
	if appeal.Status != AppealOpen {
		return nil, fmt.Errorf("%w: appeal already resolved", ErrInvalidStatus)
	}

	now := s.now()
	appeal.ReviewerNotes = notes
	appeal.ResolvedAt = &now
	if accept {
		appeal.Status = AppealAccepted
		e.AppendAudit("appeal_accepted", reviewer, notes, now)
		if !e.IsTerminal() {
			if err := e.Override(reviewer, "appeal accepted: "+notes, now); err != nil {
				return nil, err
			}
		}
	} else {
		appeal.Status = AppealDenied
		e.AppendAudit("appeal_denied", reviewer, notes, now)
	}

	e.UpdatedAt = now
	if err := s.enforcements.UpdateEnforcement(ctx, e); err != nil {
		return nil, fmt.Errorf("update enforcement: %w", err)
	}
	return e, nil
}
