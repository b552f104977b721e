package intake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"caseline/internal/domain"
	"caseline/internal/repo"
)

// Opt-in can only withdraw a legacy issue whose statement of the case is
// recent enough when the review is received.
const legacyOptInSOCWindow = 60 * 24 * time.Hour

// validateEligibility runs the checks in their fixed order. The first check
// that fires records the single ineligible reason; later checks never
// overwrite it.
func (e Engine) validateEligibility(ctx context.Context, tx *sql.Tx, ri *domain.RequestIssue, rv domain.DecisionReview) error {
	checks := []func(context.Context, *sql.Tx, *domain.RequestIssue, domain.DecisionReview) error{
		e.checkActiveDuplicate,
		e.checkUntimely,
		e.checkEligiblePreviousReview,
		e.checkBeforeAMA,
		e.checkLegacyNotWithdrawn,
		e.checkLegacyAppealNotEligible,
	}
	for _, check := range checks {
		if ri.IneligibleReason != nil {
			return nil
		}
		if err := check(ctx, tx, ri, rv); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) checkActiveDuplicate(ctx context.Context, tx *sql.Tx, ri *domain.RequestIssue, rv domain.DecisionReview) error {
	if ri.ContestedRatingIssueID != nil {
		other, err := e.Repo.FindActiveByRatingReference(ctx, tx, *ri.ContestedRatingIssueID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if err == nil && other.ReviewID != rv.ID {
			markIneligible(ri, domain.DuplicateOfRatingIssue, &other.ID)
			return nil
		}
	}
	if ri.ContestedDecisionIssueID != nil {
		other, err := e.Repo.FindActiveByContestedDecisionIssue(ctx, tx, *ri.ContestedDecisionIssueID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if err == nil && other.ReviewID != rv.ID {
			markIneligible(ri, domain.DuplicateOfRatingIssue, &other.ID)
		}
	}
	return nil
}

func (e Engine) checkUntimely(ctx context.Context, tx *sql.Tx, ri *domain.RequestIssue, rv domain.DecisionReview) error {
	if ri.UntimelyExemption || ri.LegacyID != nil || rv.Type == domain.SupplementalClaim {
		return nil
	}
	if ri.DecisionDate == nil {
		return nil
	}
	window := e.Config.TimelinessWindow(string(rv.Type))
	if window > 0 && rv.ReceiptDate.Sub(*ri.DecisionDate) > window {
		markIneligible(ri, domain.Untimely, nil)
	}
	return nil
}

// checkEligiblePreviousReview rejects contesting a decision whose source
// review is still active, for the review-type pairs the process forbids.
func (e Engine) checkEligiblePreviousReview(ctx context.Context, tx *sql.Tx, ri *domain.RequestIssue, rv domain.DecisionReview) error {
	if ri.ContestedDecisionIssueID == nil {
		return nil
	}
	di, err := e.Repo.GetDecisionIssue(ctx, tx, *ri.ContestedDecisionIssueID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("previous review check: %w", err)
	}
	prior, err := e.Repo.GetReviewTx(ctx, tx, di.ReviewID)
	if err != nil {
		return fmt.Errorf("previous review check: %w", err)
	}
	reason, forbidden := previousReviewConflict(prior.Type, rv.Type)
	if !forbidden {
		return nil
	}
	issues, err := e.Repo.ListIssuesForReview(ctx, tx, di.ReviewID)
	if err != nil {
		return fmt.Errorf("previous review check: %w", err)
	}
	for _, other := range issues {
		if other.Active() {
			markIneligible(ri, reason, &other.ID)
			return nil
		}
	}
	return nil
}

func previousReviewConflict(prior, current domain.ReviewType) (domain.IneligibleReason, bool) {
	switch {
	case prior == domain.HigherLevelReview && current == domain.HigherLevelReview:
		return domain.HLRToHLR, true
	case prior == domain.Appeal && current == domain.Appeal:
		return domain.AppealToAppeal, true
	case prior == domain.Appeal && current == domain.HigherLevelReview:
		return domain.AppealToHLR, true
	}
	return "", false
}

func (e Engine) checkBeforeAMA(ctx context.Context, tx *sql.Tx, ri *domain.RequestIssue, rv domain.DecisionReview) error {
	if ri.IsUnidentified || ri.LegacyID != nil || ri.RampClaimID != nil || rv.Type == domain.SupplementalClaim {
		return nil
	}
	if ri.DecisionDate != nil && ri.DecisionDate.Before(e.Config.AMAActivation()) {
		markIneligible(ri, domain.BeforeAMA, nil)
	}
	return nil
}

func (e Engine) checkLegacyNotWithdrawn(ctx context.Context, tx *sql.Tx, ri *domain.RequestIssue, rv domain.DecisionReview) error {
	if ri.LegacyID != nil && !rv.LegacyOptInApproved {
		markIneligible(ri, domain.LegacyIssueNotWithdrawn, nil)
	}
	return nil
}

func (e Engine) checkLegacyAppealNotEligible(ctx context.Context, tx *sql.Tx, ri *domain.RequestIssue, rv domain.DecisionReview) error {
	if ri.LegacyID == nil || ri.LegacySequenceID == nil {
		return nil
	}
	li, found, err := e.Legacy.FindIssue(ctx, *ri.LegacyID, *ri.LegacySequenceID)
	if err != nil {
		return fmt.Errorf("legacy eligibility check: %w", err)
	}
	if !found {
		return nil
	}
	if !li.EligibleForOptIn || !li.WithdrawableByOptIn(rv.ReceiptDate, legacyOptInSOCWindow) {
		markIneligible(ri, domain.LegacyAppealNotEligible, nil)
	}
	return nil
}

func markIneligible(ri *domain.RequestIssue, reason domain.IneligibleReason, dueTo *int64) {
	ri.IneligibleReason = &reason
	ri.IneligibleDueToID = dueTo
}
