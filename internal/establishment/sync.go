package establishment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/external"
	"caseline/internal/intake"
	"caseline/internal/repo"
)

// Sync polls the external claim status and persists it. A cleared claim of
// a no-decision code closes its open issues with no_decision; a cleared
// claim that expects decisions submits its contended issues for decision
// sync; a canceled claim closes its issues with end_product_canceled and
// cancels the owning review.
func (e *Engine) Sync(ctx context.Context, epeID int64) error {
	epe, err := e.Repo.GetEstablishment(ctx, epeID)
	if err != nil {
		return err
	}
	ep, err := e.Result(ctx, epe)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now()
	status := ep.Status
	epe.SyncedStatus = &status
	epe.LastSyncedAt = &now
	if err := e.Repo.UpdateEstablishment(ctx, tx, epe); err != nil {
		return err
	}

	var submitIssues []int64
	switch {
	case status == domain.EPStatusCleared && e.noDecisionCode(epe.Code):
		if err := e.closeOpenIssues(ctx, tx, epe, domain.ClosedNoDecision, now); err != nil {
			return err
		}
	case status == domain.EPStatusCleared:
		issues, err := e.Repo.ListIssuesForEstablishment(ctx, tx, epe.ID)
		if err != nil {
			return err
		}
		for _, ri := range issues {
			if ri.Active() && ri.ContentionReferenceID != nil {
				submitIssues = append(submitIssues, ri.ID)
			}
		}
	case status == domain.EPStatusCanceled:
		if err := e.closeOpenIssues(ctx, tx, epe, domain.ClosedEndProductCanceled, now); err != nil {
			return err
		}
		if err := e.Repo.CancelReview(ctx, tx, epe.ReviewID, now); err != nil {
			return err
		}
	}

	if err := e.Events.Append(ctx, tx, "establishment.synced", "establishment", epe.ID, "", events.Payload{
		"status": status,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, id := range submitIssues {
		if err := e.SubmitDecisionSync(ctx, id); err != nil {
			return fmt.Errorf("submit decision sync for issue %d: %w", id, err)
		}
	}

	if e.Observer != nil {
		if err := e.Observer.OnSync(ctx, epe, status); err != nil {
			return fmt.Errorf("sync observer for establishment %d: %w", epe.ID, err)
		}
	}
	return nil
}

func (e *Engine) noDecisionCode(code string) bool {
	for _, c := range e.Config.Establishment.NoDecisionCodes {
		if c == code {
			return true
		}
	}
	return false
}

func (e *Engine) closeOpenIssues(ctx context.Context, tx *sql.Tx, epe domain.EndProductEstablishment, status domain.ClosedStatus, now time.Time) error {
	issues, err := e.Repo.ListIssuesForEstablishment(ctx, tx, epe.ID)
	if err != nil {
		return err
	}
	for _, ri := range issues {
		if ri.Closed() {
			continue
		}
		ri.Close(status, now)
		if err := e.Repo.UpdateRequestIssue(ctx, tx, ri); err != nil {
			return err
		}
	}
	return nil
}

// CancelUnusedEndProduct cancels the external claim when every issue under
// the establishment closed without requiring a decision. No-op once
// committed, or while any issue is open or decided.
func (e *Engine) CancelUnusedEndProduct(ctx context.Context, epeID int64, actorID string) error {
	epe, err := e.Repo.GetEstablishment(ctx, epeID)
	if err != nil {
		return err
	}
	if epe.Committed() || !epe.Established() {
		return nil
	}
	if epe.SyncedStatus != nil && *epe.SyncedStatus == domain.EPStatusCanceled {
		return nil
	}
	issues, err := e.Repo.ListIssuesForEstablishment(ctx, nil, epe.ID)
	if err != nil {
		return err
	}
	for _, ri := range issues {
		if ri.Open() {
			return nil
		}
		if ri.ClosedStatus != nil && *ri.ClosedStatus == domain.ClosedDecided {
			return nil
		}
	}

	if err := e.Claims.CancelClaim(ctx, epe.VeteranFileNumber, *epe.ReferenceID, "all contested issues removed"); err != nil {
		return fmt.Errorf("cancel claim %s: %w", *epe.ReferenceID, err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now()
	status := domain.EPStatusCanceled
	epe.SyncedStatus = &status
	epe.LastSyncedAt = &now
	if err := e.Repo.UpdateEstablishment(ctx, tx, epe); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "establishment.canceled_unused", "establishment", epe.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SubmitDecisionSync queues an issue for decision processing. The window
// opens only after a benefit-dependent delay past the claim's last action,
// so external rating finalization can complete first; rating issues wait,
// nonrating issues are ready immediately.
func (e *Engine) SubmitDecisionSync(ctx context.Context, issueID int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ri, err := e.Repo.GetRequestIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	if ri.SyncProcessedAt != nil || ri.SyncSubmittedAt != nil {
		return tx.Commit()
	}
	now := e.now()
	readyAt := now
	if ri.AssociatedRatingIssue() {
		readyAt = now.Add(e.Config.RatingDecisionDelay())
	}
	ri.SyncSubmittedAt = &now
	ri.SyncLastSubmittedAt = &readyAt
	if err := e.Repo.UpdateRequestIssue(ctx, tx, ri); err != nil {
		return err
	}
	return tx.Commit()
}

// ProcessDecisionSync creates the issue's decision records from the cleared
// claim. Idempotent: an already-processed issue is a no-op, and a not-yet-
// ready issue is skipped without error.
func (e *Engine) ProcessDecisionSync(ctx context.Context, issueID int64) error {
	ri, err := e.Repo.GetRequestIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if ri.SyncProcessed() {
		return nil
	}
	now := e.now()
	if !ri.SubmittedAndReady(now) {
		return nil
	}
	if ri.EndProductEstablishmentID == nil || ri.ContentionReferenceID == nil {
		return &DecisionIssueCreationError{RequestIssueID: ri.ID}
	}
	epe, err := e.Repo.GetEstablishment(ctx, *ri.EndProductEstablishmentID)
	if err != nil {
		return err
	}
	// decisions only exist once the claim reaches a terminal status
	if epe.SyncedStatus == nil || *epe.SyncedStatus != domain.EPStatusCleared {
		return nil
	}
	ep, err := e.Result(ctx, epe)
	if err != nil {
		return err
	}

	var created []domain.DecisionIssue
	if ri.AssociatedRatingIssue() {
		created, err = e.ratingDecisions(ctx, ri, epe, ep)
	} else {
		created, err = e.nonratingDecisions(ctx, ri, epe, ep)
	}
	if err != nil {
		e.recordSyncAttempt(ctx, ri.ID)
		return err
	}
	if len(created) == 0 {
		err := &DecisionIssueCreationError{RequestIssueID: ri.ID}
		e.recordSyncAttempt(ctx, ri.ID)
		return err
	}
	return nil
}

// ratingDecisions matches the issue's contention against the veteran's
// ratings. Distinct (rating reference, disposition) pairs collapse into one
// shared decision record across request issues.
func (e *Engine) ratingDecisions(ctx context.Context, ri domain.RequestIssue, epe domain.EndProductEstablishment, ep external.EndProduct) ([]domain.DecisionIssue, error) {
	rv, err := e.Repo.GetReview(ctx, epe.ReviewID)
	if err != nil {
		return nil, err
	}
	lastAction := e.now()
	if ep.LastActionDate != nil {
		lastAction = *ep.LastActionDate
	}
	ratings, err := e.Claims.GetRating(ctx, rv.ClaimantParticipantID, lastAction.AddDate(0, 0, -30), lastAction.AddDate(0, 0, 30))
	if err != nil {
		return nil, fmt.Errorf("fetch ratings for participant %s: %w", rv.ClaimantParticipantID, err)
	}

	var matched []external.RatingIssue
	var promulgated time.Time
	var profileDate string
	for _, rating := range ratings {
		for _, issue := range rating.Issues {
			if issue.DecidesContention(*ri.ContentionReferenceID) {
				matched = append(matched, issue)
				promulgated = rating.PromulgationDate
				profileDate = rating.ProfileDate
			}
		}
	}
	if len(matched) == 0 {
		return nil, &NoAssociatedRatingError{RequestIssueID: ri.ID}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now()
	var created []domain.DecisionIssue
	seen := map[string]bool{}
	for _, issue := range matched {
		key := issue.ReferenceID + "|" + issue.Disposition
		if seen[key] {
			continue
		}
		seen[key] = true
		refID := issue.ReferenceID
		di, err := e.Repo.FindDecisionIssue(ctx, tx, rv.ClaimantParticipantID, refID, issue.Disposition)
		if errors.Is(err, repo.ErrNotFound) {
			di = domain.DecisionIssue{
				ReviewID:               rv.ID,
				ParticipantID:          rv.ClaimantParticipantID,
				Disposition:            issue.Disposition,
				Description:            issue.Decision,
				BenefitType:            ri.BenefitType,
				RatingIssueReferenceID: &refID,
				RatingPromulgationDate: &promulgated,
				CreatedAt:              now,
			}
			if profileDate != "" {
				di.RatingProfileDate = &profileDate
			}
			if ep.LastActionDate != nil {
				di.EndProductLastActionDate = ep.LastActionDate
			}
			if err := e.Repo.InsertDecisionIssue(ctx, tx, &di); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		if err := e.Repo.LinkDecisionIssue(ctx, tx, ri.ID, di.ID, now); err != nil {
			return nil, err
		}
		created = append(created, di)
	}

	if err := e.finishProcessing(ctx, tx, ri, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// nonratingDecisions creates one decision record straight from the
// contention's recorded disposition.
func (e *Engine) nonratingDecisions(ctx context.Context, ri domain.RequestIssue, epe domain.EndProductEstablishment, ep external.EndProduct) ([]domain.DecisionIssue, error) {
	dispositions, err := e.Claims.GetDispositions(ctx, ep.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("fetch dispositions for claim %s: %w", ep.ClaimID, err)
	}
	var disposition string
	for _, d := range dispositions {
		if d.ContentionID == *ri.ContentionReferenceID {
			disposition = d.Disposition
			break
		}
	}
	if disposition == "" {
		return nil, &MissingContentionDispositionError{RequestIssueID: ri.ID, ContentionID: *ri.ContentionReferenceID}
	}
	rv, err := e.Repo.GetReview(ctx, epe.ReviewID)
	if err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now()
	di := domain.DecisionIssue{
		ReviewID:      rv.ID,
		ParticipantID: rv.ClaimantParticipantID,
		Disposition:   disposition,
		Description:   intake.ContentionText(ri),
		BenefitType:   ri.BenefitType,
		CreatedAt:     now,
	}
	if ep.LastActionDate != nil {
		di.EndProductLastActionDate = ep.LastActionDate
	}
	if err := e.Repo.InsertDecisionIssue(ctx, tx, &di); err != nil {
		return nil, err
	}
	if err := e.Repo.LinkDecisionIssue(ctx, tx, ri.ID, di.ID, now); err != nil {
		return nil, err
	}
	if err := e.finishProcessing(ctx, tx, ri, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return []domain.DecisionIssue{di}, nil
}

// finishProcessing stamps the issue processed and closes it decided, in the
// same transaction as the decision records.
func (e *Engine) finishProcessing(ctx context.Context, tx *sql.Tx, ri domain.RequestIssue, now time.Time) error {
	ri.SyncAttemptedAt = &now
	ri.SyncProcessedAt = &now
	ri.Close(domain.ClosedDecided, now)
	if err := e.Repo.UpdateRequestIssue(ctx, tx, ri); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "issue.decided", "request_issue", ri.ID, "", nil)
}

// recordSyncAttempt stamps the failed attempt so the retry job can tell a
// fresh item from a stuck one.
func (e *Engine) recordSyncAttempt(ctx context.Context, issueID int64) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	ri, err := e.Repo.GetRequestIssueTx(ctx, tx, issueID)
	if err != nil {
		return
	}
	now := e.now()
	ri.SyncAttemptedAt = &now
	if err := e.Repo.UpdateRequestIssue(ctx, tx, ri); err != nil {
		return
	}
	tx.Commit()
}

// FlagSyncError records a permanent failure for manual attention. The job
// runner calls this once the processing window expires.
func (e *Engine) FlagSyncError(ctx context.Context, issueID int64, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ri, err := e.Repo.GetRequestIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	msg := cause.Error()
	ri.SyncError = &msg
	if err := e.Repo.UpdateRequestIssue(ctx, tx, ri); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "issue.sync_failed", "request_issue", ri.ID, "", events.Payload{
		"error": msg,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// StatusActive reports whether the claim is still working externally,
// optionally refreshing from the claims service first.
func (e *Engine) StatusActive(ctx context.Context, epeID int64, sync bool) (bool, error) {
	if sync {
		if err := e.Sync(ctx, epeID); err != nil {
			return false, err
		}
	}
	epe, err := e.Repo.GetEstablishment(ctx, epeID)
	if err != nil {
		return false, err
	}
	return epe.StatusActive(), nil
}
