package intake

import (
	"context"
	"fmt"
	"time"

	"caseline/internal/domain"
	"caseline/internal/events"
)

// Withdraw closes the issue as withdrawn, effective at the claimant's
// stated withdrawal date.
func (e Engine) Withdraw(ctx context.Context, issueID int64, at time.Time, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ri, err := e.Repo.GetRequestIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	if ri.Closed() {
		return tx.Commit()
	}
	ri.Close(domain.ClosedWithdrawn, at)
	if err := e.Repo.UpdateRequestIssue(ctx, tx, ri); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "issue.withdrawn", "request_issue", ri.ID, actorID, events.Payload{
		"withdrawn_at": at.UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Remove closes the issue as removed and unwinds its side effects: a
// flagged legacy opt-in is queued for rollback, decision links that no other
// issue shares are soft-deleted, and any pending decision sync is dropped.
func (e Engine) Remove(ctx context.Context, issueID int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ri, err := e.Repo.GetRequestIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	if ri.Closed() {
		return tx.Commit()
	}
	now := e.now()
	ri.Close(domain.ClosedRemoved, now)
	if ri.SyncSubmittedAt != nil && ri.SyncProcessedAt == nil {
		ri.SyncSubmittedAt = nil
		ri.SyncLastSubmittedAt = nil
	}
	if err := e.Repo.UpdateRequestIssue(ctx, tx, ri); err != nil {
		return err
	}
	if ri.LegacyID != nil {
		if err := e.Repo.FlagOptinForRollback(ctx, tx, ri.ID, now); err != nil {
			return fmt.Errorf("flag opt-in rollback: %w", err)
		}
	}
	if err := e.Repo.SoftDeleteDecisionIssues(ctx, tx, ri.ID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "issue.removed", "request_issue", ri.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
