package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseline/internal/domain"
)

const decisionCols = `id,review_id,participant_id,disposition,description,benefit_type,
rating_issue_reference_id,rating_profile_date,rating_promulgation_date,end_product_last_action_date,
deleted_at,created_at`

func scanDecision(row taskScanner) (domain.DecisionIssue, error) {
	var (
		di                       domain.DecisionIssue
		desc, benefit            sql.NullString
		ratingRef, ratingProfile sql.NullString
		promulgation, lastAction sql.NullString
		deletedAt                sql.NullString
		createdAt                string
	)
	err := row.Scan(&di.ID, &di.ReviewID, &di.ParticipantID, &di.Disposition, &desc, &benefit,
		&ratingRef, &ratingProfile, &promulgation, &lastAction, &deletedAt, &createdAt)
	if err == sql.ErrNoRows {
		return di, ErrNotFound
	}
	if err != nil {
		return di, err
	}
	di.Description = desc.String
	di.BenefitType = benefit.String
	di.RatingIssueReferenceID = strPtr(ratingRef)
	di.RatingProfileDate = strPtr(ratingProfile)
	di.RatingPromulgationDate = parseTimePtr(promulgation)
	di.EndProductLastActionDate = parseTimePtr(lastAction)
	di.DeletedAt = parseTimePtr(deletedAt)
	di.CreatedAt = parseTime(createdAt)
	return di, nil
}

func (r Repo) InsertDecisionIssue(ctx context.Context, tx *sql.Tx, di *domain.DecisionIssue) error {
	res, err := r.ex(tx).ExecContext(ctx, `INSERT INTO decision_issues
(review_id,participant_id,disposition,description,benefit_type,rating_issue_reference_id,
 rating_profile_date,rating_promulgation_date,end_product_last_action_date,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		di.ReviewID, di.ParticipantID, di.Disposition, emptyNull(di.Description), emptyNull(di.BenefitType),
		nullable(di.RatingIssueReferenceID), nullable(di.RatingProfileDate),
		fmtTimePtr(di.RatingPromulgationDate), fmtTimePtr(di.EndProductLastActionDate), fmtTime(di.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert decision issue: %w", err)
	}
	di.ID, err = res.LastInsertId()
	return err
}

// FindDecisionIssue deduplicates rating decisions: one decision issue per
// (participant, rating reference, disposition) regardless of how many
// request issues it resolves.
func (r Repo) FindDecisionIssue(ctx context.Context, tx *sql.Tx, participantID, ratingReferenceID, disposition string) (domain.DecisionIssue, error) {
	return scanDecision(r.ex(tx).QueryRowContext(ctx, `SELECT `+decisionCols+` FROM decision_issues
WHERE participant_id=? AND rating_issue_reference_id=? AND disposition=? AND deleted_at IS NULL
ORDER BY id LIMIT 1`, participantID, ratingReferenceID, disposition))
}

func (r Repo) LinkDecisionIssue(ctx context.Context, tx *sql.Tx, requestIssueID, decisionIssueID int64, now time.Time) error {
	_, err := r.ex(tx).ExecContext(ctx, `INSERT OR IGNORE INTO request_decision_issues
(request_issue_id,decision_issue_id,created_at) VALUES (?,?,?)`,
		requestIssueID, decisionIssueID, fmtTime(now))
	return err
}

// SoftDeleteDecisionIssues detaches a request issue's decisions without
// destroying rows shared with other request issues.
func (r Repo) SoftDeleteDecisionIssues(ctx context.Context, tx *sql.Tx, requestIssueID int64, now time.Time) error {
	ts := fmtTime(now)
	_, err := r.ex(tx).ExecContext(ctx, `UPDATE decision_issues SET deleted_at=?
WHERE deleted_at IS NULL AND id IN (
  SELECT decision_issue_id FROM request_decision_issues WHERE request_issue_id=? AND deleted_at IS NULL)
AND id NOT IN (
  SELECT decision_issue_id FROM request_decision_issues WHERE request_issue_id != ? AND deleted_at IS NULL)`,
		ts, requestIssueID, requestIssueID)
	if err != nil {
		return err
	}
	_, err = r.ex(tx).ExecContext(ctx, `UPDATE request_decision_issues SET deleted_at=?
WHERE request_issue_id=? AND deleted_at IS NULL`, ts, requestIssueID)
	return err
}

func (r Repo) ListDecisionIssuesForRequestIssue(ctx context.Context, tx *sql.Tx, requestIssueID int64) ([]domain.DecisionIssue, error) {
	rows, err := r.ex(tx).QueryContext(ctx, `SELECT di.id,di.review_id,di.participant_id,di.disposition,
di.description,di.benefit_type,di.rating_issue_reference_id,di.rating_profile_date,
di.rating_promulgation_date,di.end_product_last_action_date,di.deleted_at,di.created_at
FROM decision_issues di
JOIN request_decision_issues rdi ON rdi.decision_issue_id = di.id
WHERE rdi.request_issue_id=? AND rdi.deleted_at IS NULL AND di.deleted_at IS NULL ORDER BY di.id`, requestIssueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionIssue
	for rows.Next() {
		di, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, di)
	}
	return res, rows.Err()
}

func (r Repo) GetDecisionIssue(ctx context.Context, tx *sql.Tx, id int64) (domain.DecisionIssue, error) {
	return scanDecision(r.ex(tx).QueryRowContext(ctx, `SELECT `+decisionCols+` FROM decision_issues WHERE id=?`, id))
}
