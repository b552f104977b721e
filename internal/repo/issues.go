package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseline/internal/domain"
)

const issueCols = `id,review_id,end_product_establishment_id,contested_rating_issue_reference_id,
contested_rating_issue_profile_date,contested_decision_issue_id,contested_issue_description,
nonrating_issue_category,nonrating_issue_description,unidentified_issue_text,is_unidentified,
edited_description,decision_date,benefit_type,untimely_exemption,ramp_claim_id,legacy_id,legacy_sequence_id,
ineligible_reason,ineligible_due_to_id,corrected_by_id,correction_type,closed_status,closed_at,
contention_reference_id,sync_submitted_at,sync_last_submitted_at,sync_attempted_at,sync_processed_at,
sync_error,created_at`

func scanIssue(row taskScanner) (domain.RequestIssue, error) {
	var (
		ri                                                     domain.RequestIssue
		epeID, contestedDecision, legacySeq                    sql.NullInt64
		ineligibleDueTo, correctedBy                           sql.NullInt64
		ratingRef, ratingProfile, contestedDesc                sql.NullString
		nonratingCat, nonratingDesc, unidentifiedText          sql.NullString
		editedDesc, benefitType, rampClaim, legacyID           sql.NullString
		ineligibleReason, correctionType, closedStatus         sql.NullString
		decisionDate, closedAt                                 sql.NullString
		contentionRef, syncError                               sql.NullString
		submittedAt, lastSubmittedAt, attemptedAt, processedAt sql.NullString
		isUnidentified, untimelyExemption                      bool
		createdAt                                              string
	)
	err := row.Scan(&ri.ID, &ri.ReviewID, &epeID, &ratingRef, &ratingProfile, &contestedDecision,
		&contestedDesc, &nonratingCat, &nonratingDesc, &unidentifiedText, &isUnidentified,
		&editedDesc, &decisionDate, &benefitType, &untimelyExemption, &rampClaim, &legacyID, &legacySeq,
		&ineligibleReason, &ineligibleDueTo, &correctedBy, &correctionType, &closedStatus, &closedAt,
		&contentionRef, &submittedAt, &lastSubmittedAt, &attemptedAt, &processedAt, &syncError, &createdAt)
	if err == sql.ErrNoRows {
		return ri, ErrNotFound
	}
	if err != nil {
		return ri, err
	}
	ri.EndProductEstablishmentID = intPtr(epeID)
	ri.ContestedRatingIssueID = strPtr(ratingRef)
	ri.ContestedRatingProfileDate = strPtr(ratingProfile)
	ri.ContestedDecisionIssueID = intPtr(contestedDecision)
	ri.ContestedIssueDescription = contestedDesc.String
	ri.NonratingCategory = nonratingCat.String
	ri.NonratingDescription = nonratingDesc.String
	ri.UnidentifiedIssueText = unidentifiedText.String
	ri.IsUnidentified = isUnidentified
	ri.EditedDescription = editedDesc.String
	ri.DecisionDate = parseTimePtr(decisionDate)
	ri.BenefitType = benefitType.String
	ri.UntimelyExemption = untimelyExemption
	ri.RampClaimID = strPtr(rampClaim)
	ri.LegacyID = strPtr(legacyID)
	if legacySeq.Valid {
		v := int(legacySeq.Int64)
		ri.LegacySequenceID = &v
	}
	if ineligibleReason.Valid {
		reason := domain.IneligibleReason(ineligibleReason.String)
		ri.IneligibleReason = &reason
	}
	ri.IneligibleDueToID = intPtr(ineligibleDueTo)
	ri.CorrectedByID = intPtr(correctedBy)
	if correctionType.Valid {
		ct := domain.CorrectionType(correctionType.String)
		ri.CorrectionType = &ct
	}
	if closedStatus.Valid {
		cs := domain.ClosedStatus(closedStatus.String)
		ri.ClosedStatus = &cs
	}
	ri.ClosedAt = parseTimePtr(closedAt)
	ri.ContentionReferenceID = strPtr(contentionRef)
	ri.SyncSubmittedAt = parseTimePtr(submittedAt)
	ri.SyncLastSubmittedAt = parseTimePtr(lastSubmittedAt)
	ri.SyncAttemptedAt = parseTimePtr(attemptedAt)
	ri.SyncProcessedAt = parseTimePtr(processedAt)
	ri.SyncError = strPtr(syncError)
	ri.CreatedAt = parseTime(createdAt)
	return ri, nil
}

func (r Repo) InsertRequestIssue(ctx context.Context, tx *sql.Tx, ri *domain.RequestIssue) error {
	res, err := r.ex(tx).ExecContext(ctx, `INSERT INTO request_issues
(review_id,end_product_establishment_id,contested_rating_issue_reference_id,contested_rating_issue_profile_date,
 contested_decision_issue_id,contested_issue_description,nonrating_issue_category,nonrating_issue_description,
 unidentified_issue_text,is_unidentified,edited_description,decision_date,benefit_type,untimely_exemption,
 ramp_claim_id,legacy_id,legacy_sequence_id,ineligible_reason,ineligible_due_to_id,corrected_by_id,
 correction_type,closed_status,closed_at,contention_reference_id,sync_submitted_at,sync_last_submitted_at,
 sync_attempted_at,sync_processed_at,sync_error,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ri.ReviewID, nullable(ri.EndProductEstablishmentID), nullable(ri.ContestedRatingIssueID),
		nullable(ri.ContestedRatingProfileDate), nullable(ri.ContestedDecisionIssueID),
		emptyNull(ri.ContestedIssueDescription), emptyNull(ri.NonratingCategory),
		emptyNull(ri.NonratingDescription), emptyNull(ri.UnidentifiedIssueText), ri.IsUnidentified,
		emptyNull(ri.EditedDescription), fmtTimePtr(ri.DecisionDate), emptyNull(ri.BenefitType),
		ri.UntimelyExemption, nullable(ri.RampClaimID), nullable(ri.LegacyID), nullable(ri.LegacySequenceID),
		reasonVal(ri.IneligibleReason), nullable(ri.IneligibleDueToID), nullable(ri.CorrectedByID),
		correctionVal(ri.CorrectionType), closedVal(ri.ClosedStatus), fmtTimePtr(ri.ClosedAt),
		nullable(ri.ContentionReferenceID), fmtTimePtr(ri.SyncSubmittedAt), fmtTimePtr(ri.SyncLastSubmittedAt),
		fmtTimePtr(ri.SyncAttemptedAt), fmtTimePtr(ri.SyncProcessedAt), nullable(ri.SyncError),
		fmtTime(ri.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert request issue: %w", err)
	}
	ri.ID, err = res.LastInsertId()
	return err
}

func (r Repo) UpdateRequestIssue(ctx context.Context, tx *sql.Tx, ri domain.RequestIssue) error {
	res, err := r.ex(tx).ExecContext(ctx, `UPDATE request_issues SET
end_product_establishment_id=?,ineligible_reason=?,ineligible_due_to_id=?,corrected_by_id=?,correction_type=?,
closed_status=?,closed_at=?,edited_description=?,contention_reference_id=?,
sync_submitted_at=?,sync_last_submitted_at=?,sync_attempted_at=?,sync_processed_at=?,sync_error=?
WHERE id=?`,
		nullable(ri.EndProductEstablishmentID), reasonVal(ri.IneligibleReason), nullable(ri.IneligibleDueToID),
		nullable(ri.CorrectedByID), correctionVal(ri.CorrectionType), closedVal(ri.ClosedStatus),
		fmtTimePtr(ri.ClosedAt), emptyNull(ri.EditedDescription), nullable(ri.ContentionReferenceID),
		fmtTimePtr(ri.SyncSubmittedAt), fmtTimePtr(ri.SyncLastSubmittedAt), fmtTimePtr(ri.SyncAttemptedAt),
		fmtTimePtr(ri.SyncProcessedAt), nullable(ri.SyncError), ri.ID)
	if err != nil {
		return fmt.Errorf("update request issue %d: %w", ri.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRequestIssue(ctx context.Context, id int64) (domain.RequestIssue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM request_issues WHERE id=?`, id))
}

func (r Repo) GetRequestIssueTx(ctx context.Context, tx *sql.Tx, id int64) (domain.RequestIssue, error) {
	return scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueCols+` FROM request_issues WHERE id=?`, id))
}

// FindActiveByRatingReference finds an eligible, open issue contesting the
// given rating issue, for the duplicate check.
func (r Repo) FindActiveByRatingReference(ctx context.Context, tx *sql.Tx, referenceID string) (domain.RequestIssue, error) {
	return scanIssue(r.ex(tx).QueryRowContext(ctx, `SELECT `+issueCols+` FROM request_issues
WHERE contested_rating_issue_reference_id=? AND ineligible_reason IS NULL AND closed_at IS NULL
ORDER BY id LIMIT 1`, referenceID))
}

func (r Repo) FindActiveByContestedDecisionIssue(ctx context.Context, tx *sql.Tx, decisionIssueID int64) (domain.RequestIssue, error) {
	return scanIssue(r.ex(tx).QueryRowContext(ctx, `SELECT `+issueCols+` FROM request_issues
WHERE contested_decision_issue_id=? AND ineligible_reason IS NULL AND closed_at IS NULL
ORDER BY id LIMIT 1`, decisionIssueID))
}

func (r Repo) ListIssuesForReview(ctx context.Context, tx *sql.Tx, reviewID int64) ([]domain.RequestIssue, error) {
	return r.listIssues(ctx, tx, `SELECT `+issueCols+` FROM request_issues WHERE review_id=? ORDER BY id`, reviewID)
}

func (r Repo) ListIssuesForEstablishment(ctx context.Context, tx *sql.Tx, epeID int64) ([]domain.RequestIssue, error) {
	return r.listIssues(ctx, tx, `SELECT `+issueCols+` FROM request_issues WHERE end_product_establishment_id=? ORDER BY id`, epeID)
}

// ListSubmittedUnprocessedIssues feeds the decision sync job: submitted but
// not yet processed, ready or not.
func (r Repo) ListSubmittedUnprocessedIssues(ctx context.Context) ([]domain.RequestIssue, error) {
	return r.listIssues(ctx, nil, `SELECT `+issueCols+` FROM request_issues
WHERE sync_submitted_at IS NOT NULL AND sync_processed_at IS NULL AND sync_error IS NULL ORDER BY id`)
}

// CountActiveIssuesForAppeals supports the cached-appeals job.
func (r Repo) CountActiveIssuesForReview(ctx context.Context, reviewID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_issues
WHERE review_id=? AND ineligible_reason IS NULL AND closed_at IS NULL`, reviewID).Scan(&n)
	return n, err
}

func (r Repo) listIssues(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.RequestIssue, error) {
	rows, err := r.ex(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequestIssue
	for rows.Next() {
		ri, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ri)
	}
	return res, rows.Err()
}

// --- legacy issue opt-ins ---

func (r Repo) InsertLegacyOptin(ctx context.Context, tx *sql.Tx, requestIssueID int64, legacyID string, legacySeq int, dispositionCode string, now time.Time) error {
	_, err := r.ex(tx).ExecContext(ctx, `INSERT INTO legacy_issue_optins
(request_issue_id,legacy_id,legacy_sequence_id,original_disposition_code,created_at) VALUES (?,?,?,?,?)`,
		requestIssueID, legacyID, legacySeq, emptyNull(dispositionCode), fmtTime(now))
	return err
}

func (r Repo) FlagOptinForRollback(ctx context.Context, tx *sql.Tx, requestIssueID int64, now time.Time) error {
	_, err := r.ex(tx).ExecContext(ctx, `UPDATE legacy_issue_optins
SET flagged_for_rollback_at=? WHERE request_issue_id=? AND flagged_for_rollback_at IS NULL`,
		fmtTime(now), requestIssueID)
	return err
}

func reasonVal(p *domain.IneligibleReason) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func correctionVal(p *domain.CorrectionType) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func closedVal(p *domain.ClosedStatus) any {
	if p == nil {
		return nil
	}
	return string(*p)
}
