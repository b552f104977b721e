package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseline/internal/domain"
)

const reviewCols = `id,type,veteran_file_number,claimant_participant_id,receipt_date,benefit_type,
legacy_opt_in_approved,same_office,docket_type,docket_number,establishment_error,canceled_at,created_at`

func scanReview(row taskScanner) (domain.DecisionReview, error) {
	var (
		rv                            domain.DecisionReview
		claimant, benefit             sql.NullString
		docketType, docketNum, estErr sql.NullString
		canceledAt                    sql.NullString
		legacyOptIn, sameOffice       bool
		receiptDate, createdAt        string
	)
	err := row.Scan(&rv.ID, &rv.Type, &rv.VeteranFileNumber, &claimant, &receiptDate, &benefit,
		&legacyOptIn, &sameOffice, &docketType, &docketNum, &estErr, &canceledAt, &createdAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	rv.ClaimantParticipantID = claimant.String
	rv.ReceiptDate = parseTime(receiptDate)
	rv.BenefitType = benefit.String
	rv.LegacyOptInApproved = legacyOptIn
	rv.SameOffice = sameOffice
	rv.DocketType = docketType.String
	rv.DocketNumber = docketNum.String
	rv.EstablishmentError = strPtr(estErr)
	rv.CanceledAt = parseTimePtr(canceledAt)
	rv.CreatedAt = parseTime(createdAt)
	return rv, nil
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv *domain.DecisionReview) error {
	res, err := r.ex(tx).ExecContext(ctx, `INSERT INTO reviews
(type,veteran_file_number,claimant_participant_id,receipt_date,benefit_type,legacy_opt_in_approved,
 same_office,docket_type,docket_number,establishment_error,canceled_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(rv.Type), rv.VeteranFileNumber, emptyNull(rv.ClaimantParticipantID), fmtTime(rv.ReceiptDate),
		emptyNull(rv.BenefitType), rv.LegacyOptInApproved, rv.SameOffice, emptyNull(rv.DocketType),
		emptyNull(rv.DocketNumber), nullable(rv.EstablishmentError), fmtTimePtr(rv.CanceledAt),
		fmtTime(rv.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	rv.ID, err = res.LastInsertId()
	return err
}

func (r Repo) GetReview(ctx context.Context, id int64) (domain.DecisionReview, error) {
	return scanReview(r.DB.QueryRowContext(ctx, `SELECT `+reviewCols+` FROM reviews WHERE id=?`, id))
}

func (r Repo) GetReviewTx(ctx context.Context, tx *sql.Tx, id int64) (domain.DecisionReview, error) {
	return scanReview(tx.QueryRowContext(ctx, `SELECT `+reviewCols+` FROM reviews WHERE id=?`, id))
}

func (r Repo) SetReviewEstablishmentError(ctx context.Context, tx *sql.Tx, id int64, msg *string) error {
	_, err := r.ex(tx).ExecContext(ctx, `UPDATE reviews SET establishment_error=? WHERE id=?`, nullable(msg), id)
	return err
}

// CancelReview marks the review canceled. Idempotent: a second call leaves
// the original timestamp in place.
func (r Repo) CancelReview(ctx context.Context, tx *sql.Tx, id int64, now time.Time) error {
	_, err := r.ex(tx).ExecContext(ctx, `UPDATE reviews SET canceled_at=? WHERE id=? AND canceled_at IS NULL`,
		fmtTime(now), id)
	return err
}

func (r Repo) ListReviewIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM reviews ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
