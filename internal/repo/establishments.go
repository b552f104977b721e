package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseline/internal/domain"
)

const epeCols = `id,review_id,veteran_file_number,claimant_participant_id,code,modifier,payee_code,
station,claim_date,benefit_type_code,reference_id,synced_status,last_synced_at,established_at,committed_at,
doc_reference_id,development_item_reference_id,limited_poa_code,limited_poa_access,established_by_id,created_at`

func scanEstablishment(row taskScanner) (domain.EndProductEstablishment, error) {
	var (
		epe                                domain.EndProductEstablishment
		claimant, benefitCode              sql.NullString
		modifier, payee, refID, synced     sql.NullString
		claimDate, lastSynced, established sql.NullString
		committed, docRef, devItem         sql.NullString
		poaCode                            sql.NullString
		poaAccess                          sql.NullBool
		establishedBy                      sql.NullInt64
		createdAt                          string
	)
	err := row.Scan(&epe.ID, &epe.ReviewID, &epe.VeteranFileNumber, &claimant, &epe.Code, &modifier, &payee,
		&epe.Station, &claimDate, &benefitCode, &refID, &synced, &lastSynced, &established, &committed,
		&docRef, &devItem, &poaCode, &poaAccess, &establishedBy, &createdAt)
	if err == sql.ErrNoRows {
		return epe, ErrNotFound
	}
	if err != nil {
		return epe, err
	}
	epe.ClaimantParticipantID = claimant.String
	epe.Modifier = strPtr(modifier)
	epe.PayeeCode = payee.String
	epe.BenefitTypeCode = benefitCode.String
	epe.LimitedPOACode = strPtr(poaCode)
	if poaAccess.Valid {
		epe.LimitedPOAAccess = &poaAccess.Bool
	}
	epe.EstablishedByID = intPtr(establishedBy)
	if claimDate.Valid {
		epe.ClaimDate = parseTime(claimDate.String)
	}
	epe.ReferenceID = strPtr(refID)
	epe.SyncedStatus = strPtr(synced)
	epe.LastSyncedAt = parseTimePtr(lastSynced)
	epe.EstablishedAt = parseTimePtr(established)
	epe.CommittedAt = parseTimePtr(committed)
	epe.DocReferenceID = strPtr(docRef)
	epe.DevelopmentItemID = strPtr(devItem)
	epe.CreatedAt = parseTime(createdAt)
	return epe, nil
}

func (r Repo) InsertEstablishment(ctx context.Context, tx *sql.Tx, epe *domain.EndProductEstablishment) error {
	res, err := r.ex(tx).ExecContext(ctx, `INSERT INTO end_product_establishments
(review_id,veteran_file_number,claimant_participant_id,code,modifier,payee_code,station,claim_date,
 benefit_type_code,reference_id,synced_status,last_synced_at,established_at,committed_at,established_by_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		epe.ReviewID, epe.VeteranFileNumber, emptyNull(epe.ClaimantParticipantID), epe.Code,
		nullable(epe.Modifier), epe.PayeeCode, epe.Station, fmtTime(epe.ClaimDate),
		emptyNull(epe.BenefitTypeCode), nullable(epe.ReferenceID), nullable(epe.SyncedStatus), fmtTimePtr(epe.LastSyncedAt),
		fmtTimePtr(epe.EstablishedAt), fmtTimePtr(epe.CommittedAt), nullable(epe.EstablishedByID),
		fmtTime(epe.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert establishment: %w", err)
	}
	epe.ID, err = res.LastInsertId()
	return err
}

func (r Repo) UpdateEstablishment(ctx context.Context, tx *sql.Tx, epe domain.EndProductEstablishment) error {
	res, err := r.ex(tx).ExecContext(ctx, `UPDATE end_product_establishments SET
modifier=?,reference_id=?,synced_status=?,last_synced_at=?,established_at=?,committed_at=?
WHERE id=?`,
		nullable(epe.Modifier), nullable(epe.ReferenceID), nullable(epe.SyncedStatus),
		fmtTimePtr(epe.LastSyncedAt), fmtTimePtr(epe.EstablishedAt), fmtTimePtr(epe.CommittedAt), epe.ID)
	if err != nil {
		return fmt.Errorf("update establishment %d: %w", epe.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEstablishment(ctx context.Context, id int64) (domain.EndProductEstablishment, error) {
	return scanEstablishment(r.DB.QueryRowContext(ctx, `SELECT `+epeCols+` FROM end_product_establishments WHERE id=?`, id))
}

func (r Repo) GetEstablishmentTx(ctx context.Context, tx *sql.Tx, id int64) (domain.EndProductEstablishment, error) {
	return scanEstablishment(tx.QueryRowContext(ctx, `SELECT `+epeCols+` FROM end_product_establishments WHERE id=?`, id))
}

// SetEstablished records the external reference id, modifier, and timestamp.
// The reference id is set at most once; a row already established is left
// untouched.
func (r Repo) SetEstablished(ctx context.Context, tx *sql.Tx, id int64, referenceID, modifier string, now time.Time) error {
	_, err := r.ex(tx).ExecContext(ctx, `UPDATE end_product_establishments
SET reference_id=?, modifier=?, established_at=? WHERE id=? AND reference_id IS NULL`,
		referenceID, modifier, fmtTime(now), id)
	return err
}

// SetLimitedPOA records the limited power-of-attorney looked up at
// establishment time.
func (r Repo) SetLimitedPOA(ctx context.Context, tx *sql.Tx, id int64, code *string, access *bool) error {
	_, err := r.ex(tx).ExecContext(ctx, `UPDATE end_product_establishments
SET limited_poa_code=?, limited_poa_access=? WHERE id=?`, nullable(code), nullable(access), id)
	return err
}

// SetCommitted stamps committed_at once. Reports whether this call did the
// stamping.
func (r Repo) SetCommitted(ctx context.Context, tx *sql.Tx, id int64, now time.Time) (bool, error) {
	res, err := r.ex(tx).ExecContext(ctx, `UPDATE end_product_establishments
SET committed_at=? WHERE id=? AND committed_at IS NULL`, fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SetDocReference(ctx context.Context, id int64, docID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE end_product_establishments
SET doc_reference_id=? WHERE id=? AND doc_reference_id IS NULL`, docID, id)
	return err
}

func (r Repo) SetDevelopmentItem(ctx context.Context, id int64, itemID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE end_product_establishments
SET development_item_reference_id=? WHERE id=? AND development_item_reference_id IS NULL`, itemID, id)
	return err
}

// TakenModifiers returns the modifiers of the veteran's establishments whose
// end products are not canceled. A claim that cleared still occupies its
// modifier; only cancellation frees it.
func (r Repo) TakenModifiers(ctx context.Context, tx *sql.Tx, fileNumber string) ([]string, error) {
	rows, err := r.ex(tx).QueryContext(ctx, `SELECT modifier FROM end_product_establishments
WHERE veteran_file_number=? AND modifier IS NOT NULL AND (synced_status IS NULL OR synced_status != ?)`,
		fileNumber, domain.EPStatusCanceled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var taken []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		taken = append(taken, m)
	}
	return taken, rows.Err()
}

// ListUnsyncedEstablishments returns established claims whose last known
// status is neither cleared nor canceled, for the status sync job.
func (r Repo) ListUnsyncedEstablishments(ctx context.Context) ([]domain.EndProductEstablishment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+epeCols+` FROM end_product_establishments
WHERE reference_id IS NOT NULL AND (synced_status IS NULL OR synced_status NOT IN (?,?)) ORDER BY id`,
		domain.EPStatusCleared, domain.EPStatusCanceled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EndProductEstablishment
	for rows.Next() {
		epe, err := scanEstablishment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, epe)
	}
	return res, rows.Err()
}

func (r Repo) ListEstablishmentsForReview(ctx context.Context, tx *sql.Tx, reviewID int64) ([]domain.EndProductEstablishment, error) {
	rows, err := r.ex(tx).QueryContext(ctx, `SELECT `+epeCols+` FROM end_product_establishments WHERE review_id=? ORDER BY id`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EndProductEstablishment
	for rows.Next() {
		epe, err := scanEstablishment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, epe)
	}
	return res, rows.Err()
}
