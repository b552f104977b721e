// Package establishment creates and tracks one external claim per
// review-benefit grouping, then synchronizes decision outcomes back onto the
// contested issues. Every step is idempotent: re-invocation past its natural
// completion point is a no-op.
package establishment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/external"
	"caseline/internal/intake"
	"caseline/internal/repo"
)

// SyncObserver is notified after each successful status sync. Optional;
// review variants that react to claim status changes implement it.
type SyncObserver interface {
	OnSync(ctx context.Context, epe domain.EndProductEstablishment, status string) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Claims   external.ClaimsService
	Dir      external.Directory
	Observer SyncObserver
	Now      func() time.Time

	locks *veteranLocks
}

func New(db *sql.DB, cfg *config.Config, claims external.ClaimsService, dir external.Directory) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Claims: claims,
		Dir:    dir,
		Now:    time.Now,
		locks:  newVeteranLocks(),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Perform establishes the claim externally and persists the reference id.
// No-op once the reference id is set. The veteran's modifier family is
// locked for the duration so concurrent establishments cannot collide on a
// slot.
func (e *Engine) Perform(ctx context.Context, epeID int64, actorID string) (domain.EndProductEstablishment, error) {
	epe, err := e.Repo.GetEstablishment(ctx, epeID)
	if err != nil {
		return epe, err
	}
	if epe.Established() {
		return epe, nil
	}
	if missing := missingFields(epe); len(missing) > 0 {
		return epe, &InvalidEndProductError{Missing: missing}
	}

	unlock := e.locks.Lock(epe.VeteranFileNumber)
	defer unlock()

	// a concurrent Perform may have established while we waited on the lock
	epe, err = e.Repo.GetEstablishment(ctx, epeID)
	if err != nil {
		return epe, err
	}
	if epe.Established() {
		return epe, nil
	}

	modifier, err := e.nextModifier(ctx, nil, epe.VeteranFileNumber, epe.Code)
	if err != nil {
		return epe, err
	}

	req := external.ClaimRequest{
		VeteranFileNumber:     epe.VeteranFileNumber,
		ClaimantParticipantID: epe.ClaimantParticipantID,
		Code:                  epe.Code,
		Modifier:              modifier,
		PayeeCode:             epe.PayeeCode,
		Station:               epe.Station,
		ClaimDate:             epe.ClaimDate,
		BenefitTypeCode:       epe.BenefitTypeCode,
	}
	if code, access, found, err := e.Dir.LimitedPOA(ctx, epe.ClaimantParticipantID); err == nil && found {
		epe.LimitedPOACode = &code
		epe.LimitedPOAAccess = &access
		req.LimitedPOACode = epe.LimitedPOACode
		req.LimitedPOAAccess = epe.LimitedPOAAccess
	}

	ep, err := e.Claims.EstablishClaim(ctx, req)
	if err != nil {
		e.recordEstablishmentError(ctx, epe.ReviewID, err)
		return epe, &EstablishClaimFailedError{EstablishmentID: epe.ID, Err: err}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return epe, err
	}
	defer tx.Rollback()

	now := e.now()
	if err := e.Repo.SetEstablished(ctx, tx, epe.ID, ep.ClaimID, modifier, now); err != nil {
		return epe, err
	}
	if epe.LimitedPOACode != nil {
		if err := e.Repo.SetLimitedPOA(ctx, tx, epe.ID, epe.LimitedPOACode, epe.LimitedPOAAccess); err != nil {
			return epe, err
		}
	}
	if err := e.Repo.SetReviewEstablishmentError(ctx, tx, epe.ReviewID, nil); err != nil {
		return epe, err
	}
	if err := e.Events.Append(ctx, tx, "establishment.performed", "establishment", epe.ID, actorID, events.Payload{
		"reference_id": ep.ClaimID,
		"modifier":     modifier,
	}); err != nil {
		return epe, err
	}
	if err := tx.Commit(); err != nil {
		return epe, err
	}
	return e.Repo.GetEstablishment(ctx, epeID)
}

func missingFields(epe domain.EndProductEstablishment) []string {
	var missing []string
	if epe.Code == "" {
		missing = append(missing, "code")
	}
	if epe.PayeeCode == "" {
		missing = append(missing, "payee_code")
	}
	if epe.VeteranFileNumber == "" {
		missing = append(missing, "veteran_file_number")
	}
	if epe.Station == "" {
		missing = append(missing, "station")
	}
	return missing
}

func (e *Engine) recordEstablishmentError(ctx context.Context, reviewID int64, cause error) {
	msg := cause.Error()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Repo.SetReviewEstablishmentError(ctx, tx, reviewID, &msg); err != nil {
		return
	}
	tx.Commit()
}

// CreateContentions files one contention per active, not-yet-contended
// issue and persists the returned reference ids. Issues that already carry
// a contention id are excluded, so a partial batch is safe to retry.
func (e *Engine) CreateContentions(ctx context.Context, epeID int64, actorID string) error {
	epe, err := e.Repo.GetEstablishment(ctx, epeID)
	if err != nil {
		return err
	}
	if !epe.Established() {
		return fmt.Errorf("establishment %d: contentions before establish", epe.ID)
	}
	issues, err := e.Repo.ListIssuesForEstablishment(ctx, nil, epe.ID)
	if err != nil {
		return err
	}
	rv, err := e.Repo.GetReview(ctx, epe.ReviewID)
	if err != nil {
		return err
	}

	var pending []domain.RequestIssue
	var texts []string
	var special [][]string
	for _, ri := range issues {
		if !ri.Active() || ri.ContentionReferenceID != nil {
			continue
		}
		pending = append(pending, ri)
		texts = append(texts, intake.ContentionText(ri))
		special = append(special, intake.SpecialIssues(ri, rv))
	}
	if len(pending) == 0 {
		return nil
	}

	contentions, err := e.Claims.CreateContentions(ctx, *epe.ReferenceID, texts, special)
	// persist whatever came back before surfacing the error; created
	// contentions must not be re-filed on retry
	if len(contentions) > 0 {
		if perr := e.persistContentions(ctx, pending, contentions, actorID); perr != nil {
			return perr
		}
	}
	if err != nil {
		return fmt.Errorf("create contentions for establishment %d: %w", epe.ID, err)
	}
	return nil
}

func (e *Engine) persistContentions(ctx context.Context, pending []domain.RequestIssue, contentions []external.Contention, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i, ct := range contentions {
		if i >= len(pending) {
			break
		}
		id := ct.ID
		pending[i].ContentionReferenceID = &id
		if err := e.Repo.UpdateRequestIssue(ctx, tx, pending[i]); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "issue.contention_created", "request_issue", pending[i].ID, actorID, events.Payload{
			"contention_reference_id": id,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AssociateRatingRequestIssues maps contention ids to the rating issues they
// contest. Issues lacking either side of the mapping are silently skipped;
// downstream processing falls back to disposition lookup.
func (e *Engine) AssociateRatingRequestIssues(ctx context.Context, epeID int64) error {
	epe, err := e.Repo.GetEstablishment(ctx, epeID)
	if err != nil {
		return err
	}
	if !epe.Established() {
		return fmt.Errorf("establishment %d: associate before establish", epe.ID)
	}
	issues, err := e.Repo.ListIssuesForEstablishment(ctx, nil, epe.ID)
	if err != nil {
		return err
	}
	mapping := map[string]string{}
	for _, ri := range issues {
		if !ri.Eligible() || ri.ContestedRatingIssueID == nil || ri.ContentionReferenceID == nil {
			continue
		}
		mapping[*ri.ContentionReferenceID] = *ri.ContestedRatingIssueID
	}
	if len(mapping) == 0 {
		return nil
	}
	if err := e.Claims.AssociateRatingIssues(ctx, *epe.ReferenceID, mapping); err != nil {
		return fmt.Errorf("associate rating issues for establishment %d: %w", epe.ID, err)
	}
	return nil
}

// Commit finalizes the establishment workflow. Set at most once.
func (e *Engine) Commit(ctx context.Context, epeID int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	committed, err := e.Repo.SetCommitted(ctx, tx, epeID, e.now())
	if err != nil {
		return err
	}
	if !committed {
		return tx.Commit()
	}
	if err := e.Events.Append(ctx, tx, "establishment.committed", "establishment", epeID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GenerateDocuments requests the claimant letter and tracked item for an
// informal conference. Each external id is stored once; re-runs are no-ops.
func (e *Engine) GenerateDocuments(ctx context.Context, epeID int64) error {
	epe, err := e.Repo.GetEstablishment(ctx, epeID)
	if err != nil {
		return err
	}
	if !epe.Established() {
		return fmt.Errorf("establishment %d: documents before establish", epe.ID)
	}
	if epe.DocReferenceID == nil {
		docID, err := e.Claims.GenerateClaimantLetter(ctx, *epe.ReferenceID)
		if err != nil {
			return fmt.Errorf("generate claimant letter: %w", err)
		}
		if err := e.Repo.SetDocReference(ctx, epe.ID, docID); err != nil {
			return err
		}
	}
	if epe.DevelopmentItemID == nil {
		itemID, err := e.Claims.GenerateTrackedItem(ctx, *epe.ReferenceID)
		if err != nil {
			return fmt.Errorf("generate tracked item: %w", err)
		}
		if err := e.Repo.SetDevelopmentItem(ctx, epe.ID, itemID); err != nil {
			return err
		}
	}
	return nil
}

// Result fetches the external claim backing this establishment.
func (e *Engine) Result(ctx context.Context, epe domain.EndProductEstablishment) (external.EndProduct, error) {
	if !epe.Established() {
		return external.EndProduct{}, &EstablishedEndProductNotFoundError{EstablishmentID: epe.ID}
	}
	ep, err := e.Claims.GetClaim(ctx, epe.VeteranFileNumber, *epe.ReferenceID)
	if errors.Is(err, external.ErrClaimNotFound) {
		return external.EndProduct{}, &EstablishedEndProductNotFoundError{EstablishmentID: epe.ID, ReferenceID: *epe.ReferenceID}
	}
	return ep, err
}
