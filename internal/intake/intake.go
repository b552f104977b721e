// Package intake turns review submissions into persisted reviews, eligible
// request issues, and the end product establishments that will carry them.
// Eligibility is computed exactly once, at creation.
package intake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/external"
	"caseline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Legacy  external.LegacyService
	Toggles external.FeatureToggles
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, legacy external.LegacyService, toggles external.FeatureToggles) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Config:  cfg,
		Legacy:  legacy,
		Toggles: toggles,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Feature flags consulted per submitting user.
const (
	FlagLegacyOptIn      = "legacy_opt_in"
	FlagCorrectionClaims = "correction_claims"
)

func (e Engine) toggleEnabled(flag, actorID string) bool {
	if e.Toggles == nil {
		return true
	}
	return e.Toggles.Enabled(flag, actorID)
}

// ValidationError reports malformed submission input, field by field.
type ValidationError struct {
	Fields []string
}

func (v *ValidationError) Error() string {
	return "invalid submission: " + strings.Join(v.Fields, ", ")
}

// IssueParams is one contested issue as submitted.
type IssueParams struct {
	ContestedRatingIssueID     *string
	ContestedRatingProfileDate *string
	ContestedDecisionIssueID   *int64
	ContestedIssueDescription  string
	NonratingCategory          string
	NonratingDescription       string
	UnidentifiedIssueText      string
	IsUnidentified             bool
	DecisionDate               *time.Time
	BenefitType                string
	UntimelyExemption          bool
	RampClaimID                *string
	LegacyID                   *string
	LegacySequenceID           *int
	CorrectionType             *domain.CorrectionType
	// IneligibleReason pre-assigned upstream, e.g. a nonrating duplicate
	// detected during intake data entry. Skips the duplicate check.
	IneligibleReason *domain.IneligibleReason
}

// SubmitParams is a full review submission.
type SubmitParams struct {
	ReviewType          domain.ReviewType
	VeteranFileNumber   string
	ReceiptDate         time.Time
	BenefitType         string
	LegacyOptInApproved bool
	SameOffice          bool
	DocketType          string
	DocketNumber        string
	Issues              []IssueParams
}

// SubmitResult is everything a submission created.
type SubmitResult struct {
	Review         domain.DecisionReview
	Issues         []domain.RequestIssue
	Establishments []domain.EndProductEstablishment
}

// SubmitReview persists the review, computes eligibility per issue in order,
// closes ineligible issues atomically with their reason, and groups the
// eligible issues for the appropriate review types into end product
// establishments, one per claim code. Establishments are created
// not-established; perform them through the establishment engine.
func (e Engine) SubmitReview(ctx context.Context, p SubmitParams, actorID string) (SubmitResult, error) {
	if err := validateSubmit(p); err != nil {
		return SubmitResult{}, err
	}
	if !e.toggleEnabled(FlagCorrectionClaims, actorID) {
		for _, ip := range p.Issues {
			if ip.CorrectionType != nil {
				return SubmitResult{}, &ValidationError{Fields: []string{"correction_type"}}
			}
		}
	}
	veteran, err := e.Repo.GetVeteranByFileNumber(ctx, p.VeteranFileNumber)
	if errors.Is(err, repo.ErrNotFound) {
		return SubmitResult{}, &ValidationError{Fields: []string{"veteran_file_number"}}
	}
	if err != nil {
		return SubmitResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()

	now := e.now()
	rv := domain.DecisionReview{
		Type:                  p.ReviewType,
		VeteranFileNumber:     p.VeteranFileNumber,
		ClaimantParticipantID: veteran.ParticipantID,
		ReceiptDate:           p.ReceiptDate,
		BenefitType:           p.BenefitType,
		LegacyOptInApproved:   p.LegacyOptInApproved && e.toggleEnabled(FlagLegacyOptIn, actorID),
		SameOffice:            p.SameOffice,
		DocketType:            p.DocketType,
		DocketNumber:          p.DocketNumber,
		CreatedAt:             now,
	}
	if err := e.Repo.InsertReview(ctx, tx, &rv); err != nil {
		return SubmitResult{}, err
	}

	res := SubmitResult{Review: rv}
	for _, ip := range p.Issues {
		ri := issueFromParams(ip, rv, now)
		if err := e.validateEligibility(ctx, tx, &ri, rv); err != nil {
			return SubmitResult{}, err
		}
		if ri.IneligibleReason != nil {
			ri.Close(domain.ClosedIneligible, now)
		}
		if err := e.Repo.InsertRequestIssue(ctx, tx, &ri); err != nil {
			return SubmitResult{}, err
		}
		if ri.Eligible() && ri.LegacyID != nil && ri.LegacySequenceID != nil && rv.LegacyOptInApproved {
			if err := e.recordOptin(ctx, tx, ri, now); err != nil {
				return SubmitResult{}, err
			}
		}
		res.Issues = append(res.Issues, ri)
	}

	establishments, err := e.groupIntoEstablishments(ctx, tx, &res, veteran, now)
	if err != nil {
		return SubmitResult{}, err
	}
	res.Establishments = establishments

	if err := e.Events.Append(ctx, tx, "review.submitted", "review", rv.ID, actorID, events.Payload{
		"type":   string(rv.Type),
		"issues": len(res.Issues),
	}); err != nil {
		return SubmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

func validateSubmit(p SubmitParams) error {
	var fields []string
	switch p.ReviewType {
	case domain.HigherLevelReview, domain.SupplementalClaim, domain.Appeal:
	default:
		fields = append(fields, "review_type")
	}
	if p.VeteranFileNumber == "" {
		fields = append(fields, "veteran_file_number")
	}
	if p.ReceiptDate.IsZero() {
		fields = append(fields, "receipt_date")
	}
	if len(p.Issues) == 0 {
		fields = append(fields, "issues")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func issueFromParams(ip IssueParams, rv domain.DecisionReview, now time.Time) domain.RequestIssue {
	return domain.RequestIssue{
		ReviewID:                   rv.ID,
		ContestedRatingIssueID:     ip.ContestedRatingIssueID,
		ContestedRatingProfileDate: ip.ContestedRatingProfileDate,
		ContestedDecisionIssueID:   ip.ContestedDecisionIssueID,
		ContestedIssueDescription:  ip.ContestedIssueDescription,
		NonratingCategory:          ip.NonratingCategory,
		NonratingDescription:       ip.NonratingDescription,
		UnidentifiedIssueText:      ip.UnidentifiedIssueText,
		IsUnidentified:             ip.IsUnidentified,
		DecisionDate:               ip.DecisionDate,
		BenefitType:                ip.BenefitType,
		UntimelyExemption:          ip.UntimelyExemption,
		RampClaimID:                ip.RampClaimID,
		LegacyID:                   ip.LegacyID,
		LegacySequenceID:           ip.LegacySequenceID,
		CorrectionType:             ip.CorrectionType,
		IneligibleReason:           ip.IneligibleReason,
		CreatedAt:                  now,
	}
}

func (e Engine) recordOptin(ctx context.Context, tx *sql.Tx, ri domain.RequestIssue, now time.Time) error {
	li, found, err := e.Legacy.FindIssue(ctx, *ri.LegacyID, *ri.LegacySequenceID)
	if err != nil {
		return fmt.Errorf("record opt-in: %w", err)
	}
	code := ""
	if found {
		code = li.DispositionCode
	}
	return e.Repo.InsertLegacyOptin(ctx, tx, ri.ID, *ri.LegacyID, *ri.LegacySequenceID, code, now)
}

// Rating reports the issue's classification for claim-code selection: it
// directly contests a rating issue, or re-contests a decision that was
// itself rated.
func (e Engine) Rating(ctx context.Context, tx *sql.Tx, ri domain.RequestIssue) (bool, error) {
	if ri.AssociatedRatingIssue() {
		return true, nil
	}
	if ri.IsUnidentified || ri.ContestedDecisionIssueID == nil {
		return false, nil
	}
	di, err := e.Repo.GetDecisionIssue(ctx, tx, *ri.ContestedDecisionIssueID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return di.RatingIssueReferenceID != nil, nil
}

// groupIntoEstablishments buckets the review's eligible issues by claim code
// and creates one establishment per code. Appeals open no end products.
func (e Engine) groupIntoEstablishments(ctx context.Context, tx *sql.Tx, res *SubmitResult, veteran domain.Veteran, now time.Time) ([]domain.EndProductEstablishment, error) {
	rv := res.Review
	if rv.Type == domain.Appeal {
		return nil, nil
	}
	byCode := map[string][]int{}
	var codes []string
	for i, ri := range res.Issues {
		if !ri.Eligible() {
			continue
		}
		rating, err := e.Rating(ctx, tx, ri)
		if err != nil {
			return nil, err
		}
		code := EndProductCode(rv.Type, rating, rv.BenefitType, ri.CorrectionType)
		if code == "" {
			continue
		}
		if _, seen := byCode[code]; !seen {
			codes = append(codes, code)
		}
		byCode[code] = append(byCode[code], i)
	}

	var establishments []domain.EndProductEstablishment
	for _, code := range codes {
		epe := domain.EndProductEstablishment{
			ReviewID:              rv.ID,
			VeteranFileNumber:     rv.VeteranFileNumber,
			ClaimantParticipantID: veteran.ParticipantID,
			Code:                  code,
			PayeeCode:             "00",
			BenefitTypeCode:       domain.BenefitTypeCodeLive,
			ClaimDate:             rv.ReceiptDate,
			Station:               e.Config.Establishment.Station,
			CreatedAt:             now,
		}
		if err := e.Repo.InsertEstablishment(ctx, tx, &epe); err != nil {
			return nil, err
		}
		for _, i := range byCode[code] {
			res.Issues[i].EndProductEstablishmentID = &epe.ID
			if err := e.Repo.UpdateRequestIssue(ctx, tx, res.Issues[i]); err != nil {
				return nil, err
			}
		}
		establishments = append(establishments, epe)
	}
	return establishments, nil
}
