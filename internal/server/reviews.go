package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
	"caseline/internal/intake"
)

type IssueRequest struct {
	ContestedRatingIssueID     *string `json:"contested_rating_issue_id,omitempty"`
	ContestedRatingProfileDate *string `json:"contested_rating_profile_date,omitempty"`
	ContestedDecisionIssueID   *int64  `json:"contested_decision_issue_id,omitempty"`
	ContestedIssueDescription  string  `json:"contested_issue_description,omitempty"`
	NonratingCategory          string  `json:"nonrating_category,omitempty"`
	NonratingDescription       string  `json:"nonrating_description,omitempty"`
	UnidentifiedIssueText      string  `json:"unidentified_issue_text,omitempty"`
	IsUnidentified             bool    `json:"is_unidentified,omitempty"`
	DecisionDate               *string `json:"decision_date,omitempty" format:"date"`
	BenefitType                string  `json:"benefit_type,omitempty"`
	UntimelyExemption          bool    `json:"untimely_exemption,omitempty"`
	RampClaimID                *string `json:"ramp_claim_id,omitempty"`
	LegacyID                   *string `json:"legacy_id,omitempty"`
	LegacySequenceID           *int    `json:"legacy_sequence_id,omitempty"`
	CorrectionType             *string `json:"correction_type,omitempty" enum:"control,local_quality_error,national_quality_error"`
	IneligibleReason           *string `json:"ineligible_reason,omitempty"`
}

type SubmitReviewRequest struct {
	ReviewType          string         `json:"review_type" enum:"higher_level_review,supplemental_claim,appeal"`
	VeteranFileNumber   string         `json:"veteran_file_number"`
	ReceiptDate         string         `json:"receipt_date" format:"date"`
	BenefitType         string         `json:"benefit_type,omitempty"`
	LegacyOptInApproved bool           `json:"legacy_opt_in_approved,omitempty"`
	SameOffice          bool           `json:"same_office,omitempty"`
	DocketType          string         `json:"docket_type,omitempty"`
	DocketNumber        string         `json:"docket_number,omitempty"`
	Issues              []IssueRequest `json:"issues"`
}

type SubmitReviewResponse struct {
	Review         domain.DecisionReview            `json:"review"`
	Issues         []domain.RequestIssue            `json:"issues"`
	Establishments []domain.EndProductEstablishment `json:"establishments,omitempty"`
}

func registerReviews(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/reviews",
		Summary:       "Submit a decision review",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SubmitReviewRequest `json:"body"`
	}) (*struct {
		Body SubmitReviewResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		params, err := submitParams(input.Body)
		if err != nil {
			return nil, err
		}
		res, serr := cfg.Intake.SubmitReview(ctx, params, actorID)
		if serr != nil {
			return nil, handleError(serr)
		}
		return &struct {
			Body SubmitReviewResponse `json:"body"`
		}{Body: SubmitReviewResponse{
			Review:         res.Review,
			Issues:         res.Issues,
			Establishments: res.Establishments,
		}}, nil
	})
}

func submitParams(req SubmitReviewRequest) (intake.SubmitParams, huma.StatusError) {
	receipt, err := time.Parse("2006-01-02", req.ReceiptDate)
	if err != nil {
		return intake.SubmitParams{}, newAPIError(http.StatusBadRequest, "bad_request",
			"receipt_date must be YYYY-MM-DD", nil)
	}
	p := intake.SubmitParams{
		ReviewType:          domain.ReviewType(req.ReviewType),
		VeteranFileNumber:   req.VeteranFileNumber,
		ReceiptDate:         receipt,
		BenefitType:         req.BenefitType,
		LegacyOptInApproved: req.LegacyOptInApproved,
		SameOffice:          req.SameOffice,
		DocketType:          req.DocketType,
		DocketNumber:        req.DocketNumber,
	}
	for _, iss := range req.Issues {
		ip := intake.IssueParams{
			ContestedRatingIssueID:     iss.ContestedRatingIssueID,
			ContestedRatingProfileDate: iss.ContestedRatingProfileDate,
			ContestedDecisionIssueID:   iss.ContestedDecisionIssueID,
			ContestedIssueDescription:  iss.ContestedIssueDescription,
			NonratingCategory:          iss.NonratingCategory,
			NonratingDescription:       iss.NonratingDescription,
			UnidentifiedIssueText:      iss.UnidentifiedIssueText,
			IsUnidentified:             iss.IsUnidentified,
			BenefitType:                iss.BenefitType,
			UntimelyExemption:          iss.UntimelyExemption,
			RampClaimID:                iss.RampClaimID,
			LegacyID:                   iss.LegacyID,
			LegacySequenceID:           iss.LegacySequenceID,
		}
		if iss.DecisionDate != nil {
			d, err := time.Parse("2006-01-02", *iss.DecisionDate)
			if err != nil {
				return intake.SubmitParams{}, newAPIError(http.StatusBadRequest, "bad_request",
					"decision_date must be YYYY-MM-DD", nil)
			}
			ip.DecisionDate = &d
		}
		if iss.CorrectionType != nil {
			ct := domain.CorrectionType(*iss.CorrectionType)
			ip.CorrectionType = &ct
		}
		if iss.IneligibleReason != nil {
			ir := domain.IneligibleReason(*iss.IneligibleReason)
			ip.IneligibleReason = &ir
		}
		p.Issues = append(p.Issues, ip)
	}
	return p, nil
}

func registerEstablishments(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "perform-establishment",
		Method:      http.MethodPost,
		Path:        "/establishments/{id}/perform",
		Summary:     "Establish the end product externally",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.EndProductEstablishment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		epe, err := cfg.Est.Perform(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Est.CreateContentions(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Est.AssociateRatingRequestIssues(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		epe, err = cfg.Est.Repo.GetEstablishment(ctx, epe.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EndProductEstablishment `json:"body"`
		}{Body: epe}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-establishment",
		Method:      http.MethodPost,
		Path:        "/establishments/{id}/sync",
		Summary:     "Sync end product status",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.EndProductEstablishment `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := cfg.Est.Sync(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		epe, err := cfg.Est.Repo.GetEstablishment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EndProductEstablishment `json:"body"`
		}{Body: epe}, nil
	})
}
