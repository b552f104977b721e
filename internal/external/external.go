// Package external defines the seams to the systems of record: the claims
// processing service, the corporate directory, and the legacy appeals system.
// Implementations live elsewhere; the fake subpackage backs local mode and
// tests.
package external

import (
	"context"
	"errors"
	"time"
)

// ErrClaimNotFound reports that the claims service has no claim with the
// given reference id.
var ErrClaimNotFound = errors.New("claim not found")

// Transient marks an error as retryable. Jobs retry transient failures with
// backoff and record everything else.
type Transient struct{ Err error }

func (t Transient) Error() string { return "transient: " + t.Err.Error() }
func (t Transient) Unwrap() error { return t.Err }

func IsTransient(err error) bool {
	var t Transient
	return errors.As(err, &t)
}

// ClaimRequest carries everything the claims service needs to open an end
// product.
type ClaimRequest struct {
	VeteranFileNumber     string
	ClaimantParticipantID string
	Code                  string
	Modifier              string
	PayeeCode             string
	Station               string
	ClaimDate             time.Time
	BenefitTypeCode       string
	LimitedPOACode        *string
	LimitedPOAAccess      *bool
}

// EndProduct is the claims service's view of a claim.
type EndProduct struct {
	ClaimID        string
	ClaimTypeCode  string
	Modifier       string
	Status         string
	LastActionDate *time.Time
}

type Contention struct {
	ID            string
	ClaimID       string
	Text          string
	SpecialIssues []string
}

// Disposition is the decision recorded against a contention once the claim
// clears.
type Disposition struct {
	ContentionID string
	Disposition  string
}

type Rating struct {
	ParticipantID    string
	ProfileDate      string
	PromulgationDate time.Time
	Issues           []RatingIssue
}

type RatingIssue struct {
	ReferenceID   string
	Decision      string
	ContentionIDs []string
	Disposition   string
}

// DecidesContention reports whether this rating issue resolves the given
// contention.
func (ri RatingIssue) DecidesContention(contentionID string) bool {
	for _, id := range ri.ContentionIDs {
		if id == contentionID {
			return true
		}
	}
	return false
}

// ClaimsService is the claims processing system of record.
type ClaimsService interface {
	EstablishClaim(ctx context.Context, req ClaimRequest) (EndProduct, error)
	CreateContentions(ctx context.Context, claimID string, texts []string, specialIssues [][]string) ([]Contention, error)
	AssociateRatingIssues(ctx context.Context, claimID string, contentionToRating map[string]string) error
	GetClaim(ctx context.Context, fileNumber, claimID string) (EndProduct, error)
	ListEndProducts(ctx context.Context, fileNumber string) ([]EndProduct, error)
	GetContentions(ctx context.Context, claimID string) ([]Contention, error)
	GetDispositions(ctx context.Context, claimID string) ([]Disposition, error)
	GetRating(ctx context.Context, participantID string, start, end time.Time) ([]Rating, error)
	CancelClaim(ctx context.Context, fileNumber, claimID, reason string) error
	GenerateClaimantLetter(ctx context.Context, claimID string) (string, error)
	GenerateTrackedItem(ctx context.Context, claimID string) (string, error)
}

// Directory resolves people and their representation.
type Directory interface {
	ParticipantID(ctx context.Context, fileNumber string) (string, error)
	LimitedPOA(ctx context.Context, claimantParticipantID string) (code string, access bool, found bool, err error)
	ClosestRegionalOffice(ctx context.Context, fileNumber string) (string, error)
}

// LegacyIssue is an issue on a legacy-system appeal.
type LegacyIssue struct {
	LegacyID        string
	SequenceID      int
	DispositionCode string
	// EligibleForOptIn reflects the legacy appeal's own eligibility,
	// independent of the issue's SOC window.
	EligibleForOptIn bool
	SOCDate          time.Time
}

// WithdrawableByOptIn reports whether electing this issue into the modern
// system may withdraw it from the legacy docket: the statement-of-the-case
// must be recent enough.
func (li LegacyIssue) WithdrawableByOptIn(receiptDate time.Time, window time.Duration) bool {
	return !receiptDate.After(li.SOCDate.Add(window))
}

type LegacyService interface {
	FindIssue(ctx context.Context, legacyID string, sequenceID int) (LegacyIssue, bool, error)
}

// FeatureToggles gates in-progress behavior per user.
type FeatureToggles interface {
	Enabled(flag string, cssID string) bool
}
