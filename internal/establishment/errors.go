package establishment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoAvailableModifiers means the veteran's modifier family is exhausted;
// an existing claim must clear out of the way first.
var ErrNoAvailableModifiers = errors.New("no available modifiers")

// InvalidEndProductError reports missing required fields before any external
// call is attempted.
type InvalidEndProductError struct {
	Missing []string
}

func (e *InvalidEndProductError) Error() string {
	return "invalid end product: missing " + strings.Join(e.Missing, ", ")
}

// EstablishClaimFailedError wraps a claims-service failure during establish.
// The caller owns retry policy.
type EstablishClaimFailedError struct {
	EstablishmentID int64
	Err             error
}

func (e *EstablishClaimFailedError) Error() string {
	return fmt.Sprintf("establish claim for establishment %d: %v", e.EstablishmentID, e.Err)
}

func (e *EstablishClaimFailedError) Unwrap() error { return e.Err }

// EstablishedEndProductNotFoundError means the claims service has no record
// of a claim we established. The external system lost or rejected it; this
// is surfaced for manual attention, never silently retried.
type EstablishedEndProductNotFoundError struct {
	EstablishmentID int64
	ReferenceID     string
}

func (e *EstablishedEndProductNotFoundError) Error() string {
	return fmt.Sprintf("established end product %s not found for establishment %d", e.ReferenceID, e.EstablishmentID)
}

// NoAssociatedRatingError means a rating issue reached decision sync without
// any rating deciding its contention.
type NoAssociatedRatingError struct {
	RequestIssueID int64
}

func (e *NoAssociatedRatingError) Error() string {
	return fmt.Sprintf("request issue %d has no associated rating at decision sync", e.RequestIssueID)
}

// MissingContentionDispositionError means the cleared claim reported no
// disposition for the issue's contention.
type MissingContentionDispositionError struct {
	RequestIssueID int64
	ContentionID   string
}

func (e *MissingContentionDispositionError) Error() string {
	return fmt.Sprintf("no disposition for contention %s of request issue %d", e.ContentionID, e.RequestIssueID)
}

// DecisionIssueCreationError means processing an issue that must produce a
// decision produced none.
type DecisionIssueCreationError struct {
	RequestIssueID int64
}

func (e *DecisionIssueCreationError) Error() string {
	return fmt.Sprintf("no decision issues created for request issue %d", e.RequestIssueID)
}
