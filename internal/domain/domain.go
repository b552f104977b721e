package domain

import "time"

// TaskStatus is the closed set of task lifecycle states.
type TaskStatus string

const (
	TaskUnassigned TaskStatus = "unassigned"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskOnHold     TaskStatus = "on_hold"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Open reports whether the status is non-terminal.
func (s TaskStatus) Open() bool {
	return s != TaskCompleted && s != TaskCancelled
}

// TaskVariant tags the concrete task type. The set is closed; behavior is
// looked up in the taskflow variant table rather than dispatched by
// inheritance.
type TaskVariant string

const (
	TaskGeneric        TaskVariant = "generic"
	TaskRoot           TaskVariant = "root"
	TaskTrackVeteran   TaskVariant = "track_veteran"
	TaskDistribution   TaskVariant = "distribution"
	TaskJudgeAssign    TaskVariant = "judge_assign"
	TaskJudgeReview    TaskVariant = "judge_review"
	TaskAttorney       TaskVariant = "attorney"
	TaskQualityReview  TaskVariant = "quality_review"
	TaskDecisionReview TaskVariant = "decision_review"
)

// AssigneeType distinguishes the polymorphic assigned_to reference.
type AssigneeType string

const (
	AssigneeUser         AssigneeType = "user"
	AssigneeOrganization AssigneeType = "organization"
)

type Task struct {
	ID             int64        `json:"id"`
	AppealID       int64        `json:"appeal_id"`
	Variant        TaskVariant  `json:"variant"`
	Status         TaskStatus   `json:"status" enum:"unassigned,assigned,in_progress,on_hold,completed,cancelled"`
	Action         string       `json:"action,omitempty"`
	Instructions   []string     `json:"instructions,omitempty"`
	AssignedToID   int64        `json:"assigned_to_id"`
	AssignedToType AssigneeType `json:"assigned_to_type" enum:"user,organization"`
	AssignedByID   *int64       `json:"assigned_by_id,omitempty"`
	ParentID       *int64       `json:"parent_id,omitempty"`
	AssignedAt     *time.Time   `json:"assigned_at,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	PlacedOnHoldAt *time.Time   `json:"placed_on_hold_at,omitempty"`
	OnHoldDuration *int         `json:"on_hold_duration,omitempty"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (t Task) Open() bool { return t.Status.Open() }

// OnTimedHold reports whether the task is on a hold with a set duration that
// has not yet elapsed.
func (t Task) OnTimedHold(now time.Time) bool {
	if t.Status != TaskOnHold || t.PlacedOnHoldAt == nil || t.OnHoldDuration == nil {
		return false
	}
	return now.Before(t.HoldExpiresAt())
}

// HoldExpiresAt is only meaningful when PlacedOnHoldAt and OnHoldDuration are
// both set. Durations are whole days.
func (t Task) HoldExpiresAt() time.Time {
	if t.PlacedOnHoldAt == nil || t.OnHoldDuration == nil {
		return time.Time{}
	}
	return t.PlacedOnHoldAt.Add(time.Duration(*t.OnHoldDuration) * 24 * time.Hour)
}

// Directory roles used by task validation rules.
const (
	RoleJudge    = "judge"
	RoleAttorney = "attorney"
	RoleVSO      = "vso"
)

type User struct {
	ID        int64     `json:"id"`
	CSSID     string    `json:"css_id"`
	FullName  string    `json:"full_name,omitempty"`
	Station   string    `json:"station,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	OrgIDs    []int64   `json:"org_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (u User) MemberOf(orgID int64) bool {
	for _, id := range u.OrgIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewType is the closed set of decision review variants.
type ReviewType string

const (
	HigherLevelReview ReviewType = "higher_level_review"
	SupplementalClaim ReviewType = "supplemental_claim"
	Appeal            ReviewType = "appeal"
)

// DecisionReview is a claim submission bundling contested issues. One row
// backs all three variants; Type selects variant-specific policy.
type DecisionReview struct {
	ID                    int64      `json:"id"`
	Type                  ReviewType `json:"type" enum:"higher_level_review,supplemental_claim,appeal"`
	VeteranFileNumber     string     `json:"veteran_file_number"`
	ClaimantParticipantID string     `json:"claimant_participant_id,omitempty"`
	ReceiptDate           time.Time  `json:"receipt_date"`
	BenefitType           string     `json:"benefit_type,omitempty"`
	LegacyOptInApproved   bool       `json:"legacy_opt_in_approved,omitempty"`
	SameOffice            bool       `json:"same_office,omitempty"`
	DocketType            string     `json:"docket_type,omitempty"`
	DocketNumber          string     `json:"docket_number,omitempty"`
	EstablishmentError    *string    `json:"establishment_error,omitempty"`
	CanceledAt            *time.Time `json:"canceled_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func (r DecisionReview) Canceled() bool { return r.CanceledAt != nil }

// IneligibleReason is recorded once, by the first eligibility check that
// fires. Eligible issues carry none.
type IneligibleReason string

const (
	DuplicateOfNonratingIssue IneligibleReason = "duplicate_of_nonrating_issue_in_active_review"
	DuplicateOfRatingIssue    IneligibleReason = "duplicate_of_rating_issue_in_active_review"
	Untimely                  IneligibleReason = "untimely"
	HLRToHLR                  IneligibleReason = "higher_level_review_to_higher_level_review"
	AppealToAppeal            IneligibleReason = "appeal_to_appeal"
	AppealToHLR               IneligibleReason = "appeal_to_higher_level_review"
	BeforeAMA                 IneligibleReason = "before_ama"
	LegacyIssueNotWithdrawn   IneligibleReason = "legacy_issue_not_withdrawn"
	LegacyAppealNotEligible   IneligibleReason = "legacy_appeal_not_eligible"
)

// ClosedStatus records why an issue was closed. Closure is terminal; issues
// are never deleted.
type ClosedStatus string

const (
	ClosedDecided            ClosedStatus = "decided"
	ClosedRemoved            ClosedStatus = "removed"
	ClosedEndProductCanceled ClosedStatus = "end_product_canceled"
	ClosedWithdrawn          ClosedStatus = "withdrawn"
	ClosedIneligible         ClosedStatus = "ineligible"
	ClosedNoDecision         ClosedStatus = "no_decision"
	ClosedDismissedDeath     ClosedStatus = "dismissed_death"
	ClosedDismissedMatterLaw ClosedStatus = "dismissed_matter_of_law"
	ClosedStayed             ClosedStatus = "stayed"
)

type CorrectionType string

const (
	CorrectionControl         CorrectionType = "control"
	CorrectionLocalQuality    CorrectionType = "local_quality_error"
	CorrectionNationalQuality CorrectionType = "national_quality_error"
)

type RequestIssue struct {
	ID                         int64             `json:"id"`
	ReviewID                   int64             `json:"review_id"`
	EndProductEstablishmentID  *int64            `json:"end_product_establishment_id,omitempty"`
	ContestedRatingIssueID     *string           `json:"contested_rating_issue_reference_id,omitempty"`
	ContestedRatingProfileDate *string           `json:"contested_rating_issue_profile_date,omitempty"`
	ContestedDecisionIssueID   *int64            `json:"contested_decision_issue_id,omitempty"`
	ContestedIssueDescription  string            `json:"contested_issue_description,omitempty"`
	NonratingCategory          string            `json:"nonrating_issue_category,omitempty"`
	NonratingDescription       string            `json:"nonrating_issue_description,omitempty"`
	UnidentifiedIssueText      string            `json:"unidentified_issue_text,omitempty"`
	IsUnidentified             bool              `json:"is_unidentified,omitempty"`
	EditedDescription          string            `json:"edited_description,omitempty"`
	DecisionDate               *time.Time        `json:"decision_date,omitempty"`
	BenefitType                string            `json:"benefit_type,omitempty"`
	UntimelyExemption          bool              `json:"untimely_exemption,omitempty"`
	RampClaimID                *string           `json:"ramp_claim_id,omitempty"`
	LegacyID                   *string           `json:"legacy_id,omitempty"`
	LegacySequenceID           *int              `json:"legacy_sequence_id,omitempty"`
	IneligibleReason           *IneligibleReason `json:"ineligible_reason,omitempty"`
	IneligibleDueToID          *int64            `json:"ineligible_due_to_id,omitempty"`
	CorrectedByID              *int64            `json:"corrected_by_id,omitempty"`
	CorrectionType             *CorrectionType   `json:"correction_type,omitempty"`
	ClosedStatus               *ClosedStatus     `json:"closed_status,omitempty"`
	ClosedAt                   *time.Time        `json:"closed_at,omitempty"`
	ContentionReferenceID      *string           `json:"contention_reference_id,omitempty"`
	SyncSubmittedAt            *time.Time        `json:"sync_submitted_at,omitempty"`
	SyncLastSubmittedAt        *time.Time        `json:"sync_last_submitted_at,omitempty"`
	SyncAttemptedAt            *time.Time        `json:"sync_attempted_at,omitempty"`
	SyncProcessedAt            *time.Time        `json:"sync_processed_at,omitempty"`
	SyncError                  *string           `json:"sync_error,omitempty"`
	CreatedAt                  time.Time         `json:"created_at"`
}

func (ri RequestIssue) Eligible() bool { return ri.IneligibleReason == nil }
func (ri RequestIssue) Closed() bool   { return ri.ClosedAt != nil }
func (ri RequestIssue) Open() bool     { return !ri.Closed() }

// Active issues need decisions: eligible and not yet closed.
func (ri RequestIssue) Active() bool { return ri.Eligible() && ri.Open() }

// AssociatedRatingIssue reports whether the issue directly contests an
// external rating issue. Full rating classification (which also considers
// the contested prior issue) lives in intake.
func (ri RequestIssue) AssociatedRatingIssue() bool { return ri.ContestedRatingIssueID != nil }

// Close marks the issue terminally closed. The first close wins; later
// calls are no-ops.
func (ri *RequestIssue) Close(status ClosedStatus, now time.Time) {
	if ri.Closed() {
		return
	}
	ri.ClosedStatus = &status
	ri.ClosedAt = &now
}

func (ri RequestIssue) Withdrawn() bool {
	return ri.ClosedStatus != nil && *ri.ClosedStatus == ClosedWithdrawn
}

func (ri RequestIssue) SyncProcessed() bool { return ri.SyncProcessedAt != nil }

// SubmittedAndReady reports whether the decision sync processing window has
// opened for this issue.
func (ri RequestIssue) SubmittedAndReady(now time.Time) bool {
	return ri.SyncSubmittedAt != nil && ri.SyncLastSubmittedAt != nil &&
		!now.Before(*ri.SyncLastSubmittedAt)
}

// SyncExpired reports whether the issue has been awaiting decision sync for
// longer than the processing window and should be flagged for manual
// attention instead of retried.
func (ri RequestIssue) SyncExpired(now time.Time, window time.Duration) bool {
	return ri.SyncSubmittedAt != nil && ri.SyncProcessedAt == nil &&
		now.Sub(*ri.SyncSubmittedAt) > window
}

type DecisionIssue struct {
	ID                       int64      `json:"id"`
	ReviewID                 int64      `json:"review_id"`
	ParticipantID            string     `json:"participant_id"`
	Disposition              string     `json:"disposition"`
	Description              string     `json:"description,omitempty"`
	BenefitType              string     `json:"benefit_type,omitempty"`
	RatingIssueReferenceID   *string    `json:"rating_issue_reference_id,omitempty"`
	RatingProfileDate        *string    `json:"rating_profile_date,omitempty"`
	RatingPromulgationDate   *time.Time `json:"rating_promulgation_date,omitempty"`
	EndProductLastActionDate *time.Time `json:"end_product_last_action_date,omitempty"`
	DeletedAt                *time.Time `json:"deleted_at,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
}

// External claim statuses as reported by the claims system of record.
const (
	EPStatusPending  = "PEND"
	EPStatusCleared  = "CLR"
	EPStatusCanceled = "CAN"
)

// BenefitTypeCodeLive is reported to the claims system when opening an end
// product for a living veteran.
const BenefitTypeCodeLive = "1"

type EndProductEstablishment struct {
	ID                    int64      `json:"id"`
	ReviewID              int64      `json:"review_id"`
	VeteranFileNumber     string     `json:"veteran_file_number"`
	ClaimantParticipantID string     `json:"claimant_participant_id,omitempty"`
	Code                  string     `json:"code"`
	PayeeCode             string     `json:"payee_code"`
	Modifier              *string    `json:"modifier,omitempty"`
	ReferenceID           *string    `json:"reference_id,omitempty"`
	ClaimDate             time.Time  `json:"claim_date"`
	Station               string     `json:"station"`
	BenefitTypeCode       string     `json:"benefit_type_code,omitempty"`
	SyncedStatus          *string    `json:"synced_status,omitempty"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
	EstablishedAt         *time.Time `json:"established_at,omitempty"`
	CommittedAt           *time.Time `json:"committed_at,omitempty"`
	DocReferenceID        *string    `json:"doc_reference_id,omitempty"`
	DevelopmentItemID     *string    `json:"development_item_reference_id,omitempty"`
	LimitedPOACode        *string    `json:"limited_poa_code,omitempty"`
	LimitedPOAAccess      *bool      `json:"limited_poa_access,omitempty"`
	EstablishedByID       *int64     `json:"established_by_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func (e EndProductEstablishment) Established() bool { return e.ReferenceID != nil }
func (e EndProductEstablishment) Committed() bool   { return e.CommittedAt != nil }

func (e EndProductEstablishment) StatusCanceled() bool {
	return e.SyncedStatus != nil && *e.SyncedStatus == EPStatusCanceled
}

func (e EndProductEstablishment) StatusCleared() bool {
	return e.SyncedStatus != nil && *e.SyncedStatus == EPStatusCleared
}

// StatusActive reports whether the external claim is still working, judged
// from the locally synced status. Never-synced establishments count as
// active.
func (e EndProductEstablishment) StatusActive() bool {
	return !e.StatusCanceled() && !e.StatusCleared()
}

type Veteran struct {
	ID            int64     `json:"id"`
	FileNumber    string    `json:"file_number"`
	ParticipantID string    `json:"participant_id"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NameForDocket matches how names are split and sorted in the queue table.
func (v Veteran) NameForDocket() string {
	last := v.LastName
	if i := lastSpace(last); i >= 0 {
		last = last[i+1:]
	}
	return last + ", " + v.FirstName
}

func lastSpace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return i
		}
	}
	return -1
}

// CachedAppeal is the denormalized row the queue joins against for sorting
// and filtering. It is maintained by the cache job and read-only elsewhere.
type CachedAppeal struct {
	AppealID           int64  `json:"appeal_id"`
	DocketType         string `json:"docket_type"`
	DocketNumber       string `json:"docket_number"`
	RegionalOfficeCity string `json:"closest_regional_office_city"`
	VeteranName        string `json:"veteran_name"`
	IssueCount         int    `json:"issue_count"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   int64     `json:"entity_id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Payload    string    `json:"payload_json"`
}
