package taskflow

import (
	"caseline/internal/domain"
)

// completionHook names the side effect a variant runs when it completes.
type completionHook int

const (
	hookNone completionHook = iota
	// hookJudgeReview wakes the parent judge_review task so the judge can
	// act on the drafted decision.
	hookJudgeReview
	// hookRecordCompletion appends the completion payload to the audit log.
	hookRecordCompletion
)

// behavior is the per-variant rule table. The base state machine is shared;
// variants override labels, validation, actions, and the completion hook.
type behavior struct {
	label          string
	requiresParent bool
	// assignerRole, when set, is the role assigned_by must hold.
	assignerRole string
	// assigneeRole, when set, is the role a user assignee must hold.
	assigneeRole string
	// firstMatch short-circuits action resolution at the first matching
	// rule; otherwise matching rules accumulate.
	firstMatch bool
	rules      []ActionRule
	onComplete completionHook
}

var behaviors = map[domain.TaskVariant]behavior{
	domain.TaskGeneric: {
		label: "Task",
		rules: []ActionRule{
			{Conditions: []Predicate{PredAssignedToMe, PredTaskIsOpen}, Actions: []string{ActionMarkComplete, ActionPlaceOnHold, ActionCancel}},
			{Conditions: []Predicate{PredAssignedToMyOrg, PredTaskIsOpen}, Actions: []string{ActionAssignToMe}},
		},
	},
	domain.TaskRoot: {
		label: "Case",
	},
	domain.TaskTrackVeteran: {
		label: "Track case",
		rules: []ActionRule{
			{Conditions: []Predicate{PredAssignedToMyOrg, PredTaskIsOpen}, Actions: []string{ActionStopTracking}},
		},
	},
	domain.TaskDistribution: {
		label: "Distribute case",
		rules: []ActionRule{
			{Conditions: []Predicate{PredNotAssignedToMe, PredTaskIsOpen}, Actions: []string{ActionRequestDistribution}},
		},
	},
	domain.TaskJudgeAssign: {
		label:        "Assign to attorney",
		assigneeRole: domain.RoleJudge,
		rules: []ActionRule{
			{Conditions: []Predicate{PredAssignedToMe, PredTaskIsOpen}, Actions: []string{ActionAssignToAttorney, ActionReassign}},
			{Conditions: []Predicate{PredAssignedToMe, PredAMADocket}, Actions: []string{ActionPlaceOnHold}},
		},
	},
	domain.TaskJudgeReview: {
		label:        "Review drafted decision",
		assigneeRole: domain.RoleJudge,
		rules: []ActionRule{
			{Conditions: []Predicate{PredAssignedToMe, PredOnTimedHold}, Actions: []string{ActionEndHold}},
			{Conditions: []Predicate{PredAssignedToMe, PredTaskIsOpen}, Actions: []string{ActionMarkComplete, ActionReturnToAttorney}},
		},
	},
	domain.TaskAttorney: {
		label:          "Draft decision",
		requiresParent: true,
		assignerRole:   domain.RoleJudge,
		assigneeRole:   domain.RoleAttorney,
		firstMatch:     true,
		onComplete:     hookJudgeReview,
		rules: []ActionRule{
			{Conditions: []Predicate{PredAssignedToMe, PredOnTimedHold}, Actions: []string{ActionEndHold}},
			{Conditions: []Predicate{PredAssignedToMe, PredTaskIsOpen}, Actions: []string{ActionMarkComplete, ActionPlaceOnHold, ActionReturnToJudge}},
			{Conditions: []Predicate{PredParentIsJudgeAssign, PredParentAssignedToMe}, Actions: []string{ActionAssignToAttorney}},
			{Conditions: []Predicate{PredParentAssignedToMe}, Actions: []string{ActionReassign, ActionCancel}},
		},
	},
	domain.TaskQualityReview: {
		label: "Quality review",
		rules: []ActionRule{
			{Conditions: []Predicate{PredAssignedToMe, PredTaskIsOpen}, Actions: []string{ActionMarkComplete, ActionReturnToJudge}},
			{Conditions: []Predicate{PredAssignedToMyOrg, PredTaskIsOpen}, Actions: []string{ActionAssignToMe}},
		},
	},
	domain.TaskDecisionReview: {
		label:      "Review decision",
		onComplete: hookRecordCompletion,
		rules: []ActionRule{
			{Conditions: []Predicate{PredAssignedToMe, PredTaskIsOpen}, Actions: []string{ActionMarkComplete, ActionPlaceOnHold}},
			{Conditions: []Predicate{PredAssignedToMyOrg, PredTaskIsOpen}, Actions: []string{ActionAssignToMe}},
		},
	},
}

// Label returns the variant's display label.
func Label(v domain.TaskVariant) string {
	return behaviors[v].label
}

// KnownVariant reports whether the tag names a variant in the table.
func KnownVariant(v domain.TaskVariant) bool {
	_, ok := behaviors[v]
	return ok
}
