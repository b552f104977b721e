package taskflow

import (
	"time"

	"caseline/internal/domain"
)

// Action identifiers returned by the resolver. Mutating task requests name
// one of these; the server re-resolves before applying.
const (
	ActionMarkComplete        = "mark_complete"
	ActionPlaceOnHold         = "place_on_hold"
	ActionEndHold             = "end_hold"
	ActionCancel              = "cancel"
	ActionReassign            = "reassign"
	ActionAssignToMe          = "assign_to_me"
	ActionAssignToAttorney    = "assign_to_attorney"
	ActionReturnToJudge       = "return_to_judge"
	ActionReturnToAttorney    = "return_to_attorney"
	ActionRequestDistribution = "request_distribution"
	ActionStopTracking        = "stop_tracking"
)

// Predicate is a named, pure condition over (task, parent, review, user).
type Predicate string

const (
	PredAssignedToMe        Predicate = "assigned_to_me"
	PredNotAssignedToMe     Predicate = "not_assigned_to_me"
	PredAssignedToMyOrg     Predicate = "assigned_to_my_org"
	PredParentIsJudgeAssign Predicate = "parent_is_judge_assign"
	PredParentAssignedToMe  Predicate = "parent_assigned_to_me"
	PredOnTimedHold         Predicate = "on_timed_hold"
	PredAMADocket           Predicate = "ama_docket"
	PredTaskIsOpen          Predicate = "task_is_open"
)

// ActionRule pairs a condition set with the actions it grants. Rules are
// declared in evaluation order.
type ActionRule struct {
	Conditions []Predicate
	Actions    []string
}

// actionContext is everything a predicate may read. Resolution is pure: no
// I/O happens past construction.
type actionContext struct {
	Task   domain.Task
	Parent *domain.Task
	Review domain.DecisionReview
	User   domain.User
	Now    time.Time
}

func (c actionContext) eval(p Predicate) bool {
	switch p {
	case PredAssignedToMe:
		return c.Task.AssignedToType == domain.AssigneeUser && c.Task.AssignedToID == c.User.ID
	case PredNotAssignedToMe:
		return !(c.Task.AssignedToType == domain.AssigneeUser && c.Task.AssignedToID == c.User.ID)
	case PredAssignedToMyOrg:
		return c.Task.AssignedToType == domain.AssigneeOrganization && c.User.MemberOf(c.Task.AssignedToID)
	case PredParentIsJudgeAssign:
		return c.Parent != nil && c.Parent.Variant == domain.TaskJudgeAssign
	case PredParentAssignedToMe:
		return c.Parent != nil && c.Parent.AssignedToType == domain.AssigneeUser && c.Parent.AssignedToID == c.User.ID
	case PredOnTimedHold:
		return c.Task.OnTimedHold(c.Now)
	case PredAMADocket:
		return c.Review.DocketType != ""
	case PredTaskIsOpen:
		return c.Task.Open()
	}
	return false
}

// Resolve evaluates the variant's rule table in declaration order and
// returns the permitted action identifiers. Depending on the variant, the
// first matching rule wins or all matching rules accumulate. Closed tasks
// offer nothing.
func Resolve(task domain.Task, parent *domain.Task, review domain.DecisionReview, user domain.User, now time.Time) []string {
	if !task.Open() {
		return nil
	}
	b := behaviors[task.Variant]
	c := actionContext{Task: task, Parent: parent, Review: review, User: user, Now: now}
	var out []string
	for _, rule := range b.rules {
		matched := true
		for _, p := range rule.Conditions {
			if !c.eval(p) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		out = append(out, rule.Actions...)
		if b.firstMatch {
			break
		}
	}
	return out
}

// Allowed reports whether the resolver grants the user the given action on
// the task.
func Allowed(task domain.Task, parent *domain.Task, review domain.DecisionReview, user domain.User, now time.Time, action string) bool {
	for _, a := range Resolve(task, parent, review, user, now) {
		if a == action {
			return true
		}
	}
	return false
}
