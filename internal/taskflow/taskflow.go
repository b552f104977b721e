// Package taskflow models the case work-tree: task creation, the shared
// status state machine, per-variant validation, and the declarative action
// resolver.
package taskflow

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
	"caseline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationError lists the invalid fields of a create or update request.
type ValidationError struct {
	Fields []string
}

func (v *ValidationError) Error() string {
	return "invalid task: " + strings.Join(v.Fields, ", ")
}

// InvalidTransitionError rejects a status change the state machine does not
// allow.
type InvalidTransitionError struct {
	From, To domain.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition task from %s to %s", e.From, e.To)
}

// RootExistsError rejects a second root task on a case. Every case carries
// exactly one root for its lifetime; closed roots still count.
type RootExistsError struct {
	AppealID int64
}

func (e *RootExistsError) Error() string {
	return fmt.Sprintf("case %d already has a root task", e.AppealID)
}

// OpenChildrenError rejects closing a task whose children are still open.
type OpenChildrenError struct {
	TaskID int64
}

func (e *OpenChildrenError) Error() string {
	return fmt.Sprintf("task %d has open child tasks", e.TaskID)
}

// ensureTransition is the shared state machine. on_hold bounces back to
// in_progress; completed and cancelled are terminal.
func ensureTransition(from, to domain.TaskStatus) error {
	if from == to {
		return nil
	}
	ok := false
	switch from {
	case domain.TaskUnassigned:
		ok = to == domain.TaskAssigned || to == domain.TaskInProgress || to == domain.TaskCancelled
	case domain.TaskAssigned:
		ok = to == domain.TaskInProgress || to == domain.TaskOnHold || to == domain.TaskCompleted || to == domain.TaskCancelled
	case domain.TaskInProgress:
		ok = to == domain.TaskAssigned || to == domain.TaskOnHold || to == domain.TaskCompleted || to == domain.TaskCancelled
	case domain.TaskOnHold:
		ok = to == domain.TaskInProgress || to == domain.TaskCompleted || to == domain.TaskCancelled
	}
	if !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// TaskParams is untyped task-creation input. Variant resolves by tag.
type TaskParams struct {
	AppealID       int64
	Variant        string
	Action         string
	Instructions   []string
	AssignedToID   int64
	AssignedToType string
	ParentID       *int64
	OnHoldDuration *int
}

// CreateManyFromParams constructs the given tasks in one transaction. Any
// invalid entry fails the whole batch with a field-level error. Creating a
// child places an open parent on hold: the parent's work is delegated until
// the child closes.
func (e Engine) CreateManyFromParams(ctx context.Context, params []TaskParams, actor domain.User) ([]domain.Task, error) {
	if len(params) == 0 {
		return nil, &ValidationError{Fields: []string{"tasks"}}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now()
	var created []domain.Task
	for _, p := range params {
		t, affected, err := e.createOne(ctx, tx, p, actor, now)
		if err != nil {
			return nil, err
		}
		created = append(created, t)
		created = append(created, affected...)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (e Engine) createOne(ctx context.Context, tx *sql.Tx, p TaskParams, actor domain.User, now time.Time) (domain.Task, []domain.Task, error) {
	variant := domain.TaskVariant(p.Variant)
	var fields []string
	if !KnownVariant(variant) {
		fields = append(fields, "variant")
	}
	if p.AppealID == 0 {
		fields = append(fields, "appeal_id")
	}
	b := behaviors[variant]
	if b.requiresParent && p.ParentID == nil {
		fields = append(fields, "parent_id")
	}
	if b.assignerRole != "" && !actor.HasRole(b.assignerRole) {
		fields = append(fields, "assigned_by")
	}
	assigneeType := domain.AssigneeType(p.AssignedToType)
	switch assigneeType {
	case domain.AssigneeUser, domain.AssigneeOrganization:
	default:
		fields = append(fields, "assigned_to_type")
	}
	if b.assigneeRole != "" && assigneeType == domain.AssigneeUser {
		assignee, err := e.Repo.GetUser(ctx, p.AssignedToID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, nil, err
		}
		if err != nil || !assignee.HasRole(b.assigneeRole) {
			fields = append(fields, "assigned_to")
		}
	}
	if len(fields) > 0 {
		return domain.Task{}, nil, &ValidationError{Fields: fields}
	}
	if variant == domain.TaskRoot {
		exists, err := e.Repo.RootTaskExists(ctx, tx, p.AppealID)
		if err != nil {
			return domain.Task{}, nil, err
		}
		if exists {
			return domain.Task{}, nil, &RootExistsError{AppealID: p.AppealID}
		}
	}

	status := domain.TaskUnassigned
	var assignedAt *time.Time
	if p.AssignedToID != 0 {
		status = domain.TaskAssigned
		at := now
		assignedAt = &at
	}
	t := domain.Task{
		AppealID:       p.AppealID,
		Variant:        variant,
		Status:         status,
		Action:         p.Action,
		Instructions:   p.Instructions,
		AssignedToID:   p.AssignedToID,
		AssignedToType: assigneeType,
		AssignedByID:   &actor.ID,
		ParentID:       p.ParentID,
		AssignedAt:     assignedAt,
		OnHoldDuration: p.OnHoldDuration,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertTask(ctx, tx, &t); err != nil {
		return domain.Task{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, actor.CSSID, events.Payload{
		"variant": string(t.Variant),
		"status":  string(t.Status),
	}); err != nil {
		return domain.Task{}, nil, err
	}

	var affected []domain.Task
	if p.ParentID != nil {
		parent, err := e.Repo.GetTaskTx(ctx, tx, *p.ParentID)
		if err != nil {
			return domain.Task{}, nil, fmt.Errorf("load parent task: %w", err)
		}
		if parent.Open() && parent.Status != domain.TaskOnHold {
			if err := ensureTransition(parent.Status, domain.TaskOnHold); err == nil {
				parent.Status = domain.TaskOnHold
				parent.PlacedOnHoldAt = &now
				parent.UpdatedAt = now
				if err := e.Repo.UpdateTask(ctx, tx, parent); err != nil {
					return domain.Task{}, nil, err
				}
				affected = append(affected, parent)
			}
		}
	}
	return t, affected, nil
}

// TaskUpdate mutates status, assignee, or instructions.
type TaskUpdate struct {
	Status         *string
	AssignedToID   *int64
	AssignedToType *string
	Instructions   []string
	OnHoldDuration *int
}

// UpdateFromParams applies the update under the state machine and returns
// every task it touched: the task itself, a re-parented follow-on, a woken
// parent. Closing a task with open children is rejected.
func (e Engine) UpdateFromParams(ctx context.Context, taskID int64, u TaskUpdate, actor domain.User) ([]domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	affected := []domain.Task{}

	if len(u.Instructions) > 0 {
		t.Instructions = append(t.Instructions, u.Instructions...)
	}
	if u.AssignedToID != nil {
		assigneeType := t.AssignedToType
		if u.AssignedToType != nil {
			assigneeType = domain.AssigneeType(*u.AssignedToType)
		}
		if err := e.validateAssignee(ctx, t.Variant, *u.AssignedToID, assigneeType); err != nil {
			return nil, err
		}
		t.AssignedToID = *u.AssignedToID
		t.AssignedToType = assigneeType
		at := now
		t.AssignedAt = &at
		if t.Status == domain.TaskUnassigned {
			t.Status = domain.TaskAssigned
		}
	}
	if u.OnHoldDuration != nil {
		t.OnHoldDuration = u.OnHoldDuration
	}

	if u.Status != nil {
		next := domain.TaskStatus(*u.Status)
		switch next {
		case domain.TaskUnassigned, domain.TaskAssigned, domain.TaskInProgress, domain.TaskOnHold, domain.TaskCompleted, domain.TaskCancelled:
		default:
			return nil, &ValidationError{Fields: []string{"status"}}
		}
		if err := ensureTransition(t.Status, next); err != nil {
			return nil, err
		}
		if !next.Open() {
			open, err := e.Repo.OpenChildCount(ctx, tx, t.ID)
			if err != nil {
				return nil, err
			}
			if open > 0 {
				return nil, &OpenChildrenError{TaskID: t.ID}
			}
		}
		e.applyStatus(&t, next, now)
	}

	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", "task", t.ID, actor.CSSID, events.Payload{
		"status": string(t.Status),
	}); err != nil {
		return nil, err
	}
	affected = append(affected, t)

	if t.Status == domain.TaskCompleted {
		more, err := e.runCompletionHook(ctx, tx, t, actor, now)
		if err != nil {
			return nil, err
		}
		affected = append(affected, more...)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return affected, nil
}

func (e Engine) validateAssignee(ctx context.Context, variant domain.TaskVariant, assignedToID int64, assigneeType domain.AssigneeType) error {
	b := behaviors[variant]
	if b.assigneeRole == "" || assigneeType != domain.AssigneeUser {
		return nil
	}
	assignee, err := e.Repo.GetUser(ctx, assignedToID)
	if errors.Is(err, repo.ErrNotFound) {
		return &ValidationError{Fields: []string{"assigned_to"}}
	}
	if err != nil {
		return err
	}
	if !assignee.HasRole(b.assigneeRole) {
		return &ValidationError{Fields: []string{"assigned_to"}}
	}
	return nil
}

func (e Engine) applyStatus(t *domain.Task, next domain.TaskStatus, now time.Time) {
	t.Status = next
	switch next {
	case domain.TaskInProgress:
		if t.StartedAt == nil {
			at := now
			t.StartedAt = &at
		}
		t.PlacedOnHoldAt = nil
		t.OnHoldDuration = nil
	case domain.TaskOnHold:
		at := now
		t.PlacedOnHoldAt = &at
	case domain.TaskCompleted, domain.TaskCancelled:
		at := now
		t.ClosedAt = &at
	}
}

// runCompletionHook dispatches the variant's completion side effect.
func (e Engine) runCompletionHook(ctx context.Context, tx *sql.Tx, t domain.Task, actor domain.User, now time.Time) ([]domain.Task, error) {
	b := behaviors[t.Variant]
	switch b.onComplete {
	case hookJudgeReview:
		return e.wakeParentReview(ctx, tx, t, now)
	case hookRecordCompletion:
		err := e.Events.Append(ctx, tx, "task.decision_recorded", "task", t.ID, actor.CSSID, events.Payload{
			"appeal_id": t.AppealID,
		})
		return nil, err
	}
	return nil, nil
}

// wakeParentReview moves the drafted decision back in front of the judge:
// the parent judge_review task leaves its hold and becomes in_progress.
func (e Engine) wakeParentReview(ctx context.Context, tx *sql.Tx, t domain.Task, now time.Time) ([]domain.Task, error) {
	if t.ParentID == nil {
		return nil, nil
	}
	parent, err := e.Repo.GetTaskTx(ctx, tx, *t.ParentID)
	if err != nil {
		return nil, err
	}
	if parent.Variant != domain.TaskJudgeReview || !parent.Open() {
		return nil, nil
	}
	if err := ensureTransition(parent.Status, domain.TaskInProgress); err != nil {
		return nil, nil
	}
	e.applyStatus(&parent, domain.TaskInProgress, now)
	parent.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, parent); err != nil {
		return nil, err
	}
	return []domain.Task{parent}, nil
}

// AvailableActions loads the task's context and resolves the user's
// permitted actions.
func (e Engine) AvailableActions(ctx context.Context, taskID int64, user domain.User) ([]string, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var parent *domain.Task
	if t.ParentID != nil {
		p, err := e.Repo.GetTask(ctx, *t.ParentID)
		if err != nil {
			return nil, err
		}
		parent = &p
	}
	rv, err := e.Repo.GetReview(ctx, t.AppealID)
	if err != nil {
		return nil, err
	}
	return Resolve(t, parent, rv, user, e.now()), nil
}

// ExpireHolds returns every on-hold task whose timed hold elapsed to
// in_progress. The hold-expiry job calls this on its polling interval.
func (e Engine) ExpireHolds(ctx context.Context) ([]domain.Task, error) {
	now := e.now()
	expired, err := e.Repo.ListExpiredHolds(ctx, now)
	if err != nil {
		return nil, err
	}
	var woken []domain.Task
	for _, t := range expired {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return woken, err
		}
		e.applyStatus(&t, domain.TaskInProgress, now)
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			tx.Rollback()
			return woken, err
		}
		if err := e.Events.Append(ctx, tx, "task.hold_expired", "task", t.ID, "", nil); err != nil {
			tx.Rollback()
			return woken, err
		}
		if err := tx.Commit(); err != nil {
			return woken, err
		}
		woken = append(woken, t)
	}
	return woken, nil
}
