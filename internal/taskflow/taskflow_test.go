package taskflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/taskflow"
)

var frozen = time.Date(2021, 2, 3, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Tasks    taskflow.Engine
	Ctx      context.Context
	Review   domain.DecisionReview
	Judge    domain.User
	Attorney domain.User
	Clerk    domain.User
	Org      domain.Organization
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := taskflow.New(conn, config.Default())
	eng.Now = func() time.Time { return frozen }
	ctx := context.Background()

	env := &testEnv{Tasks: eng, Ctx: ctx}

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	env.Org = domain.Organization{Name: "Board Dispatch", CreatedAt: frozen}
	require.NoError(t, eng.Repo.InsertOrganization(ctx, tx, &env.Org))

	env.Judge = domain.User{CSSID: "JUDGE1", FullName: "Joan Vega", Roles: []string{domain.RoleJudge}, CreatedAt: frozen}
	require.NoError(t, eng.Repo.InsertUser(ctx, tx, &env.Judge))
	env.Attorney = domain.User{CSSID: "ATTY1", FullName: "Sam Ito", Roles: []string{domain.RoleAttorney}, CreatedAt: frozen}
	require.NoError(t, eng.Repo.InsertUser(ctx, tx, &env.Attorney))
	env.Clerk = domain.User{CSSID: "CLERK1", FullName: "Pat Ode", OrgIDs: []int64{env.Org.ID}, CreatedAt: frozen}
	require.NoError(t, eng.Repo.InsertUser(ctx, tx, &env.Clerk))

	env.Review = domain.DecisionReview{
		Type:              domain.Appeal,
		VeteranFileNumber: "987654321",
		ReceiptDate:       frozen.AddDate(0, -1, 0),
		DocketType:        "direct_review",
		DocketNumber:      "210103-1",
		CreatedAt:         frozen,
	}
	require.NoError(t, eng.Repo.InsertReview(ctx, tx, &env.Review))
	require.NoError(t, tx.Commit())
	return env
}

func create(t *testing.T, env *testEnv, p taskflow.TaskParams, actor domain.User) domain.Task {
	t.Helper()
	if p.AppealID == 0 {
		p.AppealID = env.Review.ID
	}
	created, err := env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{p}, actor)
	require.NoError(t, err)
	require.NotEmpty(t, created)
	return created[0]
}

func status(s string) *string { return &s }

func TestCreateAssignedTask(t *testing.T) {
	env := newTestEnv(t)
	task := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskGeneric),
		AssignedToID:   env.Clerk.ID,
		AssignedToType: string(domain.AssigneeUser),
		Instructions:   []string{"review the mail"},
	}, env.Judge)

	assert.Equal(t, domain.TaskAssigned, task.Status)
	require.NotNil(t, task.AssignedAt)
	assert.Equal(t, frozen, *task.AssignedAt)
	require.NotNil(t, task.AssignedByID)
	assert.Equal(t, env.Judge.ID, *task.AssignedByID)
}

func TestCreateUnknownVariantRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        "no_such_variant",
		AssignedToID:   env.Clerk.ID,
		AssignedToType: string(domain.AssigneeUser),
	}}, env.Judge)
	var verr *taskflow.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "variant")
}

func TestSecondRootTaskRejected(t *testing.T) {
	env := newTestEnv(t)
	create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskRoot),
		AssignedToID:   env.Org.ID,
		AssignedToType: string(domain.AssigneeOrganization),
	}, env.Judge)

	_, err := env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        string(domain.TaskRoot),
		AssignedToID:   env.Org.ID,
		AssignedToType: string(domain.AssigneeOrganization),
	}}, env.Judge)
	var rerr *taskflow.RootExistsError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, env.Review.ID, rerr.AppealID)
}

func TestClosedRootStillBlocksSecondRoot(t *testing.T) {
	env := newTestEnv(t)
	root := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskRoot),
		AssignedToID:   env.Clerk.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)
	_, err := env.Tasks.UpdateFromParams(env.Ctx, root.ID, taskflow.TaskUpdate{
		Status: status(string(domain.TaskCancelled)),
	}, env.Clerk)
	require.NoError(t, err)

	_, err = env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        string(domain.TaskRoot),
		AssignedToID:   env.Clerk.ID,
		AssignedToType: string(domain.AssigneeUser),
	}}, env.Judge)
	var rerr *taskflow.RootExistsError
	require.ErrorAs(t, err, &rerr)
}

func TestAttorneyTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	review := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskJudgeReview),
		AssignedToID:   env.Judge.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)

	// Missing parent.
	_, err := env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        string(domain.TaskAttorney),
		AssignedToID:   env.Attorney.ID,
		AssignedToType: string(domain.AssigneeUser),
	}}, env.Judge)
	var verr *taskflow.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "parent_id")

	// Assigner must be a judge.
	_, err = env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        string(domain.TaskAttorney),
		AssignedToID:   env.Attorney.ID,
		AssignedToType: string(domain.AssigneeUser),
		ParentID:       &review.ID,
	}}, env.Clerk)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "assigned_by")

	// Assignee must hold the attorney role.
	_, err = env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        string(domain.TaskAttorney),
		AssignedToID:   env.Clerk.ID,
		AssignedToType: string(domain.AssigneeUser),
		ParentID:       &review.ID,
	}}, env.Judge)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "assigned_to")

	task := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskAttorney),
		AssignedToID:   env.Attorney.ID,
		AssignedToType: string(domain.AssigneeUser),
		ParentID:       &review.ID,
	}, env.Judge)
	assert.Equal(t, domain.TaskAssigned, task.Status)
}

func TestCreatingChildPlacesParentOnHold(t *testing.T) {
	env := newTestEnv(t)
	parent := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskJudgeReview),
		AssignedToID:   env.Judge.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)

	created, err := env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        string(domain.TaskAttorney),
		AssignedToID:   env.Attorney.ID,
		AssignedToType: string(domain.AssigneeUser),
		ParentID:       &parent.ID,
	}}, env.Judge)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, domain.TaskAssigned, created[0].Status)
	assert.Equal(t, parent.ID, created[1].ID)
	assert.Equal(t, domain.TaskOnHold, created[1].Status)
	require.NotNil(t, created[1].PlacedOnHoldAt)
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskGeneric),
		AssignedToID:   env.Clerk.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)

	affected, err := env.Tasks.UpdateFromParams(env.Ctx, task.ID, taskflow.TaskUpdate{Status: status("in_progress")}, env.Clerk)
	require.NoError(t, err)
	task = affected[0]
	assert.Equal(t, domain.TaskInProgress, task.Status)
	require.NotNil(t, task.StartedAt)

	hold := 30
	affected, err = env.Tasks.UpdateFromParams(env.Ctx, task.ID, taskflow.TaskUpdate{Status: status("on_hold"), OnHoldDuration: &hold}, env.Clerk)
	require.NoError(t, err)
	task = affected[0]
	assert.Equal(t, domain.TaskOnHold, task.Status)
	assert.True(t, task.OnTimedHold(frozen))

	affected, err = env.Tasks.UpdateFromParams(env.Ctx, task.ID, taskflow.TaskUpdate{Status: status("in_progress")}, env.Clerk)
	require.NoError(t, err)
	task = affected[0]
	assert.Equal(t, domain.TaskInProgress, task.Status)
	assert.Nil(t, task.PlacedOnHoldAt)

	affected, err = env.Tasks.UpdateFromParams(env.Ctx, task.ID, taskflow.TaskUpdate{Status: status("completed")}, env.Clerk)
	require.NoError(t, err)
	task = affected[0]
	assert.Equal(t, domain.TaskCompleted, task.Status)
	require.NotNil(t, task.ClosedAt)

	// Terminal states take no further transitions.
	_, err = env.Tasks.UpdateFromParams(env.Ctx, task.ID, taskflow.TaskUpdate{Status: status("in_progress")}, env.Clerk)
	var terr *taskflow.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.TaskCompleted, terr.From)
}

func TestUnassignedCannotGoOnHold(t *testing.T) {
	env := newTestEnv(t)
	task := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskGeneric),
		AssignedToID:   env.Org.ID,
		AssignedToType: string(domain.AssigneeOrganization),
	}, env.Judge)
	require.Equal(t, domain.TaskAssigned, task.Status)

	unassigned := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskGeneric),
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)
	require.Equal(t, domain.TaskUnassigned, unassigned.Status)

	_, err := env.Tasks.UpdateFromParams(env.Ctx, unassigned.ID, taskflow.TaskUpdate{Status: status("on_hold")}, env.Judge)
	var terr *taskflow.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestClosingWithOpenChildrenRejected(t *testing.T) {
	env := newTestEnv(t)
	parent := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskJudgeReview),
		AssignedToID:   env.Judge.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)
	created, err := env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        string(domain.TaskAttorney),
		AssignedToID:   env.Attorney.ID,
		AssignedToType: string(domain.AssigneeUser),
		ParentID:       &parent.ID,
	}}, env.Judge)
	require.NoError(t, err)
	child := created[0]

	_, err = env.Tasks.UpdateFromParams(env.Ctx, parent.ID, taskflow.TaskUpdate{Status: status("cancelled")}, env.Judge)
	var cerr *taskflow.OpenChildrenError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "has open child tasks")

	// Once the child closes the parent can close too.
	_, err = env.Tasks.UpdateFromParams(env.Ctx, child.ID, taskflow.TaskUpdate{Status: status("cancelled")}, env.Judge)
	require.NoError(t, err)
	affected, err := env.Tasks.UpdateFromParams(env.Ctx, parent.ID, taskflow.TaskUpdate{Status: status("cancelled")}, env.Judge)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, affected[0].Status)
}

func TestAttorneyCompletionWakesJudgeReview(t *testing.T) {
	env := newTestEnv(t)
	parent := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskJudgeReview),
		AssignedToID:   env.Judge.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)
	created, err := env.Tasks.CreateManyFromParams(env.Ctx, []taskflow.TaskParams{{
		AppealID:       env.Review.ID,
		Variant:        string(domain.TaskAttorney),
		AssignedToID:   env.Attorney.ID,
		AssignedToType: string(domain.AssigneeUser),
		ParentID:       &parent.ID,
	}}, env.Judge)
	require.NoError(t, err)
	child := created[0]
	require.Equal(t, domain.TaskOnHold, created[1].Status)

	affected, err := env.Tasks.UpdateFromParams(env.Ctx, child.ID, taskflow.TaskUpdate{Status: status("completed")}, env.Attorney)
	require.NoError(t, err)
	require.Len(t, affected, 2)
	assert.Equal(t, domain.TaskCompleted, affected[0].Status)
	assert.Equal(t, parent.ID, affected[1].ID)
	assert.Equal(t, domain.TaskInProgress, affected[1].Status)
	assert.Nil(t, affected[1].PlacedOnHoldAt)
}

func TestReassignUpdatesAssignee(t *testing.T) {
	env := newTestEnv(t)
	task := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskJudgeAssign),
		AssignedToID:   env.Judge.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)

	// Reassigning a judge task to a non-judge is rejected.
	_, err := env.Tasks.UpdateFromParams(env.Ctx, task.ID, taskflow.TaskUpdate{AssignedToID: &env.Clerk.ID}, env.Judge)
	var verr *taskflow.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "assigned_to")
}

func TestExpireHolds(t *testing.T) {
	env := newTestEnv(t)
	task := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskGeneric),
		AssignedToID:   env.Clerk.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)
	hold := 2
	_, err := env.Tasks.UpdateFromParams(env.Ctx, task.ID, taskflow.TaskUpdate{Status: status("on_hold"), OnHoldDuration: &hold}, env.Clerk)
	require.NoError(t, err)

	// Still inside the hold window: nothing expires.
	woken, err := env.Tasks.ExpireHolds(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, woken)

	env.Tasks.Now = func() time.Time { return frozen.Add(3 * 24 * time.Hour) }
	woken, err = env.Tasks.ExpireHolds(env.Ctx)
	require.NoError(t, err)
	require.Len(t, woken, 1)
	assert.Equal(t, task.ID, woken[0].ID)
	assert.Equal(t, domain.TaskInProgress, woken[0].Status)
}

func TestAvailableActionsGeneric(t *testing.T) {
	env := newTestEnv(t)
	task := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskGeneric),
		AssignedToID:   env.Clerk.ID,
		AssignedToType: string(domain.AssigneeUser),
	}, env.Judge)

	actions, err := env.Tasks.AvailableActions(env.Ctx, task.ID, env.Clerk)
	require.NoError(t, err)
	assert.Equal(t, []string{taskflow.ActionMarkComplete, taskflow.ActionPlaceOnHold, taskflow.ActionCancel}, actions)

	actions, err = env.Tasks.AvailableActions(env.Ctx, task.ID, env.Attorney)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestResolveOrgTask(t *testing.T) {
	env := newTestEnv(t)
	task := create(t, env, taskflow.TaskParams{
		Variant:        string(domain.TaskGeneric),
		AssignedToID:   env.Org.ID,
		AssignedToType: string(domain.AssigneeOrganization),
	}, env.Judge)

	actions, err := env.Tasks.AvailableActions(env.Ctx, task.ID, env.Clerk)
	require.NoError(t, err)
	assert.Equal(t, []string{taskflow.ActionAssignToMe}, actions)
}

func TestResolveAttorneyFirstMatch(t *testing.T) {
	env := newTestEnv(t)
	now := frozen
	judge := env.Judge
	attorney := env.Attorney
	hold := 30
	heldAt := frozen.Add(-time.Hour)

	parent := domain.Task{ID: 1, Variant: domain.TaskJudgeAssign, Status: domain.TaskAssigned,
		AssignedToID: judge.ID, AssignedToType: domain.AssigneeUser}
	task := domain.Task{ID: 2, Variant: domain.TaskAttorney, Status: domain.TaskOnHold,
		AssignedToID: attorney.ID, AssignedToType: domain.AssigneeUser, ParentID: &parent.ID,
		PlacedOnHoldAt: &heldAt, OnHoldDuration: &hold}

	// First match wins: the timed-hold rule shadows the assigned rule.
	actions := taskflow.Resolve(task, &parent, env.Review, attorney, now)
	assert.Equal(t, []string{taskflow.ActionEndHold}, actions)

	task.Status = domain.TaskAssigned
	task.PlacedOnHoldAt = nil
	task.OnHoldDuration = nil
	actions = taskflow.Resolve(task, &parent, env.Review, attorney, now)
	assert.Equal(t, []string{taskflow.ActionMarkComplete, taskflow.ActionPlaceOnHold, taskflow.ActionReturnToJudge}, actions)

	// The assigning judge gets the delegation actions.
	actions = taskflow.Resolve(task, &parent, env.Review, judge, now)
	assert.Equal(t, []string{taskflow.ActionAssignToAttorney}, actions)

	assert.True(t, taskflow.Allowed(task, &parent, env.Review, judge, now, taskflow.ActionAssignToAttorney))
	assert.False(t, taskflow.Allowed(task, &parent, env.Review, judge, now, taskflow.ActionMarkComplete))
}

func TestResolveJudgeAssignAccumulates(t *testing.T) {
	env := newTestEnv(t)
	task := domain.Task{ID: 3, Variant: domain.TaskJudgeAssign, Status: domain.TaskAssigned,
		AssignedToID: env.Judge.ID, AssignedToType: domain.AssigneeUser}

	// Docketed appeal: both matching rules contribute.
	actions := taskflow.Resolve(task, nil, env.Review, env.Judge, frozen)
	assert.Equal(t, []string{taskflow.ActionAssignToAttorney, taskflow.ActionReassign, taskflow.ActionPlaceOnHold}, actions)

	undocketed := env.Review
	undocketed.DocketType = ""
	actions = taskflow.Resolve(task, nil, undocketed, env.Judge, frozen)
	assert.Equal(t, []string{taskflow.ActionAssignToAttorney, taskflow.ActionReassign}, actions)
}

func TestResolveClosedTask(t *testing.T) {
	env := newTestEnv(t)
	closedAt := frozen
	task := domain.Task{ID: 4, Variant: domain.TaskGeneric, Status: domain.TaskCompleted,
		AssignedToID: env.Clerk.ID, AssignedToType: domain.AssigneeUser, ClosedAt: &closedAt}
	assert.Nil(t, taskflow.Resolve(task, nil, env.Review, env.Clerk, frozen))
}

func TestResolveDistribution(t *testing.T) {
	env := newTestEnv(t)
	task := domain.Task{ID: 5, Variant: domain.TaskDistribution, Status: domain.TaskAssigned,
		AssignedToID: env.Org.ID, AssignedToType: domain.AssigneeOrganization}
	actions := taskflow.Resolve(task, nil, env.Review, env.Judge, frozen)
	assert.Equal(t, []string{taskflow.ActionRequestDistribution}, actions)
}
