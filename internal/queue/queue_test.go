package queue_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/queue"
	"caseline/internal/repo"
)

var frozen = time.Date(2021, 5, 10, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	DB    *sql.DB
	Repo  repo.Repo
	Pager queue.Pager
	Ctx   context.Context
	Judge domain.User
	Org   domain.Organization
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	pager := queue.New(conn, config.Default())
	pager.Now = func() time.Time { return frozen }
	env := &testEnv{DB: conn, Repo: repo.Repo{DB: conn}, Pager: pager, Ctx: context.Background()}

	tx, err := conn.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	env.Org = domain.Organization{Name: "Case Intake", CreatedAt: frozen}
	require.NoError(t, env.Repo.InsertOrganization(env.Ctx, tx, &env.Org))
	env.Judge = domain.User{CSSID: "JUDGE9", Roles: []string{domain.RoleJudge}, CreatedAt: frozen}
	require.NoError(t, env.Repo.InsertUser(env.Ctx, tx, &env.Judge))
	require.NoError(t, tx.Commit())
	return env
}

// seedTask inserts a task with the given shape, defaulting timestamps off
// the frozen clock.
func (env *testEnv) seedTask(t *testing.T, task domain.Task) domain.Task {
	t.Helper()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = frozen
	}
	task.UpdatedAt = task.CreatedAt
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Repo.InsertTask(env.Ctx, tx, &task))
	require.NoError(t, tx.Commit())
	return task
}

func (env *testEnv) seedCache(t *testing.T, ca domain.CachedAppeal) {
	t.Helper()
	require.NoError(t, env.Repo.UpsertCachedAppeal(env.Ctx, nil, ca, frozen))
}

func userTask(env *testEnv, appealID int64, status domain.TaskStatus) domain.Task {
	return domain.Task{
		AppealID:       appealID,
		Variant:        domain.TaskGeneric,
		Status:         status,
		AssignedToID:   env.Judge.ID,
		AssignedToType: domain.AssigneeUser,
	}
}

func TestUnassignedTabListsOwnOpenWork(t *testing.T) {
	env := newTestEnv(t)
	open := env.seedTask(t, userTask(env, 1, domain.TaskAssigned))
	closedAt := frozen.Add(-time.Hour)
	closed := userTask(env, 2, domain.TaskCompleted)
	closed.ClosedAt = &closedAt
	env.seedTask(t, closed)
	tracking := userTask(env, 3, domain.TaskAssigned)
	tracking.Variant = domain.TaskTrackVeteran
	env.seedTask(t, tracking)

	page, err := env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabUnassigned,
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, open.ID, page.Tasks[0].TaskID)
	assert.Equal(t, 1, page.TotalCount)
	assert.Equal(t, 1, page.PageCount)
}

func TestTrackingTab(t *testing.T) {
	env := newTestEnv(t)
	tracking := domain.Task{
		AppealID:       7,
		Variant:        domain.TaskTrackVeteran,
		Status:         domain.TaskAssigned,
		AssignedToID:   env.Org.ID,
		AssignedToType: domain.AssigneeOrganization,
	}
	tracking = env.seedTask(t, tracking)
	env.seedTask(t, userTask(env, 8, domain.TaskAssigned))

	page, err := env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Org.ID,
		AssigneeType: domain.AssigneeOrganization,
		Tab:          queue.TabTracking,
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, tracking.ID, page.Tasks[0].TaskID)
}

func TestAssignedTabListsDelegatedChildren(t *testing.T) {
	env := newTestEnv(t)
	heldAt := frozen.Add(-2 * time.Hour)
	parent := userTask(env, 11, domain.TaskOnHold)
	parent.PlacedOnHoldAt = &heldAt
	parent = env.seedTask(t, parent)

	child := domain.Task{
		AppealID:       11,
		Variant:        domain.TaskAttorney,
		Status:         domain.TaskInProgress,
		AssignedToID:   99,
		AssignedToType: domain.AssigneeUser,
		ParentID:       &parent.ID,
	}
	child = env.seedTask(t, child)

	page, err := env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabAssigned,
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, child.ID, page.Tasks[0].TaskID)

	// The held parent itself shows under on_hold.
	page, err = env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabOnHold,
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, parent.ID, page.Tasks[0].TaskID)
}

func TestCompletedTabWindow(t *testing.T) {
	env := newTestEnv(t)
	recent := frozen.Add(-24 * time.Hour)
	stale := frozen.Add(-30 * 24 * time.Hour)

	fresh := userTask(env, 21, domain.TaskCompleted)
	fresh.ClosedAt = &recent
	fresh = env.seedTask(t, fresh)
	old := userTask(env, 22, domain.TaskCompleted)
	old.ClosedAt = &stale
	env.seedTask(t, old)

	page, err := env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabCompleted,
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, fresh.ID, page.Tasks[0].TaskID)
}

func TestPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		task := userTask(env, int64(100+i), domain.TaskAssigned)
		task.CreatedAt = frozen.Add(time.Duration(i) * time.Minute)
		env.seedTask(t, task)
	}

	req := queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabUnassigned,
	}
	page, err := env.Pager.Page(env.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 20, page.TotalCount)
	assert.Equal(t, 2, page.PageCount)
	assert.Len(t, page.Tasks, 15)
	assert.Equal(t, 1, page.Page)

	req.Page = 2
	page, err = env.Pager.Page(env.Ctx, req)
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 5)
	assert.Equal(t, 2, page.Page)
}

func TestSortByCachedVeteranName(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedTask(t, userTask(env, 31, domain.TaskAssigned))
	b := env.seedTask(t, userTask(env, 32, domain.TaskAssigned))
	env.seedCache(t, domain.CachedAppeal{AppealID: 31, VeteranName: "Zorn, Ada", IssueCount: 2})
	env.seedCache(t, domain.CachedAppeal{AppealID: 32, VeteranName: "Abel, Bo", IssueCount: 5})

	page, err := env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabUnassigned,
		Sort:         queue.SortVeteranName,
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 2)
	assert.Equal(t, b.ID, page.Tasks[0].TaskID)
	assert.Equal(t, a.ID, page.Tasks[1].TaskID)
	assert.Equal(t, "Abel, Bo", page.Tasks[0].VeteranName)

	page, err = env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabUnassigned,
		Sort:         queue.SortIssueCount,
		Order:        "desc",
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 2)
	assert.Equal(t, b.ID, page.Tasks[0].TaskID)
	assert.Equal(t, 5, page.Tasks[0].IssueCount)
}

func TestFilterByVariantAndDocketType(t *testing.T) {
	env := newTestEnv(t)
	generic := env.seedTask(t, userTask(env, 41, domain.TaskAssigned))
	judgeAssign := userTask(env, 42, domain.TaskAssigned)
	judgeAssign.Variant = domain.TaskJudgeAssign
	judgeAssign = env.seedTask(t, judgeAssign)
	env.seedCache(t, domain.CachedAppeal{AppealID: 41, DocketType: "direct_review"})
	env.seedCache(t, domain.CachedAppeal{AppealID: 42, DocketType: "evidence_submission"})

	page, err := env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabUnassigned,
		Filters:      []queue.Filter{{Column: "variant", Values: []string{string(domain.TaskJudgeAssign)}}},
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, judgeAssign.ID, page.Tasks[0].TaskID)

	page, err = env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID:   env.Judge.ID,
		AssigneeType: domain.AssigneeUser,
		Tab:          queue.TabUnassigned,
		Filters:      []queue.Filter{{Column: "docket_type", Values: []string{"direct_review"}}},
	})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, generic.ID, page.Tasks[0].TaskID)
}

func TestInvalidInputs(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID: env.Judge.ID, AssigneeType: "robot", Tab: queue.TabUnassigned,
	})
	var aerr *queue.InvalidAssigneeError
	require.ErrorAs(t, err, &aerr)

	_, err = env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID: env.Judge.ID, AssigneeType: domain.AssigneeUser, Tab: "mystery",
	})
	var terr *queue.InvalidTabError
	require.ErrorAs(t, err, &terr)

	_, err = env.Pager.Page(env.Ctx, queue.Request{
		AssigneeID: env.Judge.ID, AssigneeType: domain.AssigneeUser, Tab: queue.TabUnassigned,
		Sort: queue.SortVeteranName, Order: "sideways",
	})
	var serr *queue.InvalidSortOrderError
	require.ErrorAs(t, err, &serr)
}

func TestDistributionAssignsOldestCase(t *testing.T) {
	env := newTestEnv(t)
	older := domain.Task{AppealID: 51, Variant: domain.TaskDistribution, Status: domain.TaskUnassigned,
		AssignedToID: env.Org.ID, AssignedToType: domain.AssigneeOrganization, CreatedAt: frozen.Add(-time.Hour)}
	older = env.seedTask(t, older)
	newer := domain.Task{AppealID: 52, Variant: domain.TaskDistribution, Status: domain.TaskUnassigned,
		AssignedToID: env.Org.ID, AssignedToType: domain.AssigneeOrganization, CreatedAt: frozen}
	newer = env.seedTask(t, newer)

	dist := queue.NewDistributor(env.DB)
	dist.Now = func() time.Time { return frozen }

	task, err := dist.Request(env.Ctx, env.Judge)
	require.NoError(t, err)
	assert.Equal(t, older.ID, task.ID)
	assert.Equal(t, domain.TaskAssigned, task.Status)
	assert.Equal(t, env.Judge.ID, task.AssignedToID)

	task, err = dist.Request(env.Ctx, env.Judge)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, task.ID)

	_, err = dist.Request(env.Ctx, env.Judge)
	assert.ErrorIs(t, err, queue.ErrNoDistributableCases)
}

func TestConcurrentDistributionNoDoubleAssignment(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		env.seedTask(t, domain.Task{AppealID: int64(60 + i), Variant: domain.TaskDistribution,
			Status: domain.TaskUnassigned, AssignedToID: env.Org.ID, AssignedToType: domain.AssigneeOrganization,
			CreatedAt: frozen.Add(time.Duration(i) * time.Minute)})
	}
	dist := queue.NewDistributor(env.DB)
	dist.Now = func() time.Time { return frozen }

	var (
		mu  sync.Mutex
		got []int64
		wg  sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := dist.Request(env.Ctx, env.Judge)
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, task.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, id := range got {
		assert.False(t, seen[id], "task %d distributed twice", id)
		seen[id] = true
	}
	assert.Len(t, got, 4)
}
