package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer abstracts *sql.DB and *sql.Tx so read helpers work inside or
// outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) ex(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- time helpers: TEXT columns hold RFC3339 UTC ---

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// --- tasks ---

const taskCols = `id,appeal_id,variant,status,action,instructions_json,assigned_to_id,assigned_to_type,
assigned_by_id,parent_id,assigned_at,started_at,placed_on_hold_at,on_hold_duration,closed_at,created_at,updated_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var (
		t                                         domain.Task
		action, instructions                      sql.NullString
		assignedBy, parent, holdDuration          sql.NullInt64
		assignedAt, startedAt, onHoldAt, closedAt sql.NullString
		createdAt, updatedAt                      string
	)
	err := row.Scan(&t.ID, &t.AppealID, &t.Variant, &t.Status, &action, &instructions,
		&t.AssignedToID, &t.AssignedToType, &assignedBy, &parent, &assignedAt, &startedAt,
		&onHoldAt, &holdDuration, &closedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Action = action.String
	if instructions.Valid && instructions.String != "" {
		_ = json.Unmarshal([]byte(instructions.String), &t.Instructions)
	}
	t.AssignedByID = intPtr(assignedBy)
	t.ParentID = intPtr(parent)
	t.AssignedAt = parseTimePtr(assignedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.PlacedOnHoldAt = parseTimePtr(onHoldAt)
	if holdDuration.Valid {
		d := int(holdDuration.Int64)
		t.OnHoldDuration = &d
	}
	t.ClosedAt = parseTimePtr(closedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	instructions, err := marshalInstructions(t.Instructions)
	if err != nil {
		return err
	}
	res, err := r.ex(tx).ExecContext(ctx, `INSERT INTO tasks
(appeal_id,variant,status,action,instructions_json,assigned_to_id,assigned_to_type,assigned_by_id,parent_id,
 assigned_at,started_at,placed_on_hold_at,on_hold_duration,closed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.AppealID, t.Variant, t.Status, emptyNull(t.Action), instructions,
		t.AssignedToID, t.AssignedToType, nullable(t.AssignedByID), nullable(t.ParentID),
		fmtTimePtr(t.AssignedAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.PlacedOnHoldAt),
		nullable(t.OnHoldDuration), fmtTimePtr(t.ClosedAt), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	instructions, err := marshalInstructions(t.Instructions)
	if err != nil {
		return err
	}
	res, err := r.ex(tx).ExecContext(ctx, `UPDATE tasks SET
status=?,action=?,instructions_json=?,assigned_to_id=?,assigned_to_type=?,assigned_by_id=?,parent_id=?,
assigned_at=?,started_at=?,placed_on_hold_at=?,on_hold_duration=?,closed_at=?,updated_at=?
WHERE id=?`,
		t.Status, emptyNull(t.Action), instructions, t.AssignedToID, t.AssignedToType,
		nullable(t.AssignedByID), nullable(t.ParentID), fmtTimePtr(t.AssignedAt), fmtTimePtr(t.StartedAt),
		fmtTimePtr(t.PlacedOnHoldAt), nullable(t.OnHoldDuration), fmtTimePtr(t.ClosedAt),
		fmtTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTask conditionally assigns an unassigned task. The WHERE guard makes
// concurrent distribution requests race safely: exactly one wins.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, taskID, userID int64, now time.Time) (bool, error) {
	res, err := r.ex(tx).ExecContext(ctx, `UPDATE tasks
SET status=?, assigned_to_id=?, assigned_to_type=?, assigned_at=?, updated_at=?
WHERE id=? AND status=?`,
		domain.TaskAssigned, userID, domain.AssigneeUser, fmtTime(now), fmtTime(now),
		taskID, domain.TaskUnassigned)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ListChildren(ctx context.Context, tx *sql.Tx, parentID int64) ([]domain.Task, error) {
	return r.listTasks(ctx, tx, `SELECT `+taskCols+` FROM tasks WHERE parent_id=? ORDER BY id`, parentID)
}

func (r Repo) OpenChildCount(ctx context.Context, tx *sql.Tx, parentID int64) (int, error) {
	var n int
	err := r.ex(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE parent_id=? AND status NOT IN (?,?)`,
		parentID, domain.TaskCompleted, domain.TaskCancelled).Scan(&n)
	return n, err
}

// RootTaskExists reports whether the case already has a root task, open or
// closed.
func (r Repo) RootTaskExists(ctx context.Context, tx *sql.Tx, appealID int64) (bool, error) {
	var n int
	err := r.ex(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE appeal_id=? AND variant=?`,
		appealID, domain.TaskRoot).Scan(&n)
	return n > 0, err
}

func (r Repo) ListTasksForAppeal(ctx context.Context, appealID int64) ([]domain.Task, error) {
	return r.listTasks(ctx, nil, `SELECT `+taskCols+` FROM tasks WHERE appeal_id=? ORDER BY id`, appealID)
}

// ListExpiredHolds returns on-hold tasks whose timed hold has elapsed.
func (r Repo) ListExpiredHolds(ctx context.Context, now time.Time) ([]domain.Task, error) {
	tasks, err := r.listTasks(ctx, nil,
		`SELECT `+taskCols+` FROM tasks WHERE status=? AND placed_on_hold_at IS NOT NULL AND on_hold_duration IS NOT NULL`,
		domain.TaskOnHold)
	if err != nil {
		return nil, err
	}
	var expired []domain.Task
	for _, t := range tasks {
		if !now.Before(t.HoldExpiresAt()) {
			expired = append(expired, t)
		}
	}
	return expired, nil
}

// OldestUnassignedDistributionTask feeds the case distribution algorithm.
func (r Repo) OldestUnassignedDistributionTask(ctx context.Context, tx *sql.Tx) (domain.Task, error) {
	return scanTask(r.ex(tx).QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE variant=? AND status=? ORDER BY created_at, id LIMIT 1`,
		domain.TaskDistribution, domain.TaskUnassigned))
}

func (r Repo) listTasks(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.ex(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskQuery is a composed tasks select; the queue pager builds these.
type TaskQuery struct {
	Where     []string
	Args      []any
	JoinCache bool
	OrderBy   string
	Limit     int
	Offset    int
}

func (q TaskQuery) clauses() (string, string) {
	join := ""
	if q.JoinCache {
		join = ` LEFT JOIN cached_appeals ON cached_appeals.appeal_id = tasks.appeal_id`
	}
	where := ""
	if len(q.Where) > 0 {
		where = " WHERE " + strings.Join(q.Where, " AND ")
	}
	return join, where
}

func (r Repo) CountTasks(ctx context.Context, q TaskQuery) (int, error) {
	join, where := q.clauses()
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+join+where, q.Args...).Scan(&n)
	return n, err
}

// SelectTaskRows returns one page of queue rows: the task plus the joined
// denormalized appeal attributes needed to render a table row.
func (r Repo) SelectTaskRows(ctx context.Context, q TaskQuery) ([]domain.TaskRow, error) {
	join, where := q.clauses()
	order := q.OrderBy
	if order == "" {
		order = "tasks.created_at ASC"
	}
	query := `SELECT tasks.id,tasks.appeal_id,tasks.variant,tasks.status,tasks.action,
tasks.assigned_to_id,tasks.assigned_to_type,tasks.assigned_at,tasks.placed_on_hold_at,tasks.closed_at,tasks.created_at,
COALESCE(cached_appeals.docket_type,''),COALESCE(cached_appeals.docket_number,''),
COALESCE(cached_appeals.closest_regional_office_city,''),COALESCE(cached_appeals.veteran_name,''),
COALESCE(cached_appeals.issue_count,0)
FROM tasks LEFT JOIN cached_appeals ON cached_appeals.appeal_id = tasks.appeal_id` + where +
		` ORDER BY ` + order + fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	_ = join // the row select always joins; count joins only when filtered
	rows, err := r.DB.QueryContext(ctx, query, q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskRow
	for rows.Next() {
		var (
			row                            domain.TaskRow
			action                         sql.NullString
			assignedAt, onHoldAt, closedAt sql.NullString
			createdAt                      string
		)
		if err := rows.Scan(&row.TaskID, &row.AppealID, &row.Variant, &row.Status, &action,
			&row.AssignedToID, &row.AssignedToType, &assignedAt, &onHoldAt, &closedAt, &createdAt,
			&row.DocketType, &row.DocketNumber, &row.RegionalOfficeCity, &row.VeteranName,
			&row.IssueCount); err != nil {
			return nil, err
		}
		row.Action = action.String
		row.AssignedAt = parseTimePtr(assignedAt)
		row.PlacedOnHoldAt = parseTimePtr(onHoldAt)
		row.ClosedAt = parseTimePtr(closedAt)
		row.CreatedAt = parseTime(createdAt)
		res = append(res, row)
	}
	return res, rows.Err()
}

func marshalInstructions(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
