// Package queue serves the work-queue read path: tabbed, sorted, filtered
// task pages for a user or organization, plus case distribution.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/repo"
)

// Tab names the closed set of queue views.
type Tab string

const (
	TabTracking   Tab = "tracking"
	TabUnassigned Tab = "unassigned"
	TabAssigned   Tab = "assigned"
	TabOnHold     Tab = "on_hold"
	TabCompleted  Tab = "completed"
)

// SortColumn names the closed set of sortable columns. days_waiting and
// due_date both order on assigned_at; the last four order on the joined
// appeal cache.
type SortColumn string

const (
	SortDaysWaiting    SortColumn = "days_waiting"
	SortDueDate        SortColumn = "due_date"
	SortClosedDate     SortColumn = "closed_date"
	SortType           SortColumn = "type"
	SortHoldLength     SortColumn = "hold_length"
	SortDocketNumber   SortColumn = "docket_number"
	SortRegionalOffice SortColumn = "regional_office"
	SortIssueCount     SortColumn = "issue_count"
	SortVeteranName    SortColumn = "veteran_name"
)

type InvalidTabError struct {
	Tab Tab
}

func (e *InvalidTabError) Error() string {
	return fmt.Sprintf("unrecognized queue tab %q", string(e.Tab))
}

type InvalidAssigneeError struct {
	Type domain.AssigneeType
}

func (e *InvalidAssigneeError) Error() string {
	return fmt.Sprintf("assignee must be a user or an organization, got %q", string(e.Type))
}

type InvalidSortOrderError struct {
	Column SortColumn
	Order  string
}

func (e *InvalidSortOrderError) Error() string {
	return fmt.Sprintf("invalid sort %q %q", string(e.Column), e.Order)
}

// Filter restricts a page to rows whose column takes one of the values.
type Filter struct {
	Column string   `json:"column"`
	Values []string `json:"values"`
}

// Request is one page request. Page is 1-based; zero means the first page.
type Request struct {
	AssigneeID   int64
	AssigneeType domain.AssigneeType
	Tab          Tab
	Sort         SortColumn
	Order        string
	Filters      []Filter
	Page         int
}

type Pager struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Pager {
	return Pager{Repo: repo.Repo{DB: db}, Config: cfg, Now: time.Now}
}

func (p Pager) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// filterColumns is the allowlist of filterable columns and the SQL they
// expand to.
var filterColumns = map[string]string{
	"variant":         "tasks.variant",
	"action":          "tasks.action",
	"docket_type":     "cached_appeals.docket_type",
	"docket_number":   "cached_appeals.docket_number",
	"regional_office": "cached_appeals.closest_regional_office_city",
	"veteran_name":    "cached_appeals.veteran_name",
}

// sortColumns maps a sort to its ORDER BY components. type is lexicographic
// over (variant, action, created_at).
var sortColumns = map[SortColumn][]string{
	SortDaysWaiting:    {"tasks.assigned_at"},
	SortDueDate:        {"tasks.assigned_at"},
	SortClosedDate:     {"tasks.closed_at"},
	SortType:           {"tasks.variant", "tasks.action", "tasks.created_at"},
	SortHoldLength:     {"tasks.placed_on_hold_at"},
	SortDocketNumber:   {"cached_appeals.docket_type", "cached_appeals.docket_number"},
	SortRegionalOffice: {"cached_appeals.closest_regional_office_city"},
	SortIssueCount:     {"cached_appeals.issue_count"},
	SortVeteranName:    {"cached_appeals.veteran_name"},
}

// Page returns one page of queue rows for the assignee's tab.
func (p Pager) Page(ctx context.Context, req Request) (domain.TaskPage, error) {
	var page domain.TaskPage
	switch req.AssigneeType {
	case domain.AssigneeUser, domain.AssigneeOrganization:
	default:
		return page, &InvalidAssigneeError{Type: req.AssigneeType}
	}

	q, err := p.tabQuery(req)
	if err != nil {
		return page, err
	}
	if err := appendFilters(&q, req.Filters); err != nil {
		return page, err
	}
	order, err := orderBy(req.Sort, req.Order)
	if err != nil {
		return page, err
	}
	q.OrderBy = order

	total, err := p.Repo.CountTasks(ctx, q)
	if err != nil {
		return page, err
	}

	pageNum := req.Page
	if pageNum < 1 {
		pageNum = 1
	}
	size := p.Config.Queue.PageSize
	q.Limit = size
	q.Offset = (pageNum - 1) * size
	rows, err := p.Repo.SelectTaskRows(ctx, q)
	if err != nil {
		return page, err
	}

	page.Tasks = rows
	page.TotalCount = total
	page.PageCount = (total + size - 1) / size
	page.Page = pageNum
	return page, nil
}

// tabQuery builds the WHERE clause for the tab. unassigned is the assignee's
// own open work; assigned is the open children of the assignee's on-hold
// tasks, the work the assignee delegated.
func (p Pager) tabQuery(req Request) (repo.TaskQuery, error) {
	var q repo.TaskQuery
	mine := "tasks.assigned_to_id=? AND tasks.assigned_to_type=?"
	mineArgs := []any{req.AssigneeID, string(req.AssigneeType)}
	open := "tasks.status NOT IN ('completed','cancelled')"

	switch req.Tab {
	case TabTracking:
		q.Where = append(q.Where, mine, "tasks.variant=?", open)
		q.Args = append(q.Args, mineArgs...)
		q.Args = append(q.Args, string(domain.TaskTrackVeteran))
	case TabUnassigned:
		q.Where = append(q.Where, mine, "tasks.variant!=?", open)
		q.Args = append(q.Args, mineArgs...)
		q.Args = append(q.Args, string(domain.TaskTrackVeteran))
	case TabAssigned:
		q.Where = append(q.Where,
			"tasks.parent_id IN (SELECT id FROM tasks WHERE assigned_to_id=? AND assigned_to_type=? AND status='on_hold')",
			open)
		q.Args = append(q.Args, mineArgs...)
	case TabOnHold:
		q.Where = append(q.Where, mine, "tasks.status='on_hold'")
		q.Args = append(q.Args, mineArgs...)
	case TabCompleted:
		cutoff := p.now().Add(-time.Duration(p.Config.Queue.CompletedWindowDays) * 24 * time.Hour)
		q.Where = append(q.Where, mine, "tasks.closed_at IS NOT NULL", "tasks.closed_at >= ?")
		q.Args = append(q.Args, mineArgs...)
		q.Args = append(q.Args, cutoff.UTC().Format(time.RFC3339))
	default:
		return q, &InvalidTabError{Tab: req.Tab}
	}
	return q, nil
}

func appendFilters(q *repo.TaskQuery, filters []Filter) error {
	for _, f := range filters {
		col, ok := filterColumns[f.Column]
		if !ok {
			return fmt.Errorf("unknown filter column %q", f.Column)
		}
		if len(f.Values) == 0 {
			continue
		}
		placeholders := "?"
		for i := 1; i < len(f.Values); i++ {
			placeholders += ",?"
		}
		q.Where = append(q.Where, col+" IN ("+placeholders+")")
		for _, v := range f.Values {
			q.Args = append(q.Args, v)
		}
		if col[:6] == "cached" {
			q.JoinCache = true
		}
	}
	return nil
}

func orderBy(col SortColumn, order string) (string, error) {
	if col == "" {
		return "", nil
	}
	dir := "ASC"
	switch order {
	case "", "asc":
	case "desc":
		dir = "DESC"
	default:
		return "", &InvalidSortOrderError{Column: col, Order: order}
	}
	parts, ok := sortColumns[col]
	if !ok {
		return "", &InvalidSortOrderError{Column: col, Order: order}
	}
	out := ""
	for i, part := range parts {
		if i > 0 {
			out += ", "
		}
		out += part + " " + dir
	}
	return out, nil
}
