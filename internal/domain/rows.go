package domain

import "time"

// TaskRow is the queue read model: enough of a task plus denormalized appeal
// attributes to render one table row, without loading full entities.
type TaskRow struct {
	TaskID             int64        `json:"task_id"`
	AppealID           int64        `json:"appeal_id"`
	Variant            TaskVariant  `json:"variant"`
	Status             TaskStatus   `json:"status"`
	Action             string       `json:"action,omitempty"`
	AssignedToID       int64        `json:"assigned_to_id"`
	AssignedToType     AssigneeType `json:"assigned_to_type"`
	AssignedAt         *time.Time   `json:"assigned_at,omitempty"`
	PlacedOnHoldAt     *time.Time   `json:"placed_on_hold_at,omitempty"`
	ClosedAt           *time.Time   `json:"closed_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	DocketType         string       `json:"docket_type,omitempty"`
	DocketNumber       string       `json:"docket_number,omitempty"`
	RegionalOfficeCity string       `json:"closest_regional_office_city,omitempty"`
	VeteranName        string       `json:"veteran_name,omitempty"`
	IssueCount         int          `json:"issue_count"`
}

// TaskPage is the pager output: a page of rows plus totals.
type TaskPage struct {
	Tasks      []TaskRow `json:"tasks"`
	TotalCount int       `json:"total_count"`
	PageCount  int       `json:"page_count"`
	Page       int       `json:"page"`
}
