package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. "http://localhost:8095/v1".
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             int64    `json:"id"`
	AppealID       int64    `json:"appeal_id"`
	Variant        string   `json:"variant"`
	Status         string   `json:"status"`
	Action         string   `json:"action,omitempty"`
	Instructions   []string `json:"instructions,omitempty"`
	AssignedToID   int64    `json:"assigned_to_id"`
	AssignedToType string   `json:"assigned_to_type"`
	AssignedByID   *int64   `json:"assigned_by_id,omitempty"`
	ParentID       *int64   `json:"parent_id,omitempty"`
	OnHoldDuration *int     `json:"on_hold_duration,omitempty"`
	CreatedAt      string   `json:"created_at"`
	ClosedAt       *string  `json:"closed_at,omitempty"`
}

// TaskRequest describes one task to create.
type TaskRequest struct {
	AppealID       int64    `json:"appeal_id"`
	Variant        string   `json:"variant"`
	Instructions   []string `json:"instructions,omitempty"`
	AssignedToID   int64    `json:"assigned_to_id,omitempty"`
	AssignedToType string   `json:"assigned_to_type,omitempty"`
	ParentID       *int64   `json:"parent_id,omitempty"`
	OnHoldDuration *int     `json:"on_hold_duration,omitempty"`
}

// TaskUpdate describes a task mutation. Action names the queue action the
// caller is exercising; the server verifies it is currently available.
type TaskUpdate struct {
	Action         string   `json:"action,omitempty"`
	Status         *string  `json:"status,omitempty"`
	AssignedToID   *int64   `json:"assigned_to_id,omitempty"`
	AssignedToType *string  `json:"assigned_to_type,omitempty"`
	Instructions   []string `json:"instructions,omitempty"`
	OnHoldDuration *int     `json:"on_hold_duration,omitempty"`
}

// TaskRow is a denormalized queue row.
type TaskRow struct {
	TaskID             int64  `json:"task_id"`
	AppealID           int64  `json:"appeal_id"`
	Variant            string `json:"variant"`
	Status             string `json:"status"`
	Action             string `json:"action,omitempty"`
	AssignedToID       int64  `json:"assigned_to_id"`
	AssignedToType     string `json:"assigned_to_type"`
	CreatedAt          string `json:"created_at"`
	DocketType         string `json:"docket_type,omitempty"`
	DocketNumber       string `json:"docket_number,omitempty"`
	RegionalOfficeCity string `json:"closest_regional_office_city,omitempty"`
	VeteranName        string `json:"veteran_name,omitempty"`
	IssueCount         int    `json:"issue_count"`
}

// TaskPage is one page of a queue tab.
type TaskPage struct {
	Tasks      []TaskRow `json:"tasks"`
	TotalCount int       `json:"total_count"`
	PageCount  int       `json:"page_count"`
	Page       int       `json:"page"`
}

// QueueRequest selects a queue tab for an assignee.
type QueueRequest struct {
	AssigneeID   int64
	AssigneeType string
	Tab          string
	Sort         string
	Order        string
	Page         int
	// Filters are "column:value" pairs, e.g. "docket_type:direct_review".
	Filters []string
}

// IssueRequest describes one contested issue on a review submission.
type IssueRequest struct {
	ContestedRatingIssueID     *string `json:"contested_rating_issue_id,omitempty"`
	ContestedRatingProfileDate *string `json:"contested_rating_profile_date,omitempty"`
	ContestedDecisionIssueID   *int64  `json:"contested_decision_issue_id,omitempty"`
	ContestedIssueDescription  string  `json:"contested_issue_description,omitempty"`
	NonratingCategory          string  `json:"nonrating_category,omitempty"`
	NonratingDescription       string  `json:"nonrating_description,omitempty"`
	UnidentifiedIssueText      string  `json:"unidentified_issue_text,omitempty"`
	IsUnidentified             bool    `json:"is_unidentified,omitempty"`
	DecisionDate               *string `json:"decision_date,omitempty"`
	BenefitType                string  `json:"benefit_type,omitempty"`
	UntimelyExemption          bool    `json:"untimely_exemption,omitempty"`
	LegacyID                   *string `json:"legacy_id,omitempty"`
	LegacySequenceID           *int    `json:"legacy_sequence_id,omitempty"`
	CorrectionType             *string `json:"correction_type,omitempty"`
}

// ReviewSubmission is the intake payload. Dates use YYYY-MM-DD.
type ReviewSubmission struct {
	ReviewType          string         `json:"review_type"`
	VeteranFileNumber   string         `json:"veteran_file_number"`
	ReceiptDate         string         `json:"receipt_date"`
	BenefitType         string         `json:"benefit_type,omitempty"`
	LegacyOptInApproved bool           `json:"legacy_opt_in_approved,omitempty"`
	SameOffice          bool           `json:"same_office,omitempty"`
	DocketType          string         `json:"docket_type,omitempty"`
	DocketNumber        string         `json:"docket_number,omitempty"`
	Issues              []IssueRequest `json:"issues"`
}

// ReviewResult is the intake response: the persisted review, its issues
// with eligibility decided, and any end product establishments opened.
type ReviewResult struct {
	Review         map[string]any   `json:"review"`
	Issues         []map[string]any `json:"issues"`
	Establishments []map[string]any `json:"establishments,omitempty"`
}

// Establishment represents an end product establishment (partial).
type Establishment struct {
	ID              int64   `json:"id"`
	ReviewID        int64   `json:"review_id"`
	Code            string  `json:"code"`
	PayeeCode       string  `json:"payee_code"`
	Modifier        *string `json:"modifier,omitempty"`
	ReferenceID     *string `json:"reference_id,omitempty"`
	SyncedStatus    *string `json:"synced_status,omitempty"`
	EstablishedAt   *string `json:"established_at,omitempty"`
	LastSyncedAt    *string `json:"last_synced_at,omitempty"`
	CommittedAt     *string `json:"committed_at,omitempty"`
	ClaimantPID     string  `json:"claimant_participant_id,omitempty"`
	Station         string  `json:"station"`
	ClaimDate       string  `json:"claim_date"`
	BenefitTypeCode string  `json:"benefit_type_code,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTasks creates one or more tasks in a single transaction and returns
// the created tasks plus any tasks changed as a side effect.
func (c *Client) CreateTasks(ctx context.Context, reqs ...TaskRequest) ([]Task, error) {
	body := map[string]any{"tasks": reqs}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp.Tasks, err
}

// UpdateTask applies an update to a task and returns every task it touched.
func (c *Client) UpdateTask(ctx context.Context, taskID int64, u TaskUpdate) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	endpoint := fmt.Sprintf("tasks/%d", taskID)
	err := c.do(ctx, http.MethodPatch, endpoint, u, &resp)
	return resp.Tasks, err
}

// TaskActions returns the queue actions the authenticated user may take on
// a task right now.
func (c *Client) TaskActions(ctx context.Context, taskID int64) ([]string, error) {
	var resp struct {
		Actions []string `json:"actions"`
	}
	endpoint := fmt.Sprintf("tasks/%d/actions", taskID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Actions, err
}

// Queue returns one page of a queue tab.
func (c *Client) Queue(ctx context.Context, req QueueRequest) (TaskPage, error) {
	q := url.Values{}
	q.Set("assignee_id", strconv.FormatInt(req.AssigneeID, 10))
	if req.AssigneeType != "" {
		q.Set("assignee_type", req.AssigneeType)
	}
	q.Set("tab", req.Tab)
	if req.Sort != "" {
		q.Set("sort", req.Sort)
	}
	if req.Order != "" {
		q.Set("order", req.Order)
	}
	if req.Page > 0 {
		q.Set("page", strconv.Itoa(req.Page))
	}
	for _, f := range req.Filters {
		q.Add("filter", f)
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, "tasks?"+q.Encode(), nil, &resp)
	return resp, err
}

// RequestDistribution asks for the oldest distributable case to be assigned
// to the authenticated judge.
func (c *Client) RequestDistribution(ctx context.Context) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "distributions", struct{}{}, &resp)
	return resp, err
}

// SubmitReview submits a decision review for intake.
func (c *Client) SubmitReview(ctx context.Context, sub ReviewSubmission) (ReviewResult, error) {
	var resp ReviewResult
	err := c.do(ctx, http.MethodPost, "reviews", sub, &resp)
	return resp, err
}

// PerformEstablishment establishes the end product with the claims system
// and files its contentions.
func (c *Client) PerformEstablishment(ctx context.Context, id int64) (Establishment, error) {
	var resp Establishment
	endpoint := fmt.Sprintf("establishments/%d/perform", id)
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// SyncEstablishment refreshes the establishment's status from the claims
// system.
func (c *Client) SyncEstablishment(ctx context.Context, id int64) (Establishment, error) {
	var resp Establishment
	endpoint := fmt.Sprintf("establishments/%d/sync", id)
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
