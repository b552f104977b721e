package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
	"caseline/internal/queue"
	"caseline/internal/taskflow"
)

type TaskRequest struct {
	AppealID       int64    `json:"appeal_id"`
	Variant        string   `json:"variant"`
	Action         string   `json:"action,omitempty"`
	Instructions   []string `json:"instructions,omitempty"`
	AssignedToID   int64    `json:"assigned_to_id,omitempty"`
	AssignedToType string   `json:"assigned_to_type,omitempty" enum:"user,organization"`
	ParentID       *int64   `json:"parent_id,omitempty"`
	OnHoldDuration *int     `json:"on_hold_duration,omitempty"`
}

type CreateTasksRequest struct {
	Tasks []TaskRequest `json:"tasks"`
}

type UpdateTaskRequest struct {
	// Action names the resolver action this update performs. Required for
	// status and assignee changes; the server re-resolves permitted actions
	// instead of trusting the client.
	Action         string   `json:"action,omitempty"`
	Status         *string  `json:"status,omitempty" enum:"unassigned,assigned,in_progress,on_hold,completed,cancelled"`
	AssignedToID   *int64   `json:"assigned_to_id,omitempty"`
	AssignedToType *string  `json:"assigned_to_type,omitempty" enum:"user,organization"`
	Instructions   []string `json:"instructions,omitempty"`
	OnHoldDuration *int     `json:"on_hold_duration,omitempty"`
}

type TasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tasks",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create tasks",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateTasksRequest `json:"body"`
	}) (*struct {
		Body TasksResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, cfg.Tasks.Repo)
		if authErr != nil {
			return nil, authErr
		}
		params := make([]taskflow.TaskParams, 0, len(input.Body.Tasks))
		for _, t := range input.Body.Tasks {
			params = append(params, taskflow.TaskParams{
				AppealID:       t.AppealID,
				Variant:        t.Variant,
				Action:         t.Action,
				Instructions:   t.Instructions,
				AssignedToID:   t.AssignedToID,
				AssignedToType: t.AssignedToType,
				ParentID:       t.ParentID,
				OnHoldDuration: t.OnHoldDuration,
			})
		}
		created, err := cfg.Tasks.CreateManyFromParams(ctx, params, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TasksResponse `json:"body"`
		}{Body: TasksResponse{Tasks: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TasksResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, cfg.Tasks.Repo)
		if authErr != nil {
			return nil, authErr
		}
		mutating := input.Body.Status != nil || input.Body.AssignedToID != nil
		if mutating {
			if input.Body.Action == "" {
				return nil, newAPIError(http.StatusBadRequest, "action_required",
					"status and assignee changes must name an action", nil)
			}
			allowed, err := cfg.Tasks.AvailableActions(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			if !containsAction(allowed, input.Body.Action) {
				return nil, newAPIError(http.StatusForbidden, "action_not_allowed",
					"action "+input.Body.Action+" is not available on this task", nil)
			}
		}
		affected, err := cfg.Tasks.UpdateFromParams(ctx, input.ID, taskflow.TaskUpdate{
			Status:         input.Body.Status,
			AssignedToID:   input.Body.AssignedToID,
			AssignedToType: input.Body.AssignedToType,
			Instructions:   input.Body.Instructions,
			OnHoldDuration: input.Body.OnHoldDuration,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TasksResponse `json:"body"`
		}{Body: TasksResponse{Tasks: affected}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-actions",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/actions",
		Summary:     "Available task actions",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body struct {
			Actions []string `json:"actions"`
		}
	}, error) {
		user, authErr := currentUser(ctx, cfg.Tasks.Repo)
		if authErr != nil {
			return nil, authErr
		}
		actions, err := cfg.Tasks.AvailableActions(ctx, input.ID, user)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Actions []string `json:"actions"`
			}
		}{}
		out.Body.Actions = actions
		return out, nil
	})
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func registerQueue(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Queue page",
	}, func(ctx context.Context, input *struct {
		AssigneeID   int64    `query:"assignee_id"`
		AssigneeType string   `query:"assignee_type" enum:"user,organization"`
		Tab          string   `query:"tab" enum:"tracking,unassigned,assigned,on_hold,completed"`
		Sort         string   `query:"sort"`
		Order        string   `query:"order" enum:",asc,desc"`
		Page         int      `query:"page"`
		Filters      []string `query:"filter" doc:"column:value pairs, e.g. variant:attorney"`
	}) (*struct {
		Body domain.TaskPage `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		req := queue.Request{
			AssigneeID:   input.AssigneeID,
			AssigneeType: domain.AssigneeType(input.AssigneeType),
			Tab:          queue.Tab(input.Tab),
			Sort:         queue.SortColumn(input.Sort),
			Order:        input.Order,
			Page:         input.Page,
		}
		for _, f := range input.Filters {
			col, val, ok := strings.Cut(f, ":")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request",
					"filter must be column:value, got "+f, nil)
			}
			req.Filters = append(req.Filters, queue.Filter{Column: col, Values: []string{val}})
		}
		page, err := cfg.Pager.Page(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-distribution",
		Method:        http.MethodPost,
		Path:          "/distributions",
		Summary:       "Request case distribution",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		judge, authErr := currentUser(ctx, cfg.Tasks.Repo)
		if authErr != nil {
			return nil, authErr
		}
		if !judge.HasRole(domain.RoleJudge) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "distribution requires the judge role", nil)
		}
		task, err := cfg.Distributor.Request(ctx, judge)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})
}
