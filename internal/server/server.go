// Package server exposes the case-management API over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caseline/internal/establishment"
	"caseline/internal/intake"
	"caseline/internal/queue"
	"caseline/internal/repo"
	"caseline/internal/taskflow"
)

// Config wires the engines behind the HTTP surface.
type Config struct {
	Intake      intake.Engine
	Est         *establishment.Engine
	Tasks       taskflow.Engine
	Pager       queue.Pager
	Distributor *queue.Distributor
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"invalid task: parent_id"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Caseline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg)
	registerQueue(group, cfg)
	registerReviews(group, cfg)
	registerEstablishments(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors onto the API envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		taskValidation   *taskflow.ValidationError
		transition       *taskflow.InvalidTransitionError
		openChildren     *taskflow.OpenChildrenError
		rootExists       *taskflow.RootExistsError
		intakeValidation *intake.ValidationError
		invalidTab       *queue.InvalidTabError
		invalidAssignee  *queue.InvalidAssigneeError
		invalidSort      *queue.InvalidSortOrderError
		invalidEP        *establishment.InvalidEndProductError
		establishFailed  *establishment.EstablishClaimFailedError
		epNotFound       *establishment.EstablishedEndProductNotFoundError
	)
	switch {
	case errors.As(err, &taskValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(),
			map[string]any{"fields": taskValidation.Fields})
	case errors.As(err, &intakeValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(),
			map[string]any{"fields": intakeValidation.Fields})
	case errors.As(err, &transition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.As(err, &openChildren):
		return newAPIError(http.StatusUnprocessableEntity, "open_children", err.Error(), nil)
	case errors.As(err, &rootExists):
		return newAPIError(http.StatusUnprocessableEntity, "root_exists", err.Error(), nil)
	case errors.As(err, &invalidTab), errors.As(err, &invalidAssignee), errors.As(err, &invalidSort):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.As(err, &invalidEP):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_end_product", err.Error(),
			map[string]any{"missing": invalidEP.Missing})
	case errors.As(err, &establishFailed):
		return newAPIError(http.StatusBadGateway, "establish_failed", err.Error(), nil)
	case errors.As(err, &epNotFound):
		return newAPIError(http.StatusConflict, "end_product_not_found", err.Error(), nil)
	case errors.Is(err, establishment.ErrNoAvailableModifiers):
		return newAPIError(http.StatusConflict, "no_available_modifiers", err.Error(), nil)
	case errors.Is(err, queue.ErrNoDistributableCases):
		return newAPIError(http.StatusNotFound, "no_distributable_cases", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
			map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}
