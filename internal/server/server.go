package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/engine/access"
	"flowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cyclic_dependency"`
	Message string         `json:"message" example:"prerequisite edge would create a cycle"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Flowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerRoster(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPrerequisites(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var unauth access.UnauthorizedError
	if errors.As(err, &unauth) {
		return newAPIError(http.StatusForbidden, "unauthorized", err.Error(), map[string]any{"action": unauth.Action})
	}
	var ip engine.InvalidParameterError
	if errors.As(err, &ip) {
		return newAPIError(http.StatusBadRequest, "invalid_parameter", err.Error(), map[string]any{"field": ip.Field})
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state_transition", err.Error(), map[string]any{
			"from": it.From.String(),
			"to":   it.To.String(),
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotMember):
		return newAPIError(http.StatusNotFound, "not_member", err.Error(), nil)
	case errors.Is(err, engine.ErrProtectedPrincipal):
		return newAPIError(http.StatusForbidden, "protected_principal", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyMember):
		return newAPIError(http.StatusConflict, "already_member", err.Error(), nil)
	case errors.Is(err, engine.ErrSelfReference):
		return newAPIError(http.StatusConflict, "self_reference", err.Error(), nil)
	case errors.Is(err, engine.ErrCyclicDependency):
		return newAPIError(http.StatusConflict, "cyclic_dependency", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseState(in string) (domain.TaskState, error) {
	switch in {
	case "created":
		return domain.StateCreated, nil
	case "active":
		return domain.StateActive, nil
	case "review":
		return domain.StateReview, nil
	case "done":
		return domain.StateDone, nil
	}
	return 0, engine.InvalidParameterError{Field: "state", Reason: "unknown state " + in}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Flowline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type WorkflowPath struct {
	WorkflowID uint64 `path:"workflow_id"`
}

type TaskPath struct {
	WorkflowID uint64 `path:"workflow_id"`
	TaskID     uint64 `path:"task_id"`
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkflow(ctx, engine.WorkflowCreateOptions{
			Title:         input.Body.Title,
			Description:   deref(input.Body.Description),
			BudgetFloor:   input.Body.BudgetFloor,
			BudgetCeiling: input.Body.BudgetCeiling,
			TotalBudget:   input.Body.TotalBudget,
			Creator:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		list, err := e.Repo.ListWorkflows(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]WorkflowResponse, 0, len(list))
		for _, w := range list {
			out = append(out, workflowResponse(w))
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *WorkflowPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, err := e.QueryWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		if w == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "workflow not found", nil)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(*w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "modify-workflow",
		Method:      http.MethodPut,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Modify workflow",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Body ModifyWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.WorkflowModifyOptions{
			WorkflowID:    input.WorkflowID,
			Title:         input.Body.Title,
			Description:   deref(input.Body.Description),
			BudgetFloor:   input.Body.BudgetFloor,
			BudgetCeiling: input.Body.BudgetCeiling,
			TotalBudget:   input.Body.TotalBudget,
			Caller:        actorID,
		}
		if input.Body.RequiredTier != nil {
			opts.RequiredTier = domain.Tier(*input.Body.RequiredTier)
		}
		w, err := e.ModifyWorkflow(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})
}

func registerRoster(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enroll-contributor",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/contributors",
		Summary:       "Enroll contributor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Body EnrollRequest `json:"body"`
	}) (*struct {
		Body ContributorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Enroll(ctx, input.WorkflowID, input.Body.Principal, domain.Tier(input.Body.Tier), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributorResponse `json:"body"`
		}{Body: contributorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contributors",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/contributors",
		Summary:     "List contributors",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *WorkflowPath) (*struct {
		Body []ContributorResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkflow(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListContributors(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ContributorResponse, 0, len(list))
		for _, c := range list {
			out = append(out, contributorResponse(c))
		}
		return &struct {
			Body []ContributorResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-tier",
		Method:      http.MethodPut,
		Path:        "/workflows/{workflow_id}/contributors/{principal}",
		Summary:     "Adjust contributor tier",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Principal string            `path:"principal"`
		Body      AdjustTierRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AdjustTier(ctx, input.WorkflowID, input.Principal, domain.Tier(input.Body.Tier), actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-contributor",
		Method:      http.MethodDelete,
		Path:        "/workflows/{workflow_id}/contributors/{principal}",
		Summary:     "Remove contributor",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Principal string `path:"principal"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Remove(ctx, input.WorkflowID, input.Principal, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-access",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/contributors/{principal}/access",
		Summary:     "Query a principal's access and tier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Principal string `path:"principal"`
	}) (*struct {
		Body AccessResponse `json:"body"`
	}, error) {
		tier, err := e.TierOf(ctx, input.WorkflowID, input.Principal)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AccessResponse{Principal: input.Principal, HasAccess: tier != nil}
		if tier != nil {
			v := uint64(*tier)
			resp.Tier = &v
		}
		return &struct {
			Body AccessResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "spawn-task",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/tasks",
		Summary:       "Spawn task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Body SpawnTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SpawnTask(ctx, engine.TaskSpawnOptions{
			WorkflowID:     input.WorkflowID,
			Title:          input.Body.Title,
			Description:    deref(input.Body.Description),
			Assignee:       input.Body.Assignee,
			Priority:       input.Body.Priority,
			EstimatedHours: input.Body.EstimatedHours,
			ScheduledStart: input.Body.ScheduledStart,
			ScheduledEnd:   input.Body.ScheduledEnd,
			Parent:         input.Body.Parent,
			Caller:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		State    string `query:"state" enum:"created,active,review,done,"`
		Assignee string `query:"assignee"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkflow(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		filters := repo.TaskFilters{WorkflowID: input.WorkflowID, Assignee: input.Assignee}
		if input.State != "" {
			state, err := parseState(input.State)
			if err != nil {
				return nil, handleError(err)
			}
			filters.State = state
		}
		list, err := e.Repo.ListTasks(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TaskResponse, 0, len(list))
		for _, t := range list {
			out = append(out, taskResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.QueryTask(ctx, input.WorkflowID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revise-task",
		Method:      http.MethodPut,
		Path:        "/workflows/{workflow_id}/tasks/{task_id}",
		Summary:     "Revise task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body SpawnTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReviseTask(ctx, engine.TaskReviseOptions{
			WorkflowID:     input.WorkflowID,
			TaskID:         input.TaskID,
			Title:          input.Body.Title,
			Description:    deref(input.Body.Description),
			Assignee:       input.Body.Assignee,
			Priority:       input.Body.Priority,
			EstimatedHours: input.Body.EstimatedHours,
			ScheduledStart: input.Body.ScheduledStart,
			ScheduledEnd:   input.Body.ScheduledEnd,
			Parent:         input.Body.Parent,
			Caller:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/tasks/{task_id}/transition",
		Summary:     "Advance task state",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target, err := parseState(input.Body.State)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.TransitionState(ctx, input.WorkflowID, input.TaskID, target, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerPrerequisites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "establish-prerequisite",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/tasks/{task_id}/prerequisites",
		Summary:       "Establish prerequisite edge",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body EstablishPrerequisiteRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.EstablishPrerequisite(ctx, input.WorkflowID, input.TaskID, input.Body.PrerequisiteID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sever-prerequisite",
		Method:      http.MethodDelete,
		Path:        "/workflows/{workflow_id}/tasks/{task_id}/prerequisites/{prerequisite_id}",
		Summary:     "Sever prerequisite edge",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskPath
		PrerequisiteID uint64 `path:"prerequisite_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SeverPrerequisite(ctx, input.WorkflowID, input.TaskID, input.PrerequisiteID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-artifact",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/tasks/{task_id}/artifacts",
		Summary:       "Attach work artifact hash",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body AttachArtifactRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		hash, err := hex.DecodeString(input.Body.Hash)
		if err != nil {
			return nil, handleError(engine.InvalidParameterError{Field: "hash", Reason: "must be hex encoded"})
		}
		if err := e.AttachArtifact(ctx, input.WorkflowID, input.TaskID, hash, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/tasks/{task_id}/artifacts",
		Summary:     "List work artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		if _, err := e.QueryTask(ctx, input.WorkflowID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListArtifacts(ctx, input.WorkflowID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ArtifactResponse, 0, len(list))
		for _, a := range list {
			out = append(out, artifactResponse(a))
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-time",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/tasks/{task_id}/time",
		Summary:       "Log time entry",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body LogTimeRequest `json:"body"`
	}) (*struct {
		Body struct {
			LoggedHours uint64 `json:"logged_hours"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		total, err := e.LogTime(ctx, input.WorkflowID, input.TaskID, input.Body.Hours, input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				LoggedHours uint64 `json:"logged_hours"`
			} `json:"body"`
		}{}
		resp.Body.LoggedHours = total
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-time-entries",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/tasks/{task_id}/time",
		Summary:     "List time entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body []TimeEntryResponse `json:"body"`
	}, error) {
		if _, err := e.QueryTask(ctx, input.WorkflowID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListTimeEntries(ctx, input.WorkflowID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TimeEntryResponse, 0, len(list))
		for _, entry := range list {
			out = append(out, TimeEntryResponse{Hours: entry.Hours, Note: entry.Note, CreatedAt: entry.CreatedAt})
		}
		return &struct {
			Body []TimeEntryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "compose-note",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/tasks/{task_id}/notes",
		Summary:       "Compose note",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body ComposeNoteRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ComposeNote(ctx, input.WorkflowID, input.TaskID, input.Body.Body, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notes",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/tasks/{task_id}/notes",
		Summary:     "List notes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body []NoteResponse `json:"body"`
	}, error) {
		if _, err := e.QueryTask(ctx, input.WorkflowID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListNotes(ctx, input.WorkflowID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]NoteResponse, 0, len(list))
		for _, n := range list {
			out = append(out, NoteResponse{Body: n.Body, CreatedAt: n.CreatedAt})
		}
		return &struct {
			Body []NoteResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-checkpoint",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/checkpoints",
		Summary:       "Create checkpoint",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Body CreateCheckpointRequest `json:"body"`
	}) (*struct {
		Body CheckpointResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCheckpoint(ctx, engine.CheckpointCreateOptions{
			WorkflowID:       input.WorkflowID,
			Title:            input.Body.Title,
			Description:      deref(input.Body.Description),
			TargetHeight:     input.Body.TargetHeight,
			BudgetAllocation: input.Body.BudgetAllocation,
			Caller:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckpointResponse `json:"body"`
		}{Body: checkpointResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/checkpoints",
		Summary:     "List checkpoints",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *WorkflowPath) (*struct {
		Body []CheckpointResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkflow(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListCheckpoints(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CheckpointResponse, 0, len(list))
		for _, c := range list {
			out = append(out, checkpointResponse(c))
		}
		return &struct {
			Body []CheckpointResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/checkpoints/{checkpoint_id}",
		Summary:     "Get checkpoint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		CheckpointID uint64 `path:"checkpoint_id"`
	}) (*struct {
		Body CheckpointResponse `json:"body"`
	}, error) {
		c, err := e.QueryCheckpoint(ctx, input.WorkflowID, input.CheckpointID)
		if err != nil {
			return nil, handleError(err)
		}
		if c == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "checkpoint not found", nil)
		}
		return &struct {
			Body CheckpointResponse `json:"body"`
		}{Body: checkpointResponse(*c)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		WorkflowID uint64 `query:"workflow_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		list, err := e.Repo.LatestEvents(ctx, limit, input.WorkflowID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNilSlice(list)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, handleError(engine.InvalidParameterError{Field: "actor_id", Reason: "must not be empty"})
		}
		plain := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   actor,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plain),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		list, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(list))
		for _, k := range list {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"actor_id": p.ActorID, "source": p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
