package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"planforge/internal/conversation"
	"planforge/internal/domain"
	"planforge/internal/engine"
	"planforge/internal/extract"
	"planforge/internal/finalize"
	"planforge/internal/repo"
	"planforge/internal/toolclient"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_ready"`
	Message string         `json:"message" example:"project is not ready to finalize: plan has no epics"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Planforge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Planforge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerConversations(group, cfg.Engine)
	registerFinalize(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerExport(router, cfg.Engine, basePath)
	registerOpenAPI(router, api, basePath)

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
	var notReady *finalize.NotReadyError
	if errors.As(err, &notReady) {
		return newAPIError(http.StatusUnprocessableEntity, "not_ready", err.Error(), nil)
	}
	var validation *extract.ValidationError
	if errors.As(err, &validation) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(),
			map[string]any{"field": validation.Field})
	}
	var partial *finalize.PartialError
	if errors.As(err, &partial) {
		details := map[string]any{
			"failed_step":      partial.FailedStep,
			"completed_issues": partial.CompletedIssues,
		}
		if len(partial.FailedTasks) > 0 {
			details["failed_tasks"] = partial.FailedTasks
		}
		return newAPIError(http.StatusBadGateway, "finalize_partial", err.Error(), details)
	}
	var toolErr *toolclient.ToolError
	if errors.As(err, &toolErr) {
		code := "tool_rejected"
		if toolErr.Retryable() {
			code = "provider_unavailable"
		}
		return newAPIError(http.StatusBadGateway, code, err.Error(), map[string]any{
			"provider":  toolErr.Provider,
			"operation": toolErr.Operation,
			"retryable": toolErr.Retryable(),
		})
	}
	var transition *conversation.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	if errors.Is(err, conversation.ErrClosed) {
		return newAPIError(http.StatusConflict, "conversation_closed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid task transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusBadGateway:
		return "provider_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func writeError(w http.ResponseWriter, serr huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serr.GetStatus())
	if ae, ok := serr.(*apiError); ok {
		json.NewEncoder(w).Encode(map[string]any{"error": ae.Body})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": serr.Error()}})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
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
    <title>Planforge API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
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
		}{Body: e.Health(ctx)}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project from an idea",
		Description:   "Starts a planning dialogue: the idea goes to the model and the first assistant reply comes back with the new project.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body TurnResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Description) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description is required", nil)
		}
		res, err := e.CreateProject(ctx, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TurnResponse `json:"body"`
		}{Body: turnResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Filter by project status"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500" doc:"Maximum number of projects (0 = all)"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Get the persisted work breakdown",
		Description: "Empty until finalization persists the plan; during dialogue the plan lives in the transcript.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		plan, err := e.Plan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/next-tasks",
		Summary:     "Highest priority todo tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"5" minimum:"1" maximum:"50"`
	}) (*struct {
		Body []NextTaskResponse `json:"body"`
	}, error) {
		items, err := e.NextTasks(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NextTaskResponse `json:"body"`
		}{Body: mapNextTasks(items)}, nil
	})
}

func registerConversations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "continue-conversation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/messages",
		Summary:     "Send a message in the planning dialogue",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      ContinueRequest `json:"body"`
	}) (*struct {
		Body TurnResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Message) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		res, err := e.Continue(ctx, input.ProjectID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TurnResponse `json:"body"`
		}{Body: turnResponse(res)}, nil
	})
}

func registerFinalize(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "finalize-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/finalize",
		Summary:     "Persist the plan and materialize it in the tracker",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      FinalizeRequest `json:"body"`
	}) (*struct {
		Body FinalizeResponse `json:"body"`
	}, error) {
		opts := finalize.Options{CreateRepo: true, CreateIssues: true}
		if input.Body.CreateRepo != nil {
			opts.CreateRepo = *input.Body.CreateRepo
		}
		if input.Body.CreateIssues != nil {
			opts.CreateIssues = *input.Body.CreateIssues
		}
		res, err := e.Finalize(ctx, input.ProjectID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FinalizeResponse `json:"body"`
		}{Body: finalizeResponse(res)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Update task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := e.UpdateTaskStatus(ctx, input.TaskID, input.Body.Status, input.Body.ActualHours)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/execute",
		Summary:     "Hand a task to the coding agent",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   *ExecuteTaskRequest `json:"body" required:"false"`
	}) (*struct {
		Body ExecutionLogResponse `json:"body"`
	}, error) {
		var execContext string
		if input.Body != nil {
			execContext = input.Body.Context
		}
		log, err := e.ExecuteTask(ctx, input.TaskID, execContext)
		if err != nil {
			// a failed agent run still produced a log row worth returning
			if log.ID == "" {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ExecutionLogResponse `json:"body"`
		}{Body: logResponse(log)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-logs",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/logs",
		Summary:     "List execution logs for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []ExecutionLogResponse `json:"body"`
	}, error) {
		logs, err := e.ExecutionLogs(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ExecutionLogResponse, 0, len(logs))
		for _, l := range logs {
			res = append(res, logResponse(l))
		}
		return &struct {
			Body []ExecutionLogResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerExport(r chi.Router, e engine.Engine, basePath string) {
	route := path.Join(basePath, "projects/{project_id}/export.md")
	r.Get(route, func(w http.ResponseWriter, req *http.Request) {
		projectID := chi.URLParam(req, "project_id")
		md, err := e.ExportMarkdown(req.Context(), projectID)
		if err != nil {
			writeError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, md)
	})
}
