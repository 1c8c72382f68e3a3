package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"sitetrack/internal/access"
	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/hierarchy"
	"sitetrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Routes   access.Routes
	Rules    access.Rules
	Log      zerolog.Logger
	// Metrics defaults to a fresh registry.
	Metrics *Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_in_progress"`
	Message string         `json:"message" example:"task already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// handlers carries what every operation needs.
type handlers struct {
	e       engine.Engine
	metrics *Metrics
	log     zerolog.Logger
	auth    AuthConfig
}

// New returns an HTTP handler exposing the sitetrack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	cfg.Auth.Logger = cfg.Log
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation errors are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log, cfg.Metrics))
	router.Use(bodyCapture)
	router.Use(gate(cfg.Auth, cfg.Engine, cfg.Routes, cfg.Rules, cfg.Metrics))
	hcfg := huma.DefaultConfig("Sitetrack API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, metrics: cfg.Metrics, log: cfg.Log, auth: cfg.Auth}
	registerDocs(router, basePath)
	router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	registerHealth(group)
	registerDevAuth(group, h)
	registerMe(group, h)
	registerUsers(group, h)
	registerProjects(group, h)
	registerHierarchy(group, h)
	registerAssignments(group, h)
	registerTasks(group, h)
	registerProgress(group, h)
	registerEvents(group, h)
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

// handleError maps classified domain errors onto the envelope. Unclassified
// errors are internal and never leak their message.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case domain.KindValidation:
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case domain.KindUnauthorized:
		return newAPIError(http.StatusUnauthorized, "unauthorized", msg, nil)
	case domain.KindForbidden:
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case domain.KindInvalidTransition:
		return newAPIError(http.StatusConflict, domain.ReasonOf(err), msg, nil)
	case domain.KindConflict:
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case domain.KindInternal:
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

// requireRole authenticates the caller and checks req against its role.
func (h handlers) requireRole(ctx context.Context, action string, req access.Requirement) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	allowed := access.IsAuthorizedForRoute(p.Role, req)
	h.metrics.observeDecision(action, allowed)
	if !allowed {
		h.log.Debug().Str("action", action).Str("user", p.UserID).Str("role", string(p.Role)).Msg("role check denied")
		return Principal{}, domain.Forbiddenf("role %s may not %s", p.Role, strings.ReplaceAll(action, "_", " "))
	}
	return p, nil
}

// requireProject authenticates the caller and checks it may read projectID.
func (h handlers) requireProject(ctx context.Context, projectID string) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	err := h.e.RequireProjectAccess(ctx, p.actor(), projectID)
	if domain.KindOf(err) == domain.KindForbidden {
		h.metrics.observeDecision("project_access", false)
	} else if err == nil {
		h.metrics.observeDecision("project_access", true)
	}
	return p, err
}

var (
	minSupervisor  = access.Requirement{Minimum: domain.RoleSupervisor}
	minSiteManager = access.Requirement{Minimum: domain.RoleSiteManager}
	onlyAdmin      = access.Requirement{Required: domain.RoleAdmin}
)

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
			applyAuthSecurity(oas, basePath)
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Sitetrack API Docs</title>
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

func registerDevAuth(api huma.API, h handlers) {
	if !h.auth.AllowDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "userId is required", nil)
		}
		u, err := h.e.GetUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		token, exp, err := signToken(h.auth.JWTSecret, h.auth.tokenTTL(), clock(h.e), u)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})
}

func registerMe(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, projectIDs, err := h.e.Profile(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{UserID: p.UserID, Role: p.Role, Source: p.Source, User: u, ProjectIDs: nonNil(projectIDs)}}, nil
	})
}

func registerUsers(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		p, err := h.requireRole(ctx, "create_user", onlyAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		u, err := h.e.CreateUser(ctx, engine.UserCreateOptions{
			ID:      stringOrEmpty(input.Body.ID),
			Email:   input.Body.Email,
			Name:    stringOrEmpty(input.Body.Name),
			Role:    input.Body.Role,
			ActorID: p.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"WORKER,QUALITY_INSPECTOR,SUPERVISOR,SITE_MANAGER,EXECUTIVE,ADMIN"`
	}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := h.requireRole(ctx, "list_users", minSupervisor); err != nil {
			return nil, handleError(err)
		}
		users, err := h.e.ListUsers(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNil(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Issue an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body" required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := h.e.CreateAPIKey(ctx, p.UserID, stringOrEmpty(input.Body.Name), p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{Key: key, Secret: secret}}, nil
	})
}

func registerProjects(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := h.requireRole(ctx, "create_project", minSiteManager)
		if err != nil {
			return nil, handleError(err)
		}
		project, err := h.e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     p.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: project}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List visible projects",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListProjects(ctx, p.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Project with hierarchy and stats",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProjectDetailResponse `json:"body"`
	}, error) {
		if _, err := h.requireProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		view, err := h.e.ProjectWithStats(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		view.Project.Buildings = nonNil(view.Project.Buildings)
		return &struct {
			Body ProjectDetailResponse `json:"body"`
		}{Body: ProjectDetailResponse{Project: ProjectDetail{Project: view.Project, Stats: view.Stats}}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{id}",
		Summary:       "Delete project and everything under it",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, err := h.requireRole(ctx, "delete_project", onlyAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.e.DeleteProject(ctx, input.ID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerHierarchy(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "bulk-create-buildings",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/buildings/bulk",
		Summary:       "Generate buildings, floors and units from a pattern",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body BulkHierarchyRequest `json:"body"`
	}) (*struct {
		Body BulkHierarchyResponse `json:"body"`
	}, error) {
		p, err := h.requireRole(ctx, "create_hierarchy", minSiteManager)
		if err != nil {
			return nil, handleError(err)
		}
		buildings, err := h.e.BulkCreateHierarchy(ctx, input.ID, input.Body.pattern(), p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		stats := hierarchy.ComputeStats(domain.Project{Buildings: buildings})
		return &struct {
			Body BulkHierarchyResponse `json:"body"`
		}{Body: BulkHierarchyResponse{Buildings: buildings, Stats: stats}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body NamedRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		p, err := h.requireRole(ctx, "create_team", minSiteManager)
		if err != nil {
			return nil, handleError(err)
		}
		team, err := h.e.CreateTeam(ctx, input.ID, input.Body.Name, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/activities",
		Summary:       "Create construction activity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body NamedRequest `json:"body"`
	}) (*struct {
		Body domain.ConstructionActivity `json:"body"`
	}, error) {
		p, err := h.requireRole(ctx, "create_activity", minSiteManager)
		if err != nil {
			return nil, handleError(err)
		}
		act, err := h.e.CreateActivity(ctx, input.ID, input.Body.Name, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConstructionActivity `json:"body"`
		}{Body: act}, nil
	})
}

func registerAssignments(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-user",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/assignments",
		Summary:       "Assign user to project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AssignUserRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectAssignment `json:"body"`
	}, error) {
		p, err := h.requireRole(ctx, "assign_user", minSiteManager)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := h.e.AssignUser(ctx, input.ID, strings.TrimSpace(input.Body.UserID), p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectAssignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/assignments",
		Summary:     "List project assignments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.ProjectAssignment `json:"body"`
	}, error) {
		if _, err := h.requireRole(ctx, "list_assignments", minSiteManager); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListAssignments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ProjectAssignment `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unassign-user",
		Method:        http.MethodDelete,
		Path:          "/projects/{id}/assignments/{userId}",
		Summary:       "Remove user from project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `path:"userId"`
	}) (*struct{}, error) {
		p, err := h.requireRole(ctx, "unassign_user", minSiteManager)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.e.UnassignUser(ctx, input.ID, input.UserID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerTasks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, err := h.requireRole(ctx, "create_task", minSupervisor)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := h.requireProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		task, err := h.e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:   input.ID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			AssigneeID:  stringOrEmpty(input.Body.AssigneeID),
			StartDate:   stringOrEmpty(input.Body.StartDate),
			ActorID:     p.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/tasks",
		Summary:     "List project tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		Status     string `query:"status" enum:"PENDING,IN_PROGRESS,COMPLETED"`
		AssigneeID string `query:"assigneeId"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := h.requireProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListTasks(ctx, repo.TaskFilters{
			ProjectID:  input.ID,
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		task, err := h.e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := h.requireProject(ctx, task.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/start",
		Summary:     "Start a pending task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.StartTask(ctx, input.ID, p.actor())
		h.observeTaskDecision("start_task", err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete an in-progress task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := h.e.CompleteTask(ctx, input.ID, p.actor())
		h.observeTaskDecision("complete_task", err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})
}

func (h handlers) observeTaskDecision(kind string, err error) {
	switch {
	case err == nil:
		h.metrics.observeDecision(kind, true)
	case domain.KindOf(err) == domain.KindForbidden:
		h.metrics.observeDecision(kind, false)
	}
}

func registerProgress(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "update-progress",
		Method:      http.MethodPut,
		Path:        "/projects/{id}/progress",
		Summary:     "Record weekly progress for an activity",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateProgressRequest `json:"body"`
	}) (*struct {
		Body UpdateProgressResponse `json:"body"`
	}, error) {
		p, err := h.requireRole(ctx, "update_progress", minSupervisor)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := h.requireProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.UpdateWeeklyProgress(ctx, engine.ProgressUpdate{
			ProjectID:  input.ID,
			ActivityID: input.Body.ActivityID,
			BuildingID: stringOrEmpty(input.Body.BuildingID),
			WeekStart:  input.Body.WeekStart,
			Status:     input.Body.Status,
			Progress:   input.Body.Progress,
			ActorID:    p.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateProgressResponse `json:"body"`
		}{Body: UpdateProgressResponse{Updated: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/progress",
		Summary:     "List work records",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		ActivityID string `query:"activityId"`
		WeekStart  string `query:"weekStart"`
		Status     string `query:"status" enum:"NOT_STARTED,IN_PROGRESS,COMPLETED"`
	}) (*struct {
		Body []domain.WorkRecord `json:"body"`
	}, error) {
		if _, err := h.requireProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListProgress(ctx, repo.WorkRecordFilters{
			ProjectID:  input.ID,
			ActivityID: input.ActivityID,
			WeekStart:  input.WeekStart,
			Status:     input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkRecord `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		Type       string `query:"type"`
		EntityKind string `query:"entityKind" enum:"project,team,activity,assignment,task"`
		EntityID   string `query:"entityId"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.requireProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			BeforeID:   cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
