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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"threatline/internal/engine"
	"threatline/internal/journal"
)

// Config for the HTTP API handler.
type Config struct {
	World     *engine.World
	Journal   *journal.Writer
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_threat"`
	Message string         `json:"message" example:"threat is not the active instance"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Threatline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.World == nil {
		return nil, errors.New("server: world is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newRateLimitMiddleware(basePath, cfg.RateLimit))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Threatline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorld(group, cfg.World)
	registerTemplates(group, cfg.World)
	registerThreats(group, cfg.World)
	registerAssignments(group, cfg.World)
	registerContributions(group, cfg.World)
	registerAdmin(group, cfg.World, cfg.Journal)
	registerStream(router, basePath, cfg.World)
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
	if errors.Is(err, engine.ErrNoActiveThreat) {
		return newAPIError(http.StatusConflict, "no_active_threat", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrStaleThreat) {
		return newAPIError(http.StatusConflict, "stale_threat", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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

func registerWorld(api huma.API, w *engine.World) {
	huma.Register(api, huma.Operation{
		OperationID: "world-status",
		Method:      http.MethodGet,
		Path:        "/world/status",
		Summary:     "World status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorldStatusResponse `json:"body"`
	}, error) {
		resp := WorldStatusResponse{ServerTime: rfc3339(w.Now())}
		if view := w.DecorateActive(); view != nil {
			resp.Active = true
			resp.Threat = threatResponse(view)
		} else {
			until := rfc3339(w.CooldownUntil())
			resp.CooldownUntil = &until
		}
		return &struct {
			Body WorldStatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTemplates(api huma.API, w *engine.World) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List threat templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		templates := w.Catalog.All()
		out := make([]TemplateResponse, 0, len(templates))
		for _, tpl := range templates {
			out = append(out, templateResponse(tpl))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerThreats(api huma.API, w *engine.World) {
	huma.Register(api, huma.Operation{
		OperationID: "list-threats",
		Method:      http.MethodGet,
		Path:        "/threats",
		Summary:     "Active threat plus archive",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ThreatListResponse `json:"body"`
	}, error) {
		resp := ThreatListResponse{Archive: []ThreatResponse{}}
		if view := w.DecorateActive(); view != nil {
			resp.Active = threatResponse(view)
		}
		now := w.Now()
		for _, inst := range w.Archive() {
			resp.Archive = append(resp.Archive, *threatResponse(w.Decorate(inst, now)))
		}
		return &struct {
			Body ThreatListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-threat",
		Method:      http.MethodGet,
		Path:        "/threats/active",
		Summary:     "Get active threat",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ThreatResponse `json:"body"`
	}, error) {
		view := w.DecorateActive()
		if view == nil {
			return nil, newAPIError(http.StatusNotFound, "no_active_threat", "no active threat", nil)
		}
		return &struct {
			Body ThreatResponse `json:"body"`
		}{Body: *threatResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-archived-threats",
		Method:      http.MethodGet,
		Path:        "/threats/archive",
		Summary:     "List archived threats",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"50"`
	}) (*struct {
		Body []ThreatResponse `json:"body"`
	}, error) {
		archived := w.Archive()
		if input.Limit > 0 && len(archived) > input.Limit {
			archived = archived[:input.Limit]
		}
		now := w.Now()
		out := make([]ThreatResponse, 0, len(archived))
		for _, inst := range archived {
			out = append(out, *threatResponse(w.Decorate(inst, now)))
		}
		return &struct {
			Body []ThreatResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-threat",
		Method:      http.MethodGet,
		Path:        "/threats/{id}",
		Summary:     "Get threat by id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ThreatResponse `json:"body"`
	}, error) {
		inst, err := w.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreatResponse `json:"body"`
		}{Body: *threatResponse(w.Decorate(inst, w.Now()))}, nil
	})
}

func registerAssignments(api huma.API, w *engine.World) {
	assign := func(threatID string, req AssignRequest) (*struct {
		Body ThreatResponse `json:"body"`
	}, error) {
		inst, err := w.Assign(threatID, req.PlayerID, req.DirectorName, req.Agents)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreatResponse `json:"body"`
		}{Body: *threatResponse(w.Decorate(inst, w.Now()))}, nil
	}
	unassign := func(threatID, playerID string) (*struct {
		Body WorldStatusResponse `json:"body"`
	}, error) {
		inst, err := w.Unassign(threatID, playerID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := WorldStatusResponse{ServerTime: rfc3339(w.Now())}
		if inst != nil {
			resp.Active = true
			resp.Threat = threatResponse(w.Decorate(inst, w.Now()))
		}
		return &struct {
			Body WorldStatusResponse `json:"body"`
		}{Body: resp}, nil
	}

	assignErrors := []int{
		http.StatusBadRequest,
		http.StatusConflict,
		http.StatusInternalServerError,
	}
	huma.Register(api, huma.Operation{
		OperationID: "assign-agents",
		Method:      http.MethodPost,
		Path:        "/threats/{id}/assign",
		Summary:     "Assign agents to a threat",
		Errors:      assignErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body ThreatResponse `json:"body"`
	}, error) {
		return assign(input.ID, input.Body)
	})

	// Same operation without an id targets whatever is active right now.
	huma.Register(api, huma.Operation{
		OperationID: "assign-agents-active",
		Method:      http.MethodPost,
		Path:        "/threats/assign",
		Summary:     "Assign agents to the active threat",
		Errors:      assignErrors,
	}, func(ctx context.Context, input *struct {
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body ThreatResponse `json:"body"`
	}, error) {
		return assign("", input.Body)
	})

	unassignErrors := []int{
		http.StatusBadRequest,
		http.StatusInternalServerError,
	}
	huma.Register(api, huma.Operation{
		OperationID: "unassign-agents",
		Method:      http.MethodPost,
		Path:        "/threats/{id}/unassign",
		Summary:     "Withdraw a player's agents",
		Errors:      unassignErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body UnassignRequest `json:"body"`
	}) (*struct {
		Body WorldStatusResponse `json:"body"`
	}, error) {
		return unassign(input.ID, input.Body.PlayerID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-agents-active",
		Method:      http.MethodPost,
		Path:        "/threats/unassign",
		Summary:     "Withdraw a player's agents from the active threat",
		Errors:      unassignErrors,
	}, func(ctx context.Context, input *struct {
		Body UnassignRequest `json:"body"`
	}) (*struct {
		Body WorldStatusResponse `json:"body"`
	}, error) {
		return unassign("", input.Body.PlayerID)
	})
}

func registerContributions(api huma.API, w *engine.World) {
	huma.Register(api, huma.Operation{
		OperationID: "get-active-contributions",
		Method:      http.MethodGet,
		Path:        "/threats/contributions",
		Summary:     "Active threat contribution ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ContributionResponse `json:"body"`
	}, error) {
		report, err := w.Contributions("")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributionResponse `json:"body"`
		}{Body: contributionResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-threat-contributions",
		Method:      http.MethodGet,
		Path:        "/threats/{id}/contributions",
		Summary:     "Per-player contribution ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContributionResponse `json:"body"`
	}, error) {
		id := input.ID
		if id == "active" {
			id = ""
		}
		report, err := w.Contributions(id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributionResponse `json:"body"`
		}{Body: contributionResponse(report)}, nil
	})
}

func registerAdmin(api huma.API, w *engine.World, j *journal.Writer) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-force-finish",
		Method:      http.MethodPost,
		Path:        "/admin/threats/finish",
		Summary:     "Force-clear the active threat",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusConflict,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ThreatResponse `json:"body"`
	}, error) {
		inst, err := w.ForceFinish()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreatResponse `json:"body"`
		}{Body: *threatResponse(w.Decorate(inst, w.Now()))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-force-cycle",
		Method:      http.MethodPost,
		Path:        "/admin/threats/cycle",
		Summary:     "Expire the active threat and spawn a fresh one",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ThreatResponse `json:"body"`
	}, error) {
		inst, err := w.ForceCycle()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreatResponse `json:"body"`
		}{Body: *threatResponse(w.Decorate(inst, w.Now()))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-journal-tail",
		Method:      http.MethodGet,
		Path:        "/admin/journal",
		Summary:     "Tail the lifecycle journal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []journal.Entry `json:"body"`
	}, error) {
		if j == nil {
			return nil, newAPIError(http.StatusConflict, "journal_disabled", "journal is not configured", nil)
		}
		entries, err := j.Tail(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		return &struct {
			Body []journal.Entry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
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
    <title>Threatline API Docs</title>
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
      Admin endpoints require Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
