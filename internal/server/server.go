// Package server exposes the drill engine over HTTP.
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

	"tabletop/internal/domain"
	"tabletop/internal/engine"
	"tabletop/internal/engine/auth"
	"tabletop/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot move session from pending to paused"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"pending\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Tabletop API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Tabletop API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerScenarios(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerInjects(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerAARs(group, cfg.Engine)
	registerRetention(group, cfg.Engine)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var tm auth.TenantMismatchError
	if errors.As(err, &tm) {
		return newAPIError(http.StatusForbidden, "tenant_mismatch", err.Error(), map[string]any{"session_id": tm.SessionID})
	}
	var te domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(te.From), "to": string(te.To),
		})
	}
	var sr domain.ScenarioRejectedError
	if errors.As(err, &sr) {
		return newAPIError(http.StatusUnprocessableEntity, "scenario_rejected", err.Error(), map[string]any{
			"scenario_id": sr.ScenarioID, "errors": sr.Errors,
		})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "requires an active session"),
		strings.Contains(lowered, "requires a finished session"),
		strings.Contains(lowered, "already delivered"),
		strings.Contains(lowered, "cannot escalate"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not declared"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Tabletop API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerScenarios(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-scenario",
		Method:      http.MethodPost,
		Path:        "/scenarios/validate",
		Summary:     "Validate a scenario without storing it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ValidateScenarioRequest `json:"body"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res := e.ValidateScenario(input.Body.Scenario)
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: ValidationResponse{Result: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-scenario",
		Method:        http.MethodPost,
		Path:          "/scenarios",
		Summary:       "Validate and store a scenario",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ValidateScenarioRequest `json:"body"`
	}) (*struct {
		Body ImportScenarioResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireFacilitator(actor, "scenario.import"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Scenario.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "scenario id is required", nil)
		}
		res, err := e.ImportScenario(ctx, input.Body.Scenario)
		if err != nil {
			return nil, handleError(err)
		}
		imported := res.Status != "fail"
		if !imported {
			return nil, newAPIError(http.StatusUnprocessableEntity, "scenario_rejected", "scenario failed validation", map[string]any{
				"result": res,
			})
		}
		return &struct {
			Body ImportScenarioResponse `json:"body"`
		}{Body: ImportScenarioResponse{Result: res, Imported: imported}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scenarios",
		Method:      http.MethodGet,
		Path:        "/scenarios",
		Summary:     "List stored scenarios",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScenarioListResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListScenarios(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScenarioListResponse `json:"body"`
		}{Body: ScenarioListResponse{Scenarios: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scenario",
		Method:      http.MethodGet,
		Path:        "/scenarios/{scenario_id}",
		Summary:     "Get a stored scenario",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ScenarioID string `path:"scenario_id"`
	}) (*struct {
		Body domain.Scenario `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sc, err := e.GetScenario(ctx, input.ScenarioID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scenario `json:"body"`
		}{Body: sc}, nil
	})
}

func registerSessions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a drill session from a scenario",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireFacilitator(actor, "session.create"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ScenarioID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "scenario_id is required", nil)
		}
		sess, err := e.CreateSession(ctx, input.Body.ScenarioID, input.Body.Participants, input.Body.Settings, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: sess}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,active,paused,completed,cancelled,"`
	}) (*struct {
		Body SessionListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListSessions(ctx, actor.TenantID, domain.SessionStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionListResponse `json:"body"`
		}{Body: SessionListResponse{Sessions: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sess, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := auth.RequireTenant(actor, sess); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: sess}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/transition",
		Summary:     "Move a session through its lifecycle",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		sess, err := e.Transition(ctx, input.SessionID, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: sess}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}",
		Summary:     "Irreversibly purge every artifact of a session",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PurgeSession(ctx, input.SessionID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerInjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-manual-inject",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/injects",
		Summary:       "Deliver a facilitator-authored inject immediately",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		Body      ManualInjectRequest `json:"body"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Inject.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "inject type is required", nil)
		}
		if err := e.SendManualInject(ctx, input.SessionID, input.Body.Inject, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-inject",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/injects/{inject_id}/escalate",
		Summary:     "Record a facilitator severity escalation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		InjectID  string          `path:"inject_id"`
		Body      EscalateRequest `json:"body"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Severity == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "severity is required", nil)
		}
		if err := e.Escalate(ctx, input.SessionID, input.InjectID, input.Body.Severity, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDecisions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-decision",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/decisions",
		Summary:       "Record a participant decision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string                `path:"session_id"`
		Body      RecordDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d := domain.Decision{
			Role:       input.Body.Role,
			Action:     input.Body.Action,
			Rationale:  input.Body.Rationale,
			Parameters: input.Body.Parameters,
		}
		recorded, err := e.RecordDecision(ctx, input.SessionID, d, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{Decision: recorded}}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-audit-trail",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/audit",
		Summary:     "Get the session audit trail, timestamp ordered",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body AuditTrailResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sess, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := auth.RequireTenant(actor, sess); err != nil {
			return nil, handleError(err)
		}
		events, err := e.GetAuditTrail(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditTrailResponse `json:"body"`
		}{Body: AuditTrailResponse{Events: events}}, nil
	})
}

func registerAARs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-aar",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/aar",
		Summary:       "Compose and sign an after-action report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		Body      GenerateAARRequest `json:"body"`
	}) (*struct {
		Body domain.AAR `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.GenerateAAR(ctx, input.SessionID, input.Body.Format, input.Body.CategoryScores, input.Body.Findings, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AAR `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-aar",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/aar",
		Summary:     "Get a previously generated after-action report",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Format    string `query:"format"`
	}) (*struct {
		Body domain.AAR `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sess, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := auth.RequireTenant(actor, sess); err != nil {
			return nil, handleError(err)
		}
		format := input.Format
		if format == "" {
			format = "json"
		}
		report, err := e.Store.GetAAR(ctx, input.SessionID, format)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AAR `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-aar",
		Method:      http.MethodPost,
		Path:        "/aar/verify",
		Summary:     "Verify report content against its signature",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body VerifyAARRequest `json:"body"`
	}) (*struct {
		Body VerifyAARResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		valid := e.VerifyAAR(input.Body.Content, input.Body.Signature)
		return &struct {
			Body VerifyAARResponse `json:"body"`
		}{Body: VerifyAARResponse{Valid: valid}}, nil
	})
}

func registerRetention(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-retention-policy",
		Method:      http.MethodGet,
		Path:        "/retention/policy",
		Summary:     "Get the data retention policy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RetentionPolicyResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var policy RetentionPolicyResponse
		if e.Config != nil {
			policy.RetentionDays = e.Config.Retention.RetentionDays
			policy.AutoDeleteEnabled = e.Config.Retention.AutoDeleteEnabled
		}
		return &struct {
			Body RetentionPolicyResponse `json:"body"`
		}{Body: policy}, nil
	})
}
