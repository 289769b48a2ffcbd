package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gatehouse/internal/domain"
	"gatehouse/internal/engine"
	"gatehouse/internal/engine/auth"
	"gatehouse/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"entry ge-x1: cannot checkIn from waiting"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gatehouse API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gatehouse API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGates(group, cfg.Engine)
	registerEntries(group, cfg.Engine)
	registerGatepasses(group, cfg.Engine)
	registerResidents(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"state": ite.State, "op": ite.Op})
	}
	var se engine.StaleStateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "stale_state", err.Error(), map[string]any{"state": se.State})
	}
	var ce engine.ClockSkewError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "clock_skew", err.Error(), map[string]any{"now": ce.Now, "last": ce.Last})
	}
	if errors.Is(err, repo.ErrNotFound) {
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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
    <title>Gatehouse API Docs</title>
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

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-gate",
		Method:        http.MethodPost,
		Path:          "/gates",
		Summary:       "Register gate",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateGateRequest `json:"body"`
	}) (*struct {
		Body domain.Gate `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.Require(actor, "gate.manage"); err != nil {
			return nil, handleError(err)
		}
		g, err := e.InitGate(ctx, input.Body.ID, input.Body.Name, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gate `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/gates",
		Summary:     "List gates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Gate `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListGates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Gate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}",
		Summary:     "Get gate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
	}) (*struct {
		Body domain.Gate `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGate(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gate `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate-config",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}/config",
		Summary:     "Get gate config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
	}) (*struct {
		Body GateConfigResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.Repo.GetGateConfig(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-status",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}/status",
		Summary:     "Gate status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGate(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountEntriesByState(ctx, g.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"gate_id":      g.ID,
			"status":       g.Status,
			"entry_counts": counts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/sweep",
		Summary:     "Expire overdue entries",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.SweepExpired(ctx, input.GateID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"expired": n}}, nil
	})
}

func registerEntries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entry",
		Method:        http.MethodPost,
		Path:          "/gates/{gate_id}/entries",
		Summary:       "Create gate entry",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		GateID string             `path:"gate_id"`
		Body   CreateEntryRequest `json:"body"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EntryCreateOptions{
			GateID:      input.GateID,
			Kind:        input.Body.Kind,
			VisitorName: input.Body.VisitorName,
			Building:    input.Body.Building,
			Flat:        input.Body.Flat,
			Actor:       actor,
		}
		if input.Body.VisitorPhone != nil {
			opts.VisitorPhone = *input.Body.VisitorPhone
		}
		if input.Body.VehiclePlate != nil {
			opts.VehiclePlate = *input.Body.VehiclePlate
		}
		entry, err := e.CreateEntry(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}/entries",
		Summary:     "List entries",
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
		State  string `query:"state" required:"false"`
		Flat   string `query:"flat" required:"false"`
		Open   bool   `query:"open" required:"false" doc:"Only waiting and calling entries"`
		Today  bool   `query:"today" required:"false" doc:"Only entries created since midnight UTC"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body []EntryResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var items []domain.GateEntry
		var err error
		switch {
		case input.Open:
			items, err = e.ListWaiting(ctx, input.GateID)
		case input.Today:
			items, err = e.ListTodayLog(ctx, input.GateID)
		default:
			items, err = e.Repo.ListEntries(ctx, repo.EntryFilters{
				GateID: input.GateID,
				State:  input.State,
				Flat:   input.Flat,
				Limit:  input.Limit,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EntryResponse `json:"body"`
		}{Body: mapEntries(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/entries/{entry_id}",
		Summary:     "Get entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntryID string `path:"entry_id"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		entry, err := e.Repo.GetEntry(ctx, input.EntryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(entry)}, nil
	})

	type entryPath struct {
		EntryID string `path:"entry_id"`
	}
	transition := func(opID, urlPath, summary string, apply func(ctx context.Context, entryID string, actor auth.Actor) (domain.GateEntry, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        urlPath,
			Summary:     summary,
			Errors:      transitionErrors,
		}, func(ctx context.Context, input *entryPath) (*struct {
			Body EntryResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			entry, err := apply(ctx, input.EntryID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body EntryResponse `json:"body"`
			}{Body: entryResponse(entry)}, nil
		})
	}

	transition("call-entry", "/entries/{entry_id}/call", "Call the resident", e.CallResident)
	transition("record-attempt", "/entries/{entry_id}/attempt", "Record a call attempt", e.RecordAttempt)
	transition("approve-entry", "/entries/{entry_id}/approve", "Approve entry", e.Approve)
	transition("checkin-entry", "/entries/{entry_id}/checkin", "Check visitor in", e.CheckIn)
	transition("checkout-entry", "/entries/{entry_id}/checkout", "Check visitor out", e.CheckOut)
	transition("cancel-entry", "/entries/{entry_id}/cancel", "Cancel entry", e.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "reject-entry",
		Method:      http.MethodPost,
		Path:        "/entries/{entry_id}/reject",
		Summary:     "Reject entry",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		EntryID string             `path:"entry_id"`
		Body    RejectEntryRequest `json:"body"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Reject(ctx, input.EntryID, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(entry)}, nil
	})
}

func registerGatepasses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-gatepass",
		Method:        http.MethodPost,
		Path:          "/gatepasses",
		Summary:       "Issue gatepass",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body IssueGatepassRequest `json:"body"`
	}) (*struct {
		Body domain.Gatepass `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.IssueGatepass(ctx, engine.GatepassIssueOptions{
			Kind:         input.Body.Kind,
			VisitorName:  input.Body.VisitorName,
			VisitorPhone: input.Body.VisitorPhone,
			Building:     input.Body.Building,
			Flat:         input.Body.Flat,
			ValidFrom:    input.Body.ValidFrom,
			ValidUntil:   input.Body.ValidUntil,
			Reusable:     input.Body.Reusable,
			Actor:        actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gatepass `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gatepasses",
		Method:      http.MethodGet,
		Path:        "/gatepasses",
		Summary:     "List gatepasses",
	}, func(ctx context.Context, input *struct {
		Flat           string `query:"flat" required:"false"`
		Kind           string `query:"kind" required:"false"`
		IncludeExpired bool   `query:"include_expired" required:"false"`
		IncludeUsed    bool   `query:"include_used" required:"false"`
		Limit          int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Gatepass `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.Require(actor, "pass.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListGatepasses(ctx, repo.GatepassFilters{
			Flat:           input.Flat,
			Kind:           input.Kind,
			IncludeExpired: input.IncludeExpired,
			IncludeUsed:    input.IncludeUsed,
			Now:            time.Now().UTC().Format(time.RFC3339),
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Gatepass `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gatepass",
		Method:      http.MethodGet,
		Path:        "/gatepasses/{pass_id}",
		Summary:     "Get gatepass",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PassID string `path:"pass_id"`
	}) (*struct {
		Body domain.Gatepass `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.Require(actor, "pass.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetGatepass(ctx, input.PassID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gatepass `json:"body"`
		}{Body: p}, nil
	})
}

func registerResidents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-resident",
		Method:        http.MethodPut,
		Path:          "/residents/{resident_id}",
		Summary:       "Register resident",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		ResidentID string                `path:"resident_id"`
		Body       UpsertResidentRequest `json:"body"`
	}) (*struct {
		Body domain.Resident `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.Require(actor, "resident.manage"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Flat == "" || input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "flat and name are required", nil)
		}
		res := domain.Resident{
			ID:        input.ResidentID,
			Building:  input.Body.Building,
			Flat:      input.Body.Flat,
			Name:      input.Body.Name,
			Phone:     input.Body.Phone,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertResident(ctx, res); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Resident `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-residents",
		Method:      http.MethodGet,
		Path:        "/residents",
		Summary:     "List residents",
	}, func(ctx context.Context, input *struct {
		Flat string `query:"flat" required:"false"`
	}) (*struct {
		Body []domain.Resident `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListResidents(ctx, input.Flat)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Resident `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		GateID     string `query:"gate_id" required:"false"`
		EntityKind string `query:"entity_kind" required:"false"`
		EntityID   string `query:"entity_id" required:"false"`
		Type       string `query:"type" required:"false"`
		Limit      int    `query:"limit" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.Require(actor, "event.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			GateID:     input.GateID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Type:       input.Type,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"actor_id": p.ActorID,
			"role":     p.Role,
			"source":   p.Source,
		}}, nil
	})
}
