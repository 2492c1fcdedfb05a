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
	"github.com/google/uuid"

	"shoptrack/internal/domain"
	"shoptrack/internal/engine"
	"shoptrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"asset not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Shoptrack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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

	eng := cfg.Engine
	// Session identity feeds the engine's actor fallback chain.
	eng.CurrentUser = ActorFromContext

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, eng.Repo))
	hcfg := huma.DefaultConfig("Shoptrack API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatusTerms(group, eng)
	registerAssets(group, eng)
	registerReports(group, eng)
	registerLogEntries(group, eng)
	registerCategories(group, eng)
	registerRouting(group, eng)
	registerAudit(group, eng)
	registerAPIKeys(group, eng)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown status"):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_status", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot be empty"):
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
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
    <title>Shoptrack API Docs</title>
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

func registerStatusTerms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-status-terms",
		Method:      http.MethodGet,
		Path:        "/status-terms",
		Summary:     "List the status vocabulary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.StatusTerm `json:"body"`
	}, error) {
		terms, err := e.Vocab.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusTerm `json:"body"`
		}{Body: terms}, nil
	})
}

type AssetPath struct {
	AssetID int64 `path:"asset_id"`
}

type CreateAssetRequest struct {
	Label         string `json:"label" minLength:"1"`
	Status        string `json:"status,omitempty"`
	OwnerID       int64  `json:"owner_id,omitempty"`
	Category      string `json:"category,omitempty"`
	NotifyChannel string `json:"notify_channel,omitempty"`
}

func registerAssets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-asset",
		Method:        http.MethodPost,
		Path:          "/assets",
		Summary:       "Create asset",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAssetRequest `json:"body"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAsset(ctx, engine.AssetCreateOptions{
			Label:         input.Body.Label,
			StatusLabel:   input.Body.Status,
			OwnerID:       input.Body.OwnerID,
			Category:      input.Body.Category,
			NotifyChannel: input.Body.NotifyChannel,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "List assets",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Category string `query:"category"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Asset `json:"body"`
	}, error) {
		assets, err := e.Repo.ListAssets(ctx, repo.AssetFilters{
			StatusLabel: input.Status,
			Category:    input.Category,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Asset `json:"body"`
		}{Body: assets}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/assets/{asset_id}",
		Summary:     "Get asset",
	}, func(ctx context.Context, input *AssetPath) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		a, err := e.Repo.GetAsset(ctx, input.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-asset-status",
		Method:      http.MethodPut,
		Path:        "/assets/{asset_id}/status",
		Summary:     "Set or clear the asset's current status",
	}, func(ctx context.Context, input *struct {
		AssetPath
		Body struct {
			Status  string `json:"status"`
			Details string `json:"details,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetAssetStatus(ctx, input.AssetID, input.Body.Status, engine.Transition{
			UserID:  actorID,
			Details: input.Body.Details,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: a}, nil
	})
}

type ReportRequest struct {
	Classification string `json:"classification" minLength:"1"`
	Description    string `json:"description,omitempty"`
	ReporterName   string `json:"reporter_name,omitempty"`
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-issue",
		Method:        http.MethodPost,
		Path:          "/assets/{asset_id}/reports",
		Summary:       "Ingest a member issue report",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		AssetPath
		Body ReportRequest `json:"body"`
	}) (*struct {
		Body engine.ReportOutcome `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.ReportIssue(ctx, input.AssetID, input.Body.Classification, input.Body.Description, actorID, input.Body.ReporterName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReportOutcome `json:"body"`
		}{Body: out}, nil
	})
}

type CreateLogEntryRequest struct {
	Kind            string `json:"kind,omitempty"`
	Summary         string `json:"summary" minLength:"1"`
	Details         string `json:"details,omitempty"`
	ReportedStatus  string `json:"reported_status,omitempty"`
	ConfirmedStatus string `json:"confirmed_status,omitempty"`
}

type LogEntryWithSync struct {
	Entry      domain.LogEntry `json:"entry"`
	Propagated bool            `json:"propagated"`
}

func registerLogEntries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-log-entry",
		Method:        http.MethodPost,
		Path:          "/assets/{asset_id}/log",
		Summary:       "Append a log entry",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		AssetPath
		Body CreateLogEntryRequest `json:"body"`
	}) (*struct {
		Body LogEntryWithSync `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, outcome, err := e.CreateLogEntry(ctx, engine.LogEntryCreateOptions{
			AssetID:              input.AssetID,
			Kind:                 input.Body.Kind,
			Summary:              input.Body.Summary,
			Details:              input.Body.Details,
			ReportedStatusLabel:  input.Body.ReportedStatus,
			ConfirmedStatusLabel: input.Body.ConfirmedStatus,
			UserID:               actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogEntryWithSync `json:"body"`
		}{Body: LogEntryWithSync{Entry: entry, Propagated: outcome.Propagated}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-log-entries",
		Method:      http.MethodGet,
		Path:        "/assets/{asset_id}/log",
		Summary:     "List log entries, newest first",
	}, func(ctx context.Context, input *struct {
		AssetPath
		Kind            string `query:"kind"`
		Limit           int    `query:"limit"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        int64  `query:"cursor_id"`
	}) (*struct {
		Body []domain.LogEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAsset(ctx, input.AssetID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		entries, err := e.Repo.ListLogEntries(ctx, repo.LogEntryFilters{
			AssetID:         input.AssetID,
			Kind:            input.Kind,
			Limit:           limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LogEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-log-entry",
		Method:      http.MethodPatch,
		Path:        "/log/{entry_id}",
		Summary:     "Edit a log entry",
	}, func(ctx context.Context, input *struct {
		EntryID int64 `path:"entry_id"`
		Body    struct {
			Kind            *string `json:"kind,omitempty"`
			Summary         *string `json:"summary,omitempty"`
			Details         *string `json:"details,omitempty"`
			ReportedStatus  *string `json:"reported_status,omitempty"`
			ConfirmedStatus *string `json:"confirmed_status,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body LogEntryWithSync `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, outcome, err := e.UpdateLogEntry(ctx, engine.LogEntryUpdateOptions{
			ID:                   input.EntryID,
			Kind:                 input.Body.Kind,
			Summary:              input.Body.Summary,
			Details:              input.Body.Details,
			ReportedStatusLabel:  input.Body.ReportedStatus,
			ConfirmedStatusLabel: input.Body.ConfirmedStatus,
			ActorID:              actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogEntryWithSync `json:"body"`
		}{Body: LogEntryWithSync{Entry: entry, Propagated: outcome.Propagated}}, nil
	})
}

func registerCategories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-category",
		Method:      http.MethodPut,
		Path:        "/categories/{name}",
		Summary:     "Create or update a category",
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body struct {
			NotifyChannel string `json:"notify_channel,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Category `json:"body"`
	}, error) {
		c := domain.Category{Name: input.Name, NotifyChannel: input.Body.NotifyChannel}
		if err := e.Repo.UpsertCategory(ctx, c); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Category `json:"body"`
		}{Body: c}, nil
	})
}

type RoutingRow struct {
	AssetID int64  `json:"asset_id"`
	Label   string `json:"label"`
	Channel string `json:"channel,omitempty"`
	Source  string `json:"source,omitempty"`
}

func registerRouting(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "notify-routing",
		Method:      http.MethodGet,
		Path:        "/routing",
		Summary:     "Resolved notification channel per asset",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RoutingRow `json:"body"`
	}, error) {
		rows, err := e.Repo.ListAssetRouting(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RoutingRow, 0, len(rows))
		for _, r := range rows {
			out = append(out, RoutingRow{AssetID: r.AssetID, Label: r.Label, Channel: r.Channel, Source: r.Source})
		}
		return &struct {
			Body []RoutingRow `json:"body"`
		}{Body: out}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Operational audit trail, newest first",
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		AssetID int64  `query:"asset_id"`
		Cursor  int64  `query:"cursor"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.AuditEvent `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		events, err := e.Repo.LatestAuditEvents(ctx, limit, input.Cursor, input.Type, input.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEvent `json:"body"`
		}{Body: events}, nil
	})
}

type CreatedAPIKey struct {
	ID      string `json:"id"`
	ActorID int64  `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key for an automated reporter",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID int64  `json:"actor_id,omitempty"`
			Name    string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body CreatedAPIKey `json:"body"`
	}, error) {
		sessionActor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID := input.Body.ActorID
		if actorID <= 0 {
			actorID = sessionActor
		}
		// The plaintext key is shown once; only the hash is stored.
		secret := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: actorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKey `json:"body"`
		}{Body: CreatedAPIKey{ID: key.ID, ActorID: actorID, Name: key.Name, Key: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID int64 `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range keys {
			keys[i].KeyHash = ""
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Revoke an API key",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"deleted": true}}, nil
	})
}
