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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"docketline/internal/adapters"
	"docketline/internal/dispatch"
	"docketline/internal/domain"
	"docketline/internal/engine"
	"docketline/internal/engine/access"
	"docketline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Dispatcher dispatch.Dispatcher
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"envelope not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Docketline API.
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
	hcfg := huma.DefaultConfig("Docketline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerEnvelopes(group, cfg.Engine)
	registerDispatchRun(group, cfg.Engine, cfg.Dispatcher)
	registerDistributions(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerAccess(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookForwarder(cfg.Engine)

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
	var fe access.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": fe.Capability})
	}
	var ute adapters.UnknownTargetError
	if errors.As(err, &ute) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_target", err.Error(), map[string]any{"target": ute.Target})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "unknown target"), strings.Contains(lowered, "unknown permission"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
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
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Service status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountDistributionsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{
			"distribution_counts": counts,
		}
		if e.Config != nil {
			body["service"] = e.Config.Service.Name
			body["version"] = e.Config.Service.Version
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCase(ctx, stringOrEmpty(input.Body.ID), input.Body.Title, stringOrEmpty(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CaseResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCases(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CaseResponse `json:"body"`
		}{Body: mapCases(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})
}

func registerEnvelopes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-envelope",
		Method:        http.MethodPost,
		Path:          "/envelopes",
		Summary:       "Ingest evidence envelope",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEnvelopeRequest `json:"body"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EnvelopeCreateOptions{
			ID:              stringOrEmpty(input.Body.ID),
			CaseID:          input.Body.CaseID,
			TimelineEntryID: stringOrEmpty(input.Body.TimelineEntryID),
			OwnerID:         stringOrEmpty(input.Body.OwnerID),
			Title:           input.Body.Title,
			Description:     stringOrEmpty(input.Body.Description),
			ContentHash:     input.Body.ContentHash,
			ChittyIDs:       input.Body.ChittyIDs,
			VisibilityScope: input.Body.VisibilityScope,
			ActorID:         actorID,
		}
		if input.Body.SourceMetadata != nil {
			data, err := json.Marshal(input.Body.SourceMetadata)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid source_metadata", map[string]any{"error": err.Error()})
			}
			opts.SourceMetadata = string(data)
		}
		env, err := e.CreateEnvelope(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-envelopes",
		Method:      http.MethodGet,
		Path:        "/envelopes",
		Summary:     "List envelopes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID          string `query:"case_id"`
		Status          string `query:"status"`
		VisibilityScope string `query:"visibility_scope"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EnvelopeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEnvelopes(ctx, repo.EnvelopeFilters{
			CaseID:          input.CaseID,
			Status:          input.Status,
			VisibilityScope: input.VisibilityScope,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EnvelopeResponse `json:"body"`
		}{Body: mapEnvelopes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-envelope",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}",
		Summary:     "Get envelope",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		env, err := e.Repo.GetEnvelope(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-envelope-status",
		Method:      http.MethodPatch,
		Path:        "/envelopes/{id}/status",
		Summary:     "Advance envelope lifecycle",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID    string                   `path:"id"`
		Body  SetEnvelopeStatusRequest `json:"body"`
		Force bool                     `query:"force"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := e.SetEnvelopeStatus(ctx, input.ID, input.Body.Status, actorID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "supersede-envelope",
		Method:      http.MethodPost,
		Path:        "/envelopes/{id}/supersede",
		Summary:     "Supersede envelope content",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := e.SupersedeEnvelope(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-envelope-targets",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}/targets",
		Summary:     "Preview routed targets",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TargetsResponse `json:"body"`
	}, error) {
		env, err := e.Repo.GetEnvelope(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		targets, err := e.ResolveTargets(ctx, env)
		if err != nil {
			return nil, handleError(err)
		}
		if targets == nil {
			targets = []string{}
		}
		return &struct {
			Body TargetsResponse `json:"body"`
		}{Body: TargetsResponse{EnvelopeID: env.ID, Targets: targets}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-dispatch",
		Method:        http.MethodPost,
		Path:          "/envelopes/{id}/dispatch",
		Summary:       "Request distribution to routed targets",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []DistributionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		created, err := e.RequestDispatch(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DistributionResponse `json:"body"`
		}{Body: mapDistributions(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-envelope-distributions",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}/distributions",
		Summary:     "List envelope distributions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []DistributionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEnvelope(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDistributions(ctx, repo.DistributionFilters{EnvelopeID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DistributionResponse `json:"body"`
		}{Body: mapDistributions(items)}, nil
	})
}

func registerDispatchRun(api huma.API, e engine.Engine, d dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "run-dispatch-pass",
		Method:      http.MethodPost,
		Path:        "/dispatch/run",
		Summary:     "Materialize and process pending outbound messages",
		Errors: []int{
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DispatchRunResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		materialized, err := e.MaterializeOutboundMessages(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := d.ProcessPending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchRunResponse `json:"body"`
		}{Body: DispatchRunResponse{
			Materialized: materialized,
			Processed:    res.Processed,
			Delivered:    res.Delivered,
			Retried:      res.Retried,
			Exhausted:    res.Exhausted,
			Skipped:      res.Skipped,
		}}, nil
	})
}

func registerDistributions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-distributions",
		Method:      http.MethodGet,
		Path:        "/distributions",
		Summary:     "List distributions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EnvelopeID string `query:"envelope_id"`
		Target     string `query:"target"`
		Status     string `query:"status"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DistributionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDistributions(ctx, repo.DistributionFilters{
			EnvelopeID: input.EnvelopeID,
			Target:     input.Target,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DistributionResponse `json:"body"`
		}{Body: mapDistributions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-distribution",
		Method:      http.MethodGet,
		Path:        "/distributions/{id}",
		Summary:     "Get distribution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DistributionResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDistribution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DistributionResponse `json:"body"`
		}{Body: distributionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-distribution-message",
		Method:      http.MethodGet,
		Path:        "/distributions/{id}/message",
		Summary:     "Get distribution outbound message",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OutboundMessageResponse `json:"body"`
	}, error) {
		m, err := e.Repo.GetOutboundMessageByDistribution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutboundMessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-routing-policy",
		Method:        http.MethodPost,
		Path:          "/routing-policies",
		Summary:       "Create routing policy",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p := domain.RoutingPolicy{
			ID:              stringOrEmpty(input.Body.ID),
			VisibilityScope: input.Body.VisibilityScope,
			EvidenceStatus:  input.Body.EvidenceStatus,
			Targets:         input.Body.Targets,
			IsActive:        input.Body.Active == nil || *input.Body.Active,
		}
		created, err := e.CreateRoutingPolicy(ctx, p, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-routing-policies",
		Method:      http.MethodGet,
		Path:        "/routing-policies",
		Summary:     "List routing policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PolicyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRoutingPolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PolicyResponse `json:"body"`
		}{Body: mapPolicies(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-routing-policy-active",
		Method:      http.MethodPatch,
		Path:        "/routing-policies/{id}/active",
		Summary:     "Activate or deactivate routing policy",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body SetPolicyActiveRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.SetRoutingPolicyActive(ctx, input.ID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAccess(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-permissions",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}/permissions/{actor_id}",
		Summary:     "Resolve actor permissions on envelope",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body PermissionsResponse `json:"body"`
	}, error) {
		perms, err := e.ResolvePermissions(ctx, input.ID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionsResponse `json:"body"`
		}{Body: PermissionsResponse{
			EnvelopeID:  input.ID,
			ActorID:     input.ActorID,
			CanView:     perms.CanView,
			CanComment:  perms.CanComment,
			CanAnnotate: perms.CanAnnotate,
			CanApprove:  perms.CanApprove,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-participant",
		Method:      http.MethodPut,
		Path:        "/envelopes/{id}/participants",
		Summary:     "Grant participant permission tags",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body GrantParticipantRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		grantedBy, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantParticipant(ctx, input.ID, input.Body.ActorID, input.Body.Permissions, grantedBy); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}/participants",
		Summary:     "List envelope participants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string][]string `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEnvelope(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListParticipants(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string][]string `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-visibility-override",
		Method:      http.MethodPut,
		Path:        "/envelopes/{id}/overrides",
		Summary:     "Set visibility override",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SetOverrideRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		setBy, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.SetVisibilityOverride(ctx, domain.VisibilityOverride{
			EnvelopeID:  input.ID,
			ActorID:     input.Body.ActorID,
			CanView:     input.Body.CanView,
			CanComment:  input.Body.CanComment,
			CanAnnotate: input.Body.CanAnnotate,
			CanApprove:  input.Body.CanApprove,
		}, setBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-visibility-override",
		Method:      http.MethodDelete,
		Path:        "/envelopes/{id}/overrides/{actor_id}",
		Summary:     "Clear visibility override",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		clearedBy, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ClearVisibilityOverride(ctx, input.ID, input.ActorID, clearedBy); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID     string `query:"case_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"case,envelope,distribution,routing_policy"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.CaseID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	type meResponse struct {
		ActorID string `json:"actor_id"`
		Source  string `json:"source"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body meResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body meResponse `json:"body"`
		}{Body: meResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	type devLoginRequest struct {
		ActorID string `json:"actor_id"`
	}
	type devLoginResponse struct {
		Token string `json:"token"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body devLoginRequest `json:"body"`
	}) (*struct {
		Body devLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body devLoginResponse `json:"body"`
		}{Body: devLoginResponse{Token: token}}, nil
	})
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
	open := map[string]struct{}{
		path.Join(basePath, "health"):         {},
		path.Join(basePath, "auth/dev/login"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, ok := open[route]; ok {
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
    <title>Docketline API Docs</title>
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
