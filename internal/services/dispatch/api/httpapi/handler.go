// Package httpapi exposes the dispatch service over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apperrors "github.com/louisbranch/dispatch/internal/platform/errors"
	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/platform/telemetry/metrics"
	"github.com/louisbranch/dispatch/internal/services/dispatch/app"
	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/sla"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Service is the dispatch API served over HTTP.
type Service interface {
	CreateRequest(ctx context.Context, in app.CreateRequestInput) (app.RequestStatus, error)
	GetRequestStatus(ctx context.Context, requestID string) (app.RequestStatus, error)
	TriggerMatch(ctx context.Context, requestID string) (app.RequestStatus, error)
	ListAudit(ctx context.Context, requestID string) ([]domain.AuditEntry, error)
	SubmitDecision(ctx context.Context, in decision.SubmitInput) (decision.SubmitResult, error)
	RunSlaSweep(ctx context.Context) (sla.SweepResult, error)
}

// Config wires the HTTP handler.
type Config struct {
	Service Service
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// Ready reports whether dependencies are reachable; nil is always ready.
	Ready func(ctx context.Context) error
}

type api struct {
	service Service
	metrics *metrics.Metrics
	logger  *zap.Logger
	ready   func(ctx context.Context) error
}

// NewHandler builds the router for the dispatch API.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("dispatch service is required")
	}
	a := &api{
		service: cfg.Service,
		metrics: cfg.Metrics,
		logger:  logging.OrNop(cfg.Logger).Named("http"),
		ready:   cfg.Ready,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.observe)

	r.Get("/healthz", a.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", a.handleCreateRequest)
		r.Get("/requests/{requestID}", a.handleGetRequest)
		r.Post("/requests/{requestID}/match", a.handleTriggerMatch)
		r.Get("/requests/{requestID}/audit", a.handleListAudit)
		r.Post("/decisions", a.handleSubmitDecision)
		r.Get("/decisions/respond", a.handleRespond)
		r.Post("/sla/sweep", a.handleSweep)
	})
	return r, nil
}

func (a *api) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.HTTPRequest(route, r.Method, status, time.Since(started))
	})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			a.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequestBody struct {
	RequesterID    string            `json:"requester_id"`
	ItemID         string            `json:"item_id"`
	OrganizationID string            `json:"organization_id"`
	RequestType    string            `json:"request_type"`
	Category       string            `json:"category"`
	Region         string            `json:"region"`
	Terms          json.Number       `json:"terms"`
	Location       *domain.GeoPoint  `json:"location"`
	Urgency        float64           `json:"urgency"`
	Stats          map[string]string `json:"stats"`
	Goals          []string          `json:"goals"`
	Locale         string            `json:"locale"`
	AutoMatch      *bool             `json:"auto_match"`
}

func (a *api) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !a.decode(w, r, &body) {
		return
	}
	autoMatch := true
	if body.AutoMatch != nil {
		autoMatch = *body.AutoMatch
	}
	status, err := a.service.CreateRequest(r.Context(), app.CreateRequestInput{
		RequesterID:    body.RequesterID,
		ItemID:         body.ItemID,
		OrganizationID: body.OrganizationID,
		RequestType:    body.RequestType,
		Category:       body.Category,
		Region:         body.Region,
		Terms:          body.Terms.String(),
		Facts: domain.SnapshotFacts{
			Location: body.Location,
			Urgency:  body.Urgency,
			Stats:    body.Stats,
			Goals:    body.Goals,
			Locale:   body.Locale,
		},
		AutoMatch: autoMatch,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, statusView(status))
}

func (a *api) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	status, err := a.service.GetRequestStatus(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(status))
}

func (a *api) handleTriggerMatch(w http.ResponseWriter, r *http.Request) {
	status, err := a.service.TriggerMatch(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(status))
}

func (a *api) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.service.ListAudit(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	views := make([]auditJSON, 0, len(entries))
	for _, entry := range entries {
		views = append(views, auditView(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

type submitDecisionBody struct {
	Token         string      `json:"token"`
	Decision      string      `json:"decision"`
	ProposedTerms json.Number `json:"proposed_terms"`
	Message       string      `json:"message"`
}

func (a *api) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	var body submitDecisionBody
	if !a.decode(w, r, &body) {
		return
	}
	a.submit(w, r, decision.SubmitInput{
		Token:         body.Token,
		Verdict:       body.Decision,
		ProposedTerms: body.ProposedTerms.String(),
		Message:       body.Message,
	})
}

// handleRespond serves the link embedded in notifications.
func (a *api) handleRespond(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	a.submit(w, r, decision.SubmitInput{
		Token:         query.Get("token"),
		Verdict:       query.Get("decision"),
		ProposedTerms: query.Get("terms"),
		Message:       query.Get("message"),
	})
}

func (a *api) submit(w http.ResponseWriter, r *http.Request, in decision.SubmitInput) {
	result, err := a.service.SubmitDecision(r.Context(), in)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decision": decisionView(result.Decision),
		"request":  requestView(result.Request),
		"replayed": result.Replayed,
	})
}

func (a *api) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.RunSlaSweep(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		a.writeError(w, apperrors.Wrap(apperrors.CodeValidation, "invalid JSON body: "+err.Error(), err))
		return false
	}
	return true
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	body := errorBody{Code: string(code), Message: err.Error()}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		body.Metadata = domainErr.Metadata
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
		if code == apperrors.CodeUnknown {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(body)
}
