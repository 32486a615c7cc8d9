// Package api exposes the router over HTTP: an OpenAI-compatible chat
// completion endpoint plus introspection and health surfaces. Failures
// render as problem documents with the error kind's status mapping.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/polyroute/polyroute/internal/httputil"
	"github.com/polyroute/polyroute/internal/observability"
	routeerrors "github.com/polyroute/polyroute/pkg/errors"
	"github.com/polyroute/polyroute/pkg/types"
)

// MaxRequestBodyBytes bounds inbound chat payloads. The gateway enforces
// much tighter per-message limits after parsing; this cap stops oversized
// bodies before the JSON decoder sees them.
const MaxRequestBodyBytes int64 = 1 << 20

// ProviderHeader carries the provider that served the completion.
const ProviderHeader = "X-Polyroute-Provider"

// Router is the routing surface the handlers depend on.
type Router interface {
	Route(ctx context.Context, req *types.RoutingRequest) (*types.RouteResult, error)
	Status() types.RouterStatus
	CheckHealth(ctx context.Context) int
}

// Handler serves the public API.
type Handler struct {
	router  Router
	logger  *slog.Logger
	version string
	started time.Time
}

// NewHandler creates an API handler over the given router.
func NewHandler(router Router, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router:  router,
		logger:  logger,
		version: version,
		started: time.Now(),
	}
}

// RegisterRoutes registers every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("GET /v1/providers", h.Providers)
	mux.HandleFunc("GET /v1/status", h.Status)
	mux.HandleFunc("GET /healthz/live", h.Live)
	mux.HandleFunc("GET /healthz/ready", h.Ready)
}

// ChatCompletions handles POST /v1/chat/completions. The body is an
// OpenAI-style chat request; unknown fields pass through to the provider
// untouched.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadLimitedBody(r.Body, MaxRequestBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			h.writeError(w, r, routeerrors.NewValidation(
				"request body exceeds "+strconv.FormatInt(MaxRequestBodyBytes, 10)+" bytes"))
			return
		}
		h.writeError(w, r, routeerrors.NewValidation("read request body: "+err.Error()))
		return
	}

	var req types.RoutingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, routeerrors.NewValidation("invalid JSON: "+err.Error()))
		return
	}

	// The OpenAI "user" field doubles as the rate-limit identity; the
	// resolved client address fills the second identity slot.
	if req.Identity.UserID == "" {
		req.Identity.UserID = req.User
	}
	if req.Identity.ClientIP == "" {
		req.Identity.ClientIP = ClientIPFromContext(r.Context())
	}

	result, err := h.router.Route(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set(ProviderHeader, result.ProviderID)
	w.Header().Set(observability.CorrelationHeader, result.CorrelationID)
	h.writeJSON(w, http.StatusOK, result.Response)
}

// providersResponse is the GET /v1/providers payload.
type providersResponse struct {
	Providers []types.ProviderState `json:"providers"`
}

// Providers handles GET /v1/providers.
func (h *Handler) Providers(w http.ResponseWriter, _ *http.Request) {
	status := h.router.Status()
	h.writeJSON(w, http.StatusOK, providersResponse{Providers: status.Providers})
}

// statusResponse is the GET /v1/status payload.
type statusResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	Policy         string    `json:"policy"`
	ProviderCount  int       `json:"provider_count"`
	HealthyCount   int       `json:"healthy_count"`
	ConfigLoadedAt time.Time `json:"config_loaded_at"`
}

// Status handles GET /v1/status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	status := h.router.Status()
	h.writeJSON(w, http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.started).Seconds()),
		Policy:         status.PolicyName,
		ProviderCount:  status.ProviderCount,
		HealthyCount:   status.HealthyCount,
		ConfigLoadedAt: status.ConfigLoadedAt,
	})
}

// readyResponse is the health endpoints' payload.
type readyResponse struct {
	Status           string `json:"status"`
	HealthyProviders int    `json:"healthy_providers,omitempty"`
}

// Live handles GET /healthz/live. It answers 200 whenever the process can
// serve HTTP at all.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, readyResponse{Status: "alive"})
}

// Ready handles GET /healthz/ready. Readiness requires at least one healthy
// provider; expired health verdicts are re-probed on the way.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	healthy := h.router.CheckHealth(r.Context())
	if healthy < 1 {
		h.writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, readyResponse{Status: "ready", HealthyProviders: healthy})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response", "error", err)
	}
}

// writeError renders any error as a problem document. Foreign errors are
// wrapped as internal so the payload shape never varies.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rerr, ok := routeerrors.AsRouteError(err)
	if !ok {
		rerr = routeerrors.NewInternal(err)
	}
	if rerr.CorrelationID == "" {
		rerr.WithCorrelationID(observability.CorrelationIDFromContext(r.Context()))
	}
	writeProblem(w, h.logger, rerr)
}

// writeProblem writes the problem payload with its HTTP status mapping and
// a Retry-After header when the error carries a wait hint.
func writeProblem(w http.ResponseWriter, logger *slog.Logger, rerr *routeerrors.RouteError) {
	if rerr.CorrelationID != "" {
		w.Header().Set(observability.CorrelationHeader, rerr.CorrelationID)
	}
	if rerr.RetryAfter > 0 {
		seconds := int64((rerr.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(rerr.HTTPStatusCode())
	if err := json.NewEncoder(w).Encode(rerr); err != nil {
		logger.Error("write problem payload", "error", err)
	}
}
