package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/access"
	"healthdata-platform/backend/internal/apperrors"
	"healthdata-platform/backend/internal/security"
	"healthdata-platform/backend/internal/telemetry"
	"healthdata-platform/backend/internal/telemetry/domain"
)

// telemetryQueryType is the query type checked before reading stored telemetry.
const telemetryQueryType = "telemetry"

// maxFeedbackBytes bounds the feedback request body.
const maxFeedbackBytes = 64 << 10

// TelemetryStore reads stored telemetry and records feedback. Implemented by *telemetry.Recorder.
type TelemetryStore interface {
	GetSteps(ctx context.Context, tenantID, sessionID string) ([]domain.Step, error)
	GetResult(ctx context.Context, tenantID, sessionID string) (*domain.Result, error)
	GetFeedback(ctx context.Context, tenantID, sessionID string) ([]domain.Feedback, error)
	RecordFeedback(ctx context.Context, sessionID, userID, text, tenantID string) error
}

// QueryEvaluator gates the telemetry API. Implemented by *access.Evaluator.
type QueryEvaluator interface {
	EvaluateQuery(ctx context.Context, p *security.Principal, queryType string) access.Result
}

// Pinger reports readiness of a backing store (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HTTPDeps holds the dependencies of the ops and telemetry HTTP API.
type HTTPDeps struct {
	Registry  *telemetry.Registry
	Store     TelemetryStore
	Tokens    *security.TokenService
	Evaluator QueryEvaluator
	// Pinger is checked by /readyz. If nil, readiness only reflects the process.
	Pinger Pinger
	// Gatherer backs /metrics. If nil, the default Prometheus gatherer is used.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type httpHandler struct {
	deps   HTTPDeps
	logger *zap.Logger
}

// NewHTTPHandler returns the chi router serving:
//
//	GET  /healthz, /readyz, /metrics
//	GET  /v1/telemetry/active                          (query:admin)
//	GET  /v1/telemetry/sessions/{sessionID}/steps      (query:execute)
//	GET  /v1/telemetry/sessions/{sessionID}/result     (query:execute)
//	GET  /v1/telemetry/sessions/{sessionID}/feedback   (query:execute)
//	POST /v1/telemetry/sessions/{sessionID}/feedback   (authenticated)
//
// /v1 routes take a Bearer token and an X-Tenant-ID header and are scoped to the caller's tenant.
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	h := &httpHandler{deps: deps, logger: deps.Logger}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/telemetry", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/active", h.activeSessions)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/steps", h.steps)
			r.Get("/result", h.result)
			r.Get("/feedback", h.feedback)
			r.Post("/feedback", h.recordFeedback)
		})
	})
	return r
}

func (h *httpHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// authenticate validates the Bearer token and puts the principal on the request context.
func (h *httpHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || h.deps.Tokens == nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization")
			return
		}
		p, err := security.PrincipalFromValidation(h.deps.Tokens.Validate(token), strings.TrimSpace(r.Header.Get("X-Tenant-ID")), security.PrincipalOptions{
			IPAddress: remoteIP(r.RemoteAddr),
			UserAgent: r.UserAgent(),
		})
		if err != nil {
			h.logger.Warn("http: rejected credentials",
				zap.String("path", r.URL.Path),
				zap.String("token_fingerprint", security.TokenFingerprint(token)),
				zap.Error(err))
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization")
			return
		}
		next.ServeHTTP(w, r.WithContext(security.WithPrincipal(r.Context(), p)))
	})
}

func (h *httpHandler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *httpHandler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Pinger.PingContext(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// authorize evaluates queryType for the caller and writes 403 on denial.
func (h *httpHandler) authorize(w http.ResponseWriter, r *http.Request, queryType string) (*security.Principal, bool) {
	p, _ := security.PrincipalFrom(r.Context())
	if h.deps.Evaluator == nil {
		writeError(w, http.StatusServiceUnavailable, "access evaluator not configured")
		return nil, false
	}
	if res := h.deps.Evaluator.EvaluateQuery(r.Context(), p, queryType); !res.Allowed {
		writeError(w, http.StatusForbidden, res.Reason)
		return nil, false
	}
	return p, true
}

func (h *httpHandler) activeSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, access.QueryAdmin); !ok {
		return
	}
	ids := []string{}
	if h.deps.Registry != nil {
		ids = h.deps.Registry.ActiveSessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids, "count": len(ids)})
}

func (h *httpHandler) steps(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, telemetryQueryType)
	if !ok || !h.storeConfigured(w) {
		return
	}
	steps, err := h.deps.Store.GetSteps(r.Context(), p.TenantID(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if steps == nil {
		steps = []domain.Step{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (h *httpHandler) result(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, telemetryQueryType)
	if !ok || !h.storeConfigured(w) {
		return
	}
	res, err := h.deps.Store.GetResult(r.Context(), p.TenantID(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "no result for session")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpHandler) feedback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, telemetryQueryType)
	if !ok || !h.storeConfigured(w) {
		return
	}
	list, err := h.deps.Store.GetFeedback(r.Context(), p.TenantID(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []domain.Feedback{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback": list})
}

type feedbackRequest struct {
	Text string `json:"text"`
}

func (h *httpHandler) recordFeedback(w http.ResponseWriter, r *http.Request) {
	p, _ := security.PrincipalFrom(r.Context())
	if !h.storeConfigured(w) {
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFeedbackBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.deps.Store.RecordFeedback(r.Context(), chi.URLParam(r, "sessionID"), p.UserID(), req.Text, p.TenantID()); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *httpHandler) storeConfigured(w http.ResponseWriter) bool {
	if h.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry store not configured")
		return false
	}
	return true
}

func (h *httpHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "telemetry store timed out")
	case errors.Is(err, apperrors.ErrCanceled):
		// Client went away; nothing useful to write.
	default:
		h.logger.Error("telemetry store request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(header string) string {
	v := strings.TrimSpace(header)
	const prefix = "bearer "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
