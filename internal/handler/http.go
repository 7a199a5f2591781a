package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scoreguard/internal/domain"
	"github.com/scoreguard/internal/metrics"
	"github.com/scoreguard/internal/service"
	"github.com/scoreguard/internal/websocket"
)

// Options tunes request handling
type Options struct {
	MaxBodyBytes int64
	DefaultLimit int
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Handler provides the HTTP endpoints of the score service
type Handler struct {
	service *service.ScoreService
	hub     *websocket.Hub
	metrics *metrics.Registry
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc *service.ScoreService, hub *websocket.Hub, reg *metrics.Registry, opts Options, logger *slog.Logger) *Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 256 << 10
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 5
	}
	return &Handler{
		service: svc,
		hub:     hub,
		metrics: reg,
		opts:    opts,
		logger:  logger,
	}
}

type errorResponse struct {
	Error domain.Reason `json:"error"`
}

type acceptedResponse struct {
	Accepted  bool  `json:"accepted"`
	Rank      int64 `json:"rank"`
	BestScore int64 `json:"bestScore"`
}

type rejectedResponse struct {
	Accepted bool          `json:"accepted"`
	Reason   domain.Reason `json:"reason"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.Middleware)
	r.Use(corsMiddleware)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: domain.ReasonMethodNotAllowed})
	})

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/score", func(r chi.Router) {
		r.Post("/session", h.CreateSession)
		// Registered before the POST route, which then takes precedence
		r.HandleFunc("/submit", h.submitMethodNotAllowed)
		r.Post("/submit", h.SubmitScore)
		r.Get("/top", h.GetTop)
		r.Get("/player/{handle}", h.GetPlayer)
		r.Get("/ws", h.HandleWebSocket)
	})

	r.Post("/telemetry/client-error", h.ReportClientError)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

// decodeBody reads a JSON object from the request into v. A missing or
// malformed body leaves v at its zero value so field validation reports the
// problem instead.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) {
	body := http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("ignoring unreadable request body", "path", r.URL.Path, "error", err)
	}
}

// clientIP returns the caller address as resolved by middleware.RealIP
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// statusFor maps a rejection reason onto an HTTP status
func statusFor(reason domain.Reason) int {
	switch reason {
	case domain.ReasonRateLimited:
		return http.StatusTooManyRequests
	case domain.ReasonNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck reports whether the key-value store answers
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ready(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// CreateSession issues a signed play session for a handle
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle string `json:"handle"`
	}
	h.decodeBody(w, r, &req)

	signed, err := h.service.CreateSession(r.Context(), req.Handle, clientIP(r))
	if err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			h.writeJSON(w, statusFor(rej.Reason), errorResponse{Error: rej.Reason})
			return
		}
		h.logger.Error("failed to create session", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: domain.ReasonInternalError})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]domain.SignedSession{"session": signed})
}

// SubmitScore verifies a finished run and records its score
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle    string          `json:"handle"`
		Session   json.RawMessage `json:"session"`
		Telemetry json.RawMessage `json:"telemetry"`
	}
	h.decodeBody(w, r, &req)

	result, err := h.service.Submit(r.Context(), service.Submission{
		Handle:    req.Handle,
		Session:   req.Session,
		Telemetry: req.Telemetry,
		ClientIP:  clientIP(r),
	})
	if err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			h.writeJSON(w, statusFor(rej.Reason), rejectedResponse{Reason: rej.Reason})
			return
		}
		h.logger.Error("failed to submit score", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, rejectedResponse{Reason: domain.ReasonInternalError})
		return
	}

	h.writeJSON(w, http.StatusOK, acceptedResponse{
		Accepted:  true,
		Rank:      result.Rank,
		BestScore: result.BestScore,
	})
}

func (h *Handler) submitMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, rejectedResponse{Reason: domain.ReasonMethodNotAllowed})
}

// GetTop returns the top of the leaderboard. Unlike the write paths, a store
// failure here degrades to an empty list.
func (h *Handler) GetTop(w http.ResponseWriter, r *http.Request) {
	limit := h.opts.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit = parseLimit(limitStr, limit)
	}

	entries, err := h.service.Top(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to get top", "error", err)
		entries = nil
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}

	h.writeJSON(w, http.StatusOK, map[string][]domain.LeaderboardEntry{"entries": entries})
}

// parseLimit floors any finite number, so "2.5" is 2 and "1e1" is 10.
// Anything else yields def. The service clamps the result.
func parseLimit(s string, def int) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return int(math.Max(math.Min(math.Floor(f), math.MaxInt32), math.MinInt32))
}

// GetPlayer returns a handle's ranked best score
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Player(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			h.writeJSON(w, statusFor(rej.Reason), errorResponse{Error: rej.Reason})
			return
		}
		if domain.IsNotFoundError(err) {
			h.writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ReasonNotFound})
			return
		}
		h.logger.Error("failed to get player rank", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: domain.ReasonInternalError})
		return
	}

	h.writeJSON(w, http.StatusOK, entry)
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// Client error report field limits
const (
	maxSourceLen  = 80
	maxMessageLen = 240
	maxPathLen    = 120
	maxAgentLen   = 220
)

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ReportClientError logs an error reported by a browser client. It always
// succeeds so reporting can never cascade into more client errors.
func (h *Handler) ReportClientError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source  string `json:"source"`
		Message string `json:"message"`
		Path    string `json:"path"`
		UA      string `json:"ua"`
	}
	h.decodeBody(w, r, &req)

	h.logger.Warn("client error reported",
		"source", truncate(req.Source, maxSourceLen),
		"message", truncate(req.Message, maxMessageLen),
		"path", truncate(req.Path, maxPathLen),
		"ua", truncate(req.UA, maxAgentLen),
		"client_ip", clientIP(r),
	)
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
