package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
	"github.com/rhythm-ranking/internal/websocket"
)

// RankingService is the ranking API consumed by the handlers
type RankingService interface {
	Submit(ctx context.Context, raw domain.RawSubmission, meta domain.CallerMeta) (*domain.SubmitResult, error)
	GetTop(ctx context.Context, chartID string, limit int) ([]domain.RankEntry, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the ranking API
type Handler struct {
	service  RankingService
	hub      *websocket.Hub
	limiter  Limiter
	checks   map[string]Pinger
	security *config.SecurityConfig
	server   *config.ServerConfig
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	service RankingService,
	hub *websocket.Hub,
	limiter Limiter,
	checks map[string]Pinger,
	security *config.SecurityConfig,
	server *config.ServerConfig,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		service:  service,
		hub:      hub,
		limiter:  limiter,
		checks:   checks,
		security: security,
		server:   server,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(middleware.SetHeader("X-Content-Type-Options", "nosniff"))
	r.Use(middleware.SetHeader("X-Frame-Options", "DENY"))
	r.Use(middleware.SetHeader("Referrer-Policy", "no-referrer"))
	r.Use(middleware.SetHeader("Cache-Control", "no-store"))
	r.Use(corsMiddleware(h.security.AllowedOrigins))

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	if h.hub != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(h.requestTimeout()))
		r.Use(h.rateLimit)

		r.Get("/ranking", h.GetRanking)
		r.Get("/charts/{chartID}/ranking", h.GetRanking)

		r.With(h.requireAPIKey).Post("/scores", h.SubmitScore)

		if h.hub != nil {
			r.Get("/ws/stats", h.GetWebSocketStats)
		}
	})

	return r
}

func (h *Handler) requestTimeout() time.Duration {
	if h.server == nil || h.server.RequestTimeout <= 0 {
		return 8 * time.Second
	}
	return h.server.RequestTimeout
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error, code string) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
		Code:    code,
	})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWs(w, r)
}

// GetWebSocketStats returns WebSocket connection statistics, with the
// subscriber count of one chart when chartId is given
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	}
	if chartID := r.URL.Query().Get("chartId"); chartID != "" {
		stats["chart_id"] = chartID
		stats["subscribers"] = h.hub.GetSubscriberCount(chartID)
	}
	h.writeSuccess(w, stats)
}

// HealthCheck returns service availability
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "available"})
}

// ReadyCheck pings every dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	ready := true
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			ready = false
			continue
		}
		status[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{Success: false, Data: status, Error: "not ready"})
		return
	}
	h.writeSuccess(w, status)
}

// GetRanking returns the cached top entries of a chart
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	chartID := chi.URLParam(r, "chartID")
	if chartID == "" {
		chartID = r.URL.Query().Get("chartId")
	}
	if chartID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest, "chart_id_required")
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest, "invalid_limit")
			return
		}
		limit = l
	}

	top, err := h.service.GetTop(r.Context(), chartID, limit)
	if err != nil {
		h.logger.Error("failed to get ranking", "chart_id", chartID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError, "")
		return
	}

	h.writeSuccess(w, domain.RankingView{ChartID: chartID, Top: top})
}

// SubmitScore handles score submission
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	var raw domain.RawSubmission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest, "malformed_body")
		return
	}

	meta := domain.CallerMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	result, err := h.service.Submit(r.Context(), raw, meta)
	if err != nil {
		if verr, ok := domain.AsValidationError(err); ok {
			h.writeError(w, http.StatusBadRequest, verr, verr.Rule)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			h.logger.Warn("score submission aborted", "error", err)
		} else {
			h.logger.Error("failed to submit score", "stage", domain.StoreOf(err), "error", err)
		}
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError, "")
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    result,
	})
}
