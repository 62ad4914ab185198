package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/tabsync/internal/broadcast"
	"github.com/agentworkforce/tabsync/internal/persistence"
	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/schema"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	MaxFrameBytes      int64
	Logger             zerolog.Logger
	Metrics            *telemetry.Metrics
}

// Server is the hub: it relays broadcast frames between the contexts of one
// isolation boundary and exposes the boundary's durable snapshot read-only.
type Server struct {
	backend            persistence.Backend
	cfg                ServerConfig
	router             chi.Router
	hub                *Hub
	validator          *schema.Validator
	logger             zerolog.Logger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// StateResponse is the body of the snapshot read route.
type StateResponse struct {
	Boundary          string              `json:"boundary"`
	Generation        uint64              `json:"generation"`
	SaveID            string              `json:"saveId,omitempty"`
	WritingContextID  string              `json:"writingContextId,omitempty"`
	WritingInstanceID string              `json:"writingInstanceId,omitempty"`
	Timestamp         int64               `json:"timestamp,omitempty"`
	Tabs              []quicktab.QuickTab `json:"tabs"`
	Dropped           int                 `json:"dropped"`
}

func NewServer(backend persistence.Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend persistence.Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = broadcast.DefaultReadLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewMetrics()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		backend:            backend,
		cfg:                cfg,
		hub:                NewHub(cfg.Logger, cfg.Metrics),
		validator:          schema.NewValidator(schema.Options{Logger: cfg.Logger}),
		logger:             telemetry.Component(cfg.Logger, "httpapi"),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1/boundaries/{boundary}", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/ws", s.handleSocket)
	})
	r.Post("/v1/internal/boundaries/{boundary}/broadcast", s.handleInternalBroadcast)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub exposes the room registry, mostly for diagnostics.
func (s *Server) Hub() *Hub {
	return s.hub
}

// authorize checks the bearer and the per-caller rate limit. It writes the
// error response itself and reports whether the request may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, boundary, scope string) (*tokenClaims, bool) {
	correlationID := getCorrelationID(r)
	if strings.TrimSpace(boundary) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing boundary", correlationID)
		return nil, false
	}
	now := time.Now().UTC()
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, boundary, scope, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(boundary+"|"+claims.ContextID, now) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return nil, false
	}
	return claims, true
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	boundary := chi.URLParam(r, "boundary")
	correlationID := getCorrelationID(r)
	if _, ok := s.authorize(w, r, boundary, scopeStateRead); !ok {
		return
	}
	if s.backend == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no durable store configured", correlationID)
		return
	}
	snapshot, err := s.backend.Load(r.Context(), persistence.StateKey(boundary))
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, persistence.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
		default:
			s.logger.Error().Err(err).Str("boundary", boundary).Msg("state load failed")
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}

	resp := StateResponse{Boundary: boundary, Tabs: []quicktab.QuickTab{}}
	if snapshot != nil {
		resp.Generation = snapshot.Generation
		resp.SaveID = snapshot.SaveID
		resp.WritingContextID = snapshot.WritingContextID
		resp.WritingInstanceID = snapshot.WritingInstanceID
		resp.Timestamp = snapshot.Timestamp
		for _, raw := range snapshot.Tabs {
			result := s.validator.ValidateRecord(raw)
			if !result.IsValid() {
				resp.Dropped++
				continue
			}
			resp.Tabs = append(resp.Tabs, result.Message.Tab())
		}
		quicktab.SortByZ(resp.Tabs)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	boundary := chi.URLParam(r, "boundary")
	claims, ok := s.authorize(w, r, boundary, scopeBroadcastJoin)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("boundary", boundary).Msg("websocket upgrade failed")
		return
	}
	s.hub.serve(r.Context(), conn, boundary, claims.ContextID, s.cfg.MaxFrameBytes)
}

// handleInternalBroadcast lets a trusted service inject one mutation envelope
// into a boundary's room, signed the same way as every internal route.
func (s *Server) handleInternalBroadcast(w http.ResponseWriter, r *http.Request) {
	boundary := chi.URLParam(r, "boundary")
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Tabsync-Timestamp")
	signature := r.Header.Get("X-Tabsync-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	result := s.validator.ValidateJSON(body)
	if !result.IsValid() {
		s.cfg.Metrics.ValidationFailures.WithLabelValues("internal", string(result.Type)).Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "invalid_message",
			"message":       strings.Join(result.Errors, "; "),
			"correlationId": correlationID,
		})
		return
	}
	data, err := json.Marshal(broadcast.Frame{Boundary: boundary, Sender: broadcast.HubSender, Payload: body})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	delivered := s.hub.Publish(boundary, nil, data)
	s.logger.Info().
		Str("boundary", boundary).
		Str("type", string(result.Type)).
		Int("delivered", delivered).
		Str("correlationId", correlationID).
		Msg("relayed internal broadcast")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"type":          result.Type,
		"delivered":     delivered,
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
