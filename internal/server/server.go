package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calmline/calmline/internal/chat"
	"github.com/calmline/calmline/internal/config"
	"github.com/calmline/calmline/internal/crisis"
	"github.com/calmline/calmline/internal/emergency"
	"github.com/calmline/calmline/internal/metrics"
	"github.com/calmline/calmline/internal/provider"
	"github.com/calmline/calmline/internal/redact"
	"github.com/calmline/calmline/internal/telemetry"
)

const robotsTxt = "User-agent: *\nDisallow: /\n"

// Deps are the components the HTTP layer fronts.
type Deps struct {
	Detector  *crisis.Detector
	Logger    *emergency.Logger
	Provider  provider.Provider
	Collector *emergency.SQLiteSink
	Telemetry *telemetry.Provider
}

// Server wraps the HTTP surface of Calmline.
type Server struct {
	router    *mux.Router
	cfg       *config.Config
	detector  *crisis.Detector
	chat      *chat.Service
	logger    *emergency.Logger
	collector *emergency.SQLiteSink
	limiter   *ipLimiter
	http      *http.Server
}

// New builds the router. A nil detector uses the built-in catalogue.
func New(cfg *config.Config, deps Deps) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	det := deps.Detector
	if det == nil {
		det = crisis.Default()
	}
	p := deps.Provider
	if p == nil {
		p = provider.NewEcho()
	}

	s := &Server{
		router:    mux.NewRouter(),
		cfg:       cfg,
		detector:  det,
		chat:      chat.NewService(det, deps.Logger, p, deps.Telemetry),
		logger:    deps.Logger,
		collector: deps.Collector,
		limiter:   newIPLimiter(chatRequestsPerMinute),
	}

	r := s.router
	r.Use(s.corsMiddleware, s.bodyLimitMiddleware)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", "No such endpoint")
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/robots.txt", handleRobots).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.MethodNotAllowedHandler = r.MethodNotAllowedHandler
	api.NotFoundHandler = r.NotFoundHandler
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/safety/events", s.handleSafetyEvent).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/emergency-logs", s.handleCollect).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/emergency-logs", s.handleCollected).Methods(http.MethodGet)
	api.HandleFunc("/emergency-logs/export", s.handleExport).Methods(http.MethodGet)

	// A subrouter with its own NotFoundHandler reports method mismatches as
	// 404, so every known path gets a trailing method-agnostic route.
	for _, path := range []string{"/chat", "/detect", "/safety/events", "/emergency-logs", "/emergency-logs/export"} {
		api.HandleFunc(path, handleMethodNotAllowed)
	}
	for _, path := range []string{"/healthz", "/robots.txt", "/metrics"} {
		r.HandleFunc(path, handleMethodNotAllowed)
	}

	return s
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server on the given address until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	redact.Logf("Calmline listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Emergency-Log, X-Session-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && s.cfg.Server.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func handleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(robotsTxt))
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "Method "+r.Method+" is not accepted here")
}

type chatRequest struct {
	Message             string           `json:"message"`
	UserID              string           `json:"user_id"`
	SessionID           string           `json:"session_id"`
	ConversationHistory []historyMessage `json:"conversation_history"`
	LegacyHistory       []historyMessage `json:"conversationHistory"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ok, remaining, wait := s.limiter.allow(clientIP(r))
	if !ok {
		secs := retryAfterSeconds(wait)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "Rate limit exceeded",
			"message":     fmt.Sprintf("Too many requests. Please try again in %d seconds.", secs),
			"retry_after": secs,
		})
		return
	}

	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Bad request", "Message is required")
		return
	}
	history := req.ConversationHistory
	if len(history) == 0 {
		history = req.LegacyHistory
	}

	ctx := emergency.WithClient(r.Context(), clientFromRequest(r, req.SessionID))
	reply, err := s.chat.Send(ctx, chat.Message{
		Text:    req.Message,
		UserID:  req.UserID,
		History: toInference(history),
	})
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Success: true, Remaining: remaining, Reply: reply})
}

type chatResponse struct {
	Success   bool `json:"success"`
	Remaining int  `json:"remaining"`
	*chat.Reply
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var se *provider.StatusError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "Bad request", "Message is required")
	case errors.Is(err, provider.ErrNotConfigured):
		redact.Logf("chat: provider not configured: %v", err)
		writeError(w, http.StatusInternalServerError, "Server configuration error", "API key not configured on server")
	case errors.As(err, &se):
		redact.Logf("chat: provider returned %d: %s", se.Code, se.Body)
		details := "Service unavailable"
		if se.Code == http.StatusTooManyRequests {
			details = "Rate limit exceeded"
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "AI service error",
			"message": "Unable to get response from AI service",
			"details": details,
		})
	default:
		redact.Logf("chat: provider error: %v", err)
		writeError(w, http.StatusBadGateway, "AI service error", "Unable to get response from AI service")
	}
}

type detectRequest struct {
	Message any `json:"message"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a := s.detector.DetectValue(req.Message)
	metrics.Detections.WithLabelValues(string(a.RiskLevel)).Inc()
	writeJSON(w, http.StatusOK, a)
}

type safetyEventRequest struct {
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Details   map[string]any `json:"details"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
}

func (s *Server) handleSafetyEvent(w http.ResponseWriter, r *http.Request) {
	var req safetyEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Bad request", "Event name is required")
		return
	}

	ctx := emergency.WithClient(r.Context(), clientFromRequest(r, req.SessionID))
	switch req.Type {
	case "action":
		s.logger.LogAction(ctx, req.Name, req.Details, req.UserID)
	case "interaction":
		s.logger.LogInteraction(ctx, req.Name, req.Details, req.UserID)
	default:
		writeError(w, http.StatusBadRequest, "Bad request", `Event type must be "action" or "interaction"`)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// handleCollect is the remote collection endpoint other deployments post
// entries to.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "Collector disabled", "Log collection is not enabled on this server")
		return
	}
	if !strings.EqualFold(r.Header.Get("X-Emergency-Log"), "true") {
		writeError(w, http.StatusBadRequest, "Bad request", "X-Emergency-Log header is required")
		return
	}

	var e emergency.Entry
	if !decodeBody(w, r, &e) {
		return
	}
	if e.Kind == "" || e.Timestamp.IsZero() {
		writeError(w, http.StatusBadRequest, "Bad request", "Entry type and timestamp are required")
		return
	}
	if e.Severity == "" {
		e.Severity = e.Kind.Severity()
	}

	if err := s.collector.Deliver(r.Context(), &e); err != nil {
		redact.Logf("collector: store entry failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Server error", "Unable to store log entry")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stored": true})
}

func (s *Server) handleCollected(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "Collector disabled", "Log collection is not enabled on this server")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	severity := emergency.Severity(strings.ToUpper(r.URL.Query().Get("severity")))

	entries, err := s.collector.Recent(r.Context(), severity, limit)
	if err != nil {
		redact.Logf("collector: query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Server error", "Unable to read log entries")
		return
	}
	if entries == nil {
		entries = []emergency.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries, "count": len(entries)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.logger == nil {
		writeError(w, http.StatusServiceUnavailable, "Logger disabled", "Emergency logging is not configured")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="emergency-logs.json"`)
	writeJSON(w, http.StatusOK, s.logger.Export(r.Context()))
}

// --- helpers ---

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errText, message string) {
	writeJSON(w, status, errorBody{Error: errText, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		redact.Logf("failed to write response: %v", err)
	}
}

// decodeBody writes the error response itself and reports whether decoding
// succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request too large", fmt.Sprintf("Body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "Bad request", "Invalid JSON body")
		return false
	}
	return true
}
