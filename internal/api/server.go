package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/guard"
	"github.com/1sec-project/reqguard/internal/scoring"
)

// Version is reported by /api/v1/status.
var Version = "dev"

// maxScanBody bounds the payload accepted by the scan endpoint.
const maxScanBody = 1 << 20

// Server is the reqguard admin API.
type Server struct {
	engine   *core.Engine
	pipeline *guard.Pipeline
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer creates the admin API server for a running pipeline.
func NewServer(engine *core.Engine, pipeline *guard.Pipeline) *Server {
	s := &Server{
		engine:   engine,
		pipeline: pipeline,
		logger:   engine.Logger.With().Str("component", "api_server").Logger(),
	}

	cfg := engine.Config()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/api/v1/threats", s.handleThreats)
	mux.HandleFunc("/api/v1/sessions/", s.handleSession)
	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc("/api/v1/scan", s.handleScan)
	mux.Handle("/metrics", s.pipeline.Metrics.Handler())

	// logging -> auth -> handler
	return loggingMiddleware(authMiddleware(mux, s.engine.Config, s.logger), s.logger)
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.engine.Config().AuthEnabled() {
		s.logger.Info().Int("keys", len(s.engine.Config().Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set server.api_keys or REQGUARD_API_KEY")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := s.engine.Config()
	policy := s.pipeline.Guard.Policy()

	bus := map[string]interface{}{
		"enabled":   cfg.Bus.Enabled,
		"connected": s.engine.Bus.IsConnected(),
	}
	if s.engine.Bus != nil {
		bus["breaker"] = s.engine.Bus.BreakerState()
		bus["metrics"] = s.engine.Bus.GetMetrics()
	}
	if s.engine.Events != nil {
		bus["queue"] = s.engine.Events.GetMetrics()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":            Version,
		"status":             "running",
		"profile":            cfg.Detection.Profile,
		"blocking_threshold": policy.BlockingThreshold,
		"notable_threshold":  cfg.Detection.NotableThreshold,
		"volume_threshold":   cfg.Detection.VolumeThreshold,
		"throttle_delay":     policy.ThrottleDelay.String(),
		"upstream":           cfg.Proxy.Upstream,
		"bus":                bus,
		"uptime":             s.engine.Uptime().Round(time.Second).String(),
		"timestamp":          time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.pipeline.History.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tracked_fingerprints": snap.Tracked,
		"active_threats":       snap.ActiveThreats,
		"total_hits":           snap.TotalHits,
		"volume_counters":      s.pipeline.Volume.Len(),
		"session_profiles":     s.pipeline.Sessions.Len(),
		"taken_at":             snap.TakenAt,
	})
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := queryLimit(r, 50)
	threats := s.pipeline.History.Top(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threats": threats,
		"total":   len(threats),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if userID == "" || strings.Contains(userID, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user id required"})
		return
	}
	profile, ok := s.pipeline.Sessions.Get(userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session profile"})
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleLogs returns recent log entries captured in the engine's ring buffer,
// optionally narrowed by level, component or a request's correlation fields.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := core.LogFilter{
		Level:       q.Get("level"),
		Component:   q.Get("component"),
		RequestID:   q.Get("request_id"),
		Fingerprint: q.Get("fingerprint"),
		ClientIP:    q.Get("client_ip"),
		UserID:      q.Get("user_id"),
	}
	if err := filter.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	entries := s.engine.LogBuffer.Query(filter, queryLimit(r, 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

// ScanRequest is the payload of POST /api/v1/scan. Every field is optional.
type ScanRequest struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	UserAgent string            `json:"user_agent"`
	Referer   string            `json:"referer"`
	Body      string            `json:"body"`
	Headers   map[string]string `json:"headers"`
	ClientIP  string            `json:"client_ip"`
}

// handleScan scores an arbitrary payload against the active catalog. It
// touches none of the stores.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var in ScanRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	req, err := in.toRequest()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a := s.pipeline.Scoring.Evaluate(req)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessment": a,
		"outcome":    guard.Decide(a, s.pipeline.Guard.Policy().BlockingThreshold),
	})
}

func (in ScanRequest) toRequest() (scoring.Request, error) {
	method := in.Method
	if method == "" {
		method = http.MethodGet
	}
	target := in.URL
	if target == "" {
		target = "/"
	}
	var bodyReader io.Reader
	if in.Body != "" {
		bodyReader = strings.NewReader(in.Body)
	}
	hr, err := http.NewRequest(method, target, bodyReader)
	if err != nil {
		return scoring.Request{}, fmt.Errorf("invalid request: %w", err)
	}
	for k, v := range in.Headers {
		hr.Header.Set(k, v)
	}
	if in.UserAgent != "" {
		hr.Header.Set("User-Agent", in.UserAgent)
	}
	if in.Referer != "" {
		hr.Header.Set("Referer", in.Referer)
	}
	hr.RemoteAddr = "0.0.0.0:0"
	if in.ClientIP != "" {
		hr.RemoteAddr = net.JoinHostPort(in.ClientIP, "0")
	}
	return scoring.FromHTTP(hr, scoring.RequestOptions{MaxBodyBytes: maxScanBody}), nil
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			return l
		}
	}
	return def
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// authMiddleware enforces API key authentication on all endpoints except
// /health. With no keys configured every request is allowed.
func authMiddleware(next http.Handler, cfg func() *core.Config, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := cfg()
		if r.URL.Path == "/health" || !c.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "missing authentication: provide Authorization: Bearer <key> or X-API-Key header",
			})
			return
		}
		if !c.ValidateAPIKey(key) {
			logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
