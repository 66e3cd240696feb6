package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/knoguchi/instchat/internal/auth"
	"github.com/knoguchi/instchat/internal/chat"
	"github.com/knoguchi/instchat/internal/prompt"
	"github.com/knoguchi/instchat/internal/sse"
)

const maxBodyBytes = 1 << 20

// HTTPServer serves the chat API over HTTP with SSE streaming
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	chat   *chat.Service
	tokens *auth.JWTManager
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	Chat           *chat.Service
	APIKey         *auth.APIKeyInterceptor
	Tokens         *auth.JWTManager // nil disables session tokens
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	if cfg.Chat == nil {
		return nil, errors.New("chat service is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.APIKey
	if apiKey == nil {
		apiKey = auth.NewAPIKeyInterceptor("")
	}

	s := &HTTPServer{
		router: chi.NewRouter(),
		chat:   cfg.Chat,
		tokens: cfg.Tokens,
		logger: logger,
	}

	// Add middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLoggingMiddleware(logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware(cfg.AllowedOrigins))
	s.router.Use(apiKey.Middleware("/healthz", "/readyz"))

	s.router.Get("/healthz", healthCheckHandler())
	s.router.Get("/readyz", s.readinessCheckHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/limits", s.handleLimits)
		r.Post("/generate", s.handleGenerate)
		r.Post("/sessions", s.handleCreateSession)

		r.Route("/sessions/{id}", func(r chi.Router) {
			// Expired tokens may still be exchanged for a fresh one.
			r.Post("/token", s.handleRefreshToken)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireSessionToken(s.tokens, "id"))
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/messages", s.handleSubmit)
				r.Delete("/messages", s.handleClear)
				r.Post("/retry", s.handleRetry)
				r.Post("/undo", s.handleUndo)
			})
		})
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Increased for streaming LLM responses
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the root handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chat.Limits())
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	req.Sampling = withDefaults(req.Sampling)

	sw, err := sse.NewWriter(w)
	if err != nil {
		s.writeError(w, err)
		return
	}

	seq, err := s.chat.Generate(r.Context(), req.relayRequest(s.chat.SystemPrompt()))
	if err != nil {
		s.writeError(w, err)
		return
	}

	stream(s, sw, r, seq, func(text string) any { return GenerateResponse{Text: text} })
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := s.chat.NewSession(r.Context())
	resp := SessionResponse{ID: id.String()}

	if s.tokens != nil {
		token, err := s.tokens.GenerateToken(id)
		if err != nil {
			s.writeError(w, fmt.Errorf("issuing session token: %w", err))
			return
		}
		resp.Token = token
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	history, err := s.chat.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ID: id.String(), History: nonNil(history)})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		s.writeError(w, err)
		return
	}

	seq, err := s.chat.Submit(r.Context(), id, req.Message, withDefaults(req.Sampling))
	if err != nil {
		s.writeError(w, err)
		return
	}

	stream(s, sw, r, seq, func(history []prompt.Turn) any { return HistoryResponse{History: history} })
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		s.writeError(w, err)
		return
	}

	seq, err := s.chat.Retry(r.Context(), id, withDefaults(req.Sampling))
	if err != nil {
		s.writeError(w, err)
		return
	}

	stream(s, sw, r, seq, func(history []prompt.Turn) any { return HistoryResponse{History: history} })
}

func (s *HTTPServer) handleUndo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	message, err := s.chat.Undo(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	history, err := s.chat.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ID: id.String(), Message: message, History: nonNil(history)})
}

func (s *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if err := s.chat.DeleteSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefreshToken exchanges a valid or expired token for the session for
// a fresh one.
func (s *HTTPServer) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "session tokens are disabled"})
		return
	}

	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	raw, ok := auth.BearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing session token"})
		return
	}

	token, err := s.tokens.RefreshToken(raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
		return
	}
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if claims.Subject != id.String() {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "token does not grant access to this session"})
		return
	}

	if _, err := s.chat.History(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{ID: id.String(), Token: token})
}

func (s *HTTPServer) handleClear(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if err := s.chat.Clear(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream relays seq as SSE "snapshot" events followed by "done" with the
// final value, or an "error" event if generation fails midway.
func stream[T any](s *HTTPServer, sw *sse.Writer, r *http.Request, seq iter.Seq2[T, error], body func(T) any) {
	var last T
	for v, err := range seq {
		if err != nil {
			s.logger.Warn("generation failed mid-stream",
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
				"error", err,
			)
			_ = sw.WriteEvent("error", newErrorResponse(err))
			return
		}
		last = v
		if err := sw.WriteEvent("snapshot", body(v)); err != nil {
			s.logger.Debug("client went away", "path", r.URL.Path, "error", err)
			return
		}
	}
	_ = sw.WriteEvent("done", body(last))
}

func (s *HTTPServer) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, newErrorResponse(err))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(turns []prompt.Turn) []prompt.Turn {
	if turns == nil {
		return []prompt.Turn{}
	}
	return turns
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// If no origins specified, allow all in development
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler reports whether the transcript archive is reachable
func (s *HTTPServer) readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.chat.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ready",
			"sessions": s.chat.ActiveSessions(),
		})
	}
}
