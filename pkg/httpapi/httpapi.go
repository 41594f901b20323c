// Package httpapi exposes the engine over HTTP: classification,
// catalog submission and retrieval, status, and a websocket stream of
// lifecycle events. All routes live under /v1 and share the request-id,
// logging and optional password middlewares.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/kaptinlin/jsonrepair"

	"github.com/infisparks/aichat/pkg/brain"
	"github.com/infisparks/aichat/pkg/intent"
)

// Config configures a Server.
type Config struct {
	// Engine answers classification and catalog requests. Required.
	Engine *brain.Engine

	// Password, when non-empty, guards every /v1 route: requests must
	// carry it in the X-Auth-Password header.
	Password string

	// Logger is optional. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP front of the engine. It implements http.Handler.
type Server struct {
	engine   *brain.Engine
	password string
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

// New creates a server. It panics if cfg.Engine is nil.
func New(cfg Config) *Server {
	if cfg.Engine == nil {
		panic("httpapi: Config.Engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:   cfg.Engine,
		password: cfg.Password,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withRequestID, s.logRequests)
	r.Route("/v1", func(r chi.Router) {
		if s.password != "" {
			r.Use(s.requirePassword)
		}
		r.Post("/chat", s.handleChat)
		r.Post("/intents", s.handleSubmitIntents)
		r.Get("/intents", s.handleGetIntents)
		r.Get("/status", s.handleStatus)
		r.Get("/healthz", s.handleHealthz)
		r.Get("/watch", s.handleWatch)
	})
	return r
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.engine.Classify(msg)
	switch {
	case errors.Is(err, brain.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "no model is ready yet")
		return
	case err != nil:
		s.logger.Error("httpapi: classify failed", "error", err)
		writeError(w, http.StatusInternalServerError, "classification failed")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:   reply.Response,
		Confidence: math.Round(reply.Confidence*100) / 100,
	})
}

func (s *Server) handleSubmitIntents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	cat, err := intent.ParseDocument(repairJSON(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	merged, err := s.engine.SubmitCatalog(r.Context(), cat)
	var verr *intent.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	case err != nil:
		s.logger.Error("httpapi: submit catalog failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store catalog failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "catalog accepted, retraining scheduled",
		"intents": len(merged.Intents),
	})
}

func (s *Server) handleGetIntents(w http.ResponseWriter, r *http.Request) {
	cat, err := s.engine.Catalog(r.Context())
	if err != nil {
		s.logger.Error("httpapi: read catalog failed", "error", err)
		writeError(w, http.StatusInternalServerError, "read catalog failed")
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// repairJSON passes well-formed input through untouched and runs
// jsonrepair over input that fails with a syntax error, so a catalog
// pasted with trailing commas or single quotes still parses. Repair
// failures fall through to the original bytes and surface as a normal
// parse error.
func repairJSON(data []byte) []byte {
	var probe any
	err := json.Unmarshal(data, &probe)
	if err == nil {
		return data
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return data
	}
	fixed, err := jsonrepair.JSONRepair(string(data))
	if err != nil {
		return data
	}
	return []byte(fixed)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
