// Package api exposes the session service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/core/convo"
	"github.com/conversekit/converse/service"
	"github.com/conversekit/converse/session"
)

type Server struct {
	router *chi.Mux
	svc    *service.Service
	port   int
}

// AskRequest carries one user turn. Adapter and inject settings ride along
// so a caller can address a non-default backend per conversation.
type AskRequest struct {
	Message    string                  `json:"message"`
	Adapter    string                  `json:"adapter,omitempty"`
	InjectMode string                  `json:"inject_mode,omitempty"`
	Fragments  []convo.ContextFragment `json:"fragments,omitempty"`
}

type turnConfig struct {
	Adapter    string `json:"adapter,omitempty"`
	InjectMode string `json:"inject_mode,omitempty"`
}

// TurnResponse is the reply to ask, retry and continue calls.
type TurnResponse struct {
	ConversationID string        `json:"conversation_id"`
	Message        convo.Message `json:"message"`
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func NewServer(port int, svc *service.Service) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		svc:    svc,
		port:   port,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1/conversations/{sender}", func(r chi.Router) {
		r.Post("/ask", s.ask)
		r.Post("/retry", s.retry)
		r.Post("/continue", s.resume)
		r.Get("/history", s.history)
		r.Delete("/", s.clear)
		r.Delete("/all", s.clearAll)
	})

	return s
}

// Handler returns the routed handler, mostly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	sender := chi.URLParam(r, "sender")

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message must not be empty"))
		return
	}

	cfg, err := configFrom(turnConfig{Adapter: req.Adapter, InjectMode: req.InjectMode})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reply, err := s.svc.Ask(r.Context(), sender, cfg, req.Message, req.Fragments, nil)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TurnResponse{ConversationID: sender, Message: reply})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	s.turn(w, r, s.svc.Retry)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.turn(w, r, s.svc.Continue)
}

// turn handles the body-light turn endpoints that reuse the latest user
// message instead of taking a new one.
func (s *Server) turn(w http.ResponseWriter, r *http.Request, call func(ctx context.Context, sender string, cfg convo.Config, sink func(string)) (convo.Message, error)) {
	sender := chi.URLParam(r, "sender")

	var req turnConfig
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
			return
		}
	}

	cfg, err := configFrom(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reply, err := call(r.Context(), sender, cfg, nil)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TurnResponse{ConversationID: sender, Message: reply})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	sender := chi.URLParam(r, "sender")

	cfg, err := configFrom(turnConfig{Adapter: r.URL.Query().Get("adapter")})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conv, err := s.svc.Resolve(r.Context(), sender, cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": sender,
		"messages":        conv.MessageChain(),
	})
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	sender := chi.URLParam(r, "sender")

	cleared, err := s.svc.Clear(r.Context(), sender, r.URL.Query().Get("adapter"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Cleared: cleared})
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	sender := chi.URLParam(r, "sender")

	if err := s.svc.ClearAll(r.Context(), sender); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func configFrom(req turnConfig) (convo.Config, error) {
	cfg := convo.Config{AdapterLabel: req.Adapter}
	if req.InjectMode != "" {
		mode, err := convo.ParseInjectMode(req.InjectMode)
		if err != nil {
			return convo.Config{}, err
		}
		cfg.InjectMode = mode
	}
	return cfg, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrConversationNotFound),
		errors.Is(err, adapter.ErrNoAdapter):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoTurnToRetry),
		errors.Is(err, adapter.ErrAmbiguousAdapter):
		return http.StatusConflict
	case errors.Is(err, session.ErrConversationCleared):
		return http.StatusGone
	case errors.Is(err, adapter.ErrRequestFailed),
		errors.Is(err, adapter.ErrInitFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: service.ErrorCode(err)})
}
