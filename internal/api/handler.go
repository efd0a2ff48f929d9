// Package api provides HTTP handlers for the keysearch API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ashureev/keysearch/internal/identity"
	"github.com/ashureev/keysearch/internal/service"
	"github.com/go-chi/chi/v5"
)

// Service is the operation set the transport exposes.
type Service interface {
	GetHistoryCount(ctx context.Context, username string) service.Outcome
	GetHistory(ctx context.Context, sessionID string) service.Outcome
	CreateVisitor(ctx context.Context) service.Outcome
	AnswerQuery(ctx context.Context, sessionID, question string) service.Outcome
	DeleteHistory(ctx context.Context, sessionID string) service.Outcome
	Register(ctx context.Context, username, password string) service.Outcome
	Login(ctx context.Context, username, password string) service.Outcome
	NewConversation(ctx context.Context, username string) service.Outcome
}

// Handler serves the keysearch routes.
type Handler struct {
	svc     Service
	gate    *identity.Gate
	streams *StreamRegistry
	origins []string
	logger  *slog.Logger
}

// NewHandler creates a new Handler. origins are the allowed CORS origins and
// also bound WebSocket upgrades.
func NewHandler(svc Service, gate *identity.Gate, streams *StreamRegistry, origins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if streams == nil {
		streams = NewStreamRegistry(logger)
	}
	return &Handler{
		svc:     svc,
		gate:    gate,
		streams: streams,
		origins: origins,
		logger:  logger,
	}
}

// RegisterRoutes registers all query routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/historycount/{username}", h.HistoryCount)
	r.Get("/history/{sessionID}", h.History)
	r.Get("/visitor", h.Visitor)
	r.Get("/keywords/{sessionID}/{question}", h.Keywords)
	r.Get("/delete/{sessionID}", h.Delete)
	r.Get("/register/{username}/{password}", h.Register)
	r.Get("/login/{username}/{password}", h.Login)
	r.Get("/new/{username}", h.NewConversation)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", h.RegisterJSON)
		r.Post("/login", h.LoginJSON)
	})

	r.With(identity.Middleware(h.gate, h.reject)).Get("/ws/query/{sessionID}", h.QueryStream)
}

// HistoryCount handles GET /historycount/{username}.
func (h *Handler) HistoryCount(w http.ResponseWriter, r *http.Request) {
	username, ok := h.pathParam(w, r, "username")
	if !ok {
		return
	}
	WriteOutcome(w, h.svc.GetHistoryCount(r.Context(), username))
}

// History handles GET /history/{sessionID}.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.pathParam(w, r, identity.SessionParam)
	if !ok {
		return
	}
	WriteOutcome(w, h.svc.GetHistory(r.Context(), sessionID))
}

// Visitor handles GET /visitor.
func (h *Handler) Visitor(w http.ResponseWriter, r *http.Request) {
	WriteOutcome(w, h.svc.CreateVisitor(r.Context()))
}

// Keywords handles GET /keywords/{sessionID}/{question}.
func (h *Handler) Keywords(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.pathParam(w, r, identity.SessionParam)
	if !ok {
		return
	}
	question, ok := h.pathParam(w, r, "question")
	if !ok {
		return
	}
	WriteOutcome(w, h.svc.AnswerQuery(r.Context(), sessionID, question))
}

// Delete handles GET /delete/{sessionID}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.pathParam(w, r, identity.SessionParam)
	if !ok {
		return
	}
	WriteOutcome(w, h.svc.DeleteHistory(r.Context(), sessionID))
}

// Register handles GET /register/{username}/{password}.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	username, ok := h.pathParam(w, r, "username")
	if !ok {
		return
	}
	password, ok := h.pathParam(w, r, "password")
	if !ok {
		return
	}
	WriteOutcome(w, h.svc.Register(r.Context(), username, password))
}

// Login handles GET /login/{username}/{password}.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	username, ok := h.pathParam(w, r, "username")
	if !ok {
		return
	}
	password, ok := h.pathParam(w, r, "password")
	if !ok {
		return
	}
	WriteOutcome(w, h.svc.Login(r.Context(), username, password))
}

// NewConversation handles GET /new/{username}.
func (h *Handler) NewConversation(w http.ResponseWriter, r *http.Request) {
	username, ok := h.pathParam(w, r, "username")
	if !ok {
		return
	}
	WriteOutcome(w, h.svc.NewConversation(r.Context(), username))
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterJSON handles POST /api/register.
func (h *Handler) RegisterJSON(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !h.decodeBody(w, r, &req) {
		return
	}
	WriteOutcome(w, h.svc.Register(r.Context(), req.Username, req.Password))
}

// LoginJSON handles POST /api/login.
func (h *Handler) LoginJSON(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !h.decodeBody(w, r, &req) {
		return
	}
	WriteOutcome(w, h.svc.Login(r.Context(), req.Username, req.Password))
}

const maxBodyBytes = 1 << 16

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteOutcome(w, invalidInput("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// pathParam returns the decoded URL parameter. chi matches on the escaped
// path when one is present, so parameters may still carry percent-escapes.
func (h *Handler) pathParam(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	raw := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return raw, true
	}
	value, err := url.PathUnescape(raw)
	if err != nil {
		WriteOutcome(w, invalidInput("invalid path parameter "+key))
		return "", false
	}
	return value, true
}

func (h *Handler) reject(w http.ResponseWriter, _ *http.Request, err error) {
	out := service.ErrorOutcome("query failed", err)
	if out.Status == service.StatusInternal {
		h.logger.Error("Session check failed", "error", err)
	}
	WriteOutcome(w, out)
}

func invalidInput(reason string) service.Outcome {
	return service.Outcome{Status: service.StatusInvalid, Message: "invalid request", Reason: reason}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
