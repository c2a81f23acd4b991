package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/executor"
	"github.com/kalambet/bizq/internal/intent"
	"github.com/kalambet/bizq/internal/pipeline"
	"github.com/kalambet/bizq/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultTurnLimit   = 20
	maxTurnLimit       = 500
)

// Asker answers one question within a conversation.
type Asker interface {
	Process(ctx context.Context, conv *conversation.Context, input string, ov pipeline.Overrides) pipeline.Answer
}

// HistorySource exposes the executor's recent queries.
type HistorySource interface {
	History() []executor.HistoryEntry
	Stats() executor.Stats
}

// TurnLog reads the persisted turn log.
type TurnLog interface {
	RecentTurns(limit int) ([]storage.Turn, error)
	SessionTurns(sessionID string, limit int) ([]storage.Turn, error)
}

// Deps holds what the HTTP API serves. History and Turns are optional.
type Deps struct {
	Pipeline Asker
	Sessions *conversation.Manager
	History  HistorySource
	Turns    TurnLog
	APIToken string
	Logger   *slog.Logger
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	SessionID     string `json:"session_id"`
	Question      string `json:"question"`
	Category      string `json:"category,omitempty"`
	NoCache       bool   `json:"no_cache,omitempty"`
	BusinessRules string `json:"business_rules,omitempty"`
	TimeoutMS     int    `json:"timeout_ms,omitempty"`
}

// Validate reports the first problem with the request.
func (r AskRequest) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return errors.New("question is required")
	}
	if r.Category != "" && !intent.IsCategory(r.Category) {
		return fmt.Errorf("unknown category %q", r.Category)
	}
	if r.TimeoutMS < 0 {
		return errors.New("timeout_ms must not be negative")
	}
	return nil
}

func (r AskRequest) overrides() pipeline.Overrides {
	return pipeline.Overrides{
		Category:      r.Category,
		NoCache:       r.NoCache,
		BusinessRules: r.BusinessRules,
		Timeout:       time.Duration(r.TimeoutMS) * time.Millisecond,
	}
}

// SessionView is the response of GET /v1/sessions/{id}.
type SessionView struct {
	ID      string                `json:"id"`
	Context conversation.Snapshot `json:"context"`
}

// HistoryView is the response of GET /v1/history.
type HistoryView struct {
	Entries []executor.HistoryEntry `json:"entries"`
	Stats   executor.Stats          `json:"stats"`
}

// NewHandler returns the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.APIToken))
		r.Post("/ask", handleAsk(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Get("/sessions/{id}/turns", handleSessionTurns(deps))
		r.Get("/history", handleHistory(deps))
		r.Get("/turns", handleRecentTurns(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := req.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		conv := deps.Sessions.Get(req.SessionID)
		ans := deps.Pipeline.Process(r.Context(), conv, req.Question, req.overrides())
		deps.Logger.Info("question answered",
			"request_id", middleware.GetReqID(r.Context()),
			"session_id", ans.SessionID,
			"category", ans.Category,
			"degraded", ans.Degraded,
			"duration_ms", ans.Duration.Milliseconds(),
		)
		writeJSON(w, http.StatusOK, ans)
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, ok := deps.Sessions.Peek(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "session %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, SessionView{ID: id, Context: snap})
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := deps.Sessions.Peek(id); !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "session %s not found", id)
			return
		}
		deps.Sessions.Delete(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSessionTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Turns == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "turn log not configured")
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		turns, err := deps.Turns.SessionTurns(chi.URLParam(r, "id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading turns: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(turns))
	}
}

func handleRecentTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Turns == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "turn log not configured")
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		turns, err := deps.Turns.RecentTurns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading turns: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(turns))
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "query history not configured")
			return
		}
		writeJSON(w, http.StatusOK, HistoryView{
			Entries: nonNil(deps.History.History()),
			Stats:   deps.History.Stats(),
		})
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultTurnLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return min(n, maxTurnLimit), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
