// Package httpapi bridges the browser chat UI to the turn orchestrator:
// one chat endpoint, one health endpoint, and a turn-history endpoint backed
// by the local journal.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentgateway/internal/azureagent"
	"agentgateway/internal/storage"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Orchestrator executes one chat turn against the upstream agent service.
type Orchestrator interface {
	RunTurn(ctx context.Context, userMessage string) (azureagent.TurnResult, error)
}

// TokenSource is the credential probe used by the health endpoint.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TurnJournal is the storage contract for turn bookkeeping.
type TurnJournal interface {
	RecordTurn(ctx context.Context, params storage.RecordTurnParams) (storage.Turn, error)
	FinalizeTurn(ctx context.Context, params storage.FinalizeTurnParams) error
	ListRecentTurns(ctx context.Context, limit int) ([]storage.Turn, error)
}

// Config controls the HTTP front.
type Config struct {
	Orchestrator Orchestrator
	TokenSource  TokenSource
	// Journal is optional; when nil, turns are not journaled.
	Journal  TurnJournal
	Endpoint string
	AgentID  string
	Logger   *slog.Logger
}

// Server serves the gateway HTTP API.
type Server struct {
	orchestrator Orchestrator
	tokens       TokenSource
	journal      TurnJournal
	endpoint     string
	agentID      string
	logger       *slog.Logger
}

// New creates the API server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	return &Server{
		orchestrator: cfg.Orchestrator,
		tokens:       cfg.TokenSource,
		journal:      cfg.Journal,
		endpoint:     cfg.Endpoint,
		agentID:      cfg.AgentID,
		logger:       logger,
	}
}

// ServeHTTP handles all HTTP requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startedAt := time.Now()
	loggingWriter := newLoggingResponseWriter(w)
	s.serveHTTP(loggingWriter, r)
	s.logRequestCompletion(r, loggingWriter, startedAt)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/chat":
		s.handleChat(w, r)
	case "/api/health":
		s.handleHealth(w, r)
	case "/api/history":
		s.handleHistory(w, r)
	default:
		writeError(w, http.StatusNotFound, "endpoint not found")
	}
}

func (s *Server) logRequestCompletion(r *http.Request, w *loggingResponseWriter, startedAt time.Time) {
	s.logger.Info(
		"http.request.completed",
		"requestTime", startedAt.UTC().Format(time.RFC3339Nano),
		"method", r.Method,
		"path", r.URL.Path,
		"ip", requestClientIP(r),
		"statusCode", w.StatusCode(),
		"durationMs", time.Since(startedAt).Milliseconds(),
		"responseBytes", w.BytesWritten(),
	)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method is not allowed for this endpoint")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	turnID := newTurnID()
	s.logger.Info("chat.received", "turnId", turnID, "messageChars", len(req.Message))

	// The turn runs to completion even when the caller disconnects; its
	// outcome is journaled either way.
	turnCtx := context.WithoutCancel(r.Context())

	s.recordTurnBestEffort(turnCtx, turnID, req.Message)

	result, err := s.orchestrator.RunTurn(turnCtx, req.Message)
	if err != nil {
		s.logger.Error("chat.turn_failed",
			"turnId", turnID,
			"threadId", result.ThreadID,
			"runId", result.RunID,
			"error", err.Error(),
		)
		s.finalizeTurnBestEffort(turnCtx, turnID, result, "failed", err.Error())
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("chat.turn_completed",
		"turnId", turnID,
		"threadId", result.ThreadID,
		"runId", result.RunID,
		"polls", result.Polls,
	)
	s.finalizeTurnBestEffort(turnCtx, turnID, result, "completed", "")

	writeJSON(w, http.StatusOK, map[string]string{"reply": result.Reply})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method is not allowed for this endpoint")
		return
	}

	if _, err := s.tokens.Token(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "ERROR",
			"error":  err.Error(),
			"config": map[string]any{
				"endpoint": s.endpoint,
				"agentId":  s.agentID,
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "OK",
		"config": map[string]any{
			"endpoint": s.endpoint,
			"agentId":  s.agentID,
			"hasToken": true,
		},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method is not allowed for this endpoint")
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	limit := parseHistoryLimit(r)
	turns, err := s.journal.ListRecentTurns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list history: "+err.Error())
		return
	}

	items := make([]turnHistoryResponse, 0, len(turns))
	for _, turn := range turns {
		item := turnHistoryResponse{
			TurnID:       turn.TurnID,
			ThreadID:     turn.ThreadID,
			RunID:        turn.RunID,
			Message:      turn.Message,
			Reply:        turn.Reply,
			Status:       turn.Status,
			ErrorMessage: turn.ErrorMessage,
			CreatedAt:    turn.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if turn.CompletedAt != nil {
			completed := turn.CompletedAt.UTC().Format(time.RFC3339Nano)
			item.CompletedAt = &completed
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{"turns": items})
}

func (s *Server) recordTurnBestEffort(ctx context.Context, turnID, message string) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.RecordTurn(ctx, storage.RecordTurnParams{TurnID: turnID, Message: message}); err != nil {
		s.logger.Warn("journal.record_failed", "turnId", turnID, "error", err.Error())
	}
}

func (s *Server) finalizeTurnBestEffort(ctx context.Context, turnID string, result azureagent.TurnResult, status, errorMessage string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.FinalizeTurn(ctx, storage.FinalizeTurnParams{
		TurnID:       turnID,
		ThreadID:     result.ThreadID,
		RunID:        result.RunID,
		Reply:        result.Reply,
		Status:       status,
		ErrorMessage: errorMessage,
	}); err != nil {
		s.logger.Warn("journal.finalize_failed", "turnId", turnID, "error", err.Error())
	}
}

type turnHistoryResponse struct {
	TurnID       string  `json:"turnId"`
	ThreadID     string  `json:"threadId"`
	RunID        string  `json:"runId"`
	Message      string  `json:"message"`
	Reply        string  `json:"reply"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	CompletedAt  *string `json:"completedAt,omitempty"`
}

func parseHistoryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultHistoryLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func newTurnID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("tu_%d", time.Now().UTC().UnixNano())
	}
	return fmt.Sprintf("tu_%d_%s", time.Now().UTC().UnixNano(), hex.EncodeToString(buf))
}

func decodeJSONBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("extra JSON values are not allowed")
	}
	return nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{
		ResponseWriter: w,
		statusCode:     0,
		bytesWritten:   0,
	}
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *loggingResponseWriter) Write(body []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(body)
	w.bytesWritten += n
	return n, err
}

func (w *loggingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *loggingResponseWriter) BytesWritten() int {
	return w.bytesWritten
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestClientIP(r *http.Request) string {
	if r == nil {
		return "unknown"
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	remoteAddr := strings.TrimSpace(r.RemoteAddr)
	if remoteAddr == "" {
		return "unknown"
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
