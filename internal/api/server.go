// Package api implements the HTTP and WebSocket surface: conversation
// CRUD, turn submission, live turn streams, and memory inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/plannerly/engram/internal/agent"
	"github.com/plannerly/engram/internal/buildinfo"
	"github.com/plannerly/engram/internal/conversation"
	"github.com/plannerly/engram/internal/lifecycle"
	"github.com/plannerly/engram/internal/memory"
	"github.com/plannerly/engram/internal/notify"
	"github.com/plannerly/engram/internal/stream"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	loop          *agent.Loop
	worker        *lifecycle.Worker
	broker        *stream.Broker
	notifier      *notify.Bus
	conversations *conversation.Store
	memories      *memory.Store
	logger        *slog.Logger
	server        *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, loop *agent.Loop, worker *lifecycle.Worker,
	broker *stream.Broker, notifier *notify.Bus, conversations *conversation.Store,
	memories *memory.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:       address,
		port:          port,
		loop:          loop,
		worker:        worker,
		broker:        broker,
		notifier:      notifier,
		conversations: conversations,
		memories:      memories,
		logger:        logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversations
	mux.HandleFunc("POST /v1/conversations", s.handleConversationCreate)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("POST /v1/conversations/{id}/rename", s.handleConversationRename)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)
	mux.HandleFunc("GET /v1/conversations/{id}/export", s.handleConversationExport)

	// Turn submission and live streams
	mux.HandleFunc("POST /v1/conversations/{id}/turns", s.handleTurnCreate)
	mux.HandleFunc("GET /v1/stream/{correlationId}", s.handleStream)
	mux.HandleFunc("GET /v1/notifications", s.handleNotifications)

	// Memory inspection
	mux.HandleFunc("GET /v1/memories", s.handleMemoryList)
	mux.HandleFunc("DELETE /v1/memories/{id}", s.handleMemoryDelete)
	mux.HandleFunc("GET /v1/memories/stats", s.handleMemoryStats)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket streams are long-lived
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{"message": message, "code": code},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Engram",
		"version": buildinfo.Version,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}
	conv, err := s.conversations.Create(r.Context(), req.UserID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}
	convs, err := s.conversations.ListActive(r.Context(), userID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"conversations": convs}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	turns, err := s.conversations.Turns(r.Context(), conv.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"conversation": conv, "turns": turns}, s.logger)
}

func (s *Server) handleConversationRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}
	conv, err := s.conversations.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.conversations.Rename(r.Context(), conv.ID, req.Title); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.notifier.Publish(conv.UserID, notify.KindConversationUpdated,
		map[string]any{"conversation_id": conv.ID, "title": req.Title})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		// Idempotent: deleting a missing or already-deleted
		// conversation succeeds.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.conversations.SoftDelete(r.Context(), conv.ID); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.notifier.Publish(conv.UserID, notify.KindConversationUpdated,
		map[string]any{"conversation_id": conv.ID, "deleted": true})
	w.WriteHeader(http.StatusNoContent)
}

// handleTurnCreate persists the user's utterance, kicks the completion
// loop off in the background, and enqueues the extraction job. The
// response carries the correlation id the client uses to attach to the
// live stream.
func (s *Server) handleTurnCreate(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	var req struct {
		UserID  string `json:"user_id"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id and content are required")
		return
	}

	conv, err := s.conversations.Get(r.Context(), conversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conv.UserID != req.UserID {
		s.errorResponse(w, http.StatusForbidden, "conversation belongs to another user")
		return
	}

	// An empty content submission on a fresh conversation is the
	// initiation request: the assistant opens. Otherwise persist the
	// user's turn first so the loop replays it in order.
	var turn *conversation.Turn
	if req.Content != "" {
		turn, err = s.conversations.AppendTurn(r.Context(), &conversation.Turn{
			ConversationID: conversationID,
			AuthorID:       req.UserID,
			Role:           conversation.RoleUser,
			Content:        req.Content,
		})
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	corrID, err := uuid.NewV7()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	correlationID := corrID.String()

	// The channel exists before the loop starts so a subscriber that
	// connects immediately never misses the first delta.
	ch := s.broker.Channel(correlationID)
	go func() {
		_, err := s.loop.Run(context.Background(), agent.Request{
			ConversationID: conversationID,
			CorrelationID:  correlationID,
			UserID:         req.UserID,
		}, ch)
		if err != nil {
			s.logger.Error("completion loop failed",
				"conversation_id", conversationID,
				"correlation_id", correlationID,
				"error", err,
			)
		}
	}()

	if req.Content != "" {
		s.worker.Enqueue(lifecycle.Job{
			UserID:         req.UserID,
			ConversationID: conversationID,
		})
	}

	resp := map[string]any{"correlation_id": correlationID}
	if turn != nil {
		resp["turn_id"] = turn.ID
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}
	var (
		memories []*memory.Memory
		err      error
	)
	if r.URL.Query().Get("include") == "all" {
		memories, err = s.memories.All(r.Context(), userID)
	} else {
		memories, err = s.memories.FindActive(r.Context(), userID)
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"memories": memories}, s.logger)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.memories.SoftDelete(r.Context(), []string{r.PathValue("id")}); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.memories.Stats(r.Context()), s.logger)
}
