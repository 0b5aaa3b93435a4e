// Package api implements the HTTP surface: chat with SSE streaming,
// tool listing, conversation history, and a WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/buildinfo"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/transcript"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	loop     *agent.Loop
	registry *tools.Registry
	store    memory.Store
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates an API server. bus may be nil, which disables the
// /v1/events feed.
func NewServer(address string, port int, loop *agent.Loop, registry *tools.Registry, store memory.Store, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		loop:     loop,
		registry: registry,
		store:    store,
		bus:      bus,
		logger:   logger,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/tools", s.handleTools)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
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
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// ChatRequest is the /v1/chat request body. Messages use the same part
// shape clients render, so a transcript round-trips unchanged; decision
// sentinels recorded by the client arrive through the last message.
type ChatRequest struct {
	ConversationID string               `json:"conversation_id,omitempty"`
	Messages       []transcript.Message `json:"messages"`
	Model          string               `json:"model,omitempty"`
	Stream         bool                 `json:"stream,omitempty"`
}

// ChatResponse is the non-streaming /v1/chat response body and the SSE
// done payload. The full transcript is not echoed back; clients fetch
// it from GET /v1/conversations/{id}.
type ChatResponse struct {
	ConversationID string             `json:"conversation_id"`
	Message        transcript.Message `json:"message"`
	Model          string             `json:"model"`
	FinishReason   string             `json:"finish_reason"`
	Outcomes       []outcomePayload   `json:"outcomes,omitempty"`
}

type outcomePayload struct {
	InvocationID string `json:"invocationId"`
	Result       string `json:"result"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "messages is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	agentReq := &agent.Request{
		ConversationID: convID,
		Messages:       req.Messages,
		Model:          req.Model,
	}

	if req.Stream {
		s.handleChatStream(w, r, convID, agentReq)
		return
	}

	resp, err := s.loop.Run(r.Context(), agentReq)
	if err != nil {
		s.logger.Error("agent request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
		return
	}

	out := ChatResponse{
		ConversationID: convID,
		Message:        resp.Message,
		Model:          resp.Model,
		FinishReason:   resp.FinishReason,
	}
	for _, o := range resp.Outcomes {
		out.Outcomes = append(out.Outcomes, outcomePayload{InvocationID: o.InvocationID, Result: o.Result})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// handleChatStream runs the agent with SSE output. Events:
//
//	token                 {"token": "..."}
//	done                  full ChatResponse
//
// Keepalive comments flow during tool execution so proxies don't cut
// the stream.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, convID string, agentReq *agent.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rc := http.NewResponseController(w)
	streamed := false

	agentReq.Stream = func(event llm.StreamEvent) {
		switch event.Kind {
		case llm.KindToken:
			streamed = true
			s.writeSSE(w, "token", map[string]string{"token": event.Token})
			flusher.Flush()
		case llm.KindToolCallStart:
			// Keepalive while tools run.
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}

		// Reset the write deadline so multi-iteration tool loops don't
		// trip the server WriteTimeout.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	resp, err := s.loop.Run(r.Context(), agentReq)
	if err != nil {
		s.logger.Error("agent request failed", "error", err)
		s.writeSSE(w, "error", map[string]string{"message": err.Error()})
		flusher.Flush()
		return
	}

	// If nothing streamed (e.g. the turn ended on a pending tool call),
	// emit the final content now.
	if !streamed && resp.Message.Content != "" {
		s.writeSSE(w, "token", map[string]string{"token": resp.Message.Content})
	}

	for _, o := range resp.Outcomes {
		s.writeSSE(w, "tool_outcome", outcomePayload{InvocationID: o.InvocationID, Result: o.Result})
	}

	if resp.FinishReason == agent.FinishConfirmationRequired {
		for _, p := range resp.Message.Parts {
			if p.IsToolInvocation() && p.ToolInvocation.State == transcript.StatePending {
				s.writeSSE(w, "confirmation_required", p.ToolInvocation)
			}
		}
	}

	s.writeSSE(w, "done", ChatResponse{
		ConversationID: convID,
		Message:        resp.Message,
		Model:          resp.Model,
		FinishReason:   resp.FinishReason,
	})
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE payload", "event", event, "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE payload", "event", event, "error", err)
	}
}

// toolInfo is the /v1/tools listing entry.
type toolInfo struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	descriptors := s.registry.Descriptors()
	list := make([]toolInfo, 0, len(descriptors))
	for _, d := range descriptors {
		list = append(list, toolInfo{
			Name:                 d.Name,
			Description:          d.Description,
			Parameters:           d.Parameters,
			RequiresConfirmation: d.RequiresConfirmation(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": list}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.Conversations()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list conversations: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": infos}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.store.Messages(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "load conversation: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"id": id, "messages": msgs}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Clear(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "clear conversation: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
