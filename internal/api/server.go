// Package api implements PAW's HTTP surface: an OpenAI-compatible
// chat endpoint extended with agent/conversation fields, webhook
// ingress, conversation and memory management, channel administration,
// and a live WebSocket event feed.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pawhq/paw/internal/buildinfo"
	"github.com/pawhq/paw/internal/channels"
	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/conversation"
	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/events"
	"github.com/pawhq/paw/internal/gateway"
	"github.com/pawhq/paw/internal/memory"
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
	cfg           *config.Config
	gw            *gateway.Gateway
	conversations *conversation.Manager
	memories      *memory.Store
	channels      *channels.Manager
	database      *db.DB
	bus           *events.Bus
	logger        *slog.Logger
	server        *http.Server
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, gw *gateway.Gateway, conversations *conversation.Manager,
	memories *memory.Store, channelMgr *channels.Manager, database *db.DB,
	bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		gw:            gw,
		conversations: conversations,
		memories:      memories,
		channels:      channelMgr,
		database:      database,
		bus:           bus,
		logger:        logger,
	}
}

// Routes builds the request mux. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.requireKey(s.handleChatCompletions))
	mux.HandleFunc("POST /v1/webhooks/inbound", s.handleInboundWebhook)

	mux.HandleFunc("GET /v1/conversations", s.requireKey(s.handleConversationList))
	mux.HandleFunc("GET /v1/conversations/{id}", s.requireKey(s.handleConversationGet))
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.requireKey(s.handleConversationDelete))

	mux.HandleFunc("GET /v1/memory", s.requireKey(s.handleMemoryList))
	mux.HandleFunc("GET /v1/memory/{key}", s.requireKey(s.handleMemoryGet))
	mux.HandleFunc("PUT /v1/memory", s.requireKey(s.handleMemorySet))
	mux.HandleFunc("DELETE /v1/memory/{key}", s.requireKey(s.handleMemoryDelete))

	mux.HandleFunc("GET /v1/channels/status", s.requireKey(s.handleChannelStatus))
	mux.HandleFunc("POST /v1/channels/telegram/pair-code", s.requireKey(s.handlePairCode))
	mux.HandleFunc("GET /v1/channels/{channel}/sessions/{session_key}/mode", s.requireKey(s.handleSessionModeGet))
	mux.HandleFunc("POST /v1/channels/{channel}/sessions/{session_key}/mode", s.requireKey(s.handleSessionModeSet))

	mux.HandleFunc("POST /v1/models/switch", s.requireKey(s.handleModelSwitch))
	mux.HandleFunc("GET /v1/events", s.requireKey(s.handleEventsFeed))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// closes.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Listen.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", addr, s.cfg.Listen.Port),
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Agent runs can take a while
	}

	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Listen.Port)
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

// requireKey enforces the X-API-Key header when an API key is
// configured. Missing key is 401, wrong key is 403.
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := s.cfg.APIKey
		if expected == "" {
			next(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if got == "" {
			s.logger.Warn("missing API key", "path", r.URL.Path)
			s.errorResponse(w, http.StatusUnauthorized, "Missing API key. Provide X-API-Key header.")
			return
		}
		if got != expected {
			s.logger.Warn("invalid API key", "path", r.URL.Path)
			s.errorResponse(w, http.StatusForbidden, "Invalid API key.")
			return
		}
		next(w, r)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"detail": detail}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "PAW",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	regular, _ := s.cfg.Models()
	writeJSON(w, map[string]any{
		"status":         "ok",
		"version":        buildinfo.Version,
		"uptime_seconds": buildinfo.Uptime().Seconds(),
		"model":          regular,
	}, s.logger)
}

// ChatCompletionRequest is the OpenAI-compatible request format
// extended with conversation and agent fields.
type ChatCompletionRequest struct {
	Model          string             `json:"model,omitempty"`
	Messages       []gateway.ChatInput `json:"messages"`
	Temperature    *float64           `json:"temperature,omitempty"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	AgentMode      *bool              `json:"agent_mode,omitempty"`
	SmartMode      bool               `json:"smart_mode,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	agentMode := true
	if req.AgentMode != nil {
		agentMode = *req.AgentMode
	}
	model := s.gw.ResolveModel(gateway.InboundEvent{Model: req.Model, SmartMode: req.SmartMode})

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.Must(uuid.NewV7()).String()
	}

	result, err := s.gw.HandleChatMessages(r.Context(), conversationID, req.Messages, gateway.ChatOptions{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		AgentMode:   agentMode,
	})
	if err != nil {
		s.logger.Error("chat completion failed", "conversation", conversationID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error")
		return
	}

	writeJSON(w, map[string]any{
		"id":              "paw-" + hex.EncodeToString(randomBytes(4)),
		"object":          "chat.completion",
		"created":         time.Now().Unix(),
		"model":           model,
		"conversation_id": result.ConversationID,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": result.Response},
				"finish_reason": result.FinishReason,
			},
		},
		"usage":           result.Usage,
		"tool_calls_made": result.ToolCallsMade,
	}, s.logger)
}

// InboundWebhookRequest is the webhook ingress payload.
type InboundWebhookRequest struct {
	EventType      string         `json:"event_type,omitempty"`
	Text           string         `json:"text"`
	Channel        string         `json:"channel,omitempty"`
	SessionKey     string         `json:"session_key,omitempty"`
	SenderID       string         `json:"sender_id,omitempty"`
	PeerID         string         `json:"peer_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Model          string         `json:"model,omitempty"`
	SmartMode      bool           `json:"smart_mode,omitempty"`
	AgentMode      *bool          `json:"agent_mode,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	OutputTarget   string         `json:"output_target,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

var webhookKinds = map[string]bool{
	gateway.KindUserMessage: true,
	gateway.KindHeartbeat:   true,
	gateway.KindCron:        true,
	gateway.KindHook:        true,
	gateway.KindWebhook:     true,
}

func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Webhooks.Enabled || !s.cfg.Webhooks.InboundEnabled {
		s.errorResponse(w, http.StatusNotFound, "Webhooks are disabled")
		return
	}
	expected := strings.TrimSpace(s.cfg.Webhooks.InboundSecret)
	if expected != "" && strings.TrimSpace(r.Header.Get("X-PAW-Webhook-Secret")) != expected {
		s.errorResponse(w, http.StatusUnauthorized, "Invalid webhook secret")
		return
	}

	var req InboundWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := strings.ToLower(strings.TrimSpace(req.EventType))
	if kind == "" {
		kind = gateway.KindWebhook
	}
	if !webhookKinds[kind] {
		s.errorResponse(w, http.StatusBadRequest, "Unsupported event_type")
		return
	}

	senderID := strings.TrimSpace(req.SenderID)
	if senderID == "" {
		senderID = "webhook"
	}
	sessionKey := strings.TrimSpace(req.SessionKey)
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("webhook:%s:%s", kind, senderID)
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = "webhook"
	}
	peerID := strings.TrimSpace(req.PeerID)
	if peerID == "" {
		peerID = "webhook"
	}
	agentMode := true
	if req.AgentMode != nil {
		agentMode = *req.AgentMode
	}

	result, err := s.gw.HandleEvent(r.Context(), gateway.InboundEvent{
		Kind:           kind,
		Channel:        channel,
		SessionKey:     sessionKey,
		SenderID:       senderID,
		PeerID:         peerID,
		Text:           req.Text,
		ConversationID: req.ConversationID,
		Model:          req.Model,
		SmartMode:      req.SmartMode,
		AgentMode:      agentMode,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		OutputTarget:   req.OutputTarget,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.logger.Error("inbound webhook failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "event handling error")
		return
	}

	writeJSON(w, map[string]any{
		"status":          "ok",
		"conversation_id": result.ConversationID,
		"model":           result.Model,
		"response":        result.Response,
		"usage":           result.Usage,
		"tool_calls_made": result.ToolCallsMade,
	}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.conversations.ListAll()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list conversations failed")
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"id":         row.ID,
			"title":      row.Title,
			"created_at": row.CreatedAt,
		})
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.conversations.Get(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "load conversation failed")
		return
	}
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	conv.Lock()
	messages := conv.Messages()
	conv.Unlock()

	writeJSON(w, map[string]any{
		"id":       conv.ID,
		"title":    conv.Title,
		"messages": messages,
	}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.conversations.Delete(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "delete conversation failed")
		return
	}
	status := "not_found"
	if deleted {
		status = "deleted"
	}
	writeJSON(w, map[string]string{"status": status, "id": id}, s.logger)
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	all, err := s.memories.All()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list memories failed")
		return
	}
	out := make([]map[string]string, 0, len(all))
	for k, v := range all {
		out = append(out, map[string]string{"key": k, "value": v})
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok, err := s.database.MemoryGet(key)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "get memory failed")
		return
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "memory not found")
		return
	}
	writeJSON(w, map[string]string{"key": key, "value": value}, s.logger)
}

func (s *Server) handleMemorySet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		s.errorResponse(w, http.StatusBadRequest, "key and value are required")
		return
	}
	if err := s.memories.Set(req.Key, req.Value); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "set memory failed")
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "key": req.Key}, s.logger)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	deleted, err := s.memories.Delete(key)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "delete memory failed")
		return
	}
	status := "not_found"
	if deleted {
		status = "deleted"
	}
	writeJSON(w, map[string]string{"status": status, "key": key}, s.logger)
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	var statuses []channels.Status
	if s.channels != nil {
		statuses = s.channels.Statuses()
	}
	writeJSON(w, map[string]any{
		"channels": statuses,
		"heartbeat": map[string]any{
			"enabled":          s.cfg.Heartbeat.Enabled,
			"interval_minutes": s.cfg.Heartbeat.IntervalMinutes,
			"checklist_path":   s.cfg.Heartbeat.ChecklistPath,
		},
	}, s.logger)
}

func (s *Server) handlePairCode(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Channels.Telegram
	if !cfg.PairingEnabled {
		s.errorResponse(w, http.StatusBadRequest, "Telegram pairing is disabled")
		return
	}
	ttl := cfg.PairingTTLMin
	if ttl <= 0 {
		ttl = 10
	}

	code := strings.ToUpper(hex.EncodeToString(randomBytes(3)))
	if err := s.database.PairingCodeAdd("telegram", code, time.Duration(ttl)*time.Minute); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "create pairing code failed")
		return
	}
	writeJSON(w, map[string]any{"code": code, "ttl_minutes": ttl}, s.logger)
}

func (s *Server) handleSessionModeGet(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	sessionKey := r.PathValue("session_key")
	mode, err := s.database.ChannelSessionModeGet(channel, sessionKey)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "get session mode failed")
		return
	}
	if mode == "" {
		mode = "regular"
	}
	writeJSON(w, map[string]string{"channel": channel, "session_key": sessionKey, "mode": mode}, s.logger)
}

func (s *Server) handleSessionModeSet(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	sessionKey := r.PathValue("session_key")

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode != "regular" && mode != "smart" {
		s.errorResponse(w, http.StatusBadRequest, "mode must be regular or smart")
		return
	}
	if err := s.database.ChannelSessionModeSet(channel, sessionKey, mode); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "set session mode failed")
		return
	}
	writeJSON(w, map[string]string{"channel": channel, "session_key": sessionKey, "mode": mode}, s.logger)
}

func (s *Server) handleModelSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model      string `json:"model,omitempty"`
		SmartModel string `json:"smart_model,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" && req.SmartModel == "" {
		s.errorResponse(w, http.StatusBadRequest, "model or smart_model is required")
		return
	}

	s.cfg.SetModels(req.Model, req.SmartModel)
	regular, smart := s.cfg.Models()
	s.logger.Info("models switched", "model", regular, "smart_model", smart)
	s.gw.EmitModelChanged(r.Context(), regular, smart)

	writeJSON(w, map[string]string{"status": "ok", "model": regular, "smart_model": smart}, s.logger)
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return buf
}
