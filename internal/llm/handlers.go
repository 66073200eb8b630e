package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agrimater/internal/logging"
	"agrimater/internal/store"
	"agrimater/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ConversationStore is the persistence used by the chat handlers.
// *store.Store satisfies it.
type ConversationStore interface {
	Create(ctx context.Context, sessionID, userID string) (*store.Conversation, bool, error)
	AddMessage(ctx context.Context, sessionID string, msg store.Message) error
	RecentMessages(ctx context.Context, sessionID string, pairs int) ([]store.Message, error)
}

// ServerState holds the state for the chat endpoints
type ServerState struct {
	Service *Service
	// Conversations is optional; without it chat is stateless and the
	// conversation endpoints answer 503.
	Conversations ConversationStore
	Secret        string
	AuthDisabled  bool
	Logger        *zap.Logger
}

// NewLLMServerState creates a new chat server state
func NewLLMServerState(service *Service, conversations ConversationStore, logger *zap.Logger) *ServerState {
	logger = logging.OrNop(logger)
	cfg := service.GetConfig()
	return &ServerState{
		Service:       service,
		Conversations: conversations,
		Secret:        cfg.JWTSecret,
		AuthDisabled:  cfg.AuthDisabled,
		Logger:        logger,
	}
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Model     string `json:"model,omitempty"`
}

// ChatResponse is the answer of POST /api/chat.
type ChatResponse struct {
	Response  string `json:"response"`
	ModelUsed string `json:"modelUsed"`
	SessionID string `json:"sessionId,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

// ConversationParams is the body of POST /api/conversation.
type ConversationParams struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// validateToken extracts and validates the session token from a request
func (s *ServerState) validateToken(r *http.Request) (*SessionToken, error) {
	if s.AuthDisabled {
		return &SessionToken{UserID: "disabled-auth-user"}, nil
	}

	auth := r.Header.Get("Authorization")
	if auth == "" || len(auth) < 7 || auth[:7] != "Bearer " {
		return nil, errors.New("invalid or missing authorization header")
	}

	return ValidateSessionToken(auth[7:], s.Secret)
}

func (s *ServerState) requireToken(w http.ResponseWriter, r *http.Request) (*SessionToken, bool) {
	token, err := s.validateToken(r)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			w.Header().Set("X-Session-Token-Expired", "true")
			writeError(w, http.StatusUnauthorized, "token expired")
		} else {
			writeError(w, http.StatusUnauthorized, "unauthorized")
		}
		return nil, false
	}
	return token, true
}

// HandleChat answers a user message, falling back across models, and records
// the exchange when a session id is given.
func (s *ServerState) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}
	if s.Service.GetConfig().APIKey == "" {
		s.Logger.Error("Missing GROQ_API_KEY environment variable")
		writeError(w, http.StatusInternalServerError, "Server misconfiguration")
		return
	}

	log := s.Logger.With(zap.String("sessionId", req.SessionID))
	ctx := r.Context()

	opts := Options{Model: req.Model}
	if req.SessionID != "" && s.Conversations != nil {
		history, err := s.Conversations.RecentMessages(ctx, req.SessionID, s.Service.GetConfig().HistoryPairs)
		if err != nil {
			log.Warn("Failed to load conversation history", zap.Error(err))
		}
		for _, m := range history {
			opts.History = append(opts.History, Message{Role: m.Role, Content: m.Content})
		}
		log.Debug("Loaded conversation history", zap.Int("messages", len(opts.History)))
	}

	res, err := s.Service.ChatCompletionWithModelFallback(ctx, req.Message, req.SessionID, opts)
	if err != nil {
		log.Error("Chat completion failed", zap.Error(err))
		SetErrorResponseHeaders(w, err)
		writeJSON(w, StatusForError(err), map[string]string{
			"error":   "Failed to get AI response",
			"details": err.Error(),
		})
		return
	}

	if req.SessionID != "" && s.Conversations != nil {
		s.saveExchange(context.WithoutCancel(ctx), log, req, res)
	} else if req.SessionID == "" {
		log.Debug("No sessionId provided, conversation not saved")
	}

	log.Info("Chat answered",
		zap.String("model", res.ModelUsed),
		zap.String("preview", utils.Truncate(res.Response, 100)))
	writeJSON(w, http.StatusOK, ChatResponse{
		Response:  res.Response,
		ModelUsed: res.ModelUsed,
		SessionID: req.SessionID,
		Usage:     res.Usage,
	})
}

// saveExchange stores both sides of the exchange. Failures are logged only.
func (s *ServerState) saveExchange(ctx context.Context, log *zap.Logger, req ChatRequest, res *Result) {
	now := time.Now()
	for _, msg := range []store.Message{
		{Role: "user", Content: req.Message, Timestamp: now},
		{Role: "assistant", Content: res.Response, Timestamp: now},
	} {
		if err := s.Conversations.AddMessage(ctx, req.SessionID, msg); err != nil {
			log.Error("Failed to save conversation", zap.String("role", msg.Role), zap.Error(err))
			return
		}
	}
}

// HandleChatHealth pings the default model.
func (s *ServerState) HandleChatHealth(w http.ResponseWriter, r *http.Request) {
	res, err := s.Service.HealthCheck(r.Context())
	if err != nil {
		s.Logger.Error("Chat health check failed", zap.Error(err))
		status := StatusForError(err)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "model": res.Model, "sample": res.Sample})
}

// HandleCreateConversation creates the conversation for a session or returns
// the existing one.
func (s *ServerState) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}
	if s.Conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "Conversation service is temporarily unavailable")
		return
	}

	var params ConversationParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if params.SessionID == "" {
		writeError(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	if params.UserID == "" {
		params.UserID = token.UserID
	}

	conv, created, err := s.Conversations.Create(r.Context(), params.SessionID, params.UserID)
	if err != nil {
		s.Logger.Error("Conversation create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"conversation": conv})
}

// HandleGetConversation returns the recent messages of a session.
func (s *ServerState) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireToken(w, r); !ok {
		return
	}
	if s.Conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "Conversation service is temporarily unavailable")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.Conversations.RecentMessages(r.Context(), sessionID, limit)
	if err != nil {
		s.Logger.Error("Conversation lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// RegisterHandlers registers the chat handlers with a router. chatMiddleware
// wraps POST /api/chat only.
func (s *ServerState) RegisterHandlers(r chi.Router, chatMiddleware ...func(http.Handler) http.Handler) {
	r.With(chatMiddleware...).Post("/api/chat", s.HandleChat)
	r.Get("/api/chat/health", s.HandleChatHealth)
	r.Post("/api/conversation", s.HandleCreateConversation)
	r.Get("/api/conversation", s.HandleGetConversation)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
