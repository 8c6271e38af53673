package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatweave/internal/domain/chat"
	applog "chatweave/internal/platform/log"
)

// TurnService 对话服务契约，测试中用 fake 替换。
type TurnService interface {
	HandleTurn(ctx context.Context, userID, conversationID, userText, systemPrompt string) (*chat.TurnResult, error)
	ListConversations(ctx context.Context, userID string) ([]*chat.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID string) ([]chat.Message, error)
}

// ChatHandler 对话 API 处理器
type ChatHandler struct {
	svc         TurnService
	turnTimeout time.Duration
}

// NewChatHandler 创建处理器
func NewChatHandler(svc TurnService, turnTimeout time.Duration) *ChatHandler {
	if turnTimeout <= 0 {
		turnTimeout = time.Minute
	}
	return &ChatHandler{svc: svc, turnTimeout: turnTimeout}
}

// RegisterRoutes 注册路由
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/chat/turn", h.HandleTurn)
	r.Get("/api/v1/conversations", h.ListConversations)
	r.Get("/api/v1/conversations/{id}/messages", h.ListMessages)
}

// HandleTurn 处理一轮对话
func (h *ChatHandler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())

	var req struct {
		ConversationID string `json:"conversation_id"`
		Message        string `json:"message"`
		SystemPrompt   string `json:"system_prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	// 超时即本轮作废：不会有半条消息落库
	ctx, cancel := context.WithTimeout(r.Context(), h.turnTimeout)
	defer cancel()

	result, err := h.svc.HandleTurn(ctx, userID, req.ConversationID, req.Message, req.SystemPrompt)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyUserText) {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		applog.Error("[API/Chat] ❌ Turn failed",
			"user_id", userID,
			"conversation_id", req.ConversationID,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "completion failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListConversations 返回当前用户的会话列表
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())

	convs, err := h.svc.ListConversations(r.Context(), userID)
	if err != nil {
		applog.Error("[API/Chat] Failed to list conversations", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// ListMessages 返回会话的完整消息历史
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())
	conversationID := chi.URLParam(r, "id")

	msgs, err := h.svc.ListMessages(r.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		applog.Error("[API/Chat] Failed to list messages",
			"user_id", userID,
			"conversation_id", conversationID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
