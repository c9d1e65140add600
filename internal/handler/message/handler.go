package message

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/soundwave/backend/internal/handler/auth"
	"github.com/zhouzirui/soundwave/backend/internal/model/chat"
	"github.com/zhouzirui/soundwave/backend/internal/service/relay"
	"github.com/zhouzirui/soundwave/backend/pkg/utils"
)

// Sender 发送并持久化消息，由 relay.Relay 实现。
type Sender interface {
	SendMessage(ctx context.Context, senderID, receiverID, content string) (chat.Message, error)
}

// History 查询两人之间的历史消息。
type History interface {
	Conversation(ctx context.Context, userA, userB string) ([]chat.Message, error)
}

// Handler 聊天消息的HTTP处理器
type Handler struct {
	sender  Sender
	history History
	logger  *zap.Logger
}

// New 创建消息处理器
func New(sender Sender, history History, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sender:  sender,
		history: history,
		logger:  logger.Named("message"),
	}
}

// RegisterRoutes 注册消息相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSendMessage)
	r.Get("/users/messages/{userID}", h.handleConversation)
}

// handleSendMessage 保存消息并尝试实时推送给接收方
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	senderID, ok := auth.UserID(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, auth.ErrMissingIdentity.Error())
		return
	}

	var payload struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	message, err := h.sender.SendMessage(r.Context(), senderID, payload.ReceiverID, payload.Content)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusCreated, message)
	case errors.Is(err, relay.ErrInvalidMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("send message failed", zap.String("sender", senderID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to store message")
	}
}

// handleConversation 返回当前用户与指定用户的对话，按时间升序
func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	me, ok := auth.UserID(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, auth.ErrMissingIdentity.Error())
		return
	}

	other := strings.TrimSpace(chi.URLParam(r, "userID"))
	if other == "" {
		utils.RespondError(w, http.StatusBadRequest, "userID is required")
		return
	}

	messages, err := h.history.Conversation(r.Context(), me, other)
	if err != nil {
		h.logger.Error("load conversation failed", zap.String("user", me), zap.String("peer", other), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	utils.RespondJSON(w, http.StatusOK, messages)
}
