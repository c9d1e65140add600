package presence

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	presenceService "github.com/zhouzirui/soundwave/backend/internal/service/presence"
	"github.com/zhouzirui/soundwave/backend/pkg/utils"
)

// Handler 在线状态查询
type Handler struct {
	registry *presenceService.Registry
}

// New 创建在线状态处理器
func New(registry *presenceService.Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes 注册在线状态路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/presence/online", h.handleOnline)
}

type onlineResponse struct {
	Count      int               `json:"count"`
	Users      []string          `json:"users"`
	Activities map[string]string `json:"activities"`
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	users := h.registry.Snapshot()
	utils.RespondJSON(w, http.StatusOK, onlineResponse{
		Count:      len(users),
		Users:      users,
		Activities: h.registry.Activities(),
	})
}
