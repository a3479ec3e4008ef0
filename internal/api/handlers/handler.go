package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/tesnotify/internal/models"
	"github.com/langchou/tesnotify/internal/service"
	"github.com/langchou/tesnotify/internal/state"
	"github.com/langchou/tesnotify/pkg/ws"
)

// StatusProvider 提供轮询器状态
type StatusProvider interface {
	Status() *service.Status
	PipelineStatus(kind models.Kind) (*state.PipelineState, *int64, bool)
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	poller   StatusProvider
	wsHub    *ws.Hub
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, poller StatusProvider, wsHub *ws.Hub) *Handler {
	return &Handler{
		logger: logger.Named("http"),
		poller: poller,
		wsHub:  wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 只读状态推送，允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/status/:kind", h.GetPipelineStatus)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// GetStatus 获取轮询器状态
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.poller.Status()})
}

// GetPipelineStatus 获取单个事件类型的状态
func (h *Handler) GetPipelineStatus(c *gin.Context) {
	kind := models.Kind(c.Param("kind"))

	pipeline, lastReported, ok := h.poller.PipelineStatus(kind)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown event kind"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"pipeline":      pipeline,
			"last_reported": lastReported,
		},
	})
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"running":    h.poller.Status().Running,
		"ws_clients": h.wsHub.ClientCount(),
	})
}
