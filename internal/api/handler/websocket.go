package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/pubsub"
	"github.com/qs3c/resume_pipeline/internal/pkg/response"
	"github.com/qs3c/resume_pipeline/internal/pkg/ws"
	"github.com/qs3c/resume_pipeline/internal/service"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: 校验 Origin 是否在 cors.allowed_origins 中
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type WebSocketHandler struct {
	hub        *ws.Hub
	jobService *service.JobService
}

func NewWebSocketHandler(hub *ws.Hub, jobService *service.JobService) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		jobService: jobService,
	}
}

// Handle 订阅单个任务的进度推送，连接后先推送一次当前状态
// GET /api/v1/jobs/:id/ws
func (h *WebSocketHandler) Handle(c *gin.Context) {
	jobID := c.Param("id")
	ctx := logger.WithJob(c.Request.Context(), jobID)

	snapshot, err := h.jobService.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			response.NotFoundError(c, "任务不存在")
			return
		}
		response.ServerError(c, "")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.CtxWarn(ctx, "failed to upgrade connection: %v", err)
		return
	}

	client := &ws.Client{
		JobID: jobID,
		Conn:  conn,
	}
	h.hub.Register(client)

	if err := client.Send(&ws.Message{Type: "job_snapshot", Data: snapshot}); err != nil {
		logger.CtxWarn(ctx, "failed to send snapshot: %v", err)
	}

	// 只读用于检测断开
	go func() {
		defer func() {
			h.hub.Unregister(client)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Forward 把 pubsub 事件推送给订阅该任务的连接
func (h *WebSocketHandler) Forward(ev *pubsub.JobEvent) {
	if !h.hub.IsWatched(ev.JobID) {
		return
	}
	if err := h.hub.SendToJob(ev.JobID, &ws.Message{Type: ev.Type, Data: ev}); err != nil {
		logger.Default().WithField(logger.FieldJobID, ev.JobID).WithError(err).Warn("failed to forward job event")
	}
}
