package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/api/handler"
	"github.com/qs3c/resume_pipeline/internal/api/middleware"
)

type Router struct {
	jobHandler       *handler.JobHandler
	websocketHandler *handler.WebSocketHandler
	uploadHandler    *handler.UploadHandler
	cfg              *config.Config
}

// NewRouter 组装路由。uploadHandler 仅在本地存储时非 nil
func NewRouter(
	jobHandler *handler.JobHandler,
	websocketHandler *handler.WebSocketHandler,
	uploadHandler *handler.UploadHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		jobHandler:       jobHandler,
		websocketHandler: websocketHandler,
		uploadHandler:    uploadHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", r.jobHandler.Create)
			jobs.GET("/:id", r.jobHandler.Get)
			jobs.POST("/:id/submit", r.jobHandler.Submit)
			if r.websocketHandler != nil {
				jobs.GET("/:id/ws", r.websocketHandler.Handle)
			}
		}

		// 本地存储直传
		if r.uploadHandler != nil {
			api.PUT("/uploads/*key", r.uploadHandler.Put)
		}
	}

	return engine
}
