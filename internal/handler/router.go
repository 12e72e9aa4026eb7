package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Boswecw/rake/internal/middleware"
)

type RouterDeps struct {
	Ingest       *IngestHandler
	JWTSecret    []byte
	SubmitWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/healthz", deps.Ingest.Health)

	authGroup := api.Group("")
	authGroup.Use(middleware.TenantAuth(deps.JWTSecret))
	authGroup.POST("/ingest", middleware.RateLimit(deps.SubmitWindow), deps.Ingest.Submit)
	authGroup.GET("/jobs", deps.Ingest.List)
	authGroup.GET("/jobs/:id", deps.Ingest.Get)
	authGroup.POST("/jobs/:id/cancel", deps.Ingest.Cancel)
	authGroup.GET("/sources", deps.Ingest.Sources)
}
