package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/exam-importer/api/handlers"
	"github.com/feichai0017/exam-importer/api/middleware"
)

// SetupRoutes registers the import API on r.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, allowOrigins []string) {
	r.Use(middleware.CORS(allowOrigins))

	r.GET("/health", handlers.Health)

	v1 := r.Group("/api/v1")
	imports := v1.Group("/imports")
	{
		imports.POST("", h.Import.Submit)
		imports.GET("", h.Import.List)
		imports.GET("/:id", h.Import.Get)
		imports.POST("/:id/start", h.Import.Start)
		imports.POST("/:id/cancel", h.Import.Cancel)
		imports.DELETE("/:id", h.Import.Purge)
		imports.GET("/:id/result", h.Import.Result)
		imports.GET("/:id/review", h.Import.Review)
	}
}
