package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up the API routes
func SetupRoutes(handler *Handler) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(Recovery())
	router.Use(CORS())
	router.Use(gin.Logger())

	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", handler.GetStatus)
		v1.POST("/collect", handler.Collect)
		// Continuation events carry the same payload as collect
		v1.POST("/continue", handler.Collect)

		queue := v1.Group("/queue")
		{
			queue.POST("/init", handler.InitQueue)
			queue.POST("/projects", handler.AddProjects)
			queue.POST("/retry", handler.RetryFailed)
			queue.DELETE("", handler.ClearQueue)
		}
	}

	return router
}
