package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"example.com/monosecom/services/telemetry/internal/core"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, services *core.ServiceRegistry, logger *logrus.Logger) {
	authService := services.Auth

	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler())
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	v1.Use(RateLimiter(600))

	// Inbound telemetry (gateway-facing, no token)
	v1.POST("/gateway/uplink", handlers.IngestUplink)
	v1.POST("/sigfox/callback", handlers.SigfoxCallback)

	// Authenticated API endpoints
	authAPI := v1.Group("")
	authAPI.Use(TokenAuthentication(authService))
	{
		devices := authAPI.Group("/devices")
		devices.Use(RequireScope(authService, "devices:read"))
		{
			devices.GET("", handlers.ListDevices)
			devices.GET("/:id", handlers.GetDevice)
			devices.GET("/:id/state", handlers.GetDeviceState)
			devices.GET("/:id/history", handlers.GetDeviceHistory)

			devices.POST("", RequireScope(authService, "devices:write"), handlers.RegisterDevice)
			devices.PATCH("/:id", RequireScope(authService, "devices:write"), handlers.UpdateDevice)
			devices.POST("/:id/control", RequireScope(authService, "control:write"), handlers.ExecuteControl)
		}

		controls := authAPI.Group("/controls")
		controls.Use(RequireScope(authService, "devices:read"))
		{
			controls.GET("/:key", handlers.GetControl)
		}

		admin := authAPI.Group("/admin")
		admin.Use(RequireScope(authService, "admin"))
		{
			admin.GET("/strays", handlers.ListStrays)
			admin.GET("/stats", handlers.GetSystemStats)
		}
	}
}
