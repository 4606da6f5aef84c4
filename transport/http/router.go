package http

import (
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/layer-3/credkeeper/service"
)

// SetupRouter sets up the Gin router for the control API
func SetupRouter(authService *service.AuthService, controlKey string, gatherer prometheus.Gatherer, log logr.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log.WithName("http")))

	// Create handlers
	handlers := NewAuthHandlers(authService)

	router.GET("/healthz", handlers.Health)

	// Everything else requires the control key
	api := router.Group("/")
	api.Use(ControlKeyMiddleware(controlKey))
	{
		api.POST("/session", handlers.SignIn)
		api.GET("/session", handlers.Status)
		api.DELETE("/session", handlers.SignOut)
		api.GET("/session/token", handlers.Token)
		api.POST("/session/refresh", handlers.Refresh)

		api.POST("/lifecycle/:state", handlers.Lifecycle)

		api.GET("/security/events", handlers.Events)
		api.POST("/security/force-logout", handlers.ForceLogout)

		api.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
