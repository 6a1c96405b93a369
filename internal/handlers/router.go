package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/config"
	"github.com/mossy-p/counsel-signaling/internal/middleware"
	"github.com/mossy-p/counsel-signaling/internal/signaling"
)

// NewRouter wires every route of the signaling server.
func NewRouter(cfg *config.Config, store *signaling.Store, logger *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(logger), middleware.Metrics())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.JWTAuth(cfg.JWTSecret)
	calls := NewCallHandler(store, logger)
	ice := NewICEHandler(cfg.ICE)
	ws := NewSignalingHandler(store, logger)

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(cfg.JWTSecret, cfg.IsProduction(), logger))
		api.GET("/ice-servers", auth, ice.Servers)

		call := api.Group("/calls/:sessionId", auth)
		call.POST("", calls.Create)
		call.GET("", calls.Get)
		call.DELETE("", calls.End)
		call.POST("/join", calls.Join)
		call.POST("/offer", calls.Offer)
		call.POST("/answer", calls.Answer)
		call.POST("/candidates", calls.Candidate)
		call.POST("/leave", calls.Leave)
	}

	router.GET("/ws/calls/:sessionId", auth, ws.Handle)

	return router
}
