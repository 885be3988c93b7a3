package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/socialmap-server/internal/config"
	"github.com/vovakirdan/socialmap-server/internal/core"
	"github.com/vovakirdan/socialmap-server/internal/health"
	"github.com/vovakirdan/socialmap-server/internal/store"
)

// NewServer builds the HTTP server with health, API, metrics and WebSocket routes.
// st may be nil when persistence is disabled.
func NewServer(hub *core.Hub, reporter *health.Reporter, st store.ActivityStore, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	healthHandlers := NewHealthHandlers(reporter, hub.Registry())
	activityHandlers := NewActivityHandlers(hub.Router(), st, logger)

	router.GET("/health", healthHandlers.Health)
	router.GET("/health/live", healthHandlers.Live)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/capacity", healthHandlers.Capacity)
		api.GET("/activities/:id", activityHandlers.Activity)
		api.GET("/activities/:id/presence", activityHandlers.Presence)
	}

	router.GET("/ws", gin.WrapH(NewWSHandler(hub, WSOptions{
		MaxMessageBytes: cfg.MaxMessageBytes,
		MessageRate:     cfg.MessageRate,
		MessageBurst:    cfg.MessageBurst,
	}, logger)))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
