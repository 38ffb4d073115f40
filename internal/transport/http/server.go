package http

import (
	"context"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/config"
	"github.com/vovakirdan/tutorlink-realtime/internal/core"
	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
	"github.com/vovakirdan/tutorlink-realtime/internal/service/messaging"
)

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Gateway   *core.Gateway
	Router    *core.Router
	Messaging *messaging.Service
	// Checks are run by /health, keyed by dependency name.
	Checks map[string]HealthCheck
}

// NewServer builds the HTTP server with WebSocket, REST and internal routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", healthHandler(deps.Checks))
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	engine.GET("/ws", gin.WrapH(NewWSHandler(deps.Gateway, deps.Messaging, cfg.Gateway, logger)))

	messages := NewMessageHandlers(deps.Messaging, logger)
	api := engine.Group("/api", LoggerMiddleware(logger), AuthMiddleware(deps.Gateway, logger))
	api.GET("/rooms/:roomID/messages", messages.ListMessages)
	api.DELETE("/rooms/:roomID/messages/:messageID", messages.DeleteMessage)

	if cfg.Server.InternalAPIKey != "" {
		internal := NewInternalHandlers(deps.Router, deps.Gateway, deps.Messaging, logger)
		group := engine.Group("/internal", LoggerMiddleware(logger), InternalKeyMiddleware(cfg.Server.InternalAPIKey))
		group.POST("/notifications", internal.Notify)
		group.POST("/rooms/:roomID/members", internal.AddMembers)
	} else {
		logger.Warn().Msg("server.internal_api_key is empty, /internal routes disabled")
	}

	return &stdhttp.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := stdhttp.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = stdhttp.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		state := "ok"
		if status != stdhttp.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}
