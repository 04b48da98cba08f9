package relay

import (
	"net/http"

	"github.com/dkeye/meshvoice/internal/observe"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// SetupRouter serves the relay endpoints. mode is a gin mode.
func SetupRouter(mode string, s *Server) *gin.Engine {
	if mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(observe.Middleware(s.metrics))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.rooms.List())
	})
	r.GET("/ws/projects/:projectId/voice", s.HandleVoice)

	log.Info().Str("module", "relay.http").Str("mode", mode).Msg("router setup")
	return r
}
