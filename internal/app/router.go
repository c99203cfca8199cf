package app

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"loanmvp.io/pipeline/internal/api/handlers"
	"loanmvp.io/pipeline/internal/api/middleware"
	"loanmvp.io/pipeline/internal/config"
	"loanmvp.io/pipeline/internal/pkg/logger"
)

// devOrigins are allowed when no origin is configured.
var devOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

func newRouter(cfg *config.Config, server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))

	router.GET("/log/level", gin.WrapH(logger.LevelHandler()))
	router.PUT("/log/level", gin.WrapH(logger.LevelHandler()))

	server.RegisterRoutes(router.Group("/api/v1"))
	return router
}

// buildCORSConfig never combines a wildcard origin with credentials: "*" is
// dropped unless server.unsafe_allow_all_origins is set, which in turn
// disables credentials.
func buildCORSConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AddAllowHeaders("Authorization", middleware.RequestIDHeader)
	corsCfg.AddExposeHeaders("Content-Length", middleware.RequestIDHeader)
	corsCfg.MaxAge = 12 * time.Hour

	if cfg.Server.UnsafeAllowAllOrigins {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
		corsCfg.AllowOrigins = nil
		return corsCfg
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, origin := range cfg.Server.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		origins = append(origins, devOrigins...)
	}
	corsCfg.AllowOrigins = origins
	corsCfg.AllowCredentials = cfg.Server.AllowCredentials
	return corsCfg
}
