// Package api serves replication progress over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/api/handler"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/api/middleware"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/config"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/service"
)

// SetupRouter configures the Gin router with all routes.
// Parameters:
//   - progress: persisted progress reader.
//   - live: counters of the current run, nil for the standalone server.
//   - cfg: server mode and CORS origins.
//   - log: base logger for request logging.
// Returns:
//   - *gin.Engine: router ready to serve.
func SetupRouter(
	progress *service.ProgressService,
	live handler.LiveSource,
	cfg config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	switch cfg.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins}))

	healthHandler := handler.NewHealthHandler(progress.Namespace())
	progressHandler := handler.NewProgressHandler(progress, live)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/progress", progressHandler.Live)
		v1.GET("/repositories", progressHandler.ListRepositories)
		v1.GET("/repositories/:name", progressHandler.GetRepository)
		v1.GET("/repositories/:name/versions", progressHandler.ListVersions)
	}

	return r
}
