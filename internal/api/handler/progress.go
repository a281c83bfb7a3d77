package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/api/middleware"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/service"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/statestore"
)

// LiveSource exposes the counters of a run in progress.
type LiveSource interface {
	Progress() service.LiveProgress
}

// ProgressHandler handles progress endpoints.
type ProgressHandler struct {
	progress *service.ProgressService
	live     LiveSource
}

// NewProgressHandler creates a new progress handler.
// Parameters:
//   - progress: persisted progress reader.
//   - live: counters of the current run; nil when only the store is served.
// Returns:
//   - *ProgressHandler: initialized handler.
func NewProgressHandler(progress *service.ProgressService, live LiveSource) *ProgressHandler {
	return &ProgressHandler{progress: progress, live: live}
}

// Live handles GET /api/v1/progress.
func (h *ProgressHandler) Live(c *gin.Context) {
	if h.live == nil {
		c.JSON(http.StatusOK, service.LiveProgress{})
		return
	}
	c.JSON(http.StatusOK, h.live.Progress())
}

// ListRepositories handles GET /api/v1/repositories.
func (h *ProgressHandler) ListRepositories(c *gin.Context) {
	repos, err := h.progress.Repositories(c.Request.Context())
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to load repository progress")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load progress: " + err.Error()})
		return
	}
	if repos == nil {
		repos = []service.RepositoryProgress{}
	}
	c.JSON(http.StatusOK, gin.H{
		"namespace":    h.progress.Namespace().String(),
		"repositories": repos,
		"total":        len(repos),
	})
}

// GetRepository handles GET /api/v1/repositories/:name.
func (h *ProgressHandler) GetRepository(c *gin.Context) {
	name := c.Param("name")
	repo, err := h.progress.Repository(c.Request.Context(), name)
	if errors.Is(err, statestore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Repository not found: " + name})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, repo)
}

// ListVersions handles GET /api/v1/repositories/:name/versions.
// Query parameters status and limit narrow the result.
func (h *ProgressHandler) ListVersions(c *gin.Context) {
	name := c.Param("name")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	status := domain.PublishStatus(c.Query("status"))

	versions, err := h.progress.Versions(c.Request.Context(), name, status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if versions == nil {
		versions = []*domain.PackageVersionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"repository": name,
		"versions":   versions,
		"total":      len(versions),
	})
}
