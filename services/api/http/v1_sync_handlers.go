package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// handleV1StartSync starts a background sync run
// POST /api/v1/sync?project=3&dry_run=true
func (s *Server) handleV1StartSync(c *gin.Context) {
	dryRun := false
	if v := c.Query("dry_run"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dry_run parameter"})
			return
		}
		dryRun = parsed
	}

	project := c.Query("project")
	if project != "" && len(s.app.SelectDevices(project)) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no devices registered for project " + project})
		return
	}

	status, err := s.sync.Start(project, dryRun)
	if errors.Is(err, errSyncRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "data": status})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": status})
}

// handleV1SyncStatus reports progress of the current or last run
// GET /api/v1/sync/status
func (s *Server) handleV1SyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.sync.Status()})
}

// handleV1CancelSync cancels the running sync
// POST /api/v1/sync/cancel
func (s *Server) handleV1CancelSync(c *gin.Context) {
	if !s.sync.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "no sync run in progress"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": s.sync.Status()})
}
