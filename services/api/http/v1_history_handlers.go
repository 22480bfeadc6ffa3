package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cplus-sensores/colector/internal/inventory"
	"github.com/cplus-sensores/colector/internal/journal"
	"github.com/cplus-sensores/colector/internal/models"
)

// handleV1ListRuns returns the most recent sync runs
// GET /api/v1/runs?limit=20
func (s *Server) handleV1ListRuns(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	runs, err := s.app.Journal.ListRuns(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": runs,
		"meta": gin.H{
			"count": len(runs),
			"limit": limit,
		},
	})
}

// handleV1GetRun returns one run with its device outcomes
// GET /api/v1/runs/:id
func (s *Server) handleV1GetRun(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	run, err := s.app.Journal.GetRun(ctx, c.Param("id"))
	if errors.Is(err, journal.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}

// handleV1Inventory scans the data layout
// GET /api/v1/inventory?project=3&content=false
func (s *Server) handleV1Inventory(c *gin.Context) {
	opts := inventory.Options{DateField: s.cfg.DateField}
	if v := c.Query("content"); v != "" {
		withContent, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid content parameter"})
			return
		}
		opts.SkipContent = !withContent
	}

	inv, err := inventory.Scan(s.cfg.DataDir, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if project := c.Query("project"); project != "" {
		filtered := inv.Projects[:0]
		for _, p := range inv.Projects {
			if p.ID == models.ProjectID(project) {
				filtered = append(filtered, p)
			}
		}
		inv.Projects = filtered
	}

	devices := 0
	for _, p := range inv.Projects {
		devices += len(p.Devices)
	}

	c.JSON(http.StatusOK, gin.H{
		"data": inv,
		"meta": gin.H{
			"projects": len(inv.Projects),
			"devices":  devices,
		},
	})
}
