package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cplus-sensores/colector/internal/inventory"
	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/registry"
)

// handleV1ListDevices returns the registered devices
// GET /api/v1/devices?project=3
func (s *Server) handleV1ListDevices(c *gin.Context) {
	devices := s.app.SelectDevices(c.Query("project"))

	c.JSON(http.StatusOK, gin.H{
		"data": devices,
		"meta": gin.H{
			"count": len(devices),
		},
	})
}

// handleV1GetDevice returns one device and the latest date folder on disk
// GET /api/v1/devices/:project/:code
func (s *Server) handleV1GetDevice(c *gin.Context) {
	key := deviceKeyParam(c)

	device, ok := s.app.Registry.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	meta := gin.H{}
	frontier, found, err := inventory.Frontier(s.cfg.DataDir, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if found {
		meta["frontier"] = frontier
	}

	c.JSON(http.StatusOK, gin.H{
		"data": device,
		"meta": meta,
	})
}

// handleV1CreateDevice registers a device
// POST /api/v1/devices
func (s *Server) handleV1CreateDevice(c *gin.Context) {
	var device models.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device payload: " + err.Error()})
		return
	}

	if err := s.app.Registry.Add(device); err != nil {
		writeRegistryError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": device})
}

// handleV1UpdateDevice replaces a device
// PUT /api/v1/devices/:project/:code
func (s *Server) handleV1UpdateDevice(c *gin.Context) {
	key := deviceKeyParam(c)

	var device models.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device payload: " + err.Error()})
		return
	}

	if err := s.app.Registry.Update(key, device); err != nil {
		writeRegistryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": device})
}

// handleV1DeleteDevice removes a device from the registry. Its data folders
// are left untouched.
// DELETE /api/v1/devices/:project/:code
func (s *Server) handleV1DeleteDevice(c *gin.Context) {
	if err := s.app.Registry.Remove(deviceKeyParam(c)); err != nil {
		writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func deviceKeyParam(c *gin.Context) models.DeviceKey {
	return models.DeviceKey{
		Project: models.ProjectID(c.Param("project")),
		Code:    c.Param("code"),
	}
}

func writeRegistryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidDevice):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrDuplicateDevice):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
