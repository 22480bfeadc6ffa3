package http

// registerV1Routes sets up the v1 API.
// Groups: /api/v1/devices, /api/v1/sync, /api/v1/runs, /api/v1/inventory
func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())

	// Device registry
	devices := v1.Group("/devices")
	{
		devices.GET("", s.handleV1ListDevices)
		devices.POST("", s.handleV1CreateDevice)
		devices.GET("/:project/:code", s.handleV1GetDevice)
		devices.PUT("/:project/:code", s.handleV1UpdateDevice)
		devices.DELETE("/:project/:code", s.handleV1DeleteDevice)
	}

	// Background sync runs
	sync := v1.Group("/sync")
	{
		sync.POST("", s.handleV1StartSync)
		sync.GET("/status", s.handleV1SyncStatus)
		sync.POST("/cancel", s.handleV1CancelSync)
	}

	// Run history
	runs := v1.Group("/runs")
	{
		runs.GET("", s.handleV1ListRuns)
		runs.GET("/:id", s.handleV1GetRun)
	}

	v1.GET("/inventory", s.handleV1Inventory)
}
