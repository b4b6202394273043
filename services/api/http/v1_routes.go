package http

// registerV1Routes sets up the v1 API.
// Groups: /api/v1/rivers (catalog, series, analysis), /api/v1/sync
func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())
	if s.cfg.BearerToken != "" {
		v1.Use(bearerAuthMiddleware(s.cfg.BearerToken))
	}

	rivers := v1.Group("/rivers")
	{
		rivers.GET("", s.handleV1ListRivers)
		rivers.GET("/:river/stations", s.handleV1ListStations)
		rivers.GET("/:river/stations/:station/series", s.handleV1Series)
		rivers.GET("/:river/stations/:station/seasonal", s.handleV1Seasonal)
	}

	v1.POST("/sync", s.handleV1Sync)
}
