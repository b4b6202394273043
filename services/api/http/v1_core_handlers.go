package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

// handleV1ListRivers returns all distinct river names
// GET /api/v1/rivers
func (s *Server) handleV1ListRivers(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	rivers, err := s.svc.Rivers(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": rivers,
		"meta": gin.H{
			"count": len(rivers),
		},
	})
}

// handleV1ListStations returns the stations of one river
// GET /api/v1/rivers/:river/stations
func (s *Server) handleV1ListStations(c *gin.Context) {
	river := c.Param("river")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	stations, err := s.svc.Stations(ctx, river)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": stations,
		"meta": gin.H{
			"river": river,
			"count": len(stations),
		},
	})
}

// handleV1Series returns the daily series of a station
// GET /api/v1/rivers/:river/stations/:station/series?start=2024-01-01&end=2024-12-31
func (s *Server) handleV1Series(c *gin.Context) {
	river, station := c.Param("river"), c.Param("station")

	r, err := observation.ParseRange(c.Query("start"), c.Query("end"))
	if err != nil {
		writeError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	points, err := s.svc.Series(ctx, river, station, r)
	if err != nil {
		writeError(c, err)
		return
	}

	meta := gin.H{
		"river":   river,
		"station": station,
		"count":   len(points),
	}
	if r.Start != nil {
		meta["start"] = r.Start.String()
	}
	if r.End != nil {
		meta["end"] = r.End.String()
	}
	c.JSON(http.StatusOK, gin.H{"data": points, "meta": meta})
}
