package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/Kawa-river-viewer/internal/analysis"
)

// handleV1Seasonal returns seasonal averages and yearly trends for a station
// GET /api/v1/rivers/:river/stations/:station/seasonal?years=3
func (s *Server) handleV1Seasonal(c *gin.Context) {
	river, station := c.Param("river"), c.Param("station")

	years := 0
	if y := c.Query("years"); y != "" {
		val, err := strconv.Atoi(y)
		if err != nil || val < 1 {
			writeError(c, fmt.Errorf("%w: got %q", analysis.ErrInvalidYears, y))
			return
		}
		years = val
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	result, err := s.svc.Seasonal(ctx, river, station, years)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": result,
		"meta": gin.H{
			"years": result.Years,
		},
	})
}
