package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleV1Sync runs a download (when configured) and an ingestion pass
// POST /api/v1/sync
func (s *Server) handleV1Sync(c *gin.Context) {
	report, err := s.svc.Sync(c.Request.Context())
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": report,
		"meta": gin.H{
			"inserted": report.Ingest.Inserted,
			"rivers":   len(report.Ingest.Rivers),
		},
	})
}
