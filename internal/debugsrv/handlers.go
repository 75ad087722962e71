package debugsrv

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "agentpool",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStats handles GET /debug/pool.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.Stats())
}

// handleWorkers handles GET /debug/pool/workers.
// Query params:
//   - workspace: restrict the listing to one workspace key
func (s *Server) handleWorkers(c *gin.Context) {
	workers := s.pool.Workers()
	if ws := c.Query("workspace"); ws != "" {
		workers = s.pool.WorkersFor(ws)
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

// handleQueue handles GET /debug/pool/queue.
func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.QueueStats())
}
