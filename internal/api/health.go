package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleHealth reports liveness plus the state of the background workers so
// operators can see stalled consumers or a backed-up outbox at a glance.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.consumer != nil {
		resp["command_consumer"] = s.consumer.Status()
	}
	if s.relay != nil {
		resp["outbox_relay"] = s.relay.Status()
	}
	if s.monitor != nil {
		resp["lifecycle_monitor"] = s.monitor.Status()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReadiness(c *gin.Context) {
	c.Status(http.StatusOK)
}
