package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/netgamedist/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": Version,
	})
}

// handleSessionInfo returns what a client needs before joining.
func (s *Server) handleSessionInfo(c *gin.Context) {
	network := s.cfg.GetNetwork()
	c.JSON(http.StatusOK, gin.H{
		"session_id":    s.session.ID(),
		"max_clients":   s.session.MaxClients(),
		"client_count":  s.session.ClientCount(),
		"fixed_rate_ms": s.session.FixedRate().Milliseconds(),
		"session_port":  network.SessionPort,
		"version":       Version,
	})
}
