package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/distserv"
)

type controlRequest struct {
	Selector string `json:"selector" binding:"required"`
	Value    int    `json:"value"`
}

// handleControl changes a live server parameter by four-letter selector.
func (s *Server) handleControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sel, ok := distserv.ParseControlSel(req.Selector)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown control selector"})
		return
	}
	if s.session.Control(sel, req.Value) != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value rejected"})
		return
	}

	log.Info().
		Str("selector", sel.String()).
		Int("value", req.Value).
		Str("client_ip", c.ClientIP()).
		Msg("server control changed via API")

	c.JSON(http.StatusOK, gin.H{
		"selector": sel.String(),
		"value":    req.Value,
	})
}

// handleDisconnectClient drops a client's transport and marks its slot
// disconnected.
func (s *Server) handleDisconnectClient(c *gin.Context) {
	index, ok := slotParam(c)
	if !ok {
		return
	}
	if err := s.session.Disconnect(index); err != nil {
		slotError(c, err)
		return
	}
	log.Info().Int("client", index).Str("client_ip", c.ClientIP()).Msg("client disconnected via API")
	c.JSON(http.StatusOK, gin.H{"index": index, "state": "disconnected"})
}

// handleRemoveClient frees a slot entirely.
func (s *Server) handleRemoveClient(c *gin.Context) {
	index, ok := slotParam(c)
	if !ok {
		return
	}
	if err := s.session.Remove(index); err != nil {
		slotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "state": "removed"})
}

// handleAckAlert acknowledges a stored alert.
func (s *Server) handleAckAlert(c *gin.Context) {
	if !s.historyAvailable(c) {
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	if err := s.history.AcknowledgeAlert(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "acknowledged": true})
}
