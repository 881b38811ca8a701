package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/db"
	"github.com/energizer-project/netgamedist/internal/events"
)

// handleGetConfig returns the current configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session":          s.cfg.GetSession(),
		"network":          s.cfg.GetNetwork(),
		"application_data": s.cfg.GetApplicationData(),
	})
}

// restartFields only take effect in a new session.
var restartFields = map[string]bool{
	"max_clients":       true,
	"buffer_size":       true,
	"stats_interval_ms": true,
	"input_rate_ms":     true,
}

// handleSetSession updates session fields, validates and saves them.
// Fields in restartFields take effect on restart.
func (s *Server) handleSetSession(c *gin.Context) {
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	candidate := &config.Config{
		Session:         s.cfg.GetSession(),
		Network:         s.cfg.GetNetwork(),
		ApplicationData: s.cfg.GetApplicationData(),
	}
	for key, value := range updates {
		if err := candidate.UpdateSessionField(key, value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if result := config.Validate(candidate); !result.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"errors": result.Errors,
		})
		return
	}

	s.cfg.SetSession(candidate.Session)
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.session.ApplyConfig(candidate.Session)

	applied := []string{}
	restart := []string{}
	for key, value := range updates {
		if restartFields[key] {
			restart = append(restart, key)
			continue
		}
		applied = append(applied, key)
		s.bus.Emit(context.Background(), events.Event{
			Type:    events.EventConfigChanged,
			Source:  "api",
			Payload: events.ConfigChangedPayload{Section: "session", Key: key, Value: value},
		})
	}

	log.Info().
		Strs("applied", applied).
		Strs("restart_required", restart).
		Msg("session configuration updated via API")

	c.JSON(http.StatusOK, gin.H{
		"session":          candidate.Session,
		"applied":          applied,
		"restart_required": restart,
	})
}

func (s *Server) accessAvailable(c *gin.Context) bool {
	if s.access == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token store unavailable"})
		return false
	}
	return true
}

// handleGetRoles lists roles with their permissions.
func (s *Server) handleGetRoles(c *gin.Context) {
	if !s.accessAvailable(c) {
		return
	}
	roles, err := s.access.GetAllRoles()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles})
}

// handleGetTokens lists issued tokens without secrets.
func (s *Server) handleGetTokens(c *gin.Context) {
	if !s.accessAvailable(c) {
		return
	}
	tokens, err := s.access.ListTokens()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

type tokenRequest struct {
	Name string `json:"name" binding:"required"`
	Role string `json:"role" binding:"required"`
}

// handleCreateToken issues a token. The plaintext is only returned here.
func (s *Server) handleCreateToken(c *gin.Context) {
	if !s.accessAvailable(c) {
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.access.CreateToken(req.Name, req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"name":  req.Name,
		"role":  req.Role,
		"token": token,
	})
}

// handleRevokeToken deletes a token by name.
func (s *Server) handleRevokeToken(c *gin.Context) {
	if !s.accessAvailable(c) {
		return
	}
	name := c.Param("name")
	if err := s.access.RevokeToken(name); err != nil {
		if errors.Is(err, db.ErrTokenNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "revoked": true})
}
