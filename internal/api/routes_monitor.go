package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/netgamedist/internal/distserv"
	"github.com/energizer-project/netgamedist/internal/util"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// queryInt reads an integer query parameter clamped to [1, max].
func queryInt(c *gin.Context, key string, def, max int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || v < 1 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// slotParam parses the :index path parameter.
func slotParam(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client index"})
		return 0, false
	}
	return index, true
}

// slotError writes the response for a failed slot operation.
func slotError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, distserv.ErrBadIndex):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, distserv.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) historyAvailable(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return false
	}
	return true
}

// handleGetSession returns the full session snapshot.
func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Snapshot())
}

// handleGetClients returns the active and disconnected client slots.
func (s *Server) handleGetClients(c *gin.Context) {
	snap := s.session.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"clients": snap.Clients,
		"total":   len(snap.Clients),
	})
}

// handleGetClient returns one slot and its recorded dist error.
func (s *Server) handleGetClient(c *gin.Context) {
	index, ok := slotParam(c)
	if !ok {
		return
	}
	view, err := s.session.Client(index)
	if err != nil {
		slotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"client": view,
		"error":  s.session.ExplainError(index),
	})
}

// handleGetStatus reads one four-letter status selector.
func (s *Server) handleGetStatus(c *gin.Context) {
	sel, ok := distserv.ParseStatusSel(c.Param("selector"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status selector"})
		return
	}

	index, _ := strconv.Atoi(c.DefaultQuery("index", "0"))
	value, valid, err := s.session.Status(sel, index)
	if err != nil {
		slotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"selector": sel.String(),
		"index":    index,
		"value":    value,
		"valid":    valid,
	})
}

// handleGetSummary returns the disconnect and desync monitor state.
func (s *Server) handleGetSummary(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": s.monitor.Summary(),
		"alerts":  s.monitor.CheckThresholds(),
	})
}

// handleGetSessions lists recorded sessions.
func (s *Server) handleGetSessions(c *gin.Context) {
	if !s.historyAvailable(c) {
		return
	}
	sessions, err := s.history.Sessions(queryInt(c, "limit", 20, maxListLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handleGetSamples returns stats samples of the last ?minutes.
func (s *Server) handleGetSamples(c *gin.Context) {
	if !s.historyAvailable(c) {
		return
	}
	minutes := queryInt(c, "minutes", 10, 24*60)
	since := time.Now().Add(-time.Duration(minutes) * time.Minute)

	samples, err := s.history.Samples(s.sessionID(c), since, queryInt(c, "limit", defaultListLimit, maxListLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

// handleGetClientEvents returns recent client joins and departures.
func (s *Server) handleGetClientEvents(c *gin.Context) {
	if !s.historyAvailable(c) {
		return
	}
	list, err := s.history.ClientEvents(s.sessionID(c), queryInt(c, "limit", defaultListLimit, maxListLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list})
}

// handleGetDesyncs returns recent failed CRC votes.
func (s *Server) handleGetDesyncs(c *gin.Context) {
	if !s.historyAvailable(c) {
		return
	}
	list, err := s.history.Desyncs(s.sessionID(c), queryInt(c, "limit", defaultListLimit, maxListLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"desyncs": list})
}

// handleGetAlerts returns unacknowledged alerts.
func (s *Server) handleGetAlerts(c *gin.Context) {
	if !s.historyAvailable(c) {
		return
	}
	alerts, err := s.history.GetUnacknowledgedAlerts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// sessionID is the ?session query parameter, defaulting to the live session.
func (s *Server) sessionID(c *gin.Context) string {
	return c.DefaultQuery("session", s.session.ID())
}

// handleGetSystem returns host and process load.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}

	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	if disk, err := util.GetDiskUsage("."); err == nil {
		resp["disk"] = disk
	}
	if proc, err := util.GetProcessUsage(); err == nil {
		resp["process"] = proc
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetLogs returns the most recent log lines kept in memory.
func (s *Server) handleGetLogs(c *gin.Context) {
	if s.logTail == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "log tail is disabled"})
		return
	}
	lines := s.logTail.Lines(queryInt(c, "count", defaultListLimit, maxListLimit))
	c.JSON(http.StatusOK, gin.H{
		"entries": lines,
		"count":   len(lines),
	})
}
