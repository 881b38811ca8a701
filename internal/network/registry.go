// Package network implements the session TCP listener, the client dialer
// and the UDP discovery responder.
package network

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/link"
)

// ConnectionRegistry tracks the live connection of each client slot.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[int]*link.Conn // slot -> connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[int]*link.Conn),
	}
}

// Register adds a connection to the registry.
func (r *ConnectionRegistry) Register(slot int, conn *link.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if any
	if existing, ok := r.conns[slot]; ok && existing != conn {
		existing.Close()
	}

	r.conns[slot] = conn
	log.Debug().Int("slot", slot).Msg("connection registered")
}

// Unregister removes conn from the registry if it still owns slot.
func (r *ConnectionRegistry) Unregister(slot int, conn *link.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[slot]; ok && existing == conn {
		delete(r.conns, slot)
		log.Debug().Int("slot", slot).Msg("connection unregistered")
	}
}

// Get returns the connection for a specific slot.
func (r *ConnectionRegistry) Get(slot int) (*link.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[slot]
	return conn, ok
}

// GetAll returns all active connections.
func (r *ConnectionRegistry) GetAll() map[int]*link.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[int]*link.Conn, len(r.conns))
	for k, v := range r.conns {
		result[k] = v
	}
	return result
}

// Count returns the number of active connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes all connections in the registry.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for slot, conn := range r.conns {
		conn.Close()
		delete(r.conns, slot)
	}

	log.Info().Msg("all connections closed")
}

// CleanStale closes connections that have been inactive for longer than
// timeout. Their readers then release the slots.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-timeout)

	for slot, conn := range r.conns {
		if last := conn.LastActivity(); last.Before(cutoff) {
			conn.Close()
			delete(r.conns, slot)
			cleaned++
			log.Warn().
				Int("slot", slot).
				Time("last_activity", last).
				Msg("cleaned stale connection")
		}
	}

	return cleaned
}
