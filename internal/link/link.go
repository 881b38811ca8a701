// Package link defines the transport collaborator used by the input
// distribution layer, plus in-memory and stream-backed implementations.
package link

import (
	"sync"
	"time"

	"github.com/energizer-project/netgamedist/internal/protocol"
)

// Packet is one transport record.
type Packet struct {
	Kind protocol.Kind
	Data []byte
	When uint32 // receive tick
}

// Stats summarizes the state of a link.
type Stats struct {
	Late         int    // one-way latency estimate in ms
	Ping         int    // smoothed round-trip time in ms
	OutBps       int    // bytes per second sent over the last window
	OutPps       int    // packets per second sent over the last window
	NakSent      int    // cumulative retransmit requests sent
	PacketsLost  int    // cumulative packets lost
	SendQueueLen int    // packets waiting to be written
	Tick         uint32 // tick the stats were taken at
}

// Link is a non-blocking, ordered packet transport.
//
// Send returns >0 when the packet was queued, 0 when the link would block
// and <0 on a connection-fatal error. Peek returns the first queued packet
// whose kind bit is set in mask without consuming it; Recv consumes it.
type Link interface {
	Send(p Packet) int
	Peek(mask uint64) (Packet, bool)
	Recv(mask uint64) (Packet, bool)
	Stat() Stats
}

// Clock supplies the millisecond tick shared by a session.
type Clock interface {
	Now() uint32
}

// SystemClock ticks in wall-clock milliseconds since creation. It never
// returns 0, which callers use to mean "not yet set".
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a clock starting at 1.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now returns the current tick.
func (c *SystemClock) Now() uint32 {
	return uint32(time.Since(c.start).Milliseconds()) + 1
}

// ManualClock is a clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now uint32
}

// NewManualClock creates a clock reading start.
func NewManualClock(start uint32) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current tick.
func (c *ManualClock) Now() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t uint32) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by ms.
func (c *ManualClock) Advance(ms uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}

// matches reports whether p's kind is selected by mask.
func matches(p Packet, mask uint64) bool {
	return mask&p.Kind.Mask() != 0
}
