package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/protocol"
)

const (
	// PingInterval is how often a Conn probes round-trip time.
	PingInterval = time.Second

	// WriteTimeout bounds a single frame write.
	WriteTimeout = 10 * time.Second

	// DefaultInboxSize bounds the received packets a Conn holds for the
	// consumer. A peer that overruns it fails the connection.
	DefaultInboxSize = 1024

	// DefaultOutboxSize bounds the packets waiting for the writer. Send
	// reports would-block once it is full.
	DefaultOutboxSize = 256
)

// ErrInboxOverflow is reported when the peer outruns the local consumer.
var ErrInboxOverflow = errors.New("receive queue overflow")

// Conn adapts a stream connection to the Link interface. Frames are read
// by Run into an inbox; Send queues packets on an outbox that Run's writer
// drains one frame at a time.
type Conn struct {
	mu     sync.Mutex
	wmu    sync.Mutex // serializes frame writes
	conn   net.Conn
	clock  Clock
	logger zerolog.Logger

	inbox    []Packet
	inboxMax int
	outbox   chan Packet

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// Rate window
	windowStart   uint32
	windowBytes   int
	windowPackets int
	outBps        int
	outPps        int
	ping          int

	closed bool
	err    error
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, clock Clock) *Conn {
	now := time.Now()
	return &Conn{
		conn:         conn,
		clock:        clock,
		inboxMax:     DefaultInboxSize,
		outbox:       make(chan Packet, DefaultOutboxSize),
		connectedAt:  now,
		lastActivity: now,
		windowStart:  clock.Now(),
		logger: log.With().
			Str("component", "link_conn").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// Run reads frames until the connection fails or ctx is cancelled. It
// writes queued packets and probes round-trip time in the background.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		c.Close()
	}()
	go c.writeLoop(ctx)
	go c.pingLoop(ctx)

	for {
		kind, body, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if c.IsClosed() {
				return c.Err()
			}
			c.fail(fmt.Errorf("read frame: %w", err))
			return c.Err()
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		switch kind {
		case protocol.KindPing:
			c.writeFrame(protocol.KindPong, body)
		case protocol.KindPong:
			if sent, err := protocol.ParsePing(body); err == nil {
				c.recordPing(int(c.clock.Now() - sent))
			}
		default:
			if err := c.enqueue(Packet{Kind: kind, Data: body, When: c.clock.Now()}); err != nil {
				c.fail(err)
				return err
			}
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.outbox:
			if err := c.writeFrame(p.Kind, p.Data); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(protocol.KindPing, protocol.BuildPing(c.clock.Now())); err != nil {
				return
			}
		}
	}
}

func (c *Conn) enqueue(p Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inbox) >= c.inboxMax {
		return ErrInboxOverflow
	}
	c.inbox = append(c.inbox, p)
	return nil
}

// recordPing folds a round-trip sample into the smoothed estimate.
func (c *Conn) recordPing(rtt int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ping == 0 {
		c.ping = rtt
		return
	}
	c.ping = (c.ping*7 + rtt) / 8
}

func (c *Conn) writeFrame(kind protocol.Kind, body []byte) error {
	if c.IsClosed() {
		return fmt.Errorf("connection is closed")
	}

	c.wmu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	err := protocol.WriteFrame(c.conn, kind, body)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// Send queues p for the writer without blocking. It returns 0 while the
// outbox is full and -1 once the connection has closed or failed.
func (c *Conn) Send(p Packet) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return -1
	}
	select {
	case c.outbox <- p:
	default:
		return 0
	}

	c.rollWindow()
	c.windowBytes += len(p.Data)
	c.windowPackets++
	return 1
}

// rollWindow closes the rate window once a second has passed.
func (c *Conn) rollWindow() {
	now := c.clock.Now()
	elapsed := int(now - c.windowStart)
	if elapsed < 1000 {
		return
	}
	c.outBps = c.windowBytes * 1000 / elapsed
	c.outPps = c.windowPackets * 1000 / elapsed
	c.windowBytes = 0
	c.windowPackets = 0
	c.windowStart = now
}

// Peek returns the first buffered packet selected by mask.
func (c *Conn) Peek(mask uint64) (Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.inbox {
		if matches(p, mask) {
			return p, true
		}
	}
	return Packet{}, false
}

// Recv removes and returns the first buffered packet selected by mask.
func (c *Conn) Recv(mask uint64) (Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.inbox {
		if matches(p, mask) {
			c.inbox = append(c.inbox[:i], c.inbox[i+1:]...)
			return p, true
		}
	}
	return Packet{}, false
}

// Stat reports the smoothed round-trip time and send rates.
func (c *Conn) Stat() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollWindow()
	return Stats{
		Late:         c.ping / 2,
		Ping:         c.ping,
		OutBps:       c.outBps,
		OutPps:       c.outPps,
		SendQueueLen: len(c.outbox),
		Tick:         c.clock.Now(),
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.logger.Debug().Err(err).Msg("connection failed")
	c.Close()
}

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Info().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
