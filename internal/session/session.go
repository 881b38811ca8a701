// Package session runs one distribution server in real time. It owns the
// distserv.Server, drives its tick loop and serializes access from the
// network, API and scheduler goroutines.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/distserv"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/link"
)

// ErrSessionFull is returned by Attach when every slot holds an active client.
var ErrSessionFull = errors.New("session is full")

// slotInfo is what the session knows about a slot beyond the server state.
type slotInfo struct {
	closer   io.Closer
	remote   string
	joinedAt time.Time
}

// Session wraps a distserv.Server with locking and a tick loop.
type Session struct {
	mu     sync.Mutex
	id     string
	server *distserv.Server
	clock  link.Clock
	bus    events.Publisher
	logger zerolog.Logger

	slots     []slotInfo
	startedAt time.Time
	ticks     uint64

	highWaterIn  int
	highWaterOut int
}

// Option configures a Session.
type Option func(*sessionOptions)

type sessionOptions struct {
	clock link.Clock
	bus   events.Publisher
	id    string
}

// WithClock replaces the wall clock, for tests.
func WithClock(c link.Clock) Option {
	return func(o *sessionOptions) { o.clock = c }
}

// WithPublisher routes session and server events to p.
func WithPublisher(p events.Publisher) Option {
	return func(o *sessionOptions) { o.bus = p }
}

// WithID fixes the session id instead of generating one.
func WithID(id string) Option {
	return func(o *sessionOptions) { o.id = id }
}

// ServerConfig converts the session configuration into server tunables.
func ServerConfig(cfg config.SessionConfig) distserv.Config {
	return distserv.Config{
		MaxClients:       cfg.MaxClients,
		FixedRate:        cfg.FixedRate,
		SendThreshold:    cfg.SendThreshold,
		CRCRate:          cfg.CRCRate,
		CRCResponseLimit: cfg.CRCResponseLimit,
		StatsInterval:    cfg.StatsInterval,
		BufferSize:       cfg.BufferSize,
	}
}

// New creates a session with an empty server.
func New(cfg config.SessionConfig, opts ...Option) (*Session, error) {
	o := sessionOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = link.NewSystemClock()
	}
	if o.bus == nil {
		o.bus = events.NopPublisher{}
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}

	logger := log.With().Str("component", "session").Str("session", o.id).Logger()
	server, err := distserv.New(ServerConfig(cfg), o.clock,
		distserv.WithLogger(log.With().Str("component", "distserv").Str("session", o.id).Logger()),
		distserv.WithPublisher(o.bus),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Session{
		id:        o.id,
		server:    server,
		clock:     o.clock,
		bus:       o.bus,
		logger:    logger,
		slots:     make([]slotInfo, server.MaxClients()),
		startedAt: time.Now(),
	}, nil
}

// Clock returns the tick clock shared by the session's links.
func (s *Session) Clock() link.Clock { return s.clock }

// ID returns the session uuid.
func (s *Session) ID() string { return s.id }

// MaxClients returns the number of slots.
func (s *Session) MaxClients() int { return len(s.slots) }

// ClientCount returns the number of active clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, info := range s.server.Clients() {
		if info.Active {
			n++
		}
	}
	return n
}

// FixedRate returns the current tick period.
func (s *Session) FixedRate() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.server.FixedRate()) * time.Millisecond
}

// GreetFunc runs once a slot is assigned and before the next tick can send
// anything on the new link.
type GreetFunc func(index int) error

// Attach places l in the lowest free slot. A slot is free when it was never
// used or its client has been disconnected. closer, when non-nil, is closed
// once the server disconnects the client. An error from greet disconnects
// the client again and is returned.
func (s *Session) Attach(l link.Link, name, remote string, closer io.Closer, greet GreetFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		info, err := s.server.Client(i)
		if err != nil {
			return -1, err
		}
		if info.Active {
			continue
		}

		s.closeSlot(i)
		if err := s.server.AddClient(i, l, name); err != nil {
			return -1, err
		}
		if greet != nil {
			if err := greet(i); err != nil {
				s.server.DiscClient(i)
				s.slots[i] = slotInfo{}
				return -1, fmt.Errorf("failed to greet client %d: %w", i, err)
			}
		}
		s.slots[i] = slotInfo{closer: closer, remote: remote, joinedAt: time.Now()}
		s.logger.Info().Int("client", i).Str("name", name).Str("remote", remote).Msg("client attached")
		return i, nil
	}
	return -1, ErrSessionFull
}

// Disconnect marks slot index as disconnected and closes its transport.
func (s *Session) Disconnect(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.DiscClient(index); err != nil {
		return err
	}
	s.closeSlot(index)
	return nil
}

// Release disconnects slot index if closer is still the transport attached
// to it. The network layer calls it when a connection ends, after which the
// slot may already have been handed to a new client.
func (s *Session) Release(index int, closer io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.slots) || closer == nil || s.slots[index].closer != closer {
		return
	}
	if err := s.server.DiscClient(index); err != nil {
		s.logger.Warn().Err(err).Int("client", index).Msg("failed to release client")
	}
	s.closeSlot(index)
}

// Remove clears slot index entirely.
func (s *Session) Remove(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.DelClient(index); err != nil {
		return err
	}
	s.closeSlot(index)
	s.slots[index] = slotInfo{}
	return nil
}

func (s *Session) closeSlot(index int) {
	c := s.slots[index].closer
	if c == nil {
		return
	}
	s.slots[index].closer = nil
	if err := c.Close(); err != nil {
		s.logger.Debug().Err(err).Int("client", index).Msg("error closing client transport")
	}
}

// Tick runs one server update followed by a drain of every client link.
// Transports of clients disconnected during the tick are closed.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server.Update()
	for i := range s.slots {
		reason, err := s.server.UpdateClient(i)
		if err != nil {
			s.logger.Warn().Err(err).Int("client", i).Msg("client update failed")
		}
		if reason != distserv.ReasonNone && s.slots[i].closer != nil {
			s.logger.Info().Int("client", i).Str("reason", reason.String()).Msg("closing disconnected client")
			s.closeSlot(i)
		}
	}

	if in, out, changed := s.server.HighWaterChanged(); changed {
		s.highWaterIn, s.highWaterOut = in, out
	}
	s.ticks++
}

// Run ticks the session every FixedRate until ctx is cancelled. A change
// of the fixed rate through Control takes effect on the next tick.
func (s *Session) Run(ctx context.Context) error {
	rate := s.FixedRate()
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	s.logger.Info().Dur("rate", rate).Int("max_clients", len(s.slots)).Msg("session started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
			if r := s.FixedRate(); r != rate {
				rate = r
				ticker.Reset(rate)
				s.logger.Info().Dur("rate", rate).Msg("tick rate changed")
			}
		}
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		s.closeSlot(i)
	}
	s.logger.Info().Uint64("ticks", s.ticks).Msg("session stopped")
}

// Control forwards a control selector to the server. A non-positive fixed
// rate is rejected with -1.
func (s *Session) Control(sel distserv.ControlSel, value int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel == distserv.CtlFixedRate && value <= 0 {
		return -1
	}
	return s.server.Control(sel, value)
}

// ApplyConfig pushes the settings of cfg that a running server can change:
// tick period, send threshold and the CRC challenge parameters. Slot count
// and buffer size need a new session.
func (s *Session) ApplyConfig(cfg config.SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.FixedRate > 0 {
		s.server.Control(distserv.CtlFixedRate, cfg.FixedRate)
	}
	s.server.Control(distserv.CtlSendThreshold, cfg.SendThreshold)
	s.server.Control(distserv.CtlCRCResponseLimit, cfg.CRCResponseLimit)
	s.server.Control(distserv.CtlCRCRate, cfg.CRCRate)
}

// Status forwards a status selector to the server.
func (s *Session) Status(sel distserv.StatusSel, index int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server.Status(sel, index)
}

// ExplainError returns the recorded dist error of slot index.
func (s *Session) ExplainError(index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server.ExplainError(index)
}
