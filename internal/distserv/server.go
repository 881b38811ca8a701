// Package distserv fans client inputs out to every other client of a
// session. A Server owns one server-mode dist.Dist per client slot and, once
// per tick, bundles the pending inputs of all clients into one multi packet
// per client, within a shared byte budget.
//
// The Server also keeps flow control consistent across the session, runs
// periodic CRC challenges and disconnects clients that desync or fail.
// It is not safe for concurrent use.
package distserv

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/dist"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

const (
	// DefaultFixedRate is the tick period in milliseconds.
	DefaultFixedRate = 33

	// DefaultSendThreshold is the number of empty ticks after which the
	// server stops emitting packets.
	DefaultSendThreshold = 4

	// DefaultStatsInterval is how often link stats are broadcast, in ms.
	DefaultStatsInterval = 2000

	// DefaultBufferSize sizes each per-client arena.
	DefaultBufferSize = dist.DefaultBufferSize * 20

	maxNameLen = 31
)

// Config holds the tunables of a Server.
type Config struct {
	MaxClients       int
	FixedRate        int // ms
	SendThreshold    int // empty ticks before pausing; 0 never pauses
	CRCRate          int // ticks between challenges; 0 disables
	CRCResponseLimit int // ticks allowed for responses
	StatsInterval    int // ms
	BufferSize       int
}

// DefaultConfig returns the defaults for a session of maxClients.
func DefaultConfig(maxClients int) Config {
	return Config{
		MaxClients:    maxClients,
		FixedRate:     DefaultFixedRate,
		SendThreshold: DefaultSendThreshold,
		StatsInterval: DefaultStatsInterval,
		BufferSize:    DefaultBufferSize,
	}
}

// client is one slot of the session.
type client struct {
	dist *dist.Dist
	name string

	localInput    []byte
	localType     protocol.DataType
	hasLocalInput bool
	peekKey       int

	initialized  bool
	disconnected bool
	reason       Reason
	reasonText   string
	count        int

	crc        uint32
	crcValid   bool
	remoteRecv bool
	remoteSend bool

	reallyPeeked bool
	nakSent      int
	packetsLost  int

	sanity sanityTimes
}

func (c *client) active() bool {
	return c.initialized && !c.disconnected
}

// ClientInfo is a snapshot of one client slot.
type ClientInfo struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	Disconnected bool   `json:"disconnected"`
	Reason       Reason `json:"reason"`
	ReasonText   string `json:"reason_text,omitempty"`
	Count        int    `json:"count"`
	RemoteRecv   bool   `json:"remote_recv"`
	RemoteSend   bool   `json:"remote_send"`
	HasInput     bool   `json:"has_input"`
	InCount      int    `json:"icnt"`
	Drop         int    `json:"drop"`
	Late         int    `json:"late"`
	Ping         int    `json:"ping"`
}

// Server is the fan-out state of one session.
type Server struct {
	clock     link.Clock
	logger    zerolog.Logger
	publisher events.Publisher

	clients    []client
	numClients int
	bufferSize int

	fixedRate     int
	sendThreshold int
	statsInterval int
	lastStats     uint32
	framesNoData  int
	firstClient   int

	// crc scheduling, in ticks
	crcRate          int
	crcResponseLimit int
	crcRemaining     int
	crcCountdown     int

	// flow and sampling state
	flowEnabled        bool
	flowEnabledChanged bool
	lastFlowUpdate     uint32
	noInputMode        bool
	noInputModeChanged bool
	statClientCount    int
	clientCountChanged bool
	outputCount        int

	metaVersion  int
	totalPlayers int

	highWaterIn      int
	highWaterOut     int
	highWaterChanged bool

	// per-tick scratch
	types    []protocol.DataType
	payloads [][]byte
	stats    []protocol.LinkStat
	peekBuf  [][]byte
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPublisher routes server events to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// New creates a server with cfg.MaxClients empty slots.
func New(cfg Config, clock link.Clock, opts ...Option) (*Server, error) {
	if cfg.MaxClients <= 0 || cfg.MaxClients > protocol.MaxPlayers {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxClients, cfg.MaxClients)
	}
	if cfg.FixedRate <= 0 {
		cfg.FixedRate = DefaultFixedRate
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	n := cfg.MaxClients
	s := &Server{
		clock:            clock,
		logger:           log.With().Str("component", "distserv").Logger(),
		publisher:        events.NopPublisher{},
		clients:          make([]client, n),
		bufferSize:       cfg.BufferSize,
		fixedRate:        cfg.FixedRate,
		sendThreshold:    cfg.SendThreshold,
		statsInterval:    cfg.StatsInterval,
		crcRate:          cfg.CRCRate,
		crcResponseLimit: cfg.CRCResponseLimit,
		crcRemaining:     cfg.CRCRate,
		lastFlowUpdate:   clock.Now(),
		types:            make([]protocol.DataType, n),
		payloads:         make([][]byte, n),
		stats:            make([]protocol.LinkStat, n),
		peekBuf:          make([][]byte, n),
	}
	for i := range s.peekBuf {
		s.peekBuf[i] = make([]byte, protocol.MaxPacketSize)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxClients returns the number of slots.
func (s *Server) MaxClients() int { return len(s.clients) }

func (s *Server) slot(index int) (*client, error) {
	if index < 0 || index >= len(s.clients) {
		return nil, fmt.Errorf("%w: %d", ErrBadIndex, index)
	}
	return &s.clients[index], nil
}

// AddClient attaches l to slot index. The slot must be empty or hold a
// disconnected client.
func (s *Server) AddClient(index int, l link.Link, name string) error {
	c, err := s.slot(index)
	if err != nil {
		return err
	}
	if c.active() {
		s.logger.Warn().Int("client", index).Msg("skipping add of client to occupied slot")
		return fmt.Errorf("%w: %d", ErrSlotInUse, index)
	}

	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	wasInitialized := c.initialized

	*c = client{
		name:        name,
		initialized: true,
		localInput:  make([]byte, 0, protocol.MaxPacketSize),
	}
	c.dist = dist.New(l, s.clock,
		dist.WithServer(),
		dist.WithBufferSizes(s.bufferSize, s.bufferSize),
		dist.WithLogger(s.logger.With().Int("client", index).Str("name", name).Logger()),
	)
	c.dist.SetDropFunc(dist.DropDroppable)

	if !wasInitialized {
		s.numClients++
	}

	s.logger.Info().Int("client", index).Str("name", name).Msg("client added")

	s.flowControl()
	s.updateMulti()
	s.emit(events.EventClientAdded, events.ClientPayload{Index: index, Name: name})
	return nil
}

// DelClient disconnects and clears slot index.
func (s *Server) DelClient(index int) error {
	c, err := s.slot(index)
	if err != nil {
		s.logger.Warn().Int("client", index).Msg("skipping delete of client not in list")
		return err
	}

	name := c.name
	wasInitialized := c.initialized
	s.discClient(index, ReasonDeleted)
	*c = client{}

	if wasInitialized {
		s.numClients--
	}
	s.updateMulti()
	s.emit(events.EventClientRemoved, events.ClientPayload{Index: index, Name: name})
	return nil
}

// DiscClient marks slot index as disconnected. Its dist is dropped and no
// further packets are sent to it.
func (s *Server) DiscClient(index int) error {
	if _, err := s.slot(index); err != nil {
		s.logger.Warn().Int("client", index).Msg("skipping disconnect of client not in list")
		return err
	}
	s.discClient(index, ReasonDisconnected)
	return nil
}

// UpdateClient drains slot index's link. It reports the disconnect reason
// when the slot is disconnected, or is disconnected by this call because
// its dist failed.
func (s *Server) UpdateClient(index int) (Reason, error) {
	c, err := s.slot(index)
	if err != nil {
		return ReasonNone, err
	}
	if !c.initialized {
		return ReasonNone, nil
	}
	if c.disconnected {
		return c.reason, nil
	}

	if _, err := c.dist.Update(); err != nil {
		s.logger.Error().Err(err).Int("client", index).Msg("dist reported an error")
		s.discClient(index, ReasonDistError)
		return ReasonDistError, err
	}
	return ReasonNone, nil
}

// ExplainError returns the dist error text recorded when slot index was
// disconnected.
func (s *Server) ExplainError(index int) string {
	c, err := s.slot(index)
	if err != nil {
		return ""
	}
	return c.reasonText
}

// discClient marks a client disconnected and drops its dist.
func (s *Server) discClient(index int, reason Reason) {
	c := &s.clients[index]

	if !c.disconnected {
		s.logger.Info().
			Int("client", index).
			Str("name", c.name).
			Str("reason", reason.String()).
			Msg("disconnecting client")
		c.disconnected = true
		c.reason = reason
	} else if c.dist != nil {
		s.logger.Warn().Int("client", index).Msg("client has a dist but is disconnected")
	}

	if c.dist != nil {
		if err := c.dist.LastError(); err != nil {
			c.reasonText = err.Error()
		}
		s.logger.Debug().Int("client", index).Str("name", c.name).Msg("deleting dist for client")
		c.dist = nil

		if c.initialized {
			s.emit(events.EventClientDisconnected, events.DisconnectPayload{
				Index:  index,
				Name:   c.name,
				Reason: c.reason.String(),
				Detail: c.reasonText,
			})
		}
	}

	s.flowControl()
}

// Client returns a snapshot of slot index.
func (s *Server) Client(index int) (ClientInfo, error) {
	c, err := s.slot(index)
	if err != nil {
		return ClientInfo{}, err
	}

	info := ClientInfo{
		Index:        index,
		Name:         c.name,
		Active:       c.active(),
		Disconnected: c.disconnected,
		Reason:       c.reason,
		ReasonText:   c.reasonText,
		Count:        c.count,
		RemoteRecv:   c.remoteRecv,
		RemoteSend:   c.remoteSend,
		HasInput:     c.hasLocalInput,
	}
	if c.dist != nil {
		info.InCount = c.dist.Status(dist.StatInbound)
		info.Drop = c.dist.Status(dist.StatDropped)
		st := c.dist.LinkStats()
		info.Late = st.Late
		info.Ping = st.Ping
	}
	return info, nil
}

// Clients returns a snapshot of every initialized slot.
func (s *Server) Clients() []ClientInfo {
	var out []ClientInfo
	for i := range s.clients {
		if !s.clients[i].initialized {
			continue
		}
		info, _ := s.Client(i)
		out = append(out, info)
	}
	return out
}

// ClientCount returns the number of initialized slots.
func (s *Server) ClientCount() int { return s.numClients }

// FlowEnabled reports whether every active client is ready to receive.
func (s *Server) FlowEnabled() bool { return s.flowEnabled }

// NoInputMode reports whether packets are paused for lack of input.
func (s *Server) NoInputMode() bool { return s.noInputMode }

// Dist exposes the dist of slot index, nil when the slot has none.
func (s *Server) Dist(index int) *dist.Dist {
	c, err := s.slot(index)
	if err != nil {
		return nil
	}
	return c.dist
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	s.publisher.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "distserv",
		Payload: payload,
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
