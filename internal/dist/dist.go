// Package dist implements the per-connection input distribution state
// machine. A Dist queues local inputs for sending, paces them, receives
// remote inputs into a ring, and pairs both sides into ordered ticks.
//
// In client mode a Dist sends single inputs and receives either single
// inputs (two-peer play) or server multi packets. In server mode it sends
// multi packets carrying every other player's input for the tick and
// receives the client's single inputs.
package dist

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/gamebuf"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

const (
	// DefaultRate is the input period in milliseconds.
	DefaultRate = 50

	// DefaultBufferSize sizes each arena when no size is given.
	DefaultBufferSize = 4096

	defaultMinWindow = 1
	defaultMaxWindow = 10
)

// Kinds drained from the link by Update.
var (
	inputMask = protocol.KindMask(protocol.KindInput, protocol.KindInputMulti, protocol.KindInputMultiFat)
	recvMask  = inputMask | protocol.KindMask(protocol.KindStats, protocol.KindInputFlow, protocol.KindInputMeta)
)

// State summarizes what a Dist is waiting on.
type State int

const (
	// StateActive means inputs flow normally.
	StateActive State = iota
	// StateFlowBlocked means the remote side is not ready to receive.
	StateFlowBlocked
	// StateCRCPending means a CRC challenge was surfaced and no response
	// has been staged yet.
	StateCRCPending
)

var stateNames = map[State]string{
	StateActive:      "active",
	StateFlowBlocked: "flow_blocked",
	StateCRCPending:  "crc_pending",
}

// String returns the lowercase state name.
func (s State) String() string {
	if str, ok := stateNames[s]; ok {
		return str
	}
	return "unknown"
}

// Input is one player's input for a tick.
type Input struct {
	Type protocol.DataType
	Data []byte
}

// HasCRC reports whether the input carries a CRC challenge.
func (in Input) HasCRC() bool { return in.Type.HasCRCRequest() }

// DropFunc decides whether an incoming input replaces the newest queued
// one. Payloads exclude the type byte.
type DropFunc func(existing, incoming []byte, existingType, incomingType protocol.DataType) bool

// DropDroppable is the server coalescing policy: a queued input marked
// droppable is replaced by whatever arrives next.
func DropDroppable(_, _ []byte, existingType, _ protocol.DataType) bool {
	return existingType.Base() == protocol.TypeInputDroppable
}

// metaInfo describes the players carried by one multi packet version.
type metaInfo struct {
	mask    uint32
	players int
	version int
}

// Dist is the distribution state for one connection. It is not safe for
// concurrent use.
type Dist struct {
	link   link.Link
	clock  link.Clock
	logger zerolog.Logger

	in       *gamebuf.Buffer
	out      *gamebuf.Buffer
	packetID [gamebuf.Window]int

	server       bool
	recvMulti    bool
	distIndex    int
	totalPlayers int

	// pacing
	rate        int
	inpNext     uint32
	inpCalc     uint32
	inputWindow int
	minWindow   int
	maxWindow   int

	// pairing between the inbound and outbound rings
	ioOffset      int
	lastSentDelta int
	globalSeq     int

	// flow control
	readySend       bool
	readyRecv       bool
	remoteReadySend bool
	remoteReadyRecv bool
	flowDirty       bool

	// crc
	crcChallenges  bool
	crcPending     bool
	localCRC       uint32
	localCRCValid  bool
	remoteCRC      uint32
	remoteCRCValid bool

	// sparse meta
	sparse             bool
	metaToSend         [protocol.MetaWindow]metaInfo
	metaStart, metaEnd int
	meta               [protocol.MetaWindow]metaInfo
	gotMeta            bool
	lastQueriedVersion int

	dropFunc DropFunc

	// counters
	inboundCount  int
	outboundCount int
	dequeueCount  int
	dropCount     int
	procCount     int
	procTime      int
	waitTime      int

	recvStats []protocol.LinkStat
	linkStats link.Stats

	verbosity int
	err       error // sticky
	lastErr   error

	multiBuf [protocol.MaxPacketSize]byte
}

// Option configures a Dist.
type Option func(*Dist)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dist) { d.logger = logger }
}

// WithBufferSizes sets the inbound and outbound arena sizes.
func WithBufferSizes(in, out int) Option {
	return func(d *Dist) {
		if in > 0 {
			d.in = gamebuf.New(in)
		}
		if out > 0 {
			d.out = gamebuf.New(out)
		}
	}
}

// WithServer starts the Dist in server mode.
func WithServer() Option {
	return func(d *Dist) { d.server = true }
}

// New creates a Dist on top of l. The Dist never closes l.
func New(l link.Link, clock link.Clock, opts ...Option) *Dist {
	d := &Dist{
		link:          l,
		clock:         clock,
		logger:        log.With().Str("component", "dist").Logger(),
		rate:          DefaultRate,
		minWindow:     defaultMinWindow,
		maxWindow:     defaultMaxWindow,
		totalPlayers:  2,
		lastSentDelta: -1,
		verbosity:     1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.in == nil {
		d.in = gamebuf.New(DefaultBufferSize)
	}
	if d.out == nil {
		d.out = gamebuf.New(DefaultBufferSize)
	}
	return d
}

// SetServer switches between server and client framing.
func (d *Dist) SetServer(server bool) {
	d.server = server
}

// IsServer reports whether the Dist sends multi packets.
func (d *Dist) IsServer() bool { return d.server }

// MultiSetup sets our player index and the number of players. It only
// affects how received multi packets are unpacked.
func (d *Dist) MultiSetup(distIndex, totalPlayers int) {
	d.logger.Debug().
		Int("index", distIndex).
		Int("players", totalPlayers).
		Msg("multi setup")

	d.distIndex = distIndex
	d.totalPlayers = totalPlayers
}

// MetaSetup queues a sparse player mask announcement for version.
func (d *Dist) MetaSetup(sparse bool, mask uint32, version int) {
	d.logger.Debug().
		Bool("sparse", sparse).
		Uint32("mask", mask).
		Int("version", version).
		Msg("meta setup")

	d.sparse = sparse
	d.metaToSend[d.metaEnd] = metaInfo{
		mask:    mask,
		players: popcount(mask),
		version: gamebuf.Mod(version, protocol.MetaWindow),
	}
	d.metaEnd = (d.metaEnd + 1) % protocol.MetaWindow
}

// SetDropFunc installs the inbound coalescing policy. Only consulted in
// server mode.
func (d *Dist) SetDropFunc(fn DropFunc) {
	d.dropFunc = fn
}

// InputRate sets the input period in milliseconds. Non-positive values
// are ignored.
func (d *Dist) InputRate(rate int) {
	if rate > 0 {
		d.rate = rate
	}
}

// Clear empties both rings, resets sequencing and drops the sticky error.
func (d *Dist) Clear() {
	d.in.Head, d.in.Tail = 0, 0
	d.out.Head, d.out.Tail = 0, 0
	d.globalSeq = 0
	d.ioOffset = 0
	d.inpNext = d.clock.Now()
	d.err = nil
	d.lastErr = nil
}

// State derives the current state from the flow and CRC flags.
func (d *Dist) State() State {
	switch {
	case d.crcPending:
		return StateCRCPending
	case !d.remoteReadyRecv:
		return StateFlowBlocked
	default:
		return StateActive
	}
}

// Err returns the sticky error, if any.
func (d *Dist) Err() error { return d.err }

// ResetErr clears the sticky error.
func (d *Dist) ResetErr() { d.err = nil }

// LastError returns the most recent failure with its details.
func (d *Dist) LastError() error { return d.lastErr }

// fail records err as the most recent failure and returns it.
func (d *Dist) fail(err error) error {
	d.lastErr = err
	return err
}

// sticky records err as both the sticky and most recent failure.
func (d *Dist) sticky(err error) error {
	d.err = err
	d.lastErr = err
	return err
}

// pairIndex is the outbound slot paired with the oldest inbound record.
func (d *Dist) pairIndex() int {
	return gamebuf.Mod(d.in.Head+d.ioOffset, gamebuf.Window)
}

func popcount(mask uint32) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	return n
}
