// Package protocol defines the record kinds, input data types and binary
// codecs exchanged between distribution peers. Control payloads use
// big-endian byte order; stream frames carry a 2-byte little-endian length
// prefix.
package protocol

import "fmt"

// Kind identifies the type of a transport record.
type Kind byte

// Record kinds consumed by the distribution layer.
const (
	KindInput         Kind = 0x10 // Single client input, type byte first
	KindInputMulti    Kind = 0x11 // Server multi packet, 1-byte lengths
	KindInputMultiFat Kind = 0x12 // Server multi packet, 2-byte lengths
	KindStats         Kind = 0x13 // Per-player link statistics
	KindInputFlow     Kind = 0x14 // Ready flags and CRC response
	KindInputMeta     Kind = 0x15 // Sparse player mask for a multi version
)

// Record kinds passed through untouched by the distribution layer.
const (
	KindUser           Kind = 0x20 // Application data, reliable
	KindUserUnreliable Kind = 0x21 // Application data, may be dropped
	KindUserBroadcast  Kind = 0x22 // Application data for every peer
	KindHello          Kind = 0x30 // Session handshake: client name
	KindWelcome        Kind = 0x31 // Session handshake: assigned slot
	KindPing           Kind = 0x32 // Round-trip probe
	KindPong           Kind = 0x33 // Round-trip echo
)

var kindNames = map[Kind]string{
	KindInput:          "input",
	KindInputMulti:     "input_multi",
	KindInputMultiFat:  "input_multi_fat",
	KindStats:          "stats",
	KindInputFlow:      "input_flow",
	KindInputMeta:      "input_meta",
	KindUser:           "user",
	KindUserUnreliable: "user_unreliable",
	KindUserBroadcast:  "user_broadcast",
	KindHello:          "hello",
	KindWelcome:        "welcome",
	KindPing:           "ping",
	KindPong:           "pong",
}

// String returns the lowercase kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Mask returns the peek mask bit for k.
func (k Kind) Mask() uint64 {
	return 1 << (uint(k) & 63)
}

// KindMask combines the peek mask bits of kinds.
func KindMask(kinds ...Kind) uint64 {
	var m uint64
	for _, k := range kinds {
		m |= k.Mask()
	}
	return m
}

// DataType classifies one player's input within a tick.
type DataType byte

const (
	TypeNone           DataType = 1 // Player sent nothing this tick
	TypeInput          DataType = 2 // Regular input
	TypeInputDroppable DataType = 3 // Input that may be coalesced or dropped
	TypeDisconnect     DataType = 4 // Player slot is disconnected
	TypeNoData         DataType = 5 // Player is not part of this packet

	// TypeCRCRequest is OR-ed into a type to ask the receiver for a CRC.
	TypeCRCRequest DataType = 0x08
)

var dataTypeNames = map[DataType]string{
	TypeNone:           "NONE",
	TypeInput:          "INPUT",
	TypeInputDroppable: "DROPPABLE",
	TypeDisconnect:     "DISCONNECT",
	TypeNoData:         "NODATA",
}

// Base strips the CRC request flag.
func (t DataType) Base() DataType { return t &^ TypeCRCRequest }

// HasCRCRequest reports whether the CRC request flag is set.
func (t DataType) HasCRCRequest() bool { return t&TypeCRCRequest != 0 }

// CarriesData reports whether a payload accompanies this type.
func (t DataType) CarriesData() bool {
	b := t.Base()
	return b == TypeInput || b == TypeInputDroppable
}

// String returns the type name, with a "+CRC" suffix when flagged.
func (t DataType) String() string {
	s, ok := dataTypeNames[t.Base()]
	if !ok {
		return "INVALID"
	}
	if t.HasCRCRequest() {
		return s + "+CRC"
	}
	return s
}

const (
	// MaxPacketSize is the largest multi packet a server may emit.
	MaxPacketSize = 1200

	// ServerSoftCap is the per-tick byte budget shared by all clients.
	ServerSoftCap = 1100

	// MetaWindow is the number of multi versions tracked at once.
	MetaWindow = 32

	// MaxPlayers is the largest player count a multi packet can describe.
	MaxPlayers = 32

	// DeltaWindow bounds the delta byte of a server multi packet.
	DeltaWindow = 64

	// LinkStatSize is the wire size of one LinkStat entry.
	LinkStatSize = 8

	// MaxFrameSize bounds a single stream frame body.
	MaxFrameSize = 8192

	// LengthPrefixSize is the size of the frame length prefix in bytes.
	LengthPrefixSize = 2
)

// FlowPacket carries the ready flags of a peer and, optionally, its CRC.
type FlowPacket struct {
	ReadySend bool
	ReadyRecv bool
	CRCValid  bool
	CRC       uint32
}

// MetaPacket announces which players a multi packet version carries.
type MetaPacket struct {
	Version uint8
	Mask    uint32
}

// LinkStat is the per-player link summary broadcast by the server.
type LinkStat struct {
	Late         uint16
	Bps          uint16
	Pps          uint8
	SendQueueLen uint8
	PacketsLost  uint8
	NakSent      uint8
}

// HelloPacket is the first frame a client sends on a stream connection.
type HelloPacket struct {
	Name string
}

// WelcomeFull is the welcome index telling a client the session is full.
const WelcomeFull uint8 = 0xff

// WelcomePacket answers a hello with the slot assigned to the client.
type WelcomePacket struct {
	Index      uint8
	MaxClients uint8
	Rate       uint16
}

// ProbeMagic is the first byte of a UDP discovery probe and its reply.
const ProbeMagic byte = 0xCA

// ProbeReply describes a session to a client probing over UDP.
type ProbeReply struct {
	Nonce      uint32
	Clients    uint8
	MaxClients uint8
	Rate       uint16
	SessionID  string
}
