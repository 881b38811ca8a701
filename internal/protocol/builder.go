package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs control payloads in network byte order.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes 1 for true and 0 for false.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteString writes a length-prefixed string.
// Format: [length:1][string bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > 255 {
		data = data[:255]
	}
	b.buf.WriteByte(byte(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// ---- Control payload constructors ----

// BuildFlow encodes a flow update.
// Format: [ready_send:1][ready_recv:1][crc_valid:1][crc:4]
func BuildFlow(f FlowPacket) []byte {
	return NewPacketBuilder().
		WriteBool(f.ReadySend).
		WriteBool(f.ReadyRecv).
		WriteBool(f.CRCValid).
		WriteUint32(f.CRC).
		Build()
}

// BuildMeta encodes a sparse meta announcement.
// Format: [version:1][mask:4]
func BuildMeta(m MetaPacket) []byte {
	return NewPacketBuilder().
		WriteByte(m.Version % MetaWindow).
		WriteUint32(m.Mask).
		Build()
}

// BuildStats encodes one LinkStat entry per player.
// Format per entry: [late:2][bps:2][pps:1][slen:1][plost:1][naksent:1]
func BuildStats(stats []LinkStat) []byte {
	b := NewPacketBuilder()
	for _, s := range stats {
		b.WriteUint16(s.Late).
			WriteUint16(s.Bps).
			WriteByte(s.Pps).
			WriteByte(s.SendQueueLen).
			WriteByte(s.PacketsLost).
			WriteByte(s.NakSent)
	}
	return b.Build()
}

// BuildHello encodes a session hello.
// Format: [name_len:1][name]
func BuildHello(h HelloPacket) []byte {
	return NewPacketBuilder().WriteString(h.Name).Build()
}

// BuildWelcome encodes a session welcome.
// Format: [index:1][max_clients:1][rate:2]
func BuildWelcome(w WelcomePacket) []byte {
	return NewPacketBuilder().
		WriteByte(w.Index).
		WriteByte(w.MaxClients).
		WriteUint16(w.Rate).
		Build()
}

// BuildPing encodes a ping or pong carrying the sender tick.
// Format: [tick:4]
func BuildPing(tick uint32) []byte {
	return NewPacketBuilder().WriteUint32(tick).Build()
}

// BuildProbe encodes a discovery probe.
// Format: [magic:1][nonce:4]
func BuildProbe(nonce uint32) []byte {
	return NewPacketBuilder().WriteByte(ProbeMagic).WriteUint32(nonce).Build()
}

// BuildProbeReply encodes the answer to a discovery probe.
// Format: [magic:1][nonce:4][clients:1][max_clients:1][rate:2][id_len:1][id]
func BuildProbeReply(r ProbeReply) []byte {
	return NewPacketBuilder().
		WriteByte(ProbeMagic).
		WriteUint32(r.Nonce).
		WriteByte(r.Clients).
		WriteByte(r.MaxClients).
		WriteUint16(r.Rate).
		WriteString(r.SessionID).
		Build()
}
