package protocol

// Layout holds the byte offsets of the sections of an input packet.
//
// Multi packets (sent by a server) start with a delta byte, followed by an
// optional meta version byte, one type nibble per carried player, one
// length field for every player but the last, and the payloads. Single
// packets (sent by a client) are a type byte followed by the payload.
type Layout struct {
	Version int // offset of the meta version byte, when versioned
	Types   int // offset of the type nibbles
	Lengths int // offset of the length fields
	Payload int // offset of the first payload byte
}

// MultiLayout computes the layout for a packet describing players players.
// lenSize is the width of each length field (1 or 2).
func MultiLayout(multi, versioned bool, players, lenSize int) Layout {
	var l Layout
	if multi {
		l.Version = 1
	}
	l.Types = l.Version
	if versioned {
		l.Types++
	}
	if multi {
		l.Lengths = l.Types + players/2
		l.Payload = l.Lengths + lenSize*(players-2)
	} else {
		l.Lengths = l.Types + 1
		l.Payload = l.Lengths
	}
	return l
}

// PutLength writes an n-byte big-endian length field.
func PutLength(b []byte, lenSize, v int) {
	if lenSize == 2 {
		b[0] = byte(v >> 8)
		b[1] = byte(v)
		return
	}
	b[0] = byte(v)
}

// Length reads an n-byte big-endian length field.
func Length(b []byte, lenSize int) int {
	if lenSize == 2 {
		return int(b[0])<<8 | int(b[1])
	}
	return int(b[0])
}

// PutNibble stores t in the type nibble for entry i.
func PutNibble(types []byte, i int, t DataType) {
	if i%2 == 0 {
		types[i/2] = (types[i/2] & 0xf0) | byte(t&0x0f)
	} else {
		types[i/2] = (types[i/2] & 0x0f) | byte(t&0x0f)<<4
	}
}

// Nibble reads the type nibble for entry i.
func Nibble(types []byte, i int) DataType {
	if i%2 == 0 {
		return DataType(types[i/2] & 0x0f)
	}
	return DataType(types[i/2] >> 4)
}
