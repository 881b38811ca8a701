// Package gamebuf implements the fixed-window record ring used by the input
// distribution layer. Records are variable length and live in a flat byte
// arena; each slot stores an offset into the arena rather than a pointer, so
// the whole buffer can be reset or copied without fixing up references.
package gamebuf

import "fmt"

// Window is the number of record slots in every ring.
const Window = 64

// Record describes one entry in the arena.
type Record struct {
	Pos        int    // offset of the first byte in Data
	Len        int    // record length in bytes
	LenSize    int    // 1 or 2; width of length fields inside a multi packet
	InsertTime uint32 // tick when the record was queued
}

// Buffer is a ring of Window record slots over a byte arena.
// Empty when Head == Tail, full when Next(Tail) == Head.
type Buffer struct {
	Data  []byte
	Slots [Window]Record
	Head  int
	Tail  int
}

// New creates a buffer with an arena of capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{Data: make([]byte, capacity)}
}

// Mod returns v modulo n, always in [0, n).
func Mod(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// Next returns the slot after i.
func Next(i int) int { return (i + 1) % Window }

// Prev returns the slot before i.
func Prev(i int) int { return (i + Window - 1) % Window }

// Cap returns the arena capacity.
func (b *Buffer) Cap() int { return len(b.Data) }

// IsEmpty reports whether the ring holds no records.
func (b *Buffer) IsEmpty() bool { return b.Head == b.Tail }

// IsFull reports whether no further slot can be claimed.
func (b *Buffer) IsFull() bool { return Next(b.Tail) == b.Head }

// Len returns the number of queued records.
func (b *Buffer) Len() int { return Mod(b.Tail-b.Head, Window) }

// Reset drops every record.
func (b *Buffer) Reset() {
	b.Head = 0
	b.Tail = 0
	b.Slots = [Window]Record{}
}

// TryReserve finds an arena offset for a record of length bytes placed in
// the Tail slot, without changing the buffer. pairIndex is the oldest slot
// whose bytes must stay intact; it is Head for ordinary rings. The second
// result is false when the record does not fit.
func (b *Buffer) TryReserve(length, pairIndex int) (int, bool) {
	if length > len(b.Data) {
		return 0, false
	}
	if pairIndex == b.Tail {
		return 0, true
	}

	last := b.Slots[Prev(b.Tail)]
	posA := (last.Pos + last.Len + 3) &^ 3
	posB := b.Slots[pairIndex].Pos

	// live bytes run from posB to the end of last without wrapping
	if last.Pos >= posB {
		if posA+length <= len(b.Data) {
			return posA, true
		}
		if length < posB {
			return 0, true
		}
		return 0, false
	}

	// wrapped: the only free space lies between last and posB
	if posA > posB {
		panic(fmt.Sprintf("gamebuf: overlapping arena state (posA=%d posB=%d tail=%d pair=%d)",
			posA, posB, b.Tail, pairIndex))
	}
	if posA+length < posB {
		return posA, true
	}
	return 0, false
}

// Reserve commits the offset found by TryReserve into the Tail slot.
func (b *Buffer) Reserve(length, pairIndex int) bool {
	pos, ok := b.TryReserve(length, pairIndex)
	if !ok {
		return false
	}
	b.Slots[b.Tail].Pos = pos
	return true
}

// Push copies parts back to back into the reserved Tail slot and advances
// Tail. Reserve must have succeeded for the combined length.
func (b *Buffer) Push(insertTime uint32, lenSize int, parts ...[]byte) {
	slot := &b.Slots[b.Tail]
	n := slot.Pos
	for _, p := range parts {
		n += copy(b.Data[n:], p)
	}
	slot.Len = n - slot.Pos
	slot.LenSize = lenSize
	slot.InsertTime = insertTime
	b.Tail = Next(b.Tail)
}

// Retreat moves Tail back one slot, un-queueing the newest record.
func (b *Buffer) Retreat() {
	b.Tail = Prev(b.Tail)
}

// Oldest returns the record at Head.
func (b *Buffer) Oldest() Record { return b.Slots[b.Head] }

// Newest returns the record just before Tail.
func (b *Buffer) Newest() Record { return b.Slots[Prev(b.Tail)] }

// Payload returns the bytes of slot i. The slice aliases the arena.
func (b *Buffer) Payload(i int) []byte {
	r := b.Slots[i]
	return b.Data[r.Pos : r.Pos+r.Len]
}

// Advance drops the record at Head.
func (b *Buffer) Advance() {
	b.Head = Next(b.Head)
}
