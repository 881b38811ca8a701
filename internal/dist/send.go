package dist

import (
	"fmt"

	"github.com/energizer-project/netgamedist/internal/gamebuf"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

// InputLocal queues a single client input and tries to send it. A nil
// payload only flushes inputs already queued.
func (d *Dist) InputLocal(payload []byte) error {
	if payload == nil {
		return d.flushSends()
	}

	if err := d.enqueue(1, []byte{byte(protocol.TypeInput)}, payload); err != nil {
		return err
	}
	return d.flushSends()
}

// InputLocalMulti queues one input per player. In server mode the packet
// carries every player but our own and delta is the packet id of the
// client input being answered; clients pass 1. Nothing is committed when
// the packet is rejected.
func (d *Dist) InputLocalMulti(types []protocol.DataType, payloads [][]byte, delta int) error {
	playerCount := 1
	if d.server {
		playerCount = d.totalPlayers
	}
	lastPlayer := playerCount

	lenSize := 1
	for i := 0; i < playerCount && i < len(payloads); i++ {
		if len(payloads[i]) > 0xff {
			lenSize = 2
		}
	}

	sparse := d.sparse && d.server
	var meta metaInfo
	if sparse {
		meta = d.metaToSend[gamebuf.Mod(d.metaEnd-1, protocol.MetaWindow)]
		playerCount = meta.players
	}

	// packets always describe at least two players
	if d.server && playerCount == 1 {
		lastPlayer = 2
		playerCount = 2
	}

	layout := protocol.MultiLayout(d.server, sparse, playerCount, lenSize)
	buf := d.multiBuf[:]
	clear(buf[:layout.Payload])

	sendSize := layout.Payload
	for i := 0; i < len(payloads); i++ {
		if !d.server || (i < d.totalPlayers && i != d.distIndex) {
			sendSize += len(payloads[i])
		}
	}
	if sendSize >= protocol.MaxPacketSize {
		d.logger.Warn().
			Int("size", sendSize).
			Int("max", protocol.MaxPacketSize).
			Msg("multi packet too large, discarding")
		return d.fail(fmt.Errorf("%w: %d bytes", ErrOverflowMulti, sendSize))
	}

	// staged until the packet is queued
	lastSentDelta := d.lastSentDelta
	ioOffset := d.ioOffset

	if d.server {
		if sparse {
			buf[layout.Version] = byte(meta.version)
		}

		ourType := typeAt(types, d.distIndex).Base()
		if ourType == protocol.TypeNone {
			buf[0] = 0
			ioOffset = gamebuf.Mod(ioOffset+1, gamebuf.Window)
		} else {
			if (delta-1)-lastSentDelta >= protocol.DeltaWindow {
				return d.fail(fmt.Errorf("%w: delta %d after %d", ErrOverflowWindow, delta-1, lastSentDelta))
			}
			buf[0] = byte((delta - 1) - lastSentDelta)
			lastSentDelta = delta - 1
		}
	}

	pos := layout.Payload
	count := 0
	for i := 0; i < lastPlayer; i++ {
		t := typeAt(types, i)
		base := t.Base()

		if !d.server && (base == protocol.TypeNone || base == protocol.TypeDisconnect) {
			return d.fail(fmt.Errorf("%w: client input of type %s", ErrInvalid, t))
		}
		if d.server && i == d.distIndex {
			continue
		}
		if sparse && meta.mask&(1<<uint(i)) == 0 {
			continue
		}

		var payload []byte
		if i < len(payloads) {
			payload = payloads[i]
		}
		pos += copy(buf[pos:], payload)

		if d.server && count < playerCount-2 {
			protocol.PutLength(buf[layout.Lengths+count*lenSize:], lenSize, len(payload))
		}
		protocol.PutNibble(buf[layout.Types:], count, t)
		count++
	}

	if !d.canSend(pos, ioOffset) {
		return d.fail(fmt.Errorf("%w: no room for %d bytes", ErrOverflow, pos))
	}

	if err := d.enqueueAt(lenSize, ioOffset, buf[:pos]); err != nil {
		return err
	}

	if d.server {
		d.lastSentDelta = lastSentDelta
		d.ioOffset = ioOffset
		d.packetID[d.in.Head] = 0
	}

	if err := d.flushSends(); err != nil {
		return err
	}
	d.outboundCount++

	if d.verbosity > 1 {
		d.logger.Trace().
			Int("len", pos).
			Int("players", count).
			Int("delta", int(buf[0])).
			Msg("queued multi input")
	}
	return nil
}

// CanSend reports whether a record of length bytes would be accepted by
// the outbound queue right now.
func (d *Dist) CanSend(length int) bool {
	return d.canSend(length, d.ioOffset)
}

func (d *Dist) canSend(length, ioOffset int) bool {
	if length < 0 {
		return false
	}

	next := gamebuf.Next(d.out.Tail)
	if !d.server && next == gamebuf.Mod(d.in.Head+ioOffset-1, gamebuf.Window) {
		d.lastErr = fmt.Errorf("%w: output queue caught up with pairing index", ErrOverflow)
		return false
	}

	_, ok := d.out.TryReserve(length, d.reserveIndex(ioOffset))
	return ok
}

func (d *Dist) reserveIndex(ioOffset int) int {
	if d.server {
		return d.out.Head
	}
	return gamebuf.Mod(d.in.Head+ioOffset, gamebuf.Window)
}

// enqueue appends parts as one outbound record.
func (d *Dist) enqueue(lenSize int, parts ...[]byte) error {
	return d.enqueueAt(lenSize, d.ioOffset, parts...)
}

func (d *Dist) enqueueAt(lenSize, ioOffset int, parts ...[]byte) error {
	length := 0
	for _, p := range parts {
		length += len(p)
	}

	next := gamebuf.Next(d.out.Tail)
	if !d.server && next == gamebuf.Mod(d.in.Head+ioOffset-1, gamebuf.Window) {
		return d.fail(fmt.Errorf("%w: next slot %d reaches pairing index", ErrOverflow, next))
	}
	if next == d.out.Head {
		return d.fail(fmt.Errorf("%w: next slot %d reaches unsent head", ErrOverflow, next))
	}
	if !d.out.Reserve(length, d.reserveIndex(ioOffset)) {
		return d.fail(fmt.Errorf("%w: no room for %d bytes", ErrOverflow, length))
	}

	d.out.Push(d.clock.Now(), lenSize, parts...)
	d.updateSendTime()
	return nil
}

// updateSendTime schedules the next input one period after the last one.
// Without multi packets the schedule is kept within half to double a
// period from now.
func (d *Dist) updateSendTime() {
	now := d.clock.Now()
	d.inpNext += uint32(d.rate)

	if d.recvMulti {
		return
	}

	next := int(int32(d.inpNext - now))
	if next < d.rate/2 {
		d.inpNext = now + uint32(d.rate/2)
	}
	if next > d.rate*2 {
		d.inpNext = now + uint32(d.rate*2)
	}
}

// flushSends hands queued records to the link until it would block.
// Nothing is sent while a meta announcement is pending, since it changes
// the packet format.
func (d *Dist) flushSends() error {
	for !d.out.IsEmpty() && d.metaStart == d.metaEnd {
		rec := d.out.Oldest()

		kind := protocol.KindInput
		if d.server {
			kind = protocol.KindInputMulti
			if rec.LenSize == 2 {
				kind = protocol.KindInputMultiFat
			}
		}

		result := d.link.Send(link.Packet{Kind: kind, Data: d.out.Payload(d.out.Head)})
		switch {
		case result > 0:
			d.out.Advance()
		case result < 0:
			d.logger.Error().Int("result", result).Msg("link send failed")
			return d.sticky(fmt.Errorf("%w: result %d", ErrSendFailed, result))
		default:
			return nil
		}
	}
	return nil
}

// sendMeta drains queued meta announcements.
func (d *Dist) sendMeta() {
	for d.metaStart != d.metaEnd {
		m := d.metaToSend[d.metaStart]
		data := protocol.BuildMeta(protocol.MetaPacket{Version: uint8(m.version), Mask: m.mask})

		result := d.link.Send(link.Packet{Kind: protocol.KindInputMeta, Data: data})
		if result == 0 {
			d.logger.Debug().Msg("meta update deferred")
			return
		}
		if result < 0 {
			d.logger.Warn().Int("result", result).Msg("meta update failed")
		} else {
			d.logger.Debug().
				Int("version", m.version).
				Uint32("mask", m.mask).
				Msg("meta update sent")
		}
		d.metaStart = (d.metaStart + 1) % protocol.MetaWindow
	}
}

// sendFlow sends our ready flags and any staged CRC.
func (d *Dist) sendFlow() {
	data := protocol.BuildFlow(protocol.FlowPacket{
		ReadySend: d.readySend,
		ReadyRecv: d.readyRecv,
		CRCValid:  d.localCRCValid,
		CRC:       d.localCRC,
	})
	d.localCRCValid = false

	result := d.link.Send(link.Packet{Kind: protocol.KindInputFlow, Data: data})
	switch {
	case result < 0:
		d.logger.Warn().Int("result", result).Msg("flow update failed")
		d.flowDirty = false
	case result > 0:
		d.flowDirty = false
	default:
		d.logger.Debug().Msg("flow update deferred")
	}
}

// SendStats broadcasts per-player link statistics.
func (d *Dist) SendStats(stats []protocol.LinkStat) int {
	return d.link.Send(link.Packet{Kind: protocol.KindStats, Data: protocol.BuildStats(stats)})
}

func typeAt(types []protocol.DataType, i int) protocol.DataType {
	if i < len(types) {
		return types[i]
	}
	return protocol.TypeNone
}
