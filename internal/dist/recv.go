package dist

import (
	"fmt"

	"github.com/energizer-project/netgamedist/internal/gamebuf"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

// Update flushes pending sends, drains the link into the inbound ring and
// sends queued meta and flow updates. It returns the global sequence
// number and the sticky error, if one is set.
func (d *Dist) Update() (int, error) {
	d.flushSends()

	for !d.in.IsFull() {
		p, ok := d.peekRecv()
		if !ok {
			break
		}

		switch p.Kind {
		case protocol.KindInput, protocol.KindInputMulti, protocol.KindInputMultiFat:
			if err := d.queueInput(p); err != nil {
				return d.globalSeq, err
			}

		case protocol.KindStats:
			d.recvStats = protocol.ParseStats(p.Data)

		case protocol.KindInputFlow:
			flow, err := protocol.ParseFlow(p.Data)
			if err != nil {
				d.logger.Warn().Err(err).Msg("ignoring flow packet")
				continue
			}
			d.remoteReadySend = flow.ReadySend
			d.remoteReadyRecv = flow.ReadyRecv
			if flow.CRCValid {
				d.remoteCRCValid = true
				d.remoteCRC = flow.CRC
			}
			d.logger.Debug().
				Bool("send", flow.ReadySend).
				Bool("recv", flow.ReadyRecv).
				Bool("crc", flow.CRCValid).
				Msg("got flow update")

		case protocol.KindInputMeta:
			m, err := protocol.ParseMeta(p.Data)
			if err != nil {
				d.logger.Warn().Err(err).Msg("ignoring meta packet")
				continue
			}
			d.gotMeta = true
			d.meta[m.Version] = metaInfo{
				mask:    m.Mask,
				players: popcount(m.Mask),
				version: int(m.Version),
			}
			d.logger.Debug().
				Uint8("version", m.Version).
				Uint32("mask", m.Mask).
				Msg("got meta update")
		}
	}

	d.linkStats = d.link.Stat()

	if d.metaStart != d.metaEnd {
		d.sendMeta()
	}
	if d.flowDirty {
		d.sendFlow()
	}

	return d.globalSeq, d.err
}

// peekRecv receives the next packet, unless it is an input that would not
// fit in the inbound arena.
func (d *Dist) peekRecv() (link.Packet, bool) {
	if p, ok := d.link.Peek(inputMask); ok {
		if _, fits := d.in.TryReserve(len(p.Data)+1, d.in.Head); !fits {
			d.logger.Debug().
				Str("kind", p.Kind.String()).
				Int("len", len(p.Data)).
				Msg("inbound buffer full, leaving packet on link")
			return link.Packet{}, false
		}
	}
	return d.link.Recv(recvMask)
}

// queueInput stores an input packet followed by its kind byte.
func (d *Dist) queueInput(p link.Packet) error {
	d.inboundCount++

	next := gamebuf.Next(d.in.Tail)
	if !d.in.IsEmpty() && !d.recvMulti && d.server && d.dropFunc != nil && len(p.Data) > 0 {
		existing := d.in.Payload(gamebuf.Prev(d.in.Tail))
		if len(existing) > 1 &&
			d.dropFunc(existing[1:len(existing)-1], p.Data[1:], protocol.DataType(existing[0]), protocol.DataType(p.Data[0])) {
			next = d.in.Tail
			d.dropCount++
			d.in.Retreat()
		}
	}

	if !d.server && (p.Kind == protocol.KindInputMulti || p.Kind == protocol.KindInputMultiFat) {
		d.recvMulti = true
	}

	if next == d.in.Head {
		d.logger.Error().Msg("inbound queue full")
		return d.sticky(fmt.Errorf("%w: %d records queued", ErrQueueFull, d.in.Len()))
	}
	if !d.in.Reserve(len(p.Data)+1, d.in.Head) {
		d.logger.Error().Int("len", len(p.Data)).Msg("inbound arena exhausted")
		return d.sticky(fmt.Errorf("%w: no room for %d bytes", ErrQueueMemory, len(p.Data)+1))
	}

	tail := d.in.Tail
	d.in.Push(p.When, 1, p.Data, []byte{byte(p.Kind)})
	d.packetID[tail] = d.inboundCount
	return nil
}

// recordKind returns the packet kind stored after an inbound record.
func (d *Dist) recordKind(i int) protocol.Kind {
	rec := d.in.Payload(i)
	return protocol.Kind(rec[len(rec)-1])
}

// headFormat reads the framing parameters of the oldest inbound record:
// the meta entry it refers to, the player count it describes and the
// width of its length fields.
func (d *Dist) headFormat() (metaInfo, int, int) {
	rec := d.in.Payload(d.in.Head)
	lenSize := 1
	if d.recordKind(d.in.Head) == protocol.KindInputMultiFat {
		lenSize = 2
	}

	var meta metaInfo
	players := d.totalPlayers
	if d.gotMeta && d.recvMulti && len(rec) > 2 {
		version := gamebuf.Mod(int(rec[1]), protocol.MetaWindow)
		meta = d.meta[version]
		players = meta.players
		d.lastQueriedVersion = version
	}
	return meta, players, lenSize
}

// InputPeek returns the oldest inbound input without consuming it. The
// payload is copied into buf when buf is non-nil; n is its length. The id
// is the packet id of the input, 0 when none is queued. ErrOverflow is
// returned with the needed size when buf is too small.
func (d *Dist) InputPeek(buf []byte) (id int, typ protocol.DataType, n int, err error) {
	if d.in.IsEmpty() {
		d.Update()
	}
	if d.in.IsEmpty() {
		return 0, 0, 0, nil
	}

	rec := d.in.Payload(d.in.Head)
	_, players, lenSize := d.headFormat()
	if d.recvMulti && d.totalPlayers == 1 {
		players = 2
	}
	layout := protocol.MultiLayout(d.recvMulti, d.gotMeta, players, lenSize)

	n = len(rec) - layout.Payload - 1
	if n < 0 {
		n = 0
	}
	if buf != nil {
		if n > len(buf) {
			return 0, 0, n, d.fail(fmt.Errorf("%w: peek needs %d bytes, have %d", ErrOverflow, n, len(buf)))
		}
		if n > 0 {
			copy(buf, rec[layout.Payload:layout.Payload+n])
		}
	}

	switch {
	case d.recvMulti && layout.Types < len(rec)-1:
		typ = protocol.Nibble(rec[layout.Types:], 0)
	case !d.recvMulti:
		typ = protocol.DataType(rec[0])
	}

	return d.packetID[d.in.Head], typ, n, nil
}

// InputQuery pairs the oldest inbound input with our own in a two-player
// game. ours and theirs may be nil.
func (d *Dist) InputQuery(ours, theirs *Input) (int, error) {
	if d.totalPlayers != 2 {
		return 0, d.fail(fmt.Errorf("%w: %d players", ErrBadSetup, d.totalPlayers))
	}

	var out []Input
	if ours != nil || theirs != nil {
		out = make([]Input, 2)
		if ours != nil {
			out[d.distIndex].Data = ours.Data
		}
		if theirs != nil {
			out[1-d.distIndex].Data = theirs.Data
		}
	}

	seq, err := d.InputQueryMulti(out)
	if seq <= 0 || err != nil || out == nil {
		return seq, err
	}

	if ours != nil {
		*ours = out[d.distIndex]
	}
	if theirs != nil {
		*theirs = out[1-d.distIndex]
	}
	return seq, nil
}

// InputQueryMulti dequeues the oldest complete tick. When out is non-nil it
// must hold one entry per player; each entry receives the player's type
// and payload, reusing the capacity of its Data slice. It returns the new
// global sequence number, or 0 when no tick is ready.
func (d *Dist) InputQueryMulti(out []Input) (int, error) {
	if d.in.IsEmpty() {
		d.Update()
	}

	if d.in.IsEmpty() {
		return 0, nil
	}
	// without multi packets each remote input pairs with one of ours
	if !d.server && !d.recvMulti && d.pairIndex() == d.out.Tail {
		return 0, nil
	}

	if out != nil {
		if len(out) < d.totalPlayers {
			return 0, d.fail(fmt.Errorf("%w: %d outputs for %d players", ErrInvalid, len(out), d.totalPlayers))
		}
		d.unpack(out)
	}

	now := d.clock.Now()
	d.waitTime += int(now - d.in.Oldest().InsertTime)
	d.dequeueCount++
	d.in.Advance()
	d.globalSeq++

	if d.verbosity > 1 {
		for i := 0; i < d.totalPlayers && out != nil; i++ {
			d.logger.Trace().
				Int("seq", d.globalSeq).
				Int("player", i).
				Int("len", len(out[i].Data)).
				Str("type", out[i].Type.String()).
				Msg("tick")
		}
	}
	return d.globalSeq, nil
}

// unpack decodes the head inbound record into out and splices in our own
// input from the outbound ring.
func (d *Dist) unpack(out []Input) {
	rec := d.in.Payload(d.in.Head)
	recvLen := len(rec) - 1

	delta := 1
	if d.recvMulti {
		delta = int(rec[0])
	}

	meta, players, lenSize := d.headFormat()
	if d.recvMulti && players == 1 {
		players = 2
	}

	layout := protocol.MultiLayout(d.recvMulti, d.gotMeta, players, lenSize)
	crcRequest := false
	pos := 0
	count := 0

	for i := 0; i < d.totalPlayers; i++ {
		if i == d.distIndex {
			continue
		}
		if d.gotMeta && meta.mask&(1<<uint(i)) == 0 {
			out[i].Type = protocol.TypeNoData
			out[i].Data = out[i].Data[:0]
			continue
		}

		var n int
		if count == players-2 {
			n = recvLen - pos - layout.Payload
		} else {
			at := layout.Lengths + count*lenSize
			if at+lenSize <= recvLen {
				n = protocol.Length(rec[at:], lenSize)
			}
		}
		if n < 0 {
			n = 0
		}
		if n+pos+layout.Payload > recvLen {
			d.logger.Warn().Int("player", i).Msg("buffer overrun, packet trimmed")
			n = max(recvLen-pos-layout.Payload, 0)
		}

		t := protocol.TypeNone
		if at := layout.Types + count/2; at < recvLen {
			t = protocol.Nibble(rec[layout.Types:], count)
		}

		if t.CarriesData() {
			start := layout.Payload + pos
			out[i].Data = append(out[i].Data[:0], rec[start:start+n]...)
			pos += n
		} else {
			out[i].Data = out[i].Data[:0]
		}

		if !d.crcChallenges {
			t = t.Base()
		}
		if t.HasCRCRequest() {
			crcRequest = true
		}
		out[i].Type = t
		count++
	}

	own := &out[d.distIndex]
	if delta != 0 {
		now := d.clock.Now()
		// skipped inputs were dropped by the server and count as processed
		for k := 0; k < delta-1; k++ {
			slot := gamebuf.Mod(d.in.Head+d.ioOffset+k, gamebuf.Window)
			d.procTime += int(now - d.out.Slots[slot].InsertTime)
			d.procCount++
		}

		d.ioOffset = gamebuf.Mod(d.ioOffset+delta-1, gamebuf.Window)
		ours := d.pairIndex()
		if d.out.Slots[ours].Len != 0 {
			data := d.out.Payload(ours)
			own.Type = protocol.DataType(data[0])
			own.Data = append(own.Data[:0], data[1:]...)
			d.procTime += int(now - d.out.Slots[ours].InsertTime)
			d.procCount++
		} else {
			d.logger.Warn().Int("slot", ours).Msg("invalid pairing index between input and output queue")
			own.Type = protocol.TypeNone
			own.Data = own.Data[:0]
		}
	} else {
		d.ioOffset = gamebuf.Mod(d.ioOffset-1, gamebuf.Window)
		own.Type = protocol.TypeNone
		own.Data = own.Data[:0]
	}

	if crcRequest {
		own.Type |= protocol.TypeCRCRequest
		d.crcPending = true
	}
}
