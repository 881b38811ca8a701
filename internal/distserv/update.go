package distserv

import (
	"errors"

	"github.com/energizer-project/netgamedist/internal/dist"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/gamebuf"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

// Update runs one server tick. It is expected to be called every
// FixedRate milliseconds.
func (s *Server) Update() {
	now := s.clock.Now()
	if s.lastStats == 0 || int32(now-s.lastStats) > int32(s.statsInterval) {
		s.lastStats = now
		s.broadcastStats()
	}
	s.trackHighWater()

	for i := range s.clients {
		c := &s.clients[i]
		if !c.active() {
			continue
		}

		if !c.hasLocalInput {
			id, typ, n, err := c.dist.InputPeek(c.localInput[:cap(c.localInput)])
			c.reallyPeeked = true
			s.sanityCheckIn(i, id > 0)
			if err != nil {
				s.logger.Error().Err(err).Int("client", i).Msg("peek error")
				s.discClient(i, ReasonPeekError)
				continue
			}
			if id > 0 {
				c.localInput = c.localInput[:n]
				c.localType = typ
				c.hasLocalInput = true
				c.peekKey = id
			}
		}

		send, recv := c.dist.RemoteReady()
		if send != c.remoteSend || recv != c.remoteRecv {
			c.remoteSend = send
			c.remoteRecv = recv
			s.logger.Info().
				Int("client", i).
				Bool("send", send).
				Bool("recv", recv).
				Msg("client flow update")
			s.flowControl()
			s.lastFlowUpdate = s.clock.Now()
		}
	}

	p := s.prepareInputs()
	if p.dataAvailable {
		s.framesNoData = 0
	} else {
		s.framesNoData++
	}

	threshold := s.sendThreshold
	if !s.flowEnabled {
		threshold = 1
	}

	prevNoInput := s.noInputMode
	if threshold == 0 || s.framesNoData < threshold {
		s.noInputMode = false
		s.sendTick(p)
	} else {
		s.noInputMode = true
	}

	if prevNoInput != s.noInputMode {
		if !s.noInputModeChanged {
			s.logger.Debug().
				Bool("no_input", s.noInputMode).
				Msg("sampling interval marked invalid for ocnt, no input mode changed")
		}
		s.noInputModeChanged = true
		s.emit(events.EventNoInputChanged, events.NoInputPayload{Enabled: s.noInputMode})
	}

	s.firstClient = (s.firstClient + 1) % len(s.clients)
}

// prepareInputs fills the per-tick type and payload tables from the held
// client inputs, as decided by planPacket.
func (s *Server) prepareInputs() plan {
	in := make([]planInput, len(s.clients))
	for i := range s.clients {
		c := &s.clients[i]
		in[i] = planInput{
			active:    c.active(),
			pending:   c.hasLocalInput,
			droppable: c.localType.Base() == protocol.TypeInputDroppable,
			size:      len(c.localInput),
		}
	}

	p := planPacket(in, protocol.ServerSoftCap, s.firstClient)

	for i := range s.clients {
		c := &s.clients[i]
		s.types[i] = protocol.TypeNone
		s.payloads[i] = nil

		switch {
		case !c.active():
			s.types[i] = protocol.TypeDisconnect
		case p.included[i]:
			s.types[i] = c.localType
			s.payloads[i] = c.localInput
		case p.dropped[i]:
			s.logger.Debug().Int("client", i).Int("first", s.firstClient).Msg("dropping input")
		case c.hasLocalInput:
			s.logger.Debug().Int("client", i).Int("first", s.firstClient).Msg("delaying input")
		}

		if p.used[i] {
			c.count += c.peekKey
		}
	}
	return p
}

// sendTick schedules CRC challenges, sends one multi packet per client and
// advances every client by one tick.
func (s *Server) sendTick(p plan) {
	s.scheduleCRC()

	crcEvent := false
	active := 0
	newFlow := make([]bool, len(s.clients))
	peekID := make([]int, len(s.clients))
	peekType := make([]protocol.DataType, len(s.clients))
	peekLen := make([]int, len(s.clients))

	for i := range s.clients {
		c := &s.clients[i]
		if !c.active() {
			continue
		}
		active++

		if s.crcCountdown > 0 {
			if crc, ok := c.dist.RemoteCRC(); ok {
				c.crc = crc
				c.crcValid = true
				crcEvent = true
				s.logger.Trace().Int("client", i).Uint32("crc", crc).Msg("got crc response")
			}
		}

		// a held input was not peeked this tick, so look at what follows it
		if !c.reallyPeeked {
			id, typ, n, err := c.dist.InputPeek(s.peekBuf[i])
			if err == nil && id > 0 {
				newFlow[i] = true
				peekID[i], peekType[i], peekLen[i] = id, typ, n
			}
		}
		c.reallyPeeked = false

		if err := c.dist.InputLocalMulti(s.types, s.payloads, c.peekKey); err != nil {
			s.logger.Error().Err(err).Int("client", i).Str("name", c.name).Msg("queueing multi input failed")
			s.discClient(i, inputLocalReason(err))
			continue
		}
		s.outputCount++

		if p.used[i] || p.dropped[i] {
			c.hasLocalInput = false
			c.peekKey = 0
		}

		s.sanityCheckOut(i, true)

		if _, err := c.dist.InputQueryMulti(nil); err != nil {
			s.logger.Error().Err(err).Int("client", i).Msg("advancing client failed")
			s.discClient(i, ReasonInputQueryFailed)
			continue
		}

		if newFlow[i] && !p.used[i] {
			s.logger.Warn().Int("client", i).Msg("getting behind on delayed input")
			s.discClient(i, ReasonInputQueryFailed)
			continue
		}
	}

	if s.statClientCount != active {
		if !s.clientCountChanged {
			s.logger.Debug().
				Int("clients", active).
				Msg("sampling interval marked invalid for icnt, ocnt and drop, client count changed")
		}
		s.clientCountChanged = true
		s.statClientCount = active
	}

	for i := range s.clients {
		if !newFlow[i] {
			continue
		}
		c := &s.clients[i]
		c.localInput = append(c.localInput[:0], s.peekBuf[i][:peekLen[i]]...)
		c.localType = peekType[i]
		c.peekKey = peekID[i]
		c.hasLocalInput = true
		s.sanityCheckIn(i, true)
	}

	if s.crcCountdown > 0 || crcEvent {
		if s.flowEnabled && s.crcCountdown > 0 {
			s.crcCountdown--
		}
		if crcEvent || s.crcCountdown == 0 {
			s.handleCRCResponses()
		}
	}
}

// scheduleCRC counts down to the next challenge and tags every type of
// this tick with the request bit when it is due. Challenges are never
// sent to a lone client.
func (s *Server) scheduleCRC() {
	if s.crcRemaining == 0 {
		return
	}
	if s.flowEnabled {
		s.crcRemaining--
	}
	if s.crcRemaining != 0 {
		return
	}

	active := 0
	for i := range s.clients {
		if s.clients[i].active() {
			active++
		}
	}
	if active <= 1 {
		s.crcRemaining = s.crcRate
		s.crcCountdown = 0
		return
	}

	for i := range s.types {
		s.types[i] |= protocol.TypeCRCRequest
	}
	s.crcCountdown = s.crcResponseLimit
	s.logger.Debug().Int("clients", active).Int("limit", s.crcResponseLimit).Msg("issuing crc challenge")
	s.emit(events.EventCRCChallenge, events.CRCChallengePayload{
		Clients:       active,
		ResponseLimit: s.crcResponseLimit,
	})
}

func inputLocalReason(err error) Reason {
	switch {
	case errors.Is(err, dist.ErrInvalid):
		return ReasonInputLocalFailedInvalid
	case errors.Is(err, dist.ErrOverflowMulti):
		return ReasonInputLocalFailedMulti
	case errors.Is(err, dist.ErrOverflowWindow):
		return ReasonInputLocalFailedWindow
	default:
		return ReasonInputLocalFailed
	}
}

// flowControl enables flow only while every active client is ready to
// receive, and pushes the result to all of them.
func (s *Server) flowControl() {
	prev := s.flowEnabled
	s.flowEnabled = true

	active := 0
	for i := range s.clients {
		c := &s.clients[i]
		if c.active() {
			active++
			if !c.remoteRecv {
				s.flowEnabled = false
			}
		}
	}

	s.logger.Debug().Bool("enabled", s.flowEnabled).Msg("sending flow update")
	for i := range s.clients {
		c := &s.clients[i]
		if c.active() && c.dist != nil {
			c.dist.Control(dist.CtlLocalRecv, boolInt(s.flowEnabled))
		}
	}

	if prev != s.flowEnabled {
		if !s.flowEnabledChanged {
			s.logger.Debug().
				Bool("enabled", s.flowEnabled).
				Msg("sampling interval marked invalid for icnt and drop, flow control changed")
		}
		s.flowEnabledChanged = true
		s.emit(events.EventFlowChanged, events.FlowPayload{Enabled: s.flowEnabled, Clients: active})
	}
}

// updateMulti announces the current player set to every client after a
// slot is filled or cleared.
func (s *Server) updateMulti() {
	var mask uint32
	last := 0
	for i := range s.clients {
		if s.clients[i].initialized {
			last = i
			mask |= 1 << uint(i)
		}
	}

	s.metaVersion++
	s.totalPlayers = last + 1

	for i := range s.clients {
		c := &s.clients[i]
		if c.dist == nil {
			continue
		}
		s.logger.Debug().
			Int("client", i).
			Int("players", s.totalPlayers).
			Uint32("mask", mask).
			Int("version", s.metaVersion).
			Msg("multi setup")
		c.dist.MultiSetup(i, s.totalPlayers)
		c.dist.MetaSetup(true, mask, s.metaVersion)
	}
}

// broadcastStats sends every client the link stats of all players.
func (s *Server) broadcastStats() {
	for i := range s.clients {
		c := &s.clients[i]
		if !c.active() {
			s.stats[i] = protocol.LinkStat{}
			continue
		}

		st := c.dist.LinkStats()
		s.stats[i] = protocol.LinkStat{
			Late:         clamp16(st.Late),
			Bps:          clamp16(st.OutBps),
			Pps:          clamp8(st.OutPps),
			SendQueueLen: clamp8(st.SendQueueLen),
			NakSent:      uint8(st.NakSent - c.nakSent),
			PacketsLost:  uint8(st.PacketsLost - c.packetsLost),
		}
		c.nakSent = st.NakSent
		c.packetsLost = st.PacketsLost
	}

	players := min(s.totalPlayers, len(s.stats))
	for i := range s.clients {
		c := &s.clients[i]
		if c.active() {
			c.dist.SendStats(s.stats[:players])
		}
	}
}

// trackHighWater records the deepest inbound and outbound queues seen.
func (s *Server) trackHighWater() {
	for i := range s.clients {
		c := &s.clients[i]
		if !c.active() {
			continue
		}

		in := gamebuf.Mod(c.dist.Status(dist.StatInTail)-c.dist.Status(dist.StatInHead), gamebuf.Window)
		if in > s.highWaterIn {
			s.highWaterIn = in
			s.highWaterChanged = true
		}
		out := gamebuf.Mod(c.dist.Status(dist.StatOutTail)-c.dist.Status(dist.StatOutHead), gamebuf.Window)
		if out > s.highWaterOut {
			s.highWaterOut = out
			s.highWaterChanged = true
		}
	}
}

// HighWaterChanged returns the deepest queues seen so far and whether
// either grew since the last call.
func (s *Server) HighWaterChanged() (in, out int, changed bool) {
	changed = s.highWaterChanged
	s.highWaterChanged = false
	if changed {
		s.logger.Debug().Int("in", s.highWaterIn).Int("out", s.highWaterOut).Msg("queue high water changed")
	}
	return s.highWaterIn, s.highWaterOut, changed
}

func clamp16(v int) uint16 {
	return uint16(max(0, min(v, 0xffff)))
}

func clamp8(v int) uint8 {
	return uint8(max(0, min(v, 0xff)))
}
