package dist

import (
	"github.com/energizer-project/netgamedist/internal/gamebuf"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

// ControlSel selects a parameter changed by Control.
type ControlSel int

const (
	CtlClear         ControlSel = iota // clri
	CtlCRCChallenges                   // crcs
	CtlLocalCRC                        // lcrc
	CtlLocalRecv                       // lrcv
	CtlLocalSend                       // lsnd
	CtlMaxWindow                       // maxi
	CtlMinWindow                       // mini
	CtlRate                            // rate
	CtlVerbose                         // spam
)

var controlNames = [...]string{
	CtlClear:         "clri",
	CtlCRCChallenges: "crcs",
	CtlLocalCRC:      "lcrc",
	CtlLocalRecv:     "lrcv",
	CtlLocalSend:     "lsnd",
	CtlMaxWindow:     "maxi",
	CtlMinWindow:     "mini",
	CtlRate:          "rate",
	CtlVerbose:       "spam",
}

func (c ControlSel) String() string {
	if c >= 0 && int(c) < len(controlNames) {
		return controlNames[c]
	}
	return "????"
}

// ParseControlSel maps a four-letter selector name to its ControlSel.
func ParseControlSel(name string) (ControlSel, bool) {
	for i, n := range controlNames {
		if n == name {
			return ControlSel(i), true
		}
	}
	return 0, false
}

// Control changes a parameter. The result is selector specific; -1 means
// the selector is unknown.
func (d *Dist) Control(sel ControlSel, value int) int {
	switch sel {
	case CtlClear:
		d.Clear()
		return 0

	case CtlCRCChallenges:
		d.crcChallenges = value != 0
		return 0

	case CtlLocalCRC:
		d.flowDirty = true
		d.localCRC = uint32(value)
		d.localCRCValid = true
		d.crcPending = false
		return 0

	case CtlLocalRecv:
		if ready := value != 0; ready != d.readyRecv {
			d.flowDirty = true
			d.readyRecv = ready
			d.logger.Debug().Bool("ready", ready).Msg("local receive flow changed")
		}
		return boolInt(d.readyRecv)

	case CtlLocalSend:
		if ready := value != 0; ready != d.readySend {
			d.flowDirty = true
			d.readySend = ready
			d.logger.Debug().Bool("ready", ready).Msg("local send flow changed")
		}
		return boolInt(d.readySend)

	case CtlMaxWindow:
		if value >= 0 {
			d.maxWindow = value
		}
		return d.maxWindow

	case CtlMinWindow:
		if value >= 0 {
			d.minWindow = value
		}
		return d.minWindow

	case CtlRate:
		d.InputRate(value)
		return d.rate

	case CtlVerbose:
		d.verbosity = value
		return 0
	}
	return -1
}

// StatusSel selects a value read by Status.
type StatusSel int

const (
	StatDequeued       StatusSel = iota // dcnt
	StatDropped                         // drop
	StatInbound                         // icnt
	StatLate                            // late
	StatPlayers                         // mult
	StatOutbound                        // ocnt
	StatPacketLatency                   // plat
	StatProcessed                       // pcnt
	StatProcessTime                     // prti
	StatPacketWindow                    // pwin
	StatQueriedVersion                  // qver
	StatRate                            // rate
	StatRemoteCRC                       // rcrc
	StatRemoteRecv                      // rrcv
	StatRemoteSend                      // rsnd
	StatWaitTime                        // wait
	StatWindow                          // wind
	StatInHead                          // ?cmp
	StatInTail                          // ?inp
	StatOutTail                         // ?out
	StatOutHead                         // ?snd
)

var statusNames = [...]string{
	StatDequeued:       "dcnt",
	StatDropped:        "drop",
	StatInbound:        "icnt",
	StatLate:           "late",
	StatPlayers:        "mult",
	StatOutbound:       "ocnt",
	StatPacketLatency:  "plat",
	StatProcessed:      "pcnt",
	StatProcessTime:    "prti",
	StatPacketWindow:   "pwin",
	StatQueriedVersion: "qver",
	StatRate:           "rate",
	StatRemoteCRC:      "rcrc",
	StatRemoteRecv:     "rrcv",
	StatRemoteSend:     "rsnd",
	StatWaitTime:       "wait",
	StatWindow:         "wind",
	StatInHead:         "?cmp",
	StatInTail:         "?inp",
	StatOutTail:        "?out",
	StatOutHead:        "?snd",
}

func (s StatusSel) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "????"
}

// ParseStatusSel maps a four-letter selector name to its StatusSel.
func ParseStatusSel(name string) (StatusSel, bool) {
	for i, n := range statusNames {
		if n == name {
			return StatusSel(i), true
		}
	}
	return 0, false
}

// Status reads a counter or flag. Reading StatRemoteCRC consumes the held
// remote CRC and returns it, or -1 when none is held. Unknown selectors
// return -1.
func (d *Dist) Status(sel StatusSel) int {
	switch sel {
	case StatDequeued:
		return d.dequeueCount
	case StatDropped:
		return d.dropCount
	case StatInbound:
		return d.inboundCount
	case StatLate:
		return d.linkStats.Late
	case StatPlayers:
		return d.totalPlayers
	case StatOutbound:
		return d.outboundCount
	case StatPacketLatency:
		return gamebuf.Mod(d.out.Tail-d.pairIndex(), gamebuf.Window)
	case StatProcessed:
		return d.procCount
	case StatProcessTime:
		return d.procTime
	case StatPacketWindow:
		return gamebuf.Window
	case StatQueriedVersion:
		return d.lastQueriedVersion
	case StatRate:
		return d.rate
	case StatRemoteCRC:
		crc, ok := d.RemoteCRC()
		if !ok {
			return -1
		}
		return int(crc)
	case StatRemoteRecv:
		return boolInt(d.remoteReadyRecv)
	case StatRemoteSend:
		return boolInt(d.remoteReadySend)
	case StatWaitTime:
		return d.waitTime
	case StatWindow:
		return d.inputWindow
	case StatInHead:
		return d.in.Head
	case StatInTail:
		return d.in.Tail
	case StatOutTail:
		return d.out.Tail
	case StatOutHead:
		return d.out.Head
	}
	return -1
}

// RemoteCRC returns the CRC last reported by the remote side and clears
// it. The second result is false when none was held.
func (d *Dist) RemoteCRC() (uint32, bool) {
	crc, ok := d.remoteCRC, d.remoteCRCValid
	d.remoteCRC = 0
	d.remoteCRCValid = false
	return crc, ok
}

// RemoteReady returns the remote side's flow flags.
func (d *Dist) RemoteReady() (send, recv bool) {
	return d.remoteReadySend, d.remoteReadyRecv
}

// LinkStats refreshes and returns the link statistics.
func (d *Dist) LinkStats() link.Stats {
	d.linkStats = d.link.Stat()
	return d.linkStats
}

// RecvStats returns the per-player statistics last broadcast by the
// server. The slice is owned by the Dist.
func (d *Dist) RecvStats() []protocol.LinkStat {
	return d.recvStats
}

// Players returns our index and the number of players.
func (d *Dist) Players() (index, total int) {
	return d.distIndex, d.totalPlayers
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
