package distserv

import (
	"fmt"

	"github.com/energizer-project/netgamedist/internal/dist"
)

// ControlSel selects a server parameter changed by Control.
type ControlSel int

const (
	CtlCRCRate          ControlSel = iota // crcc
	CtlCRCResponseLimit                   // crcr
	CtlSendThreshold                      // mpty
	CtlFixedRate                          // rate
	CtlResetStats                         // rsta
)

var controlNames = [...]string{
	CtlCRCRate:          "crcc",
	CtlCRCResponseLimit: "crcr",
	CtlSendThreshold:    "mpty",
	CtlFixedRate:        "rate",
	CtlResetStats:       "rsta",
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

// Control changes a server parameter. It returns 0, or -1 for an unknown
// selector.
func (s *Server) Control(sel ControlSel, value int) int {
	switch sel {
	case CtlCRCRate:
		if value != s.crcRate {
			s.crcRate = value
			s.crcRemaining = value
			s.logger.Info().Int("rate", value).Msg("crc challenge rate changed")
		}
	case CtlCRCResponseLimit:
		s.crcResponseLimit = value
	case CtlSendThreshold:
		s.sendThreshold = value
	case CtlFixedRate:
		s.fixedRate = value
	case CtlResetStats:
		s.clientCountChanged = false
		s.flowEnabledChanged = false
		s.noInputModeChanged = false
	default:
		return -1
	}
	return 0
}

// FixedRate returns the configured tick period in milliseconds.
func (s *Server) FixedRate() int { return s.fixedRate }

// StatusSel selects a server statistic read by Status.
type StatusSel int

const (
	StatClientCount StatusSel = iota // clnu
	StatDropped                      // drop
	StatFlowTime                     // ftim
	StatInbound                      // icnt
	StatNoInput                      // ninp
	StatOutbound                     // ocnt
)

var statusNames = [...]string{
	StatClientCount: "clnu",
	StatDropped:     "drop",
	StatFlowTime:    "ftim",
	StatInbound:     "icnt",
	StatNoInput:     "ninp",
	StatOutbound:    "ocnt",
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

// Status reads a server statistic. index selects the client for the
// per-client counters (drop, icnt) and is ignored otherwise.
//
// valid is false when the sampling interval is not usable for rate
// computations: the client count, flow state or no-input mode changed
// since the last CtlResetStats, or flow or output is currently paused.
func (s *Server) Status(sel StatusSel, index int) (value int, valid bool, err error) {
	switch sel {
	case StatClientCount:
		return s.statClientCount, true, nil

	case StatDropped, StatInbound:
		c, err := s.slot(index)
		if err != nil {
			return 0, false, err
		}
		if !c.active() {
			return 0, false, fmt.Errorf("%w: %d", ErrNotConnected, index)
		}
		if sel == StatDropped {
			value = c.dist.Status(dist.StatDropped)
		} else {
			value = c.dist.Status(dist.StatInbound)
		}
		valid = !s.clientCountChanged && !s.flowEnabledChanged && s.flowEnabled
		return value, valid, nil

	case StatFlowTime:
		return int(int32(s.clock.Now() - s.lastFlowUpdate)), true, nil

	case StatNoInput:
		return boolInt(s.noInputMode), true, nil

	case StatOutbound:
		valid = s.statClientCount != 0 && !s.clientCountChanged && !s.noInputModeChanged && !s.noInputMode
		return s.outputCount, valid, nil
	}
	return 0, false, fmt.Errorf("%w: %d", ErrUnknownSelector, int(sel))
}
