package distserv

// No-input escalation thresholds in milliseconds.
const (
	noInputWarn     = 200
	noInputSevere   = 500
	noInputCritical = 1000

	// maxRateMultiple is how many fixed-rate periods may pass without a
	// peek or a send before it is reported.
	maxRateMultiple = 3
)

// sanityTimes tracks per-client activity for diagnostics only. Nothing
// here disconnects a client.
type sanityTimes struct {
	recv     uint32
	peek     uint32
	send     uint32
	escalate int
}

// sanityCheckIn records the result of an input peek and logs clients that
// stopped sending, escalating through the no-input tiers.
func (s *Server) sanityCheckIn(i int, got bool) {
	if !s.flowEnabled {
		return
	}

	now := s.clock.Now()
	st := &s.clients[i].sanity

	delay := int(int32(now - st.recv))
	if got {
		st.recv = now
		if delay < noInputWarn {
			st.escalate = 0
		}
	}

	switch {
	case delay > noInputWarn && st.recv != 0 && st.escalate < 1:
		s.logger.Info().Int("client", i).Int("threshold_ms", noInputWarn).Msg("no input from client")
		st.escalate = 1
	case delay > noInputSevere && st.recv != 0 && st.escalate < 2:
		s.logger.Warn().Int("client", i).Int("threshold_ms", noInputSevere).Msg("no input from client")
		st.escalate = 2
	case delay > noInputCritical && st.recv != 0:
		s.logger.Error().Int("client", i).Int("threshold_ms", noInputCritical).Msg("no input from client")
		st.recv = now
		st.escalate = 0
	}

	delay = int(int32(now - st.peek))
	st.peek = now
	if delay > s.fixedRate*maxRateMultiple {
		s.logger.Debug().Int("client", i).Int("delay_ms", delay).Msg("no peek")
	}
}

// sanityCheckOut records a successful send and logs long gaps between
// sends.
func (s *Server) sanityCheckOut(i int, sent bool) {
	now := s.clock.Now()
	st := &s.clients[i].sanity

	delay := int(int32(now - st.send))
	if sent {
		st.send = now
	}
	if delay > s.fixedRate*maxRateMultiple && st.send != 0 {
		s.logger.Debug().Int("client", i).Int("delay_ms", delay).Msg("no send")
		st.send = now
	}
}
