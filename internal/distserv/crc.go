package distserv

import "github.com/energizer-project/netgamedist/internal/events"

// crcBuckets bounds the number of distinct CRC values compared in a vote.
const crcBuckets = 64

// voteCRC picks the most common CRC among responses. tied is set when
// another value was reported just as often. Values beyond the first
// crcBuckets distinct ones are not counted.
func voteCRC(responses []uint32) (best uint32, tied bool) {
	var (
		values [crcBuckets]uint32
		counts [crcBuckets]int
		used   int
		top    int
	)

	for _, crc := range responses {
		k := 0
		for k < used && values[k] != crc {
			k++
		}
		if k == used {
			if used == crcBuckets {
				continue
			}
			values[k] = crc
			used++
		}
		counts[k]++
		if counts[k] > top {
			top = counts[k]
			best = values[k]
		}
	}

	for k := 0; k < used; k++ {
		if counts[k] == top && values[k] != best {
			tied = true
		}
	}
	return best, tied
}

// handleCRCResponses votes once every active client answered or the
// response window closed, and disconnects every client that disagrees
// with the majority.
func (s *Server) handleCRCResponses() {
	var responses []uint32
	waiting := false
	for i := range s.clients {
		c := &s.clients[i]
		if !c.active() {
			continue
		}
		if !c.crcValid {
			waiting = true
			continue
		}
		responses = append(responses, c.crc)
	}

	if waiting && s.crcCountdown != 0 {
		return
	}

	best, tied := voteCRC(responses)
	result := events.CRCResultPayload{Best: best, Tied: tied}

	for i := range s.clients {
		c := &s.clients[i]
		if !c.active() {
			continue
		}

		if !c.crcValid || c.crc != best || tied {
			s.logger.Warn().
				Int("client", i).
				Bool("responded", c.crcValid).
				Uint32("crc", c.crc).
				Uint32("best", best).
				Bool("tied", tied).
				Msg("client failed crc challenge")

			reason := ReasonDesynced
			if tied {
				reason = ReasonDesyncedAllPlayers
			}
			result.Failed = append(result.Failed, i)
			s.discClient(i, reason)
		} else {
			s.logger.Trace().Int("client", i).Uint32("crc", c.crc).Msg("client passed crc challenge")
			result.Passed = append(result.Passed, i)
		}

		c.crcValid = false
		c.crc = 0
	}

	s.crcCountdown = 0
	s.crcRemaining = s.crcRate

	if len(result.Failed) > 0 {
		s.emit(events.EventCRCDesync, result)
	}
}
