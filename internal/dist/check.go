package dist

import "github.com/energizer-project/netgamedist/internal/gamebuf"

// maxWindowMs caps the unacknowledged input window in milliseconds.
const maxWindowMs = 500

// InputCheck reports how long until the next input should be sent and how
// many ticks are ready to query.
func (d *Dist) InputCheck() (sendDelay, ready int) {
	d.linkStats = d.link.Stat()
	now := d.clock.Now()

	if d.inpNext == 0 {
		d.inpNext = now
	}

	if int32(now-d.inpCalc) > 0 {
		d.recalcWindow()
		d.inpCalc = now + uint32(d.rate)
	}

	remain := d.remaining(now)
	if remain > d.rate*2 {
		remain = d.rate * 2
	}
	d.checkWindow(remain, now)
	remain = d.remaining(now)

	switch {
	case d.rate == 0:
		sendDelay = 50
	case !d.out.IsEmpty() || !d.remoteReadyRecv:
		sendDelay = 10
	default:
		sendDelay = remain
	}

	if d.in.IsEmpty() {
		d.Update()
	}
	inData := d.in.Len()
	outData := 1
	if !d.recvMulti {
		outData = d.pendingPairs()
	}
	return sendDelay, min(inData, outData)
}

// recalcWindow sizes the window of unacknowledged inputs to cover the
// link latency.
func (d *Dist) recalcWindow() {
	w := (d.linkStats.Late + d.rate) / d.rate
	if d.recvMulti {
		w *= 2
	}
	w = max(w, d.minWindow)
	w = min(w, d.maxWindow)
	w = min(w, maxWindowMs/d.rate)
	d.inputWindow = w
}

// remaining returns the time until the next scheduled send, at least 0.
func (d *Dist) remaining(now uint32) int {
	return max(int(int32(d.inpNext-now)), 0)
}

// checkWindow stretches the send cycle while too many of our inputs are
// waiting for their remote pair.
func (d *Dist) checkWindow(remain int, now uint32) {
	if d.recvMulti {
		return
	}
	if queue := d.pendingPairs(); queue > d.inputWindow && remain < d.rate/2 {
		d.logger.Trace().
			Int("queue", queue).
			Int("window", d.inputWindow).
			Msg("stretching send cycle")
		d.inpNext = now + uint32(d.rate/2)
	}
}

// pendingPairs counts our inputs not yet paired with a remote one.
func (d *Dist) pendingPairs() int {
	return gamebuf.Mod(d.out.Tail-d.pairIndex(), gamebuf.Window)
}
