package link

import "sync"

// MemLink is one end of an in-memory duplex link.
type MemLink struct {
	mu      sync.Mutex
	clock   Clock
	peer    *MemLink
	inbox   []Packet
	depth   int
	blocked bool
	failing bool
	late    int

	sentPackets int
	sentBytes   int
}

// Pipe creates two connected links. depth bounds each inbox; a send into a
// full inbox would block.
func Pipe(clock Clock, depth int) (*MemLink, *MemLink) {
	a := &MemLink{clock: clock, depth: depth}
	b := &MemLink{clock: clock, depth: depth}
	a.peer = b
	b.peer = a
	return a, b
}

// SetBlocked makes Send report would-block while on.
func (l *MemLink) SetBlocked(on bool) {
	l.mu.Lock()
	l.blocked = on
	l.mu.Unlock()
}

// SetFailing makes Send report a fatal error while on.
func (l *MemLink) SetFailing(on bool) {
	l.mu.Lock()
	l.failing = on
	l.mu.Unlock()
}

// SetLate sets the latency reported by Stat.
func (l *MemLink) SetLate(ms int) {
	l.mu.Lock()
	l.late = ms
	l.mu.Unlock()
}

// Send queues a copy of p on the peer.
func (l *MemLink) Send(p Packet) int {
	l.mu.Lock()
	blocked, failing := l.blocked, l.failing
	l.mu.Unlock()

	if failing {
		return -1
	}
	if blocked {
		return 0
	}

	data := make([]byte, len(p.Data))
	copy(data, p.Data)

	peer := l.peer
	peer.mu.Lock()
	if peer.depth > 0 && len(peer.inbox) >= peer.depth {
		peer.mu.Unlock()
		return 0
	}
	peer.inbox = append(peer.inbox, Packet{Kind: p.Kind, Data: data, When: l.clock.Now()})
	peer.mu.Unlock()

	l.mu.Lock()
	l.sentPackets++
	l.sentBytes += len(data)
	l.mu.Unlock()
	return 1
}

// Peek returns the first inbound packet selected by mask.
func (l *MemLink) Peek(mask uint64) (Packet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range l.inbox {
		if matches(p, mask) {
			return p, true
		}
	}
	return Packet{}, false
}

// Recv removes and returns the first inbound packet selected by mask.
func (l *MemLink) Recv(mask uint64) (Packet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, p := range l.inbox {
		if matches(p, mask) {
			l.inbox = append(l.inbox[:i], l.inbox[i+1:]...)
			return p, true
		}
	}
	return Packet{}, false
}

// Pending returns the number of inbound packets not yet received.
func (l *MemLink) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbox)
}

// Stat reports counters since creation.
func (l *MemLink) Stat() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Late:   l.late,
		Ping:   l.late * 2,
		OutBps: l.sentBytes,
		OutPps: l.sentPackets,
		Tick:   l.clock.Now(),
	}
}
