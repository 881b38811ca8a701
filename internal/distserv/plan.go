package distserv

// planInput is one client slot as seen by the packet planner.
type planInput struct {
	active    bool // initialized and not disconnected
	pending   bool // holds an input waiting to be sent
	droppable bool
	size      int
}

// plan is the outcome of planPacket, indexed by client slot.
type plan struct {
	included      []bool // input goes into this tick's packet
	used          []bool // slot consumed this tick (sent or nothing to send)
	dropped       []bool // droppable input discarded for lack of budget
	dataAvailable bool
}

// planPacket decides which pending inputs fit in one tick's packet.
//
// Non-droppable inputs are sized first, in rotation order starting at
// first, for as long as they fit under budget. Droppable inputs share what
// is left and are dropped once it runs out. Non-droppable inputs that do
// not fit are delayed to a later tick. Rotating first between ticks keeps
// any one slot from being starved.
func planPacket(clients []planInput, budget, first int) plan {
	n := len(clients)
	p := plan{
		included: make([]bool, n),
		used:     make([]bool, n),
		dropped:  make([]bool, n),
	}
	if n == 0 {
		return p
	}

	allowed := 0
	for k := 0; k < n; k++ {
		c := clients[(k+first)%n]
		if c.active && c.pending && !c.droppable && allowed+c.size < budget {
			allowed += c.size
		}
	}
	allowedDroppable := budget - allowed

	running, runningDroppable := 0, 0
	for k := 0; k < n; k++ {
		i := (k + first) % n
		c := clients[i]

		if c.active && c.pending {
			if c.droppable {
				runningDroppable += c.size
				if runningDroppable > allowedDroppable {
					p.dropped[i] = true
					continue
				}
			} else {
				running += c.size
				if running > allowed {
					continue
				}
			}
			p.included[i] = true
			p.dataAvailable = true
		}
		p.used[i] = true
	}
	return p
}
