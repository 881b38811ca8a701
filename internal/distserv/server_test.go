package distserv

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netgamedist/internal/dist"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t events.EventType) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

type session struct {
	clock   *link.ManualClock
	server  *Server
	rec     *recorder
	clients []*dist.Dist
	links   []*link.MemLink // server ends
}

// newSession starts a server with n connected clients that are ready to
// send and receive.
func newSession(t *testing.T, cfg Config, n int) *session {
	t.Helper()
	s := &session{clock: link.NewManualClock(1000), rec: &recorder{}}

	srv, err := New(cfg, s.clock, WithLogger(zerolog.Nop()), WithPublisher(s.rec))
	if err != nil {
		t.Fatal(err)
	}
	s.server = srv

	for i := 0; i < n; i++ {
		lc, ls := link.Pipe(s.clock, 256)
		if err := srv.AddClient(i, ls, "player"); err != nil {
			t.Fatal(err)
		}
		c := dist.New(lc, s.clock, dist.WithLogger(zerolog.Nop()))
		c.MultiSetup(i, n)
		c.Control(dist.CtlLocalRecv, 1)
		c.Control(dist.CtlLocalSend, 1)
		c.Update()
		s.clients = append(s.clients, c)
		s.links = append(s.links, ls)
	}
	return s
}

func (s *session) tick() {
	s.clock.Advance(uint32(s.server.FixedRate()))
	s.server.Update()
}

func TestNewRejectsBadMaxClients(t *testing.T) {
	for _, n := range []int{0, -1, protocol.MaxPlayers + 1} {
		if _, err := New(DefaultConfig(n), link.NewManualClock(0)); !errors.Is(err, ErrInvalidMaxClients) {
			t.Errorf("max %d: err = %v", n, err)
		}
	}
}

func TestAddDelClient(t *testing.T) {
	s := newSession(t, DefaultConfig(4), 2)
	srv := s.server

	if srv.ClientCount() != 2 {
		t.Fatalf("count = %d", srv.ClientCount())
	}
	if got := s.rec.count(events.EventClientAdded); got != 2 {
		t.Errorf("added events = %d", got)
	}

	_, ls := link.Pipe(s.clock, 8)
	if err := srv.AddClient(0, ls, "dup"); !errors.Is(err, ErrSlotInUse) {
		t.Errorf("add to used slot: %v", err)
	}
	if err := srv.AddClient(7, ls, "far"); !errors.Is(err, ErrBadIndex) {
		t.Errorf("add out of range: %v", err)
	}

	if err := srv.DelClient(1); err != nil {
		t.Fatal(err)
	}
	if srv.ClientCount() != 1 {
		t.Errorf("count after delete = %d", srv.ClientCount())
	}
	if info, _ := srv.Client(1); info.Active || info.Name != "" {
		t.Errorf("deleted slot = %+v", info)
	}
	if srv.Dist(1) != nil {
		t.Error("deleted slot still has a dist")
	}

	long := strings.Repeat("n", 40)
	if err := srv.AddClient(1, ls, long); err != nil {
		t.Fatal(err)
	}
	if info, _ := srv.Client(1); len(info.Name) != maxNameLen {
		t.Errorf("name not truncated: %d", len(info.Name))
	}
	if srv.ClientCount() != 2 {
		t.Errorf("count after re-add = %d", srv.ClientCount())
	}
	if _, total := srv.Dist(0).Players(); total != 2 {
		t.Errorf("players = %d", total)
	}
}

func TestDiscClient(t *testing.T) {
	s := newSession(t, DefaultConfig(2), 2)

	if err := s.server.DiscClient(1); err != nil {
		t.Fatal(err)
	}
	info, _ := s.server.Client(1)
	if info.Active || !info.Disconnected || info.Reason != ReasonDisconnected {
		t.Errorf("disconnected slot = %+v", info)
	}
	if reason, err := s.server.UpdateClient(1); reason != ReasonDisconnected || err != nil {
		t.Errorf("UpdateClient = %s, %v", reason, err)
	}
	if got := s.rec.count(events.EventClientDisconnected); got != 1 {
		t.Errorf("disconnect events = %d", got)
	}
	// the slot stays allocated until deleted
	if s.server.ClientCount() != 2 {
		t.Errorf("count = %d", s.server.ClientCount())
	}
}

func TestFlowEnabledOnceAllReady(t *testing.T) {
	s := newSession(t, DefaultConfig(2), 2)
	if s.server.FlowEnabled() {
		t.Fatal("flow enabled before any update")
	}

	s.tick()
	if !s.server.FlowEnabled() {
		t.Fatal("flow not enabled after all clients reported ready")
	}
	if got := s.rec.count(events.EventFlowChanged); got != 1 {
		t.Errorf("flow events = %d", got)
	}

	s.clients[1].Control(dist.CtlLocalRecv, 0)
	s.clients[1].Update()
	s.tick()
	if s.server.FlowEnabled() {
		t.Error("flow still enabled after a client stopped receiving")
	}
}

func TestInputFanOut(t *testing.T) {
	s := newSession(t, DefaultConfig(2), 2)
	s.tick()

	if err := s.clients[0].InputLocal([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	s.tick()

	info, _ := s.server.Client(0)
	if info.Count != 1 {
		t.Errorf("count = %d", info.Count)
	}

	out := make([]dist.Input, 2)
	got := ""
	for k := 0; k < 4; k++ {
		seq, err := s.clients[1].InputQueryMulti(out)
		if err != nil {
			t.Fatal(err)
		}
		if seq == 0 {
			break
		}
		if out[0].Type.Base() == protocol.TypeInput {
			got = string(out[0].Data)
		}
	}
	if got != "hello" {
		t.Errorf("player 1 got %q from player 0", got)
	}

	// the sender sees its own input paired back
	own := ""
	for k := 0; k < 4; k++ {
		seq, err := s.clients[0].InputQueryMulti(out)
		if err != nil {
			t.Fatal(err)
		}
		if seq == 0 {
			break
		}
		if out[0].Type.Base() == protocol.TypeInput {
			own = string(out[0].Data)
		}
	}
	if own != "hello" {
		t.Errorf("player 0 got own input %q", own)
	}
}

func TestNoInputMode(t *testing.T) {
	s := newSession(t, DefaultConfig(2), 2)

	for k := 0; k < DefaultSendThreshold; k++ {
		s.tick()
	}
	if !s.server.NoInputMode() {
		t.Fatal("server kept sending without input")
	}
	if got := s.rec.count(events.EventNoInputChanged); got != 1 {
		t.Errorf("no input events = %d", got)
	}

	s.clients[0].InputLocal([]byte("x"))
	s.tick()
	if s.server.NoInputMode() {
		t.Error("server still paused with input pending")
	}
}

func TestSingleClientSkipsCRC(t *testing.T) {
	cfg := DefaultConfig(2)
	cfg.CRCRate = 2
	cfg.CRCResponseLimit = 5
	s := newSession(t, cfg, 1)

	for k := 0; k < 3; k++ {
		s.tick()
	}
	if got := s.rec.count(events.EventCRCChallenge); got != 0 {
		t.Errorf("challenges sent to a lone client: %d", got)
	}
	if info, _ := s.server.Client(0); !info.Active {
		t.Error("lone client disconnected")
	}
}

func TestCRCDesyncDisconnectsMinority(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.CRCRate = 1
	cfg.CRCResponseLimit = 3
	s := newSession(t, cfg, 3)

	s.tick()
	if got := s.rec.count(events.EventCRCChallenge); got != 1 {
		t.Fatalf("challenges = %d", got)
	}

	for i, crc := range []int{0xaaaa, 0xaaaa, 0xbbbb} {
		s.clients[i].Control(dist.CtlLocalCRC, crc)
		s.clients[i].Update()
	}
	s.tick()

	for i := 0; i < 2; i++ {
		if info, _ := s.server.Client(i); !info.Active {
			t.Errorf("client %d disconnected with the majority crc", i)
		}
	}
	info, _ := s.server.Client(2)
	if info.Active || info.Reason != ReasonDesynced {
		t.Errorf("client 2 = active %v reason %s", info.Active, info.Reason)
	}

	e, ok := s.rec.last(events.EventCRCDesync)
	if !ok {
		t.Fatal("no desync event")
	}
	res := e.Payload.(events.CRCResultPayload)
	if res.Best != 0xaaaa || res.Tied || len(res.Failed) != 1 || res.Failed[0] != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestCRCTieDisconnectsEveryone(t *testing.T) {
	cfg := DefaultConfig(2)
	cfg.CRCRate = 1
	cfg.CRCResponseLimit = 3
	s := newSession(t, cfg, 2)

	s.tick()
	s.clients[0].Control(dist.CtlLocalCRC, 1)
	s.clients[1].Control(dist.CtlLocalCRC, 2)
	s.clients[0].Update()
	s.clients[1].Update()
	s.tick()

	for i := 0; i < 2; i++ {
		info, _ := s.server.Client(i)
		if info.Active || info.Reason != ReasonDesyncedAllPlayers {
			t.Errorf("client %d = active %v reason %s", i, info.Active, info.Reason)
		}
	}
}

func TestCRCResponseTimeout(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.CRCRate = 1
	cfg.CRCResponseLimit = 3
	s := newSession(t, cfg, 3)

	s.tick()
	for i := 0; i < 2; i++ {
		s.clients[i].Control(dist.CtlLocalCRC, 0x77)
		s.clients[i].Update()
	}

	s.tick()
	if info, _ := s.server.Client(2); !info.Active {
		t.Fatal("silent client disconnected before the response window closed")
	}

	s.tick()
	info, _ := s.server.Client(2)
	if info.Active || info.Reason != ReasonDesynced {
		t.Errorf("silent client = active %v reason %s", info.Active, info.Reason)
	}
	if info, _ := s.server.Client(0); !info.Active {
		t.Error("responding client disconnected")
	}
}

func TestSendFailureDisconnects(t *testing.T) {
	s := newSession(t, DefaultConfig(2), 2)
	s.links[1].SetFailing(true)
	s.tick()

	info, _ := s.server.Client(1)
	if info.Active || info.Reason != ReasonInputLocalFailed {
		t.Fatalf("client 1 = active %v reason %s", info.Active, info.Reason)
	}
	if s.server.ExplainError(1) == "" {
		t.Error("no error text recorded")
	}
	if reason, _ := s.server.UpdateClient(1); reason != ReasonInputLocalFailed {
		t.Errorf("UpdateClient reason = %s", reason)
	}
	if info, _ := s.server.Client(0); !info.Active {
		t.Error("healthy client disconnected")
	}
}

func TestHighWater(t *testing.T) {
	s := newSession(t, DefaultConfig(2), 2)
	s.links[0].SetBlocked(true)

	s.tick()
	s.tick()

	_, out, changed := s.server.HighWaterChanged()
	if !changed || out < 1 {
		t.Fatalf("high water out=%d changed=%v", out, changed)
	}
	if _, _, changed := s.server.HighWaterChanged(); changed {
		t.Error("changed flag not cleared")
	}
}
