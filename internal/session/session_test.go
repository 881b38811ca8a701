package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/dist"
	"github.com/energizer-project/netgamedist/internal/distserv"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/link"
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

type fakeCloser struct {
	closed int
}

func (f *fakeCloser) Close() error {
	f.closed++
	return nil
}

type harness struct {
	clock   *link.ManualClock
	sess    *Session
	rec     *recorder
	clients []*dist.Dist
	closers []*fakeCloser
}

func testConfig(maxClients int) config.SessionConfig {
	cfg := config.DefaultConfig().Session
	cfg.MaxClients = maxClients
	cfg.CRCRate = 0
	return cfg
}

func newHarness(t *testing.T, maxClients int) *harness {
	t.Helper()
	h := &harness{clock: link.NewManualClock(1000), rec: &recorder{}}
	sess, err := New(testConfig(maxClients), WithClock(h.clock), WithPublisher(h.rec), WithID("test-session"))
	if err != nil {
		t.Fatal(err)
	}
	h.sess = sess
	return h
}

// join attaches a client that is ready to send and receive.
func (h *harness) join(t *testing.T, name string) int {
	t.Helper()
	lc, ls := link.Pipe(h.clock, 256)
	closer := &fakeCloser{}
	idx, err := h.sess.Attach(ls, name, "10.0.0.1:5000", closer, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := dist.New(lc, h.clock, dist.WithLogger(zerolog.Nop()))
	c.Control(dist.CtlLocalRecv, 1)
	c.Control(dist.CtlLocalSend, 1)
	c.Update()
	h.clients = append(h.clients, c)
	h.closers = append(h.closers, closer)
	return idx
}

func (h *harness) tick() {
	h.clock.Advance(uint32(h.sess.FixedRate() / time.Millisecond))
	h.sess.Tick()
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(testConfig(0)); err == nil {
		t.Fatal("expected error for zero clients")
	}
}

func TestNewGeneratesID(t *testing.T) {
	a, err := New(testConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := New(testConfig(2))
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("ids not unique: %q %q", a.ID(), b.ID())
	}
}

func TestAttachFillsLowestFreeSlot(t *testing.T) {
	h := newHarness(t, 2)

	if idx := h.join(t, "alice"); idx != 0 {
		t.Fatalf("first slot = %d", idx)
	}
	if idx := h.join(t, "bob"); idx != 1 {
		t.Fatalf("second slot = %d", idx)
	}

	_, ls := link.Pipe(h.clock, 8)
	if _, err := h.sess.Attach(ls, "carol", "", nil, nil); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("attach to full session: %v", err)
	}

	if err := h.sess.Disconnect(0); err != nil {
		t.Fatal(err)
	}
	if h.closers[0].closed != 1 {
		t.Fatalf("transport closed %d times", h.closers[0].closed)
	}

	idx, err := h.sess.Attach(ls, "carol", "", nil, nil)
	if err != nil || idx != 0 {
		t.Fatalf("reattach = %d, %v", idx, err)
	}
	view, _ := h.sess.Client(0)
	if view.Name != "carol" || !view.Active {
		t.Fatalf("slot 0 = %+v", view)
	}
}

func TestAttachGreetFailure(t *testing.T) {
	h := newHarness(t, 1)
	_, ls := link.Pipe(h.clock, 8)

	greeted := -1
	_, err := h.sess.Attach(ls, "alice", "", nil, func(index int) error {
		greeted = index
		return errors.New("write failed")
	})
	if err == nil || greeted != 0 {
		t.Fatalf("Attach = %v, greeted %d", err, greeted)
	}
	if view, _ := h.sess.Client(0); view.Active {
		t.Fatal("slot still active after failed greeting")
	}

	// the slot is free again
	if idx := h.join(t, "bob"); idx != 0 {
		t.Fatalf("join = %d", idx)
	}
}

func TestReleaseIgnoresStaleTransport(t *testing.T) {
	h := newHarness(t, 1)
	h.join(t, "alice")
	old := h.closers[0]

	h.sess.Disconnect(0)
	h.join(t, "bob")

	// the first connection ending must not kick the new client
	h.sess.Release(0, old)
	if view, _ := h.sess.Client(0); !view.Active || view.Name != "bob" {
		t.Fatalf("slot 0 = %+v", view)
	}

	h.sess.Release(0, h.closers[1])
	if view, _ := h.sess.Client(0); view.Active {
		t.Fatal("release did not disconnect the current client")
	}
	if h.closers[1].closed != 1 {
		t.Fatalf("transport closed %d times", h.closers[1].closed)
	}
}

func TestRemoveClosesTransport(t *testing.T) {
	h := newHarness(t, 2)
	h.join(t, "alice")
	h.join(t, "bob")
	h.tick()

	if err := h.sess.Remove(1); err != nil {
		t.Fatal(err)
	}
	if h.closers[1].closed != 1 {
		t.Fatal("removed client transport not closed")
	}

	snap := h.sess.Snapshot()
	if snap.ClientCount != 1 || len(snap.Clients) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Ticks != 1 || snap.ID != "test-session" {
		t.Fatalf("snapshot header = %+v", snap)
	}
	if snap.Clients[0].Remote != "10.0.0.1:5000" {
		t.Fatalf("remote = %q", snap.Clients[0].Remote)
	}
}

func TestSampleClosesInterval(t *testing.T) {
	h := newHarness(t, 2)
	h.join(t, "alice")
	h.join(t, "bob")
	h.tick()

	first := h.sess.Sample(time.Now())
	if first.ClientCount != 2 {
		t.Fatalf("clnu = %d", first.ClientCount)
	}
	if first.OutValid {
		t.Fatal("ocnt valid across a client count change")
	}
	if len(first.Clients) != 2 {
		t.Fatalf("client rows = %d", len(first.Clients))
	}

	h.clients[0].InputLocal([]byte("x"))
	h.tick()

	second := h.sess.Sample(time.Now())
	if !second.OutValid {
		t.Fatal("ocnt invalid on a stable interval")
	}
	for _, c := range second.Clients {
		if !c.Valid {
			t.Fatalf("client %d sample invalid on a stable interval", c.Index)
		}
	}
	if got := h.rec.count(events.EventStatsSample); got != 2 {
		t.Fatalf("stats events = %d", got)
	}
}

func TestControlRejectsZeroRate(t *testing.T) {
	h := newHarness(t, 1)
	if got := h.sess.Control(distserv.CtlFixedRate, 0); got != -1 {
		t.Fatalf("Control = %d", got)
	}
	if got := h.sess.Control(distserv.CtlFixedRate, 50); got != 0 {
		t.Fatalf("Control = %d", got)
	}
	if h.sess.FixedRate() != 50*time.Millisecond {
		t.Fatalf("rate = %s", h.sess.FixedRate())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 1)
	h.join(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sess.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if h.closers[0].closed != 1 {
		t.Fatal("transport not closed on shutdown")
	}
	if h.sess.Snapshot().Ticks == 0 {
		t.Fatal("no ticks ran")
	}
}
