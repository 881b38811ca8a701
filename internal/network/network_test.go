package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/session"
)

func startListener(t *testing.T, maxClients int) (*session.Session, *ConnectionRegistry, string) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Session.MaxClients = maxClients
	sess, err := session.New(cfg.Session)
	if err != nil {
		t.Fatal(err)
	}

	netCfg := cfg.Network
	netCfg.ListenAddress = "127.0.0.1"
	netCfg.SessionPort = 0

	ctx, cancel := context.WithCancel(context.Background())
	registry := NewConnectionRegistry()
	l := NewListener(netCfg, sess, registry)
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	select {
	case <-l.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("listener failed: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("listener did not start")
	}

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sess, registry, l.Addr().String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeAssignsSlots(t *testing.T) {
	sess, registry, addr := startListener(t, 2)
	ctx := context.Background()
	clock := link.NewSystemClock()

	a, wa, err := Dial(ctx, addr, "alice", clock)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, wb, err := Dial(ctx, addr, "bob", clock)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if wa.Index != 0 || wb.Index != 1 {
		t.Fatalf("slots = %d, %d", wa.Index, wb.Index)
	}
	if wa.MaxClients != 2 || wa.Rate != 33 {
		t.Fatalf("welcome = %+v", wa)
	}

	waitFor(t, "registry", func() bool { return registry.Count() == 2 })
	if view, _ := sess.Client(0); view.Name != "alice" || !view.Active {
		t.Fatalf("slot 0 = %+v", view)
	}

	if _, _, err := Dial(ctx, addr, "carol", clock); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("third dial = %v", err)
	}
}

func TestClosedConnectionReleasesSlot(t *testing.T) {
	sess, registry, addr := startListener(t, 1)

	c, _, err := Dial(context.Background(), addr, "alice", link.NewSystemClock())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "attach", func() bool { return sess.ClientCount() == 1 })

	c.Close()
	waitFor(t, "release", func() bool { return sess.ClientCount() == 0 })
	waitFor(t, "unregister", func() bool { return registry.Count() == 0 })

	// the slot can be reused
	c2, w, err := Dial(context.Background(), addr, "bob", link.NewSystemClock())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	if w.Index != 0 {
		t.Fatalf("reused slot = %d", w.Index)
	}
}

func TestHandshakeRejectsWrongFirstFrame(t *testing.T) {
	sess, _, addr := startListener(t, 1)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	// a ping frame instead of hello
	raw.Write([]byte{5, 0, 0x32, 0, 0, 0, 1})
	raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	if _, err := raw.Read(buf); err == nil {
		t.Fatal("server answered a connection without hello")
	}
	if sess.ClientCount() != 0 {
		t.Fatal("client attached without hello")
	}
}

func TestRegistryCleanStale(t *testing.T) {
	registry := NewConnectionRegistry()
	p1, p2 := net.Pipe()
	defer p2.Close()

	conn := link.NewConn(p1, link.NewSystemClock())
	registry.Register(3, conn)
	if got, ok := registry.Get(3); !ok || got != conn {
		t.Fatal("registered connection not found")
	}

	if n := registry.CleanStale(time.Hour); n != 0 {
		t.Fatalf("cleaned %d fresh connections", n)
	}
	time.Sleep(20 * time.Millisecond)
	if n := registry.CleanStale(10 * time.Millisecond); n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
	if !conn.IsClosed() {
		t.Fatal("stale connection not closed")
	}

	// unregistering a replaced connection leaves the new one
	other := link.NewConn(p2, link.NewSystemClock())
	registry.Register(3, other)
	registry.Unregister(3, conn)
	if registry.Count() != 1 {
		t.Fatal("unregister removed the replacement")
	}
}

func TestDiscoveryProbe(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.MaxClients = 4
	sess, err := session.New(cfg.Session, session.WithID("probe-session"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDiscoveryResponder("127.0.0.1", 0, sess)
	go d.Start(ctx)
	waitFor(t, "discovery bind", func() bool { return d.LocalAddr() != nil })

	reply, rtt, err := Probe(ctx, d.LocalAddr().String(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.SessionID != "probe-session" || reply.MaxClients != 4 || reply.Clients != 0 || reply.Rate != 33 {
		t.Fatalf("reply = %+v", reply)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %s", rtt)
	}
	if err := d.SelfTest(ctx); err != nil {
		t.Fatal(err)
	}
}
