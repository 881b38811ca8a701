package dist

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

func newPair(t *testing.T) (*link.ManualClock, *link.MemLink, *link.MemLink) {
	t.Helper()
	clock := link.NewManualClock(1000)
	a, b := link.Pipe(clock, 128)
	return clock, a, b
}

func quiet() Option { return WithLogger(zerolog.Nop()) }

func TestTwoPeerPairing(t *testing.T) {
	clock, la, lb := newPair(t)
	a := New(la, clock, quiet())
	b := New(lb, clock, quiet())
	a.MultiSetup(0, 2)
	b.MultiSetup(1, 2)

	out := make([]Input, 2)

	if err := b.InputLocal([]byte("b1")); err != nil {
		t.Fatal(err)
	}
	// a has not sent anything yet, so nothing can be paired
	if seq, err := a.InputQueryMulti(out); seq != 0 || err != nil {
		t.Fatalf("query before local input = %d, %v", seq, err)
	}

	if err := a.InputLocal([]byte("a1")); err != nil {
		t.Fatal(err)
	}
	seq, err := a.InputQueryMulti(out)
	if err != nil || seq != 1 {
		t.Fatalf("query = %d, %v", seq, err)
	}
	if string(out[0].Data) != "a1" || out[0].Type != protocol.TypeInput {
		t.Errorf("own input = %s %q", out[0].Type, out[0].Data)
	}
	if string(out[1].Data) != "b1" || out[1].Type != protocol.TypeInput {
		t.Errorf("remote input = %s %q", out[1].Type, out[1].Data)
	}

	var ours, theirs Input
	seq, err = b.InputQuery(&ours, &theirs)
	if err != nil || seq != 1 {
		t.Fatalf("b query = %d, %v", seq, err)
	}
	if string(ours.Data) != "b1" || string(theirs.Data) != "a1" {
		t.Errorf("b got ours=%q theirs=%q", ours.Data, theirs.Data)
	}

	if got := a.Status(StatDequeued); got != 1 {
		t.Errorf("dcnt = %d", got)
	}
	if got := a.Status(StatProcessed); got != 1 {
		t.Errorf("pcnt = %d", got)
	}
}

func TestInputQueryRequiresTwoPlayers(t *testing.T) {
	clock, la, _ := newPair(t)
	d := New(la, clock, quiet())
	d.MultiSetup(0, 3)

	var ours Input
	if _, err := d.InputQuery(&ours, nil); !errors.Is(err, ErrBadSetup) {
		t.Fatalf("err = %v, want ErrBadSetup", err)
	}
}

func TestServerPeekAndMulti(t *testing.T) {
	clock, lc, ls := newPair(t)
	c := New(lc, clock, quiet())
	s := New(ls, clock, quiet(), WithServer())
	c.MultiSetup(0, 2)
	s.MultiSetup(0, 2)

	if err := c.InputLocal([]byte("abc")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	id, typ, n, err := s.InputPeek(buf)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 || typ != protocol.TypeInput || string(buf[:n]) != "abc" {
		t.Fatalf("peek = id %d %s %q", id, typ, buf[:n])
	}

	if _, _, n, err := s.InputPeek(make([]byte, 2)); !errors.Is(err, ErrOverflow) || n != 3 {
		t.Fatalf("short peek = %d, %v", n, err)
	}

	if seq, err := s.InputQueryMulti(nil); seq != 1 || err != nil {
		t.Fatalf("server dequeue = %d, %v", seq, err)
	}

	types := []protocol.DataType{protocol.TypeInput, protocol.TypeInput}
	if err := s.InputLocalMulti(types, [][]byte{nil, []byte("xyz")}, id); err != nil {
		t.Fatal(err)
	}

	out := make([]Input, 2)
	seq, err := c.InputQueryMulti(out)
	if err != nil || seq != 1 {
		t.Fatalf("client query = %d, %v", seq, err)
	}
	if string(out[0].Data) != "abc" {
		t.Errorf("own = %q", out[0].Data)
	}
	if string(out[1].Data) != "xyz" || out[1].Type != protocol.TypeInput {
		t.Errorf("remote = %s %q", out[1].Type, out[1].Data)
	}
	if got := s.Status(StatOutbound); got != 1 {
		t.Errorf("ocnt = %d", got)
	}
}

func TestFatThreshold(t *testing.T) {
	tests := []struct {
		size int
		kind protocol.Kind
	}{
		{255, protocol.KindInputMulti},
		{256, protocol.KindInputMultiFat},
	}

	for _, tt := range tests {
		clock, lc, ls := newPair(t)
		c := New(lc, clock, quiet())
		s := New(ls, clock, quiet(), WithServer())
		c.MultiSetup(0, 3)
		s.MultiSetup(0, 3)

		c.InputLocal([]byte{9})

		big := bytes.Repeat([]byte{0xab}, tt.size)
		types := []protocol.DataType{protocol.TypeInput, protocol.TypeInput, protocol.TypeInput}
		if err := s.InputLocalMulti(types, [][]byte{nil, big, []byte("end")}, 1); err != nil {
			t.Fatalf("size %d: %v", tt.size, err)
		}

		p, ok := lc.Peek(^uint64(0))
		if !ok || p.Kind != tt.kind {
			t.Fatalf("size %d: sent kind %s", tt.size, p.Kind)
		}

		out := make([]Input, 3)
		if seq, err := c.InputQueryMulti(out); seq != 1 || err != nil {
			t.Fatalf("size %d: query = %d, %v", tt.size, seq, err)
		}
		if !bytes.Equal(out[1].Data, big) {
			t.Errorf("size %d: player 1 got %d bytes", tt.size, len(out[1].Data))
		}
		if string(out[2].Data) != "end" {
			t.Errorf("size %d: player 2 got %q", tt.size, out[2].Data)
		}
		if !bytes.Equal(out[0].Data, []byte{9}) {
			t.Errorf("size %d: own input %v", tt.size, out[0].Data)
		}
	}
}

func TestRejectedMultiDoesNotMutate(t *testing.T) {
	clock, _, ls := newPair(t)
	s := New(ls, clock, quiet(), WithServer())
	s.MultiSetup(0, 2)
	types := []protocol.DataType{protocol.TypeInput, protocol.TypeInput}

	err := s.InputLocalMulti(types, [][]byte{nil, make([]byte, protocol.MaxPacketSize)}, 1)
	if !errors.Is(err, ErrOverflowMulti) {
		t.Fatalf("err = %v, want ErrOverflowMulti", err)
	}

	err = s.InputLocalMulti(types, [][]byte{nil, []byte("x")}, 70)
	if !errors.Is(err, ErrOverflowWindow) {
		t.Fatalf("err = %v, want ErrOverflowWindow", err)
	}
	if s.lastSentDelta != -1 || s.ioOffset != 0 {
		t.Errorf("state changed: lastSentDelta=%d ioOffset=%d", s.lastSentDelta, s.ioOffset)
	}
	if s.Status(StatOutbound) != 0 || s.Status(StatOutTail) != 0 {
		t.Error("rejected packet was queued")
	}
	if s.Err() != nil {
		t.Errorf("backpressure error became sticky: %v", s.Err())
	}
	if !errors.Is(s.LastError(), ErrOverflowWindow) {
		t.Errorf("last error = %v", s.LastError())
	}

	// still usable afterwards
	if err := s.InputLocalMulti(types, [][]byte{nil, []byte("x")}, 1); err != nil {
		t.Fatal(err)
	}
}

func TestClientRejectsNoneType(t *testing.T) {
	clock, lc, _ := newPair(t)
	c := New(lc, clock, quiet())

	err := c.InputLocalMulti([]protocol.DataType{protocol.TypeNone}, [][]byte{nil}, 1)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if c.Status(StatOutTail) != 0 {
		t.Error("invalid input was queued")
	}
}

func TestServerNoneInputSkipsDelta(t *testing.T) {
	clock, lc, ls := newPair(t)
	c := New(lc, clock, quiet())
	s := New(ls, clock, quiet(), WithServer())
	c.MultiSetup(0, 2)
	s.MultiSetup(0, 2)

	types := []protocol.DataType{protocol.TypeNone, protocol.TypeInput}
	if err := s.InputLocalMulti(types, [][]byte{nil, []byte("p1")}, 0); err != nil {
		t.Fatal(err)
	}

	p, ok := lc.Peek(^uint64(0))
	if !ok || p.Data[0] != 0 {
		t.Fatalf("delta byte = %v", p.Data)
	}

	out := make([]Input, 2)
	if seq, err := c.InputQueryMulti(out); seq != 1 || err != nil {
		t.Fatalf("query = %d, %v", seq, err)
	}
	if out[0].Type != protocol.TypeNone || len(out[0].Data) != 0 {
		t.Errorf("own input for skipped tick = %s %q", out[0].Type, out[0].Data)
	}
	if string(out[1].Data) != "p1" {
		t.Errorf("remote = %q", out[1].Data)
	}
}

func TestFlowControl(t *testing.T) {
	clock, la, lb := newPair(t)
	a := New(la, clock, quiet())
	b := New(lb, clock, quiet())

	if b.State() != StateFlowBlocked {
		t.Fatalf("initial state = %s", b.State())
	}

	if got := a.Control(CtlLocalRecv, 1); got != 1 {
		t.Fatalf("lrcv = %d", got)
	}
	a.Control(CtlLocalSend, 1)
	a.Update()
	b.Update()

	if b.State() != StateActive {
		t.Errorf("state after flow = %s", b.State())
	}
	if b.Status(StatRemoteRecv) != 1 || b.Status(StatRemoteSend) != 1 {
		t.Error("remote flags not applied")
	}
	if send, recv := b.RemoteReady(); !send || !recv {
		t.Error("RemoteReady mismatch")
	}

	// unchanged values do not resend
	a.Control(CtlLocalRecv, 1)
	a.Update()
	if lb.Pending() != 0 {
		t.Errorf("unexpected flow resend, %d pending", lb.Pending())
	}
}

func TestCRCChallenge(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		clock, lc, ls := newPair(t)
		c := New(lc, clock, quiet())
		s := New(ls, clock, quiet(), WithServer())
		c.MultiSetup(0, 2)
		s.MultiSetup(0, 2)
		if enabled {
			c.Control(CtlCRCChallenges, 1)
		}

		c.InputLocal([]byte("x"))
		types := []protocol.DataType{protocol.TypeInput, protocol.TypeInput | protocol.TypeCRCRequest}
		if err := s.InputLocalMulti(types, [][]byte{nil, []byte("y")}, 1); err != nil {
			t.Fatal(err)
		}

		out := make([]Input, 2)
		if seq, _ := c.InputQueryMulti(out); seq != 1 {
			t.Fatalf("enabled=%v: query = %d", enabled, seq)
		}

		if !enabled {
			if out[1].Type != protocol.TypeInput || out[0].HasCRC() || c.State() == StateCRCPending {
				t.Errorf("disabled: request surfaced, types %s %s", out[0].Type, out[1].Type)
			}
			continue
		}

		if !out[0].HasCRC() || c.State() != StateCRCPending {
			t.Fatalf("request not surfaced: %s state %s", out[0].Type, c.State())
		}

		c.Control(CtlLocalCRC, 0xbeef)
		if c.State() == StateCRCPending {
			t.Error("still pending after lcrc")
		}
		c.Update()
		s.Update()

		crc, ok := s.RemoteCRC()
		if !ok || crc != 0xbeef {
			t.Errorf("RemoteCRC = %x, %v", crc, ok)
		}
		if _, ok := s.RemoteCRC(); ok {
			t.Error("remote crc not consumed")
		}
	}
}

func TestRemoteCRCStatusConsumes(t *testing.T) {
	clock, lc, ls := newPair(t)
	c := New(lc, clock, quiet())
	s := New(ls, clock, quiet(), WithServer())
	c.MultiSetup(0, 2)
	s.MultiSetup(0, 2)

	if got := s.Status(StatRemoteCRC); got != -1 {
		t.Fatalf("rcrc before any report = %d", got)
	}

	c.Control(CtlLocalCRC, 0xbeef)
	c.Update()
	s.Update()

	if got := s.Status(StatRemoteCRC); got != 0xbeef {
		t.Fatalf("rcrc = %x, want beef", got)
	}
	if got := s.Status(StatRemoteCRC); got != -1 {
		t.Errorf("second rcrc read = %d, want -1", got)
	}
	if _, ok := s.RemoteCRC(); ok {
		t.Error("status read left the crc held")
	}
}

func TestSparseMeta(t *testing.T) {
	clock, lc, ls := newPair(t)
	c := New(lc, clock, quiet())
	s := New(ls, clock, quiet(), WithServer())
	c.MultiSetup(0, 4)
	s.MultiSetup(0, 4)

	c.InputLocal([]byte("me"))

	s.MetaSetup(true, 0b1011, 3)
	types := []protocol.DataType{protocol.TypeInput, protocol.TypeInput, protocol.TypeInput, protocol.TypeInput}
	payloads := [][]byte{nil, []byte("one"), []byte("two"), []byte("three")}
	if err := s.InputLocalMulti(types, payloads, 1); err != nil {
		t.Fatal(err)
	}
	if lc.Pending() != 0 {
		t.Fatal("multi packet sent before meta")
	}
	s.Update()
	s.InputLocal(nil)

	out := make([]Input, 4)
	if seq, err := c.InputQueryMulti(out); seq != 1 || err != nil {
		t.Fatalf("query = %d, %v", seq, err)
	}
	if string(out[1].Data) != "one" || string(out[3].Data) != "three" {
		t.Errorf("carried players = %q %q", out[1].Data, out[3].Data)
	}
	if out[2].Type != protocol.TypeNoData || len(out[2].Data) != 0 {
		t.Errorf("masked player = %s %q", out[2].Type, out[2].Data)
	}
	if got := c.Status(StatQueriedVersion); got != 3 {
		t.Errorf("qver = %d", got)
	}
}

func TestDroppableCoalescing(t *testing.T) {
	clock, lc, ls := newPair(t)
	c := New(lc, clock, quiet())
	s := New(ls, clock, quiet(), WithServer())
	s.SetDropFunc(DropDroppable)

	droppable := []protocol.DataType{protocol.TypeInputDroppable}
	if err := c.InputLocalMulti(droppable, [][]byte{[]byte("old")}, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.InputLocalMulti(droppable, [][]byte{[]byte("new")}, 1); err != nil {
		t.Fatal(err)
	}
	s.Update()

	if got := s.Status(StatDropped); got != 1 {
		t.Fatalf("drop = %d", got)
	}
	if got := s.Status(StatInbound); got != 2 {
		t.Errorf("icnt = %d", got)
	}

	buf := make([]byte, 8)
	id, typ, n, _ := s.InputPeek(buf)
	if id != 2 || string(buf[:n]) != "new" || typ != protocol.TypeInputDroppable {
		t.Errorf("peek = %d %s %q", id, typ, buf[:n])
	}
}

func TestSendBackpressureAndFailure(t *testing.T) {
	clock, lc, _ := newPair(t)
	c := New(lc, clock, quiet())

	lc.SetBlocked(true)
	if err := c.InputLocal([]byte("q")); err != nil {
		t.Fatalf("blocked send: %v", err)
	}
	if c.Status(StatOutHead) != 0 || c.Status(StatOutTail) != 1 {
		t.Fatal("record not held while blocked")
	}

	lc.SetBlocked(false)
	c.InputLocal(nil)
	if c.Status(StatOutHead) != 1 {
		t.Fatal("record not flushed after unblock")
	}

	lc.SetFailing(true)
	if err := c.InputLocal([]byte("r")); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if _, err := c.Update(); !errors.Is(err, ErrSendFailed) {
		t.Errorf("sticky error not reported by Update: %v", err)
	}
	c.ResetErr()
	if c.Err() != nil {
		t.Error("ResetErr did not clear")
	}
}

func TestClearResetsStickyError(t *testing.T) {
	clock, lc, _ := newPair(t)
	c := New(lc, clock, quiet())

	lc.SetFailing(true)
	if err := c.InputLocal([]byte("r")); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	lc.SetFailing(false)

	c.Clear()
	if c.Err() != nil {
		t.Fatalf("Err after Clear = %v", c.Err())
	}
	if _, err := c.Update(); err != nil {
		t.Fatalf("Update after Clear = %v", err)
	}
	if c.Status(StatOutHead) != 0 || c.Status(StatOutTail) != 0 {
		t.Error("outbound ring not emptied")
	}
	if err := c.InputLocal([]byte("s")); err != nil {
		t.Errorf("send after Clear = %v", err)
	}
}

func TestInputCheckPacing(t *testing.T) {
	clock, la, lb := newPair(t)
	a := New(la, clock, quiet())
	b := New(lb, clock, quiet())

	if delay, _ := a.InputCheck(); delay != 10 {
		t.Errorf("delay while remote not ready = %d", delay)
	}

	b.Control(CtlLocalRecv, 1)
	b.Update()
	a.Update()

	if delay, _ := a.InputCheck(); delay != 0 {
		t.Errorf("delay before first input = %d", delay)
	}
	a.InputLocal([]byte("1"))
	if delay, ready := a.InputCheck(); delay != DefaultRate || ready != 0 {
		t.Errorf("after send: delay=%d ready=%d", delay, ready)
	}

	b.InputLocal([]byte("2"))
	if _, ready := a.InputCheck(); ready != 1 {
		t.Errorf("ready = %d, want 1", ready)
	}

	la.SetLate(200)
	clock.Advance(DefaultRate + 1)
	a.InputCheck()
	if got := a.Status(StatWindow); got != 5 {
		t.Errorf("window = %d, want 5", got)
	}
}

func TestControlSelectors(t *testing.T) {
	clock, la, _ := newPair(t)
	d := New(la, clock, quiet())

	if got := d.Control(CtlMaxWindow, 7); got != 7 {
		t.Errorf("maxi = %d", got)
	}
	if got := d.Control(CtlMaxWindow, -1); got != 7 {
		t.Errorf("maxi unchanged = %d", got)
	}
	if got := d.Control(CtlRate, 33); got != 33 || d.Status(StatRate) != 33 {
		t.Errorf("rate = %d", got)
	}
	if got := d.Control(ControlSel(99), 0); got != -1 {
		t.Errorf("unknown control = %d", got)
	}
	if got := d.Status(StatusSel(99)); got != -1 {
		t.Errorf("unknown status = %d", got)
	}
	if got := d.Status(StatPacketWindow); got != 64 {
		t.Errorf("pwin = %d", got)
	}

	for _, name := range []string{"clri", "crcs", "lcrc", "spam"} {
		sel, ok := ParseControlSel(name)
		if !ok || sel.String() != name {
			t.Errorf("control %q round trip = %v %v", name, sel, ok)
		}
	}
	for _, name := range []string{"dcnt", "rcrc", "?cmp", "?snd"} {
		sel, ok := ParseStatusSel(name)
		if !ok || sel.String() != name {
			t.Errorf("status %q round trip = %v %v", name, sel, ok)
		}
	}
}
