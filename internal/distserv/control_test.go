package distserv

import (
	"errors"
	"testing"
)

func TestControlSelectors(t *testing.T) {
	s := newSession(t, DefaultConfig(2), 2)
	srv := s.server

	for _, name := range []string{"crcc", "crcr", "mpty", "rate", "rsta"} {
		sel, ok := ParseControlSel(name)
		if !ok || sel.String() != name {
			t.Errorf("ParseControlSel(%q) = %s, %v", name, sel, ok)
		}
	}
	if _, ok := ParseControlSel("nope"); ok {
		t.Error("unknown selector parsed")
	}
	if got := srv.Control(ControlSel(99), 0); got != -1 {
		t.Errorf("unknown control = %d", got)
	}

	srv.Control(CtlCRCRate, 10)
	if srv.crcRate != 10 || srv.crcRemaining != 10 {
		t.Errorf("crc rate = %d remaining %d", srv.crcRate, srv.crcRemaining)
	}
	srv.crcRemaining = 3
	srv.Control(CtlCRCRate, 10)
	if srv.crcRemaining != 3 {
		t.Error("unchanged crc rate reset the countdown")
	}

	srv.Control(CtlFixedRate, 16)
	if srv.FixedRate() != 16 {
		t.Errorf("fixed rate = %d", srv.FixedRate())
	}
}

func TestStatusValidity(t *testing.T) {
	s := newSession(t, DefaultConfig(3), 2)
	srv := s.server

	s.tick()

	if n, _, _ := srv.Status(StatClientCount, 0); n != 2 {
		t.Errorf("clnu = %d", n)
	}
	if n, valid, _ := srv.Status(StatOutbound, 0); n != 2 || valid {
		t.Errorf("ocnt = %d valid %v, want 2 invalid after client count change", n, valid)
	}
	if _, valid, err := srv.Status(StatInbound, 0); err != nil || valid {
		t.Errorf("icnt valid=%v err=%v", valid, err)
	}

	srv.Control(CtlResetStats, 0)
	s.tick()

	if n, valid, _ := srv.Status(StatOutbound, 0); n != 4 || !valid {
		t.Errorf("ocnt = %d valid %v", n, valid)
	}
	if _, valid, err := srv.Status(StatDropped, 1); err != nil || !valid {
		t.Errorf("drop valid=%v err=%v", valid, err)
	}
	if n, _, _ := srv.Status(StatNoInput, 0); n != 0 {
		t.Errorf("ninp = %d", n)
	}
	s.clock.Advance(100)
	if n, _, _ := srv.Status(StatFlowTime, 0); n < 100 {
		t.Errorf("ftim = %d", n)
	}

	if _, _, err := srv.Status(StatInbound, 2); !errors.Is(err, ErrNotConnected) {
		t.Errorf("empty slot: %v", err)
	}
	if _, _, err := srv.Status(StatInbound, 9); !errors.Is(err, ErrBadIndex) {
		t.Errorf("bad index: %v", err)
	}
	if _, _, err := srv.Status(StatusSel(42), 0); !errors.Is(err, ErrUnknownSelector) {
		t.Errorf("unknown selector: %v", err)
	}
}
