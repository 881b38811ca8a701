package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/db"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/session"
)

func newTestCLI(t *testing.T, input string) (*CLI, *bytes.Buffer, *config.Config, *events.EventBus) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(dir, config.DefaultConfigFile))

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	sess, err := session.New(cfg.GetSession(), session.WithID("cli-test"), session.WithPublisher(bus))
	if err != nil {
		t.Fatal(err)
	}

	database, err := db.NewDatabase(filepath.Join(dir, "cli.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	access, err := db.NewAccessStore(database)
	if err != nil {
		t.Fatal(err)
	}

	out := &bytes.Buffer{}
	c := NewCLI(cfg, bus, sess, session.NewMonitor(bus), access, strings.NewReader(input), out)
	return c, out, cfg, bus
}

func TestConsoleCommands(t *testing.T) {
	input := strings.Join([]string{
		"status",
		"ctl rate 40",
		"ctl bogus 1",
		"stat clnu",
		"client 99",
		"token create ops operator",
		"tokens",
		"monitor",
		"frobnicate",
	}, "\n") + "\n"

	c, out, _, _ := newTestCLI(t, input)
	c.Start(context.Background())

	got := out.String()
	for _, want := range []string{
		"Session:      cli-test",
		"rate set to 40",
		"Error: unknown control selector: bogus",
		"clnu = 0",
		"Error: ",
		"Token for ops (operator): ",
		"operator",
		"Disconnects this hour: 0",
		"Unknown command: 'frobnicate'",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q\n%s", want, got)
		}
	}
}

func TestConsoleSetSavesAndValidates(t *testing.T) {
	c, out, cfg, bus := newTestCLI(t, "set send_threshold 6\nset max_clients 0\n")

	changed := make(chan events.ConfigChangedPayload, 2)
	bus.Subscribe(events.EventConfigChanged, "test", func(_ context.Context, e events.Event) error {
		changed <- e.Payload.(events.ConfigChangedPayload)
		return nil
	})

	c.Start(context.Background())

	if got := cfg.GetSession().SendThreshold; got != 6 {
		t.Errorf("send_threshold = %d", got)
	}
	if got := cfg.GetSession().MaxClients; got == 0 {
		t.Error("invalid max_clients was applied")
	}

	reloaded, err := config.Load(filepath.Dir(cfg.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.GetSession().SendThreshold != 6 {
		t.Error("setting was not saved")
	}

	select {
	case p := <-changed:
		if p.Key != "send_threshold" || p.Value != 6 {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no config_changed event")
	}

	if !strings.Contains(out.String(), "Config updated: send_threshold = 6") {
		t.Errorf("output = %s", out.String())
	}
}

func TestConsoleQuitEmitsShutdown(t *testing.T) {
	c, _, _, bus := newTestCLI(t, "quit\n")

	shutdown := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		shutdown <- struct{}{}
		return nil
	})

	c.Start(context.Background())

	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatal("quit did not request shutdown")
	}
}
