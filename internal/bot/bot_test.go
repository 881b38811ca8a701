package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/network"
	"github.com/energizer-project/netgamedist/internal/session"
)

func startServer(t *testing.T, maxClients int) string {
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
	l := network.NewListener(netCfg, sess, network.NewConnectionRegistry())
	listenDone := make(chan error, 1)
	runDone := make(chan error, 1)
	go func() { listenDone <- l.Start(ctx) }()
	go func() { runDone <- sess.Run(ctx) }()

	select {
	case <-l.Ready():
	case err := <-listenDone:
		cancel()
		t.Fatalf("listener failed: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("listener did not start")
	}

	t.Cleanup(func() {
		cancel()
		<-listenDone
		<-runDone
	})
	return l.Addr().String()
}

func TestBotPlaysTicks(t *testing.T) {
	addr := startServer(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := New(Config{Addr: addr, Name: "bot-0", Rate: 20}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Slot != 0 {
		t.Errorf("slot = %d", res.Slot)
	}
	if res.Sent == 0 {
		t.Error("bot sent no input")
	}
	if res.Ticks == 0 {
		t.Error("bot received no ticks")
	}
}

func TestBotReportsFullSession(t *testing.T) {
	addr := startServer(t, 1)

	holder, _, err := network.Dial(context.Background(), addr, "holder", link.NewSystemClock())
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()

	res, err := New(Config{Addr: addr, Name: "late"}).Run(context.Background())
	if !errors.Is(err, network.ErrSessionFull) {
		t.Fatalf("err = %v", err)
	}
	if res.Slot != -1 || res.Err != err {
		t.Fatalf("result = %+v", res)
	}
}
