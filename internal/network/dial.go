package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
)

// ErrSessionFull is returned by Dial when the server has no free slot.
var ErrSessionFull = errors.New("session is full")

// Dial connects to a session server and performs the hello/welcome
// handshake. The returned Conn is not yet reading; the caller runs it.
func Dial(ctx context.Context, addr, name string, clock link.Clock) (*link.Conn, protocol.WelcomePacket, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.WelcomePacket{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	welcome, err := handshake(ctx, raw, name)
	if err != nil {
		raw.Close()
		return nil, protocol.WelcomePacket{}, err
	}

	log.Debug().
		Str("addr", addr).
		Uint8("slot", welcome.Index).
		Uint8("max_clients", welcome.MaxClients).
		Uint16("rate", welcome.Rate).
		Msg("joined session")

	return link.NewConn(raw, clock), welcome, nil
}

func handshake(ctx context.Context, raw net.Conn, name string) (protocol.WelcomePacket, error) {
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
		defer raw.SetDeadline(time.Time{})
	}

	if err := protocol.WriteFrame(raw, protocol.KindHello, protocol.BuildHello(protocol.HelloPacket{Name: name})); err != nil {
		return protocol.WelcomePacket{}, fmt.Errorf("failed to send hello: %w", err)
	}

	kind, body, err := protocol.ReadFrame(raw)
	if err != nil {
		return protocol.WelcomePacket{}, fmt.Errorf("failed to read welcome: %w", err)
	}
	if kind != protocol.KindWelcome {
		return protocol.WelcomePacket{}, fmt.Errorf("expected welcome, got %s", kind)
	}

	welcome, err := protocol.ParseWelcome(body)
	if err != nil {
		return protocol.WelcomePacket{}, err
	}
	if welcome.Index == protocol.WelcomeFull {
		return protocol.WelcomePacket{}, ErrSessionFull
	}
	return welcome, nil
}
