package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/protocol"
	"github.com/energizer-project/netgamedist/internal/session"
)

const (
	// KeepAlivePeriod is the TCP keep-alive interval of session sockets.
	KeepAlivePeriod = 15 * time.Second

	// DefaultHandshakeTimeout bounds the hello/welcome exchange.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Listener accepts client connections for one session. Each connection
// opens with a hello frame naming the client; the listener attaches it to
// the session, answers with a welcome frame carrying the assigned slot and
// then serves the connection as the slot's link until either side closes.
type Listener struct {
	cfg      config.NetworkConfig
	sess     *session.Session
	registry *ConnectionRegistry
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewListener creates a listener for sess.
func NewListener(cfg config.NetworkConfig, sess *session.Session, registry *ConnectionRegistry) *Listener {
	return &Listener{
		cfg:      cfg,
		sess:     sess,
		registry: registry,
		logger:   log.With().Str("component", "listener").Logger(),
		ready:    make(chan struct{}),
	}
}

// Start listens on the session port and serves connections until ctx is
// cancelled.
func (l *Listener) Start(ctx context.Context) error {
	addr := net.JoinHostPort(l.cfg.ListenAddress, fmt.Sprint(l.cfg.SessionPort))

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start session listener on %s: %w", addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("session listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.logger.Info().Msg("session listener stopping")
				l.registry.CloseAll()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		l.logger.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("new client connection")

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

// Ready is closed once the listener is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, nil before Start has bound.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) handshakeTimeout() time.Duration {
	if l.cfg.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return time.Duration(l.cfg.HandshakeTimeout) * time.Second
}

// handleConnection runs the handshake and serves one client.
func (l *Listener) handleConnection(ctx context.Context, raw net.Conn) {
	remote := raw.RemoteAddr().String()
	logger := l.logger.With().Str("remote", remote).Logger()
	timeout := l.handshakeTimeout()

	raw.SetReadDeadline(time.Now().Add(timeout))
	kind, body, err := protocol.ReadFrame(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read hello")
		raw.Close()
		return
	}
	if kind != protocol.KindHello {
		logger.Warn().Str("kind", kind.String()).Msg("expected hello as first frame")
		raw.Close()
		return
	}
	hello, err := protocol.ParseHello(body)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to parse hello")
		raw.Close()
		return
	}
	raw.SetReadDeadline(time.Time{})

	welcome := protocol.WelcomePacket{
		MaxClients: uint8(l.sess.MaxClients()),
		Rate:       uint16(l.sess.FixedRate() / time.Millisecond),
	}
	sendWelcome := func(w protocol.WelcomePacket) error {
		raw.SetWriteDeadline(time.Now().Add(timeout))
		return protocol.WriteFrame(raw, protocol.KindWelcome, protocol.BuildWelcome(w))
	}

	conn := link.NewConn(raw, l.sess.Clock())
	index, err := l.sess.Attach(conn, hello.Name, remote, conn, func(index int) error {
		w := welcome
		w.Index = uint8(index)
		return sendWelcome(w)
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionFull) {
			logger.Warn().Str("name", hello.Name).Msg("rejecting client, session is full")
			w := welcome
			w.Index = protocol.WelcomeFull
			sendWelcome(w)
		} else {
			logger.Error().Err(err).Str("name", hello.Name).Msg("failed to attach client")
		}
		conn.Close()
		return
	}

	logger = logger.With().Int("slot", index).Str("name", hello.Name).Logger()
	logger.Info().Msg("client joined")

	l.registry.Register(index, conn)
	defer l.registry.Unregister(index, conn)

	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Info().Err(err).Msg("client connection ended")
	}
	l.sess.Release(index, conn)
}
