package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/protocol"
)

// SessionInfo supplies the fields of a probe reply.
type SessionInfo interface {
	ID() string
	MaxClients() int
	ClientCount() int
	FixedRate() time.Duration
}

// DiscoveryResponder answers UDP discovery probes so clients can find a
// session and measure latency before joining. It listens on the session
// port number over UDP.
type DiscoveryResponder struct {
	addr string
	info SessionInfo

	mu   sync.Mutex
	conn net.PacketConn
}

// NewDiscoveryResponder creates a responder bound to host:port.
func NewDiscoveryResponder(host string, port int, info SessionInfo) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr: net.JoinHostPort(host, fmt.Sprint(port)),
		info: info,
	}
}

// Start begins answering probes until ctx is cancelled.
func (d *DiscoveryResponder) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", d.addr)
	if err != nil {
		return fmt.Errorf("failed to start discovery responder on %s: %w", d.addr, err)
	}

	d.mu.Lock()
	d.conn = pc
	d.mu.Unlock()

	log.Info().Str("addr", pc.LocalAddr().String()).Msg("discovery responder started")

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 64)
	for {
		n, remote, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("discovery responder stopping")
				return nil
			default:
				log.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		nonce, err := protocol.ParseProbe(buf[:n])
		if err != nil {
			continue
		}

		reply := protocol.BuildProbeReply(protocol.ProbeReply{
			Nonce:      nonce,
			Clients:    uint8(d.info.ClientCount()),
			MaxClients: uint8(d.info.MaxClients()),
			Rate:       uint16(d.info.FixedRate() / time.Millisecond),
			SessionID:  d.info.ID(),
		})
		if _, err := pc.WriteTo(reply, remote); err != nil {
			log.Warn().
				Err(err).
				Str("remote", remote.String()).
				Msg("failed to send probe reply")
			continue
		}

		log.Trace().
			Str("remote", remote.String()).
			Msg("responded to discovery probe")
	}
}

// LocalAddr returns the bound address, nil before Start has bound.
func (d *DiscoveryResponder) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Probe sends one discovery probe to addr and waits for the reply. It
// returns the reply and the measured round trip.
func Probe(ctx context.Context, addr string, timeout time.Duration) (protocol.ProbeReply, time.Duration, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return protocol.ProbeReply{}, 0, fmt.Errorf("probe dial failed: %w", err)
	}
	defer conn.Close()

	nonce := uint32(time.Now().UnixNano())
	start := time.Now()
	if _, err := conn.Write(protocol.BuildProbe(nonce)); err != nil {
		return protocol.ProbeReply{}, 0, fmt.Errorf("probe write failed: %w", err)
	}

	conn.SetReadDeadline(start.Add(timeout))
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return protocol.ProbeReply{}, 0, fmt.Errorf("probe read failed: %w", err)
		}
		reply, err := protocol.ParseProbeReply(buf[:n])
		if err != nil || reply.Nonce != nonce {
			continue
		}
		return reply, time.Since(start), nil
	}
}

// SelfTest probes the responder over loopback.
func (d *DiscoveryResponder) SelfTest(ctx context.Context) error {
	addr := d.LocalAddr()
	if addr == nil {
		return fmt.Errorf("discovery responder not started")
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return err
	}

	reply, rtt, err := Probe(ctx, net.JoinHostPort("127.0.0.1", port), 5*time.Second)
	if err != nil {
		return fmt.Errorf("self-test failed: %w", err)
	}
	log.Debug().Str("session", reply.SessionID).Dur("rtt", rtt).Msg("discovery self-test passed")
	return nil
}
