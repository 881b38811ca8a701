// Package bot implements a scripted session client used for load tests
// and smoke checks. A bot joins a session, sends one small input per
// period and folds every received tick into a running checksum that it
// reports when the server asks for a CRC.
package bot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/dist"
	"github.com/energizer-project/netgamedist/internal/link"
	"github.com/energizer-project/netgamedist/internal/network"
)

// Config describes one bot.
type Config struct {
	Addr string
	Name string
	// Rate is the input period in milliseconds.
	Rate int
	// PayloadSize is the size of each input, at least 4 bytes.
	PayloadSize int
}

// Result summarizes a bot run.
type Result struct {
	Name  string
	Slot  int
	Sent  int
	Ticks int
	CRCs  int
	Ping  int
	Err   error
}

// Bot is a single scripted client.
type Bot struct {
	cfg    Config
	clock  link.Clock
	logger zerolog.Logger
}

// New creates a bot. The zero Rate and PayloadSize fall back to the dist
// defaults.
func New(cfg Config) *Bot {
	if cfg.Rate <= 0 {
		cfg.Rate = dist.DefaultRate
	}
	if cfg.PayloadSize < 4 {
		cfg.PayloadSize = 4
	}
	return &Bot{
		cfg:    cfg,
		clock:  link.NewSystemClock(),
		logger: log.With().Str("component", "bot").Str("bot", cfg.Name).Logger(),
	}
}

// Run joins the session and plays until ctx is cancelled or the link
// fails. The returned Result is filled in either case.
func (b *Bot) Run(ctx context.Context) (Result, error) {
	res := Result{Name: b.cfg.Name, Slot: -1}

	conn, welcome, err := network.Dial(ctx, b.cfg.Addr, b.cfg.Name, b.clock)
	if err != nil {
		res.Err = err
		return res, err
	}
	defer conn.Close()
	res.Slot = int(welcome.Index)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	linkDone := make(chan error, 1)
	go func() { linkDone <- conn.Run(runCtx) }()

	d := dist.New(conn, b.clock, dist.WithLogger(b.logger))
	d.InputRate(b.cfg.Rate)
	d.MultiSetup(int(welcome.Index), int(welcome.MaxClients))
	d.Control(dist.CtlCRCChallenges, 1)
	d.Control(dist.CtlLocalRecv, 1)
	d.Control(dist.CtlLocalSend, 1)

	b.logger.Info().
		Int("slot", res.Slot).
		Uint8("max_clients", welcome.MaxClients).
		Uint16("server_rate", welcome.Rate).
		Msg("bot joined session")

	state := crc32.NewIEEE()
	out := make([]dist.Input, welcome.MaxClients)
	payload := make([]byte, b.cfg.PayloadSize)
	timer := time.NewTimer(0)
	defer timer.Stop()

	finish := func(err error) (Result, error) {
		res.Ping = conn.Stat().Ping
		res.Err = err
		return res, err
	}

	for {
		select {
		case <-ctx.Done():
			return finish(nil)
		case err := <-linkDone:
			if ctx.Err() != nil {
				return finish(nil)
			}
			return finish(fmt.Errorf("link closed: %w", err))
		case <-timer.C:
		}

		delay, ready := d.InputCheck()
		for ; ready > 0; ready-- {
			seq, err := d.InputQueryMulti(out)
			if err != nil {
				return finish(err)
			}
			if seq == 0 {
				break
			}
			res.Ticks++
			if b.fold(state, out) {
				d.Control(dist.CtlLocalCRC, int(state.Sum32()))
				res.CRCs++
			}
		}

		if delay <= 0 {
			binary.BigEndian.PutUint32(payload, uint32(res.Sent))
			switch err := d.InputLocal(payload); {
			case err == nil:
				res.Sent++
			case isBackpressure(err):
				b.logger.Debug().Err(err).Msg("input deferred")
			default:
				return finish(err)
			}
			delay = b.cfg.Rate
		}

		if _, err := d.Update(); err != nil {
			return finish(err)
		}

		timer.Reset(time.Duration(min(max(delay, 1), b.cfg.Rate)) * time.Millisecond)
	}
}

// fold hashes one tick into state and reports whether it carried a CRC
// request.
func (b *Bot) fold(state hash.Hash32, tick []dist.Input) bool {
	crc := false
	for i, in := range tick {
		state.Write([]byte{byte(i), byte(len(in.Data))})
		state.Write(in.Data)
		if in.HasCRC() {
			crc = true
		}
	}
	return crc
}

func isBackpressure(err error) bool {
	return errors.Is(err, dist.ErrOverflow) || errors.Is(err, dist.ErrInvalid)
}
