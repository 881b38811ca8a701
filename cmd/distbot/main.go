// distbot - scripted clients for a netgamedist session.
//
// distbot either probes a server over UDP discovery or joins it with a
// fleet of bots that send inputs at a fixed period, then prints a per-bot
// summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/netgamedist/internal/bot"
	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/network"
)

func main() {
	defaults := config.DefaultConfig()
	defaultAddr := fmt.Sprintf("127.0.0.1:%d", defaults.Network.SessionPort)

	addr := flag.String("addr", defaultAddr, "session server address")
	count := flag.Int("n", 1, "number of bots")
	name := flag.String("name", "bot", "bot name prefix")
	rate := flag.Int("rate", defaults.Session.InputRate, "input period in milliseconds")
	payload := flag.Int("payload", 8, "input payload size in bytes")
	duration := flag.Duration("duration", 30*time.Second, "how long to play, 0 runs until interrupted")
	probe := flag.Bool("probe", false, "only probe the server and print its reply")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().
		Timestamp().
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *probe {
		if err := runProbe(ctx, *addr); err != nil {
			log.Fatal().Err(err).Msg("probe failed")
		}
		return
	}

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	results := make([]bot.Result, *count)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *count; i++ {
		i := i
		b := bot.New(bot.Config{
			Addr:        *addr,
			Name:        fmt.Sprintf("%s-%d", *name, i),
			Rate:        *rate,
			PayloadSize: *payload,
		})
		g.Go(func() error {
			res, err := b.Run(gctx)
			results[i] = res
			if err != nil {
				log.Warn().Err(err).Str("bot", res.Name).Msg("bot stopped")
			}
			return nil
		})
	}
	g.Wait()

	printResults(results)
}

func runProbe(ctx context.Context, addr string) error {
	reply, rtt, err := network.Probe(ctx, addr, 5*time.Second)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Session", "Clients", "Max", "Rate", "RTT"})
	table.Append([]string{
		reply.SessionID,
		strconv.Itoa(int(reply.Clients)),
		strconv.Itoa(int(reply.MaxClients)),
		fmt.Sprintf("%dms", reply.Rate),
		rtt.Round(time.Microsecond).String(),
	})
	table.Render()
	return nil
}

func printResults(results []bot.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Bot", "Slot", "Sent", "Ticks", "CRCs", "Ping", "Error"})
	table.SetAutoWrapText(false)

	for _, r := range results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		slot := "-"
		if r.Slot >= 0 {
			slot = strconv.Itoa(r.Slot)
		}
		table.Append([]string{
			r.Name,
			slot,
			strconv.Itoa(r.Sent),
			strconv.Itoa(r.Ticks),
			strconv.Itoa(r.CRCs),
			fmt.Sprintf("%dms", r.Ping),
			errText,
		})
	}
	table.Render()
}
