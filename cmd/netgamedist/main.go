// netgamedist - lockstep input distribution server.
//
// netgamedist accepts game clients over TCP, merges their per-tick inputs
// into one stream and fans it back out. It answers UDP discovery probes,
// exposes a REST API and event stream, records session history in sqlite
// and publishes telemetry via MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/netgamedist/internal/api"
	"github.com/energizer-project/netgamedist/internal/cli"
	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/db"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/health"
	"github.com/energizer-project/netgamedist/internal/network"
	"github.com/energizer-project/netgamedist/internal/scheduler"
	"github.com/energizer-project/netgamedist/internal/session"
	"github.com/energizer-project/netgamedist/internal/telemetry"
	"github.com/energizer-project/netgamedist/internal/util"
)

const (
	AppVersion = "1.0.0"
	Banner     = `
             _                             _ _     _
  _ __   ___| |_ __ _  __ _ _ __ ___   ___| (_)___| |_
 | '_ \ / _ \ __/ _' |/ _' | '_ ' _ \ / _ \ | / __| __|
 | | | |  __/ || (_| | (_| | | | | | |  __/ | \__ \ |_
 |_| |_|\___|\__\__, |\__,_|_| |_| |_|\___|_|_|___/\__|
                |___/  v%s
 Lockstep input distribution server
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	setup := flag.Bool("setup", false, "run the interactive setup wizard before starting")
	console := flag.Bool("console", true, "read operator commands from stdin")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above or run with -setup")
	}

	app := cfg.GetApplicationData()
	logTail, err := util.InitLogger(app.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting netgamedist")

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if err := run(cfg, logTail, *console); err != nil {
		log.Fatal().Err(err).Msg("netgamedist stopped with error")
	}
	log.Info().Msg("netgamedist stopped")
}

func run(cfg *config.Config, logTail *util.LogTail, console bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := cfg.GetApplicationData()
	netCfg := cfg.GetNetwork()

	bus := events.NewEventBus()
	defer bus.Stop()

	bus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		log.Info().Str("source", e.Source).Msg("shutdown requested")
		stop()
		return nil
	})

	sess, err := session.New(cfg.GetSession(), session.WithPublisher(bus))
	if err != nil {
		return err
	}
	log.Info().
		Str("session", sess.ID()).
		Int("max_clients", sess.MaxClients()).
		Dur("rate", sess.FixedRate()).
		Msg("session created")

	database, err := db.NewDatabase(app.History.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	access, err := db.NewAccessStore(database)
	if err != nil {
		return err
	}
	history, err := db.NewHistoryStore(database)
	if err != nil {
		return err
	}

	if app.History.Enabled {
		if err := history.StartSession(sess.ID(), sess.MaxClients(), sess.FixedRate(), time.Now()); err != nil {
			return err
		}
		history.Subscribe(bus, sess.ID())
		defer func() {
			if err := history.EndSession(sess.ID(), time.Now()); err != nil {
				log.Warn().Err(err).Msg("failed to close session record")
			}
		}()
	}

	monitor := session.NewMonitor(bus)
	registry := network.NewConnectionRegistry()
	listener := network.NewListener(netCfg, sess, registry)
	discovery := network.NewDiscoveryResponder(netCfg.ListenAddress, netCfg.SessionPort, sess)

	apiServer := api.NewServer(cfg, bus, sess)
	apiServer.SetDependencies(api.Dependencies{
		Monitor: monitor,
		Access:  access,
		History: history,
		LogTail: logTail,
	})

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(app.MQTT, bus, sess)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var pruner scheduler.Pruner
	if app.History.Enabled {
		pruner = history
	}
	sched := scheduler.NewScheduler(cfg, sess, pruner)
	healthMgr := health.NewManager(cfg, bus, registry, discovery)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Msg("starting session loop")
		return sess.Run(ctx)
	})

	g.Go(func() error {
		log.Info().Int("port", netCfg.SessionPort).Msg("starting session listener")
		return listener.Start(ctx)
	})

	g.Go(func() error {
		if err := discovery.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("discovery responder failed (non-fatal)")
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", netCfg.APIPort).Msg("starting REST API server")
		if err := apiServer.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("API server failed (non-fatal)")
		}
		return nil
	})

	monitorInterval := time.Duration(app.Timers.GeneralHealthInterval) * time.Second
	if monitorInterval <= 0 {
		monitorInterval = time.Minute
	}
	g.Go(func() error {
		monitor.Start(ctx, monitorInterval)
		return nil
	})

	g.Go(func() error {
		sched.Start(ctx)
		return nil
	})

	g.Go(func() error {
		healthMgr.Start(ctx)
		return nil
	})

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx, time.Duration(app.Timers.HeartbeatInterval)*time.Second); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	if console {
		cliHandler := cli.NewCLI(cfg, bus, sess, monitor, access, os.Stdin, os.Stdout)
		g.Go(func() error {
			cliHandler.Start(ctx)
			return nil
		})
	}

	<-ctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			bus.Stop()
			return err
		}
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// drain in-flight handlers before the database closes
	bus.Stop()
	return nil
}
