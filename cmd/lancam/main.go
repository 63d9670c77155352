// lancam is the camera signaling and relay coordinator. It holds the control
// channel to the relay server, negotiates a preview session per camera and
// feeds the output renderer through two persistent program slots.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lancam/internal/api"
	"lancam/internal/config"
	"lancam/internal/console"
	"lancam/internal/control"
	"lancam/internal/domain"
	"lancam/internal/preview"
	"lancam/internal/registry"
	"lancam/internal/relay"
	"lancam/internal/rtc"
	"lancam/internal/tally"
	"lancam/pkg/telemetry"
)

// inboxSize absorbs bursts of media callbacks without blocking pion goroutines.
const inboxSize = 256

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("lancam failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracers, err := telemetry.InitTracer(ctx, cfg.TelemetryEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	if tracers != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracers.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("telemetry shutdown")
			}
		}()
	}

	engine, err := rtc.NewEngine(cfg.STUNServers)
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	inbox := make(chan domain.Event, inboxSize)
	post := func(ev domain.Event) { inbox <- ev }

	ctrl := control.New(cfg.ControlURL, cfg.ControlPIN, cfg.ReconnectDelay, inbox)
	reg := registry.New()
	previews := preview.New(ctrl, engine.NewPreviewPeer, post, cfg.NegotiationTimeout)
	slots := relay.New(ctrl, tally.New(ctrl), previews, engine.NewProgramPeer, engine.NewIdleTrack, post)
	coord := console.New(inbox, reg, previews, slots)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Run(ctx)
	}()

	ctrl.Connect(ctx)

	srvErr := make(chan error, 1)
	var status *api.Server
	if cfg.StatusAddr != "" && cfg.StatusAddr != "off" {
		status = api.New(cfg.StatusAddr, coord, ctrl)
		go func() { srvErr <- status.Start() }()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-srvErr:
		stop()
		ctrl.Close()
		wg.Wait()
		return fmt.Errorf("status api: %w", err)
	}

	ctrl.Close()
	if status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := status.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("status api shutdown")
		}
	}
	wg.Wait()
	return nil
}
