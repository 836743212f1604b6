package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ripel-io/ripel/admin"
	"github.com/ripel-io/ripel/cdc"
	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/service"
	"github.com/ripel-io/ripel/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("reader_id", cfg.Config.ReaderID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Ripel - MySQL change data capture")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	if cfg.Config.Prometheus.Enabled {
		telemetry.InitMetrics()
	}

	if err := run(); err != nil {
		var fe *cdc.FatalError
		if errors.As(err, &fe) {
			log.Error().
				Err(fe.Err).
				Str("last_checkpoint", fe.LastCheckpoint.String()).
				Msg("Reader stopped on a fatal error, restart resumes from the last checkpoint")
		} else {
			log.Error().Err(err).Msg("Reader stopped")
		}
		os.Exit(1)
	}

	log.Info().Msg("Shutdown complete")
}

// run blocks until SIGINT/SIGTERM or a fatal error
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Config.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Trace flush failed")
		}
	}()

	log.Info().Msg("Connecting to source and building pipeline")
	svc, err := service.New(ctx, cfg.Config, service.Overrides{})
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer svc.Close()

	if cfg.Config.Admin.Enabled {
		address := net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port))
		server := admin.NewServer(address, admin.NewRouter(svc.Handlers(cfg.Config.Admin.Secret)))
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint32("server_id", cfg.Config.Source.ServerID).
		Str("source", net.JoinHostPort(cfg.Config.Source.Host, strconv.Itoa(cfg.Config.Source.Port))).
		Str("sink", cfg.Config.Publisher.Sink).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Reader is operational")

	return svc.Run(ctx)
}
