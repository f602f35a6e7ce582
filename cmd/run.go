package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sigamobile/siga-helpdesk/archive"
	"github.com/sigamobile/siga-helpdesk/catalog"
	"github.com/sigamobile/siga-helpdesk/config"
	"github.com/sigamobile/siga-helpdesk/engine"
	"github.com/sigamobile/siga-helpdesk/provider"
	"github.com/sigamobile/siga-helpdesk/sheet"
)

func runRun(args []string, io IO) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.ErrOut)

	var envFile string
	fs.StringVar(&envFile, "env-file", "", "Load environment variables from this file before reading config")
	var debug bool
	fs.BoolVar(&debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("usage: siga-helpdesk run [flags]")
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		// A .env beside the binary is optional.
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	config.ApplySecretsFromEnv(&cfg)

	timeout, err := config.EffectiveTimeout(cfg)
	if err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: io.ErrOut}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := sheet.New(ctx, cfg.Google)
	if err != nil {
		return err
	}
	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		return err
	}
	transport, err := provider.NewWhatsApp(cfg, logger)
	if err != nil {
		return err
	}

	eng := engine.New(catalog.Default(), engine.NewStore(), archiver, sink, transport, timeout, logger)
	transport.HandleWith(eng)

	logger.Info().Str("backend", cfg.Archive.Backend).Msg("starting siga-helpdesk bot")
	if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
		_ = transport.Close()
		return err
	}

	if err := transport.Close(); err != nil {
		logger.Error().Err(err).Msg("transport close failed")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
