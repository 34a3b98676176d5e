package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gridbot/internal/bus"
	"gridbot/internal/config"
	"gridbot/internal/db"
	"gridbot/internal/engine"
	"gridbot/internal/exchange/kraken"
	"gridbot/internal/notify"
	"gridbot/internal/state"
)

var version = "dev"

func main() {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	log := buildLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(log, err, "loading configuration failed")
	}
	log.Info().Str("name", cfg.Name).Str("strategy", string(cfg.Strategy)).
		Str("pair", cfg.BaseCurrency+"/"+cfg.QuoteCurrency).Str("version", version).
		Bool("dry_run", cfg.DryRun).Msg("starting")

	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		fatal(log, err, "opening database failed")
	}

	lock, err := db.AcquireInstanceLockWithOptions(conn, cfg.Userref, db.LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Hour,
	})
	if err != nil {
		fatal(log, err, "another instance is trading this userref")
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Error().Err(err).Msg("releasing instance lock failed")
		}
	}()

	eventBus := bus.New()
	if cfg.Telegram.Enabled {
		telegram, err := notify.NewTelegram(cfg.Telegram, log)
		if err != nil {
			fatal(log, err, "connecting to telegram failed")
		}
		telegram.Attach(eventBus)
		defer telegram.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := kraken.NewClient(cfg.API, cfg.BaseCurrency, cfg.QuoteCurrency, log)
	stream := kraken.NewStream(client, cfg.API.WSBaseURL, cfg.API.WSAuthBaseURL, log)
	machine := state.NewMachine(log)

	eng, err := engine.New(cfg, version, conn, client, stream, eventBus, machine, log)
	if err != nil {
		fatal(log, err, "building engine failed")
	}
	if err := eng.Run(ctx); err != nil {
		fatal(log, err, "engine stopped")
	}
	log.Info().Msg("bye")
}

func buildLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func fatal(log zerolog.Logger, err error, msg string) {
	log.Error().Err(err).Msg(msg)
	fmt.Fprintf(os.Stderr, "gridbot: %s: %v\n", msg, err)
	os.Exit(1)
}
