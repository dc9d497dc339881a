package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/LeventeLantos/automatic-mailing/internal/config"
	"github.com/LeventeLantos/automatic-mailing/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("load config")
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("addr", cfg.Server.Address).
		Str("store", cfg.Database.Store).
		Dur("interval", cfg.Trigger.Interval).
		Int("batch", cfg.Dispatch.BatchSize).
		Int("rate", cfg.SendAPI.RatePerSecond).
		Bool("redis", cfg.Redis.Enabled).
		Bool("amqp", cfg.Activation.AMQPURL != "").
		Msg("mailing service starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("mailing service stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("mailing service stopped")
}
