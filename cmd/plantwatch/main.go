package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"plantwatch/internal/config"
	"plantwatch/internal/logger"
	"plantwatch/internal/monitor"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Log.Level)
	log := logger.WithDevice("main", cfg.Telemetry.DeviceID)

	m, err := monitor.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build monitor")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil {
		log.Error().Err(err).Msg("monitor exited with error")
		stop()
		os.Exit(1)
	}

	st := m.Status()
	log.Info().
		Str("connection", string(st.Connection.Status)).
		Uint64("commands_sent", st.Commands.Sent).
		Uint64("commands_failed", st.Commands.Failed).
		Msg("exited")
}
