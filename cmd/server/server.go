package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"localtrader/internal/config"
	"localtrader/internal/engine"
	"localtrader/internal/feed"
	"localtrader/internal/logging"
	"localtrader/internal/net"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config (defaults to $CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		log.Fatal().Err(err).Msg("unable to setup logging")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	// Setup the websocket server and the matching engine.
	eng := engine.New(cfg.Instrument)
	srv := net.New(net.Config{
		Address:         cfg.Server.Address,
		Port:            cfg.Server.Port,
		Workers:         cfg.Server.Workers,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		BroadcastTrades: cfg.Server.BroadcastTrades,
	}, eng)
	eng.SetReporter(srv)

	if cfg.Feed.Enabled {
		tradeFeed := feed.NewTradeFeed(cfg.Feed.Brokers, cfg.Feed.Topic)
		defer func() {
			if err := tradeFeed.Close(); err != nil {
				log.Error().Err(err).Msg("unable to close trade feed")
			}
		}()
		eng.SetReporter(tradeFeed)
	}

	// Block on running the server.
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	eng.LogBook()
}
