package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"localtrader/internal/common"
	"localtrader/internal/loadgen"
	"localtrader/internal/logging"

	"github.com/rs/zerolog/log"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8765", "URL of the exchange server")
	strategy := flag.String("strategy", "random", "Order generator: 'random' or 'scalper'")
	instrument := flag.String("instrument", "ABC", "Instrument to trade")
	clientID := flag.Int64("client", time.Now().UnixNano()%1_000_000, "Client id the orders are submitted as")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed")
	waitMean := flag.Duration("wait-mean", 15*time.Microsecond, "Mean delay between orders")
	waitSD := flag.Duration("wait-sd", 75*time.Microsecond, "Standard deviation of the delay between orders")
	count := flag.Int("n", 0, "Stop after this many orders, 0 runs until interrupted")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := logging.Setup(*logLevel, true); err != nil {
		log.Fatal().Err(err).Msg("unable to setup logging")
	}

	var generator loadgen.Generator
	switch *strategy {
	case "random":
		generator = loadgen.NewRandomWalk(*seed)
	case "scalper":
		generator = loadgen.NewScalper(*seed)
	default:
		log.Fatal().Str("strategy", *strategy).Msg("unknown strategy")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	runner := loadgen.NewRunner(loadgen.RunnerConfig{
		URL:        *serverURL,
		Instrument: *instrument,
		ClientID:   common.ClientID(*clientID),
		Seed:       *seed,
		WaitMean:   *waitMean,
		WaitSD:     *waitSD,
		MaxOrders:  *count,
	}, generator)

	if err := runner.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("load generator stopped")
	}
	log.Info().Int("orders", runner.Sent()).Msg("done")
}
