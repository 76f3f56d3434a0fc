package loadgen

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	. "localtrader/internal/common"
	"localtrader/internal/net"

	"github.com/rs/zerolog/log"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

type RunnerConfig struct {
	URL        string
	Instrument string
	ClientID   ClientID
	Seed       uint64

	// Delay between orders, normally distributed and floored at zero.
	WaitMean time.Duration
	WaitSD   time.Duration

	ReconnectDelay time.Duration
	MaxOrders      int // Stop after this many acknowledged orders, 0 runs forever
}

// Runner submits generated orders to the exchange as one client.
type Runner struct {
	cfg       RunnerConfig
	generator Generator
	rng       *rand.Rand
	sent      int
}

func NewRunner(cfg RunnerConfig, generator Generator) *Runner {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Runner{
		cfg:       cfg,
		generator: generator,
		rng:       newRand(cfg.Seed + 1),
	}
}

// Sent is the number of orders the exchange acknowledged.
func (r *Runner) Sent() int {
	return r.sent
}

// Run keeps a connection to the exchange and submits orders until ctx is
// done or MaxOrders are acknowledged, reconnecting after connection loss.
func (r *Runner) Run(ctx context.Context) error {
	for !r.finished() {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		log.Error().Err(err).Dur("retry in", r.cfg.ReconnectDelay).Msg("lost connection to exchange")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.ReconnectDelay):
		}
	}
	return nil
}

func (r *Runner) finished() bool {
	return r.cfg.MaxOrders > 0 && r.sent >= r.cfg.MaxOrders
}

// session submits orders over a single connection.
func (r *Runner) session(ctx context.Context) error {
	client, err := net.Dial(ctx, r.cfg.URL, net.WithDialTimeout(defaultDialTimeout))
	if err != nil {
		return err
	}
	defer client.Close()

	for !r.finished() {
		order, err := r.generator.Generate(r.cfg.Instrument, r.cfg.ClientID)
		if err != nil {
			// Generators only produce valid orders.
			return err
		}

		message := net.SerializeOrder(order)
		log.Debug().Str("msg", message).Msg(">")

		id, err := client.Submit(ctx, order)
		switch {
		case errors.Is(err, net.ErrRemote):
			log.Warn().Err(err).Str("msg", message).Msg("order rejected")
		case err != nil:
			return err
		default:
			r.sent++
			log.Info().Str("order", id).Str("msg", message).Msg("order acknowledged")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay()):
		}
	}
	return nil
}

func (r *Runner) delay() time.Duration {
	delay := float64(r.cfg.WaitMean) + float64(r.cfg.WaitSD)*r.rng.NormFloat64()
	return time.Duration(max(delay, 0))
}
