package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"localtrader/internal/common"
	"localtrader/internal/logging"
	"localtrader/internal/net"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	// 1. CLI Parameter Parsing
	serverURL := flag.String("server", "ws://localhost:8765", "URL of the exchange server")
	clientID := flag.Int64("client", 0, "Client id the orders are submitted as")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel', 'status', 'bb', 'bo', 'bbbo', 'log']")
	listen := flag.Duration("listen", 0, "Keep listening for trades this long after the action")

	// Order Parameters
	instrument := flag.String("instrument", "ABC", "Instrument to trade")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	priceStr := flag.String("price", "100", "Limit price")
	qtyStr := flag.String("qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")

	// Cancel / Status Parameters
	orderID := flag.String("id", "", "Id of the order to cancel or query")

	flag.Parse()

	if err := logging.Setup("info", true); err != nil {
		log.Fatal().Err(err).Msg("unable to setup logging")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Connect to Server
	client, err := net.Dial(ctx, *serverURL)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverURL).Msg("failed to connect")
	}
	defer client.Close()

	// Execute Action
	switch strings.ToLower(*action) {
	case "place":
		side, err := common.ParseSide(*sideStr)
		if err != nil {
			fail(err)
		}
		price, err := decimal.NewFromString(*priceStr)
		if err != nil {
			fail(fmt.Errorf("invalid price %q: %w", *priceStr, err))
		}
		for _, qty := range parseQuantities(*qtyStr) {
			order, err := common.NewOrder(*instrument, price, qty, side, common.ClientID(*clientID))
			if err != nil {
				log.Error().Err(err).Int64("qty", qty).Msg("invalid order")
				continue
			}
			id, err := client.Submit(ctx, order)
			if err != nil {
				log.Error().Err(err).Int64("qty", qty).Msg("failed to place order")
				continue
			}
			fmt.Printf("-> %s %s %d @ %s: %s\n", side, *instrument, qty, price.StringFixed(4), id)
		}

	case "cancel":
		if err := client.Cancel(ctx, requireID(*orderID)); err != nil {
			fail(err)
		}
		fmt.Printf("-> cancelled %s\n", *orderID)

	case "status":
		status, err := client.Status(ctx, requireID(*orderID))
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s %s\n", *orderID, status)

	case "bb":
		price, err := client.BestBid(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Println(price.StringFixed(4))

	case "bo":
		price, err := client.BestOffer(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Println(price.StringFixed(4))

	case "bbbo":
		bid, offer, at, err := client.BestBidOffer(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s %s at %s\n", bid.StringFixed(4), offer.StringFixed(4), at.Format(time.RFC3339Nano))

	case "log":
		if err := client.LogBook(ctx); err != nil {
			fail(err)
		}
		fmt.Println("-> book written to the server log")

	default:
		fail(fmt.Errorf("unknown action: %s", *action))
	}

	if *listen > 0 {
		readTrades(client, *listen)
	}
}

// parseQuantities splits a comma-separated string into quantities.
func parseQuantities(input string) []int64 {
	var result []int64
	for _, p := range strings.Split(input, ",") {
		p = strings.TrimSpace(p)
		if val, err := strconv.ParseInt(p, 10, 64); err == nil {
			result = append(result, val)
		} else {
			log.Warn().Str("qty", p).Msg("invalid quantity, skipping")
		}
	}
	return result
}

func requireID(id string) string {
	if id == "" {
		fail(errors.New("-id is required"))
	}
	return id
}

// readTrades prints trade announcements until the duration passes.
func readTrades(client *net.Client, duration time.Duration) {
	fmt.Println("\nListening for trades...")
	timeout := time.After(duration)
	for {
		select {
		case trade, ok := <-client.Trades():
			if !ok {
				return
			}
			fmt.Println(trade)
		case <-timeout:
			return
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
