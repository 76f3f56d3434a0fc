package feed

import (
	"context"
	"fmt"
	"time"

	. "localtrader/internal/common"
	"localtrader/internal/net"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of kafka.Writer the feed uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TradeFeed publishes every trade to a kafka topic, keyed by instrument, as
// the same text the exchange announces to its websocket clients.
type TradeFeed struct {
	writer messageWriter
	topic  string
}

func NewTradeFeed(brokers []string, topic string) *TradeFeed {
	return &TradeFeed{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

// ReportTrade implements engine.Reporter.
func (f *TradeFeed) ReportTrade(ctx context.Context, trade Trade) error {
	err := f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(trade.Instrument),
		Value: []byte(net.SerializeTrade(trade)),
		Time:  trade.ExecutionTime,
	})
	if err != nil {
		return fmt.Errorf("unable to publish trade to %s: %w", f.topic, err)
	}
	return nil
}

func (f *TradeFeed) Close() error {
	log.Info().Str("topic", f.topic).Msg("closing trade feed")
	return f.writer.Close()
}
