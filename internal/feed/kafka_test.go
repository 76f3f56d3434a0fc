package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	. "localtrader/internal/common"
	"localtrader/internal/engine"
	"localtrader/internal/net"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

var _ engine.Reporter = (*TradeFeed)(nil)

func TestTradeFeed_PublishesTrades(t *testing.T) {
	writer := &fakeWriter{}
	feed := &TradeFeed{writer: writer, topic: "trades"}
	eng := engine.New("ABC", engine.WithReporter(feed))

	for _, side := range []Side{Buy, Sell} {
		order, err := NewOrder("ABC", decimal.RequireFromString("10.5"), 2, side, ClientID(side)+1)
		require.NoError(t, err)
		_, err = eng.Submit(context.Background(), order)
		require.NoError(t, err)
	}

	require.Len(t, writer.messages, 1)
	message := writer.messages[0]
	assert.Equal(t, []byte("ABC"), message.Key)

	trade, err := net.ParseTrade(string(message.Value))
	require.NoError(t, err)
	assert.Equal(t, "10.5000", trade.Price.StringFixed(4))
	assert.Equal(t, int64(2), trade.Size)
	assert.Equal(t, ClientID(1), trade.Maker)
	assert.Equal(t, ClientID(2), trade.Taker)
	assert.WithinDuration(t, trade.ExecutionTime, message.Time, time.Microsecond)

	require.NoError(t, feed.Close())
	assert.True(t, writer.closed)
}

func TestTradeFeed_WriteError(t *testing.T) {
	failure := errors.New("broker down")
	feed := &TradeFeed{writer: &fakeWriter{err: failure}, topic: "trades"}

	err := feed.ReportTrade(context.Background(), Trade{Instrument: "ABC", Size: 1})
	assert.ErrorIs(t, err, failure)
}

func TestNewTradeFeed(t *testing.T) {
	feed := NewTradeFeed([]string{"localhost:9092"}, "trades")

	writer, ok := feed.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "trades", writer.Topic)
	assert.NotNil(t, writer.Addr)
}
