package engine

import (
	"context"
	"sync"

	. "localtrader/internal/common"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// This is the main matching engine. It serializes access to the order book:
// mutations hold the write lock for the whole submit or cancel, queries
// share the read lock, so no reader ever observes a half-matched book.

// Reporter receives every trade once the book has settled.
type Reporter interface {
	ReportTrade(ctx context.Context, trade Trade) error
}

type Engine struct {
	mu   sync.RWMutex
	book *OrderBook

	reportersLock sync.RWMutex
	reporters     []Reporter
}

type Option func(*Engine)

func WithReporter(reporter Reporter) Option {
	return func(engine *Engine) {
		engine.reporters = append(engine.reporters, reporter)
	}
}

func New(instrument string, opts ...Option) *Engine {
	engine := &Engine{
		book: NewOrderBook(instrument),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// SetReporter adds a reporter after construction, for components that need
// the engine before they can report (e.g. the transport server).
func (engine *Engine) SetReporter(reporter Reporter) {
	engine.reportersLock.Lock()
	defer engine.reportersLock.Unlock()

	engine.reporters = append(engine.reporters, reporter)
}

func (engine *Engine) Instrument() string {
	return engine.book.Instrument()
}

// Submit places the order and returns the trades it produced. Reporters are
// called after the book is unlocked; their failures are logged only.
func (engine *Engine) Submit(ctx context.Context, order *Order) ([]Trade, error) {
	engine.mu.Lock()
	trades, err := engine.book.SubmitOrder(order)
	engine.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("order", order.ID).
		Int64("client", int64(order.ClientID)).
		Stringer("side", order.Side).
		Str("price", order.Price.StringFixed(4)).
		Int64("size", order.TotalSize).
		Int("trades", len(trades)).
		Msg("order submitted")

	for _, trade := range trades {
		engine.report(ctx, trade)
	}
	return trades, nil
}

func (engine *Engine) Cancel(id string) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	if err := engine.book.CancelOrder(id); err != nil {
		return err
	}
	log.Debug().Str("order", id).Msg("order cancelled")
	return nil
}

// report fires the trade to every reporter.
func (engine *Engine) report(ctx context.Context, trade Trade) {
	log.Debug().
		Str("instrument", trade.Instrument).
		Stringer("side", trade.Side).
		Str("price", trade.Price.StringFixed(4)).
		Int64("size", trade.Size).
		Int64("maker", int64(trade.Maker)).
		Int64("taker", int64(trade.Taker)).
		Msg("trade")

	engine.reportersLock.RLock()
	defer engine.reportersLock.RUnlock()

	for _, reporter := range engine.reporters {
		if err := reporter.ReportTrade(ctx, trade); err != nil {
			log.Error().Err(err).Str("taker order", trade.TakerOrderID).Msg("unable to report trade")
		}
	}
}

func (engine *Engine) BestBid() (decimal.Decimal, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.BestBid()
}

func (engine *Engine) BestOffer() (decimal.Decimal, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.BestOffer()
}

// BestBidOffer reads both sides of the top of book under a single lock.
func (engine *Engine) BestBidOffer() (bid, offer decimal.Decimal, err error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	if bid, err = engine.book.BestBid(); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	if offer, err = engine.book.BestOffer(); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return bid, offer, nil
}

func (engine *Engine) OrderStatus(id string) (Status, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.OrderStatus(id)
}

func (engine *Engine) Order(id string) (Order, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.Order(id)
}

func (engine *Engine) FilledByClientID(client ClientID) []Trade {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.FilledByClientID(client)
}

func (engine *Engine) OrdersByClientID(client ClientID) []Order {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.OrdersByClientID(client)
}

func (engine *Engine) Depth(side Side) []LevelView {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.book.Depth(side)
}

// LogBook writes both sides of the book to the log, best levels first.
func (engine *Engine) LogBook() {
	engine.mu.RLock()
	bids := engine.book.Depth(Buy)
	asks := engine.book.Depth(Sell)
	trades := len(engine.book.trades)
	engine.mu.RUnlock()

	log.Info().
		Str("instrument", engine.Instrument()).
		Int("bid levels", len(bids)).
		Int("ask levels", len(asks)).
		Int("trades", trades).
		Msg("order book")
	for _, level := range bids {
		logLevel(Buy, level)
	}
	for _, level := range asks {
		logLevel(Sell, level)
	}
}

func logLevel(side Side, level LevelView) {
	log.Info().
		Stringer("side", side).
		Str("price", level.Price.StringFixed(4)).
		Int64("size", level.Size).
		Int("orders", level.Orders).
		Msg("price level")
}
