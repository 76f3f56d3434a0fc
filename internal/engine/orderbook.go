package engine

import (
	"errors"
	"fmt"
	"time"

	. "localtrader/internal/common"

	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrNoBids             = errors.New("no bids")
	ErrNoOffers           = errors.New("no offers")
	ErrNilOrder           = errors.New("nil order")
	ErrDuplicateOrder     = errors.New("duplicate order")
	ErrOrderNotActive     = errors.New("order is not a fresh active order")
	ErrInstrumentMismatch = errors.New("instrument mismatch")
)

// PriceLevel holds the resting orders at one price, in arrival order.
type PriceLevel struct {
	price  decimal.Decimal
	orders deque.Deque[*Order]
}

// LevelView is the aggregated state of a price level.
type LevelView struct {
	Price  decimal.Decimal
	Size   int64
	Orders int
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// OrderBook owns every order and trade of a single instrument.
//
// The book is single-writer: callers must serialize all calls, see Engine.
type OrderBook struct {
	instrument string

	// Price levels to orders sat on the price level, sorted by time added
	// as they will be push-back'd. The first level of each tree is the top
	// of book for that side.
	bids *PriceLevels
	asks *PriceLevels

	// Every order ever submitted, for status and history lookups.
	orders         map[string]*Order
	ordersByClient map[ClientID][]*Order

	// Append-only trade log, and the indexes into it per participant.
	trades         []Trade
	tradesByClient map[ClientID][]int

	now func() time.Time
}

func NewOrderBook(instrument string) *OrderBook {
	// Sorted greatest first.
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.price.GreaterThan(b.price)
	})
	// Sorted least first.
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.price.LessThan(b.price)
	})
	return &OrderBook{
		instrument:     instrument,
		bids:           bids,
		asks:           asks,
		orders:         make(map[string]*Order),
		ordersByClient: make(map[ClientID][]*Order),
		tradesByClient: make(map[ClientID][]int),
		now:            time.Now,
	}
}

func (book *OrderBook) Instrument() string {
	return book.instrument
}

// SubmitOrder places a new limit order on its side of the book and matches
// away every cross it creates. It returns the trades produced by this
// submission, in execution order.
//
// The order's SubmitTime is overwritten with the time of arrival into the
// book; resting priority never changes afterwards, partial fills included.
func (book *OrderBook) SubmitOrder(order *Order) ([]Trade, error) {
	if err := book.admit(order); err != nil {
		return nil, err
	}

	order.Stamp(book.now())
	book.orders[order.ID] = order
	book.ordersByClient[order.ClientID] = append(book.ordersByClient[order.ClientID], order)

	levels := book.levels(order.Side)
	level, ok := levels.GetMut(&PriceLevel{price: order.Price})
	if !ok {
		level = &PriceLevel{price: order.Price}
		levels.Set(level)
	}
	level.orders.PushBack(order)

	return book.match(order.Side), nil
}

// admit rejects orders the book cannot take ownership of.
func (book *OrderBook) admit(order *Order) error {
	if order == nil {
		return ErrNilOrder
	}
	if order.Instrument != book.instrument {
		return fmt.Errorf(
			"%w: order for %q, book trades %q", ErrInstrumentMismatch, order.Instrument, book.instrument,
		)
	}
	if _, ok := book.orders[order.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ID)
	}
	if !order.Side.Valid() {
		return ErrInvalidSide
	}
	if order.Price.IsNegative() {
		return ErrInvalidPrice
	}
	if order.Status != Active || order.TotalSize <= 0 || order.RemainingSize != order.TotalSize {
		return fmt.Errorf("%w: %s is %v with %d/%d remaining",
			ErrOrderNotActive, order.ID, order.Status, order.RemainingSize, order.TotalSize)
	}
	return nil
}

// match consumes the top of book while it crosses (i.e., bid >= ask).
//
// Only the incoming order can create a cross, so every iteration involves
// it: the order on the taker side is the liquidity taker and the resting
// order is the maker. The execution price is always the buy order's price.
//
// Each iteration fills at least one of the two orders completely and
// removes it, so the loop is bounded by the number of resting orders.
func (book *OrderBook) match(takerSide Side) []Trade {
	var trades []Trade
	for {
		bestBid, bidOk := book.bids.MinMut()
		bestAsk, askOk := book.asks.MinMut()

		// If either side is empty, or prices don't cross, we are done.
		if !bidOk || !askOk || bestBid.price.LessThan(bestAsk.price) {
			break
		}

		buy := bestBid.orders.Front()
		sell := bestAsk.orders.Front()

		taker, maker := buy, sell
		if takerSide == Sell {
			taker, maker = sell, buy
		}

		size := min(buy.RemainingSize, sell.RemainingSize)
		trade := Trade{
			Instrument:    book.instrument,
			Price:         buy.Price,
			Size:          size,
			Side:          takerSide,
			Maker:         maker.ClientID,
			Taker:         taker.ClientID,
			MakerOrderID:  maker.ID,
			TakerOrderID:  taker.ID,
			ExecutionTime: book.now(),
		}
		book.record(trade)
		trades = append(trades, trade)

		buy.Fill(size)
		sell.Fill(size)

		// Full consumption cases. Partially filled orders stay at the front
		// of their level with their original priority.
		if buy.Status == Filled {
			book.popFront(book.bids, bestBid)
		}
		if sell.Status == Filled {
			book.popFront(book.asks, bestAsk)
		}
	}
	return trades
}

func (book *OrderBook) record(trade Trade) {
	idx := len(book.trades)
	book.trades = append(book.trades, trade)

	book.tradesByClient[trade.Maker] = append(book.tradesByClient[trade.Maker], idx)
	if trade.Taker != trade.Maker {
		book.tradesByClient[trade.Taker] = append(book.tradesByClient[trade.Taker], idx)
	}
}

func (book *OrderBook) popFront(levels *PriceLevels, level *PriceLevel) {
	level.orders.PopFront()
	if level.orders.Len() == 0 {
		levels.Delete(level)
	}
}

func (book *OrderBook) levels(side Side) *PriceLevels {
	if side == Buy {
		return book.bids
	}
	return book.asks
}

// CancelOrder withdraws a resting order from the book.
//
// ErrOrderNotFound is returned both for ids the book never saw and for
// orders that are no longer resting (already filled or cancelled).
func (book *OrderBook) CancelOrder(id string) error {
	order, ok := book.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}

	levels := book.levels(order.Side)
	level, ok := levels.GetMut(&PriceLevel{price: order.Price})
	if !ok || !order.IsResting() {
		return fmt.Errorf("%w: %s is no longer resting", ErrOrderNotFound, id)
	}

	idx := level.orders.Index(func(o *Order) bool { return o == order })
	if idx < 0 {
		return fmt.Errorf("%w: %s is no longer resting", ErrOrderNotFound, id)
	}

	level.orders.Remove(idx)
	if level.orders.Len() == 0 {
		levels.Delete(level)
	}
	order.Cancel()
	return nil
}

// BestBid returns the price of the highest priority resting buy order.
func (book *OrderBook) BestBid() (decimal.Decimal, error) {
	level, ok := book.bids.Min()
	if !ok {
		return decimal.Decimal{}, ErrNoBids
	}
	return level.orders.Front().Price, nil
}

// BestOffer returns the price of the highest priority resting sell order.
func (book *OrderBook) BestOffer() (decimal.Decimal, error) {
	level, ok := book.asks.Min()
	if !ok {
		return decimal.Decimal{}, ErrNoOffers
	}
	return level.orders.Front().Price, nil
}

func (book *OrderBook) OrderStatus(id string) (Status, error) {
	order, ok := book.orders[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return order.Status, nil
}

// Order returns a copy of the order with the given id.
func (book *OrderBook) Order(id string) (Order, error) {
	order, ok := book.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return *order, nil
}

// FilledByClientID returns, in execution order, every trade where the
// client was the maker or the taker.
func (book *OrderBook) FilledByClientID(client ClientID) []Trade {
	indexes := book.tradesByClient[client]
	fills := make([]Trade, 0, len(indexes))
	for _, idx := range indexes {
		fills = append(fills, book.trades[idx])
	}
	return fills
}

// OrdersByClientID returns copies of every order the client ever
// submitted, whatever its status, in submission order.
func (book *OrderBook) OrdersByClientID(client ClientID) []Order {
	orders := book.ordersByClient[client]
	history := make([]Order, 0, len(orders))
	for _, order := range orders {
		history = append(history, *order)
	}
	return history
}

// Trades returns a copy of the trade log.
func (book *OrderBook) Trades() []Trade {
	return append([]Trade(nil), book.trades...)
}

// Depth aggregates the resting orders of one side, best level first.
func (book *OrderBook) Depth(side Side) []LevelView {
	var views []LevelView
	book.levels(side).Scan(func(level *PriceLevel) bool {
		view := LevelView{Price: level.price, Orders: level.orders.Len()}
		for i := 0; i < level.orders.Len(); i++ {
			view.Size += level.orders.At(i).RemainingSize
		}
		views = append(views, view)
		return true
	})
	return views
}
