package engine

import (
	"testing"
	"time"

	. "localtrader/internal/common"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// --- Setup & Helpers --------------------------------------------------------

const (
	bob   ClientID = 1
	alice ClientID = 2
	eve   ClientID = 3
)

func createTestOrderBook() *OrderBook {
	book := NewOrderBook("ABC")
	clock := time.Unix(1_700_000_000, 0)
	book.now = func() time.Time {
		clock = clock.Add(time.Microsecond)
		return clock
	}
	return book
}

func newTestOrder(t *testing.T, price string, size int64, side Side, client ClientID) *Order {
	t.Helper()
	order, err := NewOrder("ABC", decimal.RequireFromString(price), size, side, client)
	require.NoError(t, err)
	return order
}

func submit(t *testing.T, book *OrderBook, price string, size int64, side Side, client ClientID) (*Order, []Trade) {
	t.Helper()
	order := newTestOrder(t, price, size, side, client)
	trades, err := book.SubmitOrder(order)
	require.NoError(t, err)
	return order, trades
}

func placeTestOrders(t *testing.T, book *OrderBook, price string, side Side, sizes ...int64) {
	t.Helper()
	for _, size := range sizes {
		submit(t, book, price, size, side, bob)
	}
}

type flatLevel struct {
	Price  string
	Size   int64
	Orders int
}

// flattenLevels renders depth views so they compare by value.
func flattenLevels(views []LevelView) []flatLevel {
	flat := make([]flatLevel, 0, len(views))
	for _, view := range views {
		flat = append(flat, flatLevel{view.Price.StringFixed(4), view.Size, view.Orders})
	}
	return flat
}

func tradePrices(trades []Trade) []string {
	prices := make([]string, 0, len(trades))
	for _, trade := range trades {
		prices = append(prices, trade.Price.StringFixed(4))
	}
	return prices
}

func tradeSizes(trades []Trade) []int64 {
	sizes := make([]int64, 0, len(trades))
	for _, trade := range trades {
		sizes = append(sizes, trade.Size)
	}
	return sizes
}

// --- Tests ------------------------------------------------------------------

func TestSubmitOrder_SingleMatch(t *testing.T) {
	book := createTestOrderBook()

	buy, trades := submit(t, book, "10.00", 1, Buy, bob)
	assert.Empty(t, trades)

	sell, trades := submit(t, book, "10.00", 1, Sell, alice)
	require.Len(t, trades, 1)

	trade := trades[0]
	assert.Equal(t, "ABC", trade.Instrument)
	assert.Equal(t, int64(1), trade.Size)
	assert.Equal(t, "10.0000", trade.Price.StringFixed(4))
	assert.Equal(t, Sell, trade.Side)
	assert.Equal(t, bob, trade.Maker)
	assert.Equal(t, alice, trade.Taker)
	assert.Equal(t, buy.ID, trade.MakerOrderID)
	assert.Equal(t, sell.ID, trade.TakerOrderID)

	assert.Equal(t, Filled, buy.Status)
	assert.Equal(t, Filled, sell.Status)

	_, err := book.BestBid()
	assert.ErrorIs(t, err, ErrNoBids)
	_, err = book.BestOffer()
	assert.ErrorIs(t, err, ErrNoOffers)

	// Both participants see the same fill.
	assert.Equal(t, book.FilledByClientID(bob), book.FilledByClientID(alice))
}

func TestSubmitOrder_SplitFill(t *testing.T) {
	book := createTestOrderBook()

	buy, _ := submit(t, book, "10.00", 2, Buy, bob)
	aliceOrder, first := submit(t, book, "10.00", 1, Sell, alice)
	assert.Equal(t, PartiallyFilled, buy.Status)
	eveOrder, second := submit(t, book, "10.00", 1, Sell, eve)

	assert.Equal(t, []int64{1}, tradeSizes(first))
	assert.Equal(t, []int64{1}, tradeSizes(second))
	assert.Equal(t, Filled, buy.Status)
	assert.Equal(t, Filled, aliceOrder.Status)
	assert.Equal(t, Filled, eveOrder.Status)

	fills := book.FilledByClientID(bob)
	require.Len(t, fills, 2)
	assert.Equal(t, alice, fills[0].Taker)
	assert.Equal(t, eve, fills[1].Taker)
	assert.Equal(t, bob, fills[0].Maker)
	assert.Equal(t, bob, fills[1].Maker)
	assert.Len(t, book.FilledByClientID(alice), 1)
	assert.Len(t, book.FilledByClientID(eve), 1)
	assert.Equal(t, fills, book.Trades())
}

func TestSubmitOrder_PriceTimePriority(t *testing.T) {
	book := createTestOrderBook()

	// Bob buys at 10, Alice sells at 10, Eve tries to sell at 10 as well.
	submit(t, book, "10.00", 1, Buy, bob)
	submit(t, book, "10.00", 1, Sell, alice)
	eveOrder, trades := submit(t, book, "10.00", 1, Sell, eve)

	assert.Empty(t, trades)
	assert.Len(t, book.FilledByClientID(bob), 1)
	assert.Len(t, book.FilledByClientID(alice), 1)
	assert.Empty(t, book.FilledByClientID(eve))

	// Eve's order is still resting.
	history := book.OrdersByClientID(eve)
	require.Len(t, history, 1)
	assert.Equal(t, eveOrder.ID, history[0].ID)
	assert.Equal(t, Active, history[0].Status)

	offer, err := book.BestOffer()
	require.NoError(t, err)
	assert.Equal(t, "10.0000", offer.StringFixed(4))
}

func TestSubmitOrder_EarlierOrderMatchesFirst(t *testing.T) {
	book := createTestOrderBook()

	first, _ := submit(t, book, "10.00", 1, Sell, alice)
	second, _ := submit(t, book, "10.00", 1, Sell, eve)
	_, trades := submit(t, book, "10.00", 1, Buy, bob)

	require.Len(t, trades, 1)
	assert.Equal(t, first.ID, trades[0].MakerOrderID)
	assert.Equal(t, Filled, first.Status)
	assert.Equal(t, Active, second.Status)
}

func TestSubmitOrder_BetterPriceBeatsTime(t *testing.T) {
	book := createTestOrderBook()

	submit(t, book, "10.50", 1, Sell, alice)
	better, _ := submit(t, book, "10.25", 1, Sell, eve)
	_, trades := submit(t, book, "11.00", 1, Buy, bob)

	require.Len(t, trades, 1)
	assert.Equal(t, better.ID, trades[0].MakerOrderID)
}

func TestPlaceOrder_Limit(t *testing.T) {
	book := createTestOrderBook()

	// 1. Setup: Place 3 orders on Buy side and 3 on Sell side
	placeTestOrders(t, book, "99.0", Buy, 100, 90, 80)
	placeTestOrders(t, book, "100.0", Sell, 100, 90, 80)

	// 2. Define Expectations
	expectedAsks := []flatLevel{{"100.0000", 270, 3}}
	expectedBids := []flatLevel{{"99.0000", 270, 3}}

	// 3. Assertions
	assert.Equal(t, expectedAsks, flattenLevels(book.Depth(Sell)))
	assert.Equal(t, expectedBids, flattenLevels(book.Depth(Buy)))
	assert.Empty(t, book.Trades())
}

func TestPlaceOrder_Limit_MultipleLevels_WithMatch(t *testing.T) {
	book := createTestOrderBook()

	// 1. Setup BIDS: Highest price first (99 -> 98)
	placeTestOrders(t, book, "99.0", Buy, 100, 90, 80)
	placeTestOrders(t, book, "98.0", Buy, 50)

	// 2. Setup ASKS: Lowest price first (100 -> 101)
	placeTestOrders(t, book, "100.0", Sell, 100, 90)
	placeTestOrders(t, book, "101.0", Sell, 20)

	assert.Equal(t,
		[]flatLevel{{"100.0000", 190, 2}, {"101.0000", 20, 1}},
		flattenLevels(book.Depth(Sell)), "Asks should be sorted Low -> High")
	assert.Equal(t,
		[]flatLevel{{"99.0000", 270, 3}, {"98.0000", 50, 1}},
		flattenLevels(book.Depth(Buy)), "Bids should be sorted High -> Low")

	// 3. Check complete match.
	placeTestOrders(t, book, "100.0", Buy, 100)
	assert.Equal(t,
		[]flatLevel{{"100.0000", 90, 1}, {"101.0000", 20, 1}},
		flattenLevels(book.Depth(Sell)))

	// 4. Check partial match.
	placeTestOrders(t, book, "100.0", Buy, 20)
	assert.Equal(t,
		[]flatLevel{{"100.0000", 70, 1}, {"101.0000", 20, 1}},
		flattenLevels(book.Depth(Sell)))

	// Bids were never crossed.
	assert.Equal(t,
		[]flatLevel{{"99.0000", 270, 3}, {"98.0000", 50, 1}},
		flattenLevels(book.Depth(Buy)))
}

func TestPlaceOrder_Limit_MultipleLevels_WithMatchSweep_Bid(t *testing.T) {
	book := createTestOrderBook()

	placeTestOrders(t, book, "99.0", Buy, 100, 90, 80)
	placeTestOrders(t, book, "98.0", Buy, 50)
	placeTestOrders(t, book, "100.0", Sell, 100, 90)
	placeTestOrders(t, book, "101.0", Sell, 20)

	// 1. Check sweep match within one level.
	_, trades := submit(t, book, "100.0", 120, Buy, alice)
	assert.Equal(t, []int64{100, 20}, tradeSizes(trades))
	assert.Equal(t,
		[]flatLevel{{"100.0000", 70, 1}, {"101.0000", 20, 1}},
		flattenLevels(book.Depth(Sell)))

	// 2. Check multi-level sweep with a deep into the book order. The buy
	// order's price is the execution price at every level.
	_, trades = submit(t, book, "103.0", 80, Buy, alice)
	assert.Equal(t, []int64{70, 10}, tradeSizes(trades))
	assert.Equal(t, []string{"103.0000", "103.0000"}, tradePrices(trades))
	assert.Equal(t,
		[]flatLevel{{"101.0000", 10, 1}},
		flattenLevels(book.Depth(Sell)))
}

func TestPlaceOrder_Limit_MultipleLevels_WithMatchSweep_Ask(t *testing.T) {
	book := createTestOrderBook()

	placeTestOrders(t, book, "99.0", Buy, 100, 90, 80)
	placeTestOrders(t, book, "98.0", Buy, 50)
	placeTestOrders(t, book, "100.0", Sell, 100, 90)
	placeTestOrders(t, book, "101.0", Sell, 20)

	// Check sweep match. Each trade executes at the resting bid's price.
	_, trades := submit(t, book, "96.0", 310, Sell, alice)
	assert.Equal(t, []int64{100, 90, 80, 40}, tradeSizes(trades))
	assert.Equal(t, []string{"99.0000", "99.0000", "99.0000", "98.0000"}, tradePrices(trades))
	for _, trade := range trades {
		assert.Equal(t, Sell, trade.Side)
		assert.Equal(t, alice, trade.Taker)
		assert.Equal(t, bob, trade.Maker)
	}

	assert.Equal(t,
		[]flatLevel{{"98.0000", 10, 1}},
		flattenLevels(book.Depth(Buy)))

	bid, err := book.BestBid()
	require.NoError(t, err)
	assert.Equal(t, "98.0000", bid.StringFixed(4))
}

func TestPartialFill_KeepsPriority(t *testing.T) {
	book := createTestOrderBook()

	first, _ := submit(t, book, "10", 5, Sell, alice)
	second, _ := submit(t, book, "10", 5, Sell, eve)

	submit(t, book, "10", 2, Buy, bob)
	assert.Equal(t, PartiallyFilled, first.Status)

	_, trades := submit(t, book, "10", 4, Buy, bob)
	require.Len(t, trades, 2)
	assert.Equal(t, first.ID, trades[0].MakerOrderID)
	assert.Equal(t, int64(3), trades[0].Size)
	assert.Equal(t, second.ID, trades[1].MakerOrderID)
	assert.Equal(t, int64(1), trades[1].Size)
}

func TestCancelOrder(t *testing.T) {
	book := createTestOrderBook()

	order, _ := submit(t, book, "10.00", 1, Buy, bob)
	status, err := book.OrderStatus(order.ID)
	require.NoError(t, err)
	assert.Equal(t, Active, status)

	require.NoError(t, book.CancelOrder(order.ID))
	status, err = book.OrderStatus(order.ID)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, status)

	_, err = book.BestBid()
	assert.ErrorIs(t, err, ErrNoBids)
	assert.Empty(t, book.Depth(Buy))

	// Cancelling again fails: it no longer rests on the book.
	assert.ErrorIs(t, book.CancelOrder(order.ID), ErrOrderNotFound)
}

func TestCancelOrder_Unknown(t *testing.T) {
	book := createTestOrderBook()

	assert.ErrorIs(t, book.CancelOrder("missing"), ErrOrderNotFound)
	_, err := book.OrderStatus("missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = book.Order("missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelOrder_Filled(t *testing.T) {
	book := createTestOrderBook()

	buy, _ := submit(t, book, "10", 1, Buy, bob)
	submit(t, book, "10", 1, Sell, alice)

	assert.ErrorIs(t, book.CancelOrder(buy.ID), ErrOrderNotFound)
	status, err := book.OrderStatus(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, Filled, status, "a filled order must not turn cancelled")
}

func TestCancelOrder_MiddleOfLevel(t *testing.T) {
	book := createTestOrderBook()

	first, _ := submit(t, book, "10", 1, Buy, bob)
	middle, _ := submit(t, book, "10", 2, Buy, alice)
	last, _ := submit(t, book, "10", 3, Buy, eve)

	require.NoError(t, book.CancelOrder(middle.ID))
	assert.Equal(t, []flatLevel{{"10.0000", 4, 2}}, flattenLevels(book.Depth(Buy)))

	_, trades := submit(t, book, "10", 4, Sell, bob)
	require.Len(t, trades, 2)
	assert.Equal(t, first.ID, trades[0].MakerOrderID)
	assert.Equal(t, last.ID, trades[1].MakerOrderID)
}

func TestCancelOrder_PartiallyFilled(t *testing.T) {
	book := createTestOrderBook()

	buy, _ := submit(t, book, "10", 5, Buy, bob)
	submit(t, book, "10", 2, Sell, alice)

	require.NoError(t, book.CancelOrder(buy.ID))
	assert.Equal(t, Cancelled, buy.Status)
	assert.Equal(t, int64(3), buy.RemainingSize)
	assert.Empty(t, book.Depth(Buy))
}

func TestNoMatchingOrders(t *testing.T) {
	book := createTestOrderBook()

	// Bob bids @ 9, alice offers @ 10, bob cancels then eve offers @ 8.5.
	bobOrder, _ := submit(t, book, "9.00", 2, Buy, bob)
	submit(t, book, "10.00", 1, Sell, alice)
	require.NoError(t, book.CancelOrder(bobOrder.ID))
	_, trades := submit(t, book, "8.50", 1, Sell, eve)

	assert.Empty(t, trades)
	assert.Empty(t, book.FilledByClientID(bob))
	assert.Empty(t, book.FilledByClientID(alice))
	assert.Empty(t, book.FilledByClientID(eve))

	offer, err := book.BestOffer()
	require.NoError(t, err)
	assert.Equal(t, "8.5000", offer.StringFixed(4))

	status, err := book.OrderStatus(bobOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, status)
}

func TestBestBidOffer(t *testing.T) {
	book := createTestOrderBook()

	submit(t, book, "10.00", 1, Buy, bob)
	o2, _ := submit(t, book, "11.00", 1, Buy, bob)
	bid, err := book.BestBid()
	require.NoError(t, err)
	assert.Equal(t, "11.0000", bid.StringFixed(4))

	// Cancelling the second order brings the best bid back to 10.00.
	require.NoError(t, book.CancelOrder(o2.ID))
	bid, err = book.BestBid()
	require.NoError(t, err)
	assert.Equal(t, "10.0000", bid.StringFixed(4))

	o3, _ := submit(t, book, "12.00", 1, Sell, alice)
	submit(t, book, "13.00", 1, Sell, alice)
	offer, err := book.BestOffer()
	require.NoError(t, err)
	assert.Equal(t, "12.0000", offer.StringFixed(4))

	// Cancelling the first offer brings the best offer up to 13.00.
	require.NoError(t, book.CancelOrder(o3.ID))
	offer, err = book.BestOffer()
	require.NoError(t, err)
	assert.Equal(t, "13.0000", offer.StringFixed(4))
}

func TestOrdersByClientID_FullHistory(t *testing.T) {
	book := createTestOrderBook()

	filled, _ := submit(t, book, "10", 1, Buy, bob)
	cancelled, _ := submit(t, book, "9", 1, Buy, bob)
	resting, _ := submit(t, book, "8", 1, Buy, bob)
	submit(t, book, "10", 1, Sell, alice)
	require.NoError(t, book.CancelOrder(cancelled.ID))

	history := book.OrdersByClientID(bob)
	require.Len(t, history, 3)
	assert.Equal(t, filled.ID, history[0].ID)
	assert.Equal(t, Filled, history[0].Status)
	assert.Equal(t, cancelled.ID, history[1].ID)
	assert.Equal(t, Cancelled, history[1].Status)
	assert.Equal(t, resting.ID, history[2].ID)
	assert.Equal(t, Active, history[2].Status)

	// Copies: mutating them leaves the book untouched.
	history[2].Status = Filled
	status, err := book.OrderStatus(resting.ID)
	require.NoError(t, err)
	assert.Equal(t, Active, status)

	assert.Empty(t, book.OrdersByClientID(eve))
}

func TestSubmitOrder_Rejections(t *testing.T) {
	book := createTestOrderBook()

	_, err := book.SubmitOrder(nil)
	assert.ErrorIs(t, err, ErrNilOrder)

	other, err := NewOrder("XYZ", decimal.NewFromInt(1), 1, Buy, bob)
	require.NoError(t, err)
	_, err = book.SubmitOrder(other)
	assert.ErrorIs(t, err, ErrInstrumentMismatch)

	order := newTestOrder(t, "10", 1, Buy, bob)
	_, err = book.SubmitOrder(order)
	require.NoError(t, err)
	_, err = book.SubmitOrder(order)
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	used := newTestOrder(t, "10", 2, Sell, alice)
	used.Fill(1)
	_, err = book.SubmitOrder(used)
	assert.ErrorIs(t, err, ErrOrderNotActive)

	// Nothing rejected reached the book.
	assert.Equal(t, []flatLevel{{"10.0000", 1, 1}}, flattenLevels(book.Depth(Buy)))
	assert.Empty(t, book.Depth(Sell))
}

func TestSubmitOrder_SubmitTimeIsArrival(t *testing.T) {
	book := createTestOrderBook()

	// Constructed first, submitted second: arrival decides priority.
	late := newTestOrder(t, "10", 1, Sell, alice)
	early := newTestOrder(t, "10", 1, Sell, eve)
	_, err := book.SubmitOrder(early)
	require.NoError(t, err)
	_, err = book.SubmitOrder(late)
	require.NoError(t, err)

	assert.True(t, early.Less(late))
	_, trades := submit(t, book, "10", 1, Buy, bob)
	require.Len(t, trades, 1)
	assert.Equal(t, early.ID, trades[0].MakerOrderID)
}

// TestMatching_Invariants drives the book with random submissions and
// cancellations and checks the book-wide invariants after every step.
func TestMatching_Invariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		book := NewOrderBook("ABC")
		var submitted []*Order
		lastRemaining := make(map[string]int64)
		filledByOrder := make(map[string]int64)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(submitted) > 0 && rapid.IntRange(0, 4).Draw(t, "cancel") == 0 {
				target := submitted[rapid.IntRange(0, len(submitted)-1).Draw(t, "target")]
				wasResting := target.IsResting()
				err := book.CancelOrder(target.ID)
				if wasResting && err != nil {
					t.Fatalf("cancel of resting order failed: %v", err)
				}
				if !wasResting && err == nil {
					t.Fatalf("cancel of %v order succeeded", target.Status)
				}
			} else {
				cents := rapid.Int64Range(9_000, 11_000).Draw(t, "cents")
				size := rapid.Int64Range(1, 50).Draw(t, "size")
				side := Side(rapid.IntRange(0, 1).Draw(t, "side"))
				client := ClientID(rapid.IntRange(1, 4).Draw(t, "client"))

				order, err := NewOrder("ABC", decimal.New(cents, -2), size, side, client)
				if err != nil {
					t.Fatalf("new order: %v", err)
				}

				before := make(map[string]int64, len(submitted)+1)
				for _, o := range submitted {
					before[o.ID] = o.RemainingSize
				}
				before[order.ID] = order.RemainingSize

				trades, err := book.SubmitOrder(order)
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				submitted = append(submitted, order)

				matched := make(map[string]int64)
				for _, trade := range trades {
					if trade.Size <= 0 {
						t.Fatalf("trade with size %d", trade.Size)
					}
					if trade.TakerOrderID != order.ID || trade.Side != order.Side {
						t.Fatalf("trade %v was not taken by the incoming order", trade)
					}
					matched[trade.MakerOrderID] += trade.Size
					matched[trade.TakerOrderID] += trade.Size
					filledByOrder[trade.MakerOrderID] += trade.Size
					filledByOrder[trade.TakerOrderID] += trade.Size
				}
				for id, size := range matched {
					if size > before[id] {
						t.Fatalf("order %s matched %d with %d remaining", id, size, before[id])
					}
				}

				// The matching loop always runs to a fixed point.
				bid, bidErr := book.BestBid()
				offer, offerErr := book.BestOffer()
				if bidErr == nil && offerErr == nil && bid.GreaterThanOrEqual(offer) {
					t.Fatalf("book left crossed: bid %s >= offer %s", bid, offer)
				}
			}

			restingSize := map[Side]int64{}
			for _, o := range submitted {
				if o.RemainingSize < 0 || o.RemainingSize > o.TotalSize {
					t.Fatalf("order %s has %d of %d remaining", o.ID, o.RemainingSize, o.TotalSize)
				}
				if prev, ok := lastRemaining[o.ID]; ok && o.RemainingSize > prev {
					t.Fatalf("order %s remaining grew from %d to %d", o.ID, prev, o.RemainingSize)
				}
				lastRemaining[o.ID] = o.RemainingSize
				if (o.Status == Filled) != (o.RemainingSize == 0) {
					t.Fatalf("order %s is %v with %d remaining", o.ID, o.Status, o.RemainingSize)
				}
				if filledByOrder[o.ID] != o.FilledSize() {
					t.Fatalf("order %s traded %d but filled %d", o.ID, filledByOrder[o.ID], o.FilledSize())
				}
				if o.IsResting() {
					restingSize[o.Side] += o.RemainingSize
				}
			}

			// Exactly the resting orders are on the book.
			for _, side := range []Side{Buy, Sell} {
				var depth int64
				for _, level := range book.Depth(side) {
					depth += level.Size
				}
				if depth != restingSize[side] {
					t.Fatalf("%v depth %d, resting orders hold %d", side, depth, restingSize[side])
				}
			}
		}
	})
}
