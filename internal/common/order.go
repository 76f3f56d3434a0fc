package common

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// sequence orders submissions process-wide. It breaks ties between orders
// stamped with the same wall clock reading.
var sequence atomic.Uint64

type Order struct {
	ID            string          // Order tracked uuid
	Instrument    string          // Instrument the order trades
	Side          Side            // Order side
	Price         decimal.Decimal // Limiting price
	TotalSize     int64           // Total volume requested
	RemainingSize int64           // Volume not yet executed
	ClientID      ClientID        // Who owns this order
	SubmitTime    time.Time       // Time of arrival of order into the book
	Sequence      uint64          // Arrival sequence, tie-break for SubmitTime
	Status        Status
}

// NewOrder validates the caller input and builds an active limit order.
func NewOrder(
	instrument string,
	price decimal.Decimal,
	size int64,
	side Side,
	clientID ClientID,
) (*Order, error) {
	if instrument == "" {
		return nil, ErrInvalidInstrument
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidPrice, price)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidSide, side)
	}

	order := &Order{
		ID:            uuid.New().String(),
		Instrument:    instrument,
		Side:          side,
		Price:         price,
		TotalSize:     size,
		RemainingSize: size,
		ClientID:      clientID,
		Status:        Active,
	}
	order.Stamp(time.Now())
	return order, nil
}

// Stamp records the arrival of the order. The book calls this on submission
// so that FIFO order within a price level agrees with Less.
func (order *Order) Stamp(at time.Time) {
	order.SubmitTime = at
	order.Sequence = sequence.Add(1)
}

// Less reports whether order has priority over other. Buy orders rank
// highest price first, sell orders lowest price first, and equal prices
// rank by arrival. Orders on different sides are not comparable and Less
// returns false for them.
func (order *Order) Less(other *Order) bool {
	if order.Side != other.Side {
		return false
	}

	if c := order.Price.Cmp(other.Price); c != 0 {
		if order.Side == Buy {
			return c > 0
		}
		return c < 0
	}

	if !order.SubmitTime.Equal(other.SubmitTime) {
		return order.SubmitTime.Before(other.SubmitTime)
	}
	return order.Sequence < other.Sequence
}

// Fill executes size units of the order.
//
// The matching loop must never fill a cancelled order or fill beyond the
// remaining size; either is a bug in the engine and panics.
func (order *Order) Fill(size int64) {
	if order.Status == Cancelled {
		panic(fmt.Sprintf("fill of cancelled order %s", order.ID))
	}
	if size <= 0 || size > order.RemainingSize {
		panic(fmt.Sprintf(
			"fill of %d on order %s with %d remaining", size, order.ID, order.RemainingSize,
		))
	}

	order.RemainingSize -= size
	if order.RemainingSize == 0 {
		order.Status = Filled
	} else {
		order.Status = PartiallyFilled
	}
}

// Cancel withdraws the order regardless of how much of it was executed.
func (order *Order) Cancel() {
	order.Status = Cancelled
}

// IsResting reports whether the order may still sit on the book.
func (order *Order) IsResting() bool {
	return order.Status == Active || order.Status == PartiallyFilled
}

// FilledSize is the executed volume.
func (order *Order) FilledSize() int64 {
	return order.TotalSize - order.RemainingSize
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:         %s
Instrument: %s
Side:       %v
Price:      %s
Size:       %d (Total: %d)
ClientID:   %d
SubmitTime: %v
Status:     %v`,
		order.ID,
		order.Instrument,
		order.Side,
		order.Price.StringFixed(4),
		order.RemainingSize,
		order.TotalSize,
		order.ClientID,
		order.SubmitTime.Format(time.RFC3339Nano),
		order.Status,
	)
}
