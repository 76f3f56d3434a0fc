package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade records one execution between a resting maker and an incoming taker.
type Trade struct {
	Instrument    string
	Price         decimal.Decimal
	Size          int64
	Side          Side // The taker's side
	Maker         ClientID
	Taker         ClientID
	MakerOrderID  string
	TakerOrderID  string
	ExecutionTime time.Time
}

// Involves reports whether the client took part in the trade on either side.
func (t Trade) Involves(client ClientID) bool {
	return t.Maker == client || t.Taker == client
}

func (t Trade) String() string {
	return fmt.Sprintf(
		"%s: %v %d @ %s taker=%d maker=%d at %s",
		t.Instrument,
		t.Side,
		t.Size,
		t.Price.StringFixed(4),
		t.Taker,
		t.Maker,
		t.ExecutionTime.Format(time.RFC3339Nano),
	)
}
