package common

import (
	"fmt"
	"strings"
)

// ClientID identifies the submitter of an order. It is opaque to the book.
type ClientID int64

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// Valid reports whether s is one of Buy or Sell.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide parses the wire token of a side.
func ParseSide(token string) (Side, error) {
	switch strings.ToUpper(token) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, token)
}

// Status is the lifecycle state of an order.
type Status int

const (
	// Active orders rest on the book untouched.
	Active Status = iota
	// PartiallyFilled orders rest on the book with some quantity executed.
	PartiallyFilled
	// Filled orders have no remaining quantity. Terminal.
	Filled
	// Cancelled orders were withdrawn from the book. Terminal.
	Cancelled
)

var statusName = map[Status]string{
	Active:          "ACTIVE",
	PartiallyFilled: "PARTIALLY_FILLED",
	Filled:          "FILLED",
	Cancelled:       "CANCELLED",
}

func (s Status) String() string {
	if name, ok := statusName[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus parses the rendered name of a status.
func ParseStatus(name string) (Status, error) {
	for status, statusName := range statusName {
		if statusName == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}
