package common

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every error caused by bad caller input when
// constructing orders.
var ErrValidation = errors.New("validation error")

var (
	ErrInvalidSize       = fmt.Errorf("%w: size must be a positive integer", ErrValidation)
	ErrInvalidPrice      = fmt.Errorf("%w: price must be non-negative", ErrValidation)
	ErrInvalidSide       = fmt.Errorf("%w: side must be BUY or SELL", ErrValidation)
	ErrInvalidInstrument = fmt.Errorf("%w: instrument must not be empty", ErrValidation)
)
