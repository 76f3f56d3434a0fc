package net

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	. "localtrader/internal/common"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrInvalidMessageType = fmt.Errorf("%w: invalid message type", ErrMalformedMessage)
	ErrFieldCount         = fmt.Errorf("%w: wrong field count", ErrMalformedMessage)
)

// Wire messages are pipe-delimited text, one message per websocket frame.
const (
	separator      = "|"
	priceDecimals  = 4
	ackPrefix      = "ACK"
	errPrefix      = "err"
	statusResponse = "s"
)

type MessageType int

const (
	PlaceOrder MessageType = iota
	CancelOrder
	OrderStatus
	BestBid
	BestOffer
	BestBidOffer
	LogBook
	TradeReport
)

var messagePrefix = map[MessageType]string{
	PlaceOrder:   "o",
	CancelOrder:  "c",
	OrderStatus:  "s",
	BestBid:      "bb",
	BestOffer:    "bo",
	BestBidOffer: "bbbo",
	LogBook:      "log",
	TradeReport:  "t",
}

var prefixType = func() map[string]MessageType {
	types := make(map[string]MessageType, len(messagePrefix))
	for typeOf, prefix := range messagePrefix {
		types[prefix] = typeOf
	}
	return types
}()

func (m MessageType) String() string {
	if prefix, ok := messagePrefix[m]; ok {
		return prefix
	}
	return fmt.Sprintf("MessageType(%d)", int(m))
}

type Message interface {
	GetType() MessageType
}

// Generic message type. Queries carry nothing else.
type BaseMessage struct {
	TypeOf MessageType
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

// ParseMessage decodes one inbound frame. Every decoding failure wraps
// ErrMalformedMessage.
func ParseMessage(raw string) (Message, error) {
	fields := strings.Split(strings.TrimSpace(raw), separator)

	typeOf, ok := prefixType[fields[0]]
	if !ok {
		return BaseMessage{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, fields[0])
	}
	fields = fields[1:]

	switch typeOf {
	case PlaceOrder:
		return parseNewOrder(fields)
	case CancelOrder:
		id, err := parseOrderID(fields)
		return CancelOrderMessage{BaseMessage{CancelOrder}, id}, err
	case OrderStatus:
		id, err := parseOrderID(fields)
		return StatusMessage{BaseMessage{OrderStatus}, id}, err
	case TradeReport:
		trade, err := parseTrade(fields)
		return TradeMessage{BaseMessage{TradeReport}, trade}, err
	default:
		if len(fields) != 0 {
			return BaseMessage{}, fmt.Errorf("%w: %v takes no arguments", ErrFieldCount, typeOf)
		}
		return BaseMessage{TypeOf: typeOf}, nil
	}
}

type NewOrderMessage struct {
	BaseMessage
	Instrument string
	Price      decimal.Decimal
	Size       int64
	Side       Side
	ClientID   ClientID
}

// Order builds the validated order the message describes.
func (o *NewOrderMessage) Order() (*Order, error) {
	return NewOrder(o.Instrument, o.Price, o.Size, o.Side, o.ClientID)
}

func parseNewOrder(fields []string) (NewOrderMessage, error) {
	if len(fields) != 5 {
		return NewOrderMessage{}, fmt.Errorf("%w: order has %d fields, want 5", ErrFieldCount, len(fields))
	}

	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: PlaceOrder}, Instrument: fields[0]}

	var err error
	if m.Price, err = parsePrice(fields[1]); err != nil {
		return NewOrderMessage{}, err
	}
	if m.Size, err = parseInt("size", fields[2]); err != nil {
		return NewOrderMessage{}, err
	}
	if m.Side, err = parseSide(fields[3]); err != nil {
		return NewOrderMessage{}, err
	}
	client, err := parseInt("client id", fields[4])
	if err != nil {
		return NewOrderMessage{}, err
	}
	m.ClientID = ClientID(client)

	return m, nil
}

type CancelOrderMessage struct {
	BaseMessage
	OrderID string
}

type StatusMessage struct {
	BaseMessage
	OrderID string
}

func parseOrderID(fields []string) (string, error) {
	if len(fields) != 1 || fields[0] == "" {
		return "", fmt.Errorf("%w: want a single order id", ErrFieldCount)
	}
	return fields[0], nil
}

type TradeMessage struct {
	BaseMessage
	Trade Trade
}

// ParseTrade decodes a trade announcement.
func ParseTrade(raw string) (Trade, error) {
	message, err := ParseMessage(raw)
	if err != nil {
		return Trade{}, err
	}
	tradeMessage, ok := message.(TradeMessage)
	if !ok {
		return Trade{}, fmt.Errorf("%w: %v is not a trade", ErrInvalidMessageType, message.GetType())
	}
	return tradeMessage.Trade, nil
}

func parseTrade(fields []string) (Trade, error) {
	if len(fields) != 7 {
		return Trade{}, fmt.Errorf("%w: trade has %d fields, want 7", ErrFieldCount, len(fields))
	}

	trade := Trade{Instrument: fields[0]}

	var err error
	if trade.Price, err = parsePrice(fields[1]); err != nil {
		return Trade{}, err
	}
	if trade.Size, err = parseInt("size", fields[2]); err != nil {
		return Trade{}, err
	}
	if trade.Side, err = parseSide(fields[3]); err != nil {
		return Trade{}, err
	}
	maker, err := parseInt("maker", fields[4])
	if err != nil {
		return Trade{}, err
	}
	taker, err := parseInt("taker", fields[5])
	if err != nil {
		return Trade{}, err
	}
	executed, err := parseInt("execution time", fields[6])
	if err != nil {
		return Trade{}, err
	}

	trade.Maker = ClientID(maker)
	trade.Taker = ClientID(taker)
	trade.ExecutionTime = time.Unix(0, executed)
	return trade, nil
}

func parsePrice(field string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(field)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: price %q", ErrMalformedMessage, field)
	}
	if !price.Equal(price.Truncate(priceDecimals)) {
		return decimal.Decimal{}, fmt.Errorf("%w: price %q has more than %d decimals", ErrMalformedMessage, field, priceDecimals)
	}
	return price, nil
}

func parseInt(name, field string) (int64, error) {
	value, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedMessage, name, field)
	}
	return value, nil
}

func parseSide(field string) (Side, error) {
	side, err := ParseSide(field)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return side, nil
}

func join(fields ...string) string {
	return strings.Join(fields, separator)
}

func formatPrice(price decimal.Decimal) string {
	return price.StringFixed(priceDecimals)
}

// SerializeOrder renders the order as a new order request.
func SerializeOrder(order *Order) string {
	return join(
		messagePrefix[PlaceOrder],
		order.Instrument,
		formatPrice(order.Price),
		strconv.FormatInt(order.TotalSize, 10),
		order.Side.String(),
		strconv.FormatInt(int64(order.ClientID), 10),
	)
}

// SerializeTrade renders a trade announcement. Execution time is sent as
// unix nanoseconds.
func SerializeTrade(trade Trade) string {
	return join(
		messagePrefix[TradeReport],
		trade.Instrument,
		formatPrice(trade.Price),
		strconv.FormatInt(trade.Size, 10),
		trade.Side.String(),
		strconv.FormatInt(int64(trade.Maker), 10),
		strconv.FormatInt(int64(trade.Taker), 10),
		strconv.FormatInt(trade.ExecutionTime.UnixNano(), 10),
	)
}

func SerializeCancel(id string) string {
	return join(messagePrefix[CancelOrder], id)
}

func SerializeStatus(id string) string {
	return join(messagePrefix[OrderStatus], id)
}

// SerializeQuery renders a message type that takes no arguments.
func SerializeQuery(typeOf MessageType) string {
	return messagePrefix[typeOf]
}

// --- Responses --------------------------------------------------------------

func FormatAck(id string) string {
	if id == "" {
		return ackPrefix
	}
	return join(ackPrefix, id)
}

func FormatError(err error) string {
	return join(errPrefix, err.Error())
}

func FormatBestBid(price decimal.Decimal) string {
	return join(messagePrefix[BestBid], formatPrice(price))
}

func FormatBestOffer(price decimal.Decimal) string {
	return join(messagePrefix[BestOffer], formatPrice(price))
}

func FormatBestBidOffer(bid, offer decimal.Decimal, at time.Time) string {
	return join(
		messagePrefix[BestBidOffer],
		formatPrice(bid),
		formatPrice(offer),
		strconv.FormatInt(at.UnixNano(), 10),
	)
}

func FormatStatus(id string, status Status) string {
	return join(statusResponse, id, status.String())
}

// Response is a decoded reply to a request. Fields are set according to
// the reply kind.
type Response struct {
	Kind    string
	OrderID string
	Prices  []decimal.Decimal
	Status  string
	At      time.Time
	Reason  string
}

// IsError reports whether the server rejected the request.
func (r Response) IsError() bool {
	return r.Kind == errPrefix
}

// ParseResponse decodes a server reply to a request.
func ParseResponse(raw string) (Response, error) {
	kind, rest, _ := strings.Cut(strings.TrimSpace(raw), separator)
	response := Response{Kind: kind}

	switch kind {
	case errPrefix:
		// The reason is free text and may contain separators.
		response.Reason = rest
		return response, nil
	case ackPrefix:
		// Bare for requests without an order, e.g. log.
		response.OrderID = rest
		return response, nil
	}

	fields := strings.Split(rest, separator)
	switch kind {
	case messagePrefix[BestBid], messagePrefix[BestOffer]:
		if len(fields) != 1 {
			return Response{}, fmt.Errorf("%w: %s reply", ErrFieldCount, kind)
		}
		price, err := parsePrice(fields[0])
		if err != nil {
			return Response{}, err
		}
		response.Prices = []decimal.Decimal{price}
	case messagePrefix[BestBidOffer]:
		if len(fields) != 3 {
			return Response{}, fmt.Errorf("%w: %s reply", ErrFieldCount, kind)
		}
		for _, field := range fields[:2] {
			price, err := parsePrice(field)
			if err != nil {
				return Response{}, err
			}
			response.Prices = append(response.Prices, price)
		}
		at, err := parseInt("timestamp", fields[2])
		if err != nil {
			return Response{}, err
		}
		response.At = time.Unix(0, at)
	case statusResponse:
		if len(fields) != 2 {
			return Response{}, fmt.Errorf("%w: %s reply", ErrFieldCount, kind)
		}
		response.OrderID = fields[0]
		response.Status = fields[1]
	default:
		return Response{}, fmt.Errorf("%w: reply %q", ErrInvalidMessageType, kind)
	}
	return response, nil
}
