package net

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	. "localtrader/internal/common"
	"localtrader/internal/engine"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrRemote        = errors.New("remote error")
	ErrClientClosed  = errors.New("client closed")
	ErrUnexpectedAck = errors.New("unexpected reply")
)

// remoteErrors are the server rejections a caller is expected to branch on.
var remoteErrors = []error{
	engine.ErrNoBids,
	engine.ErrNoOffers,
	engine.ErrOrderNotFound,
	ErrMalformedMessage,
	ErrValidation,
}

type clientOptions struct {
	requestTimeout time.Duration
	maxElapsed     time.Duration
	tradeBuffer    int
}

type ClientOption func(*clientOptions)

// WithRequestTimeout bounds the wait for each reply.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) { o.requestTimeout = timeout }
}

// WithDialTimeout bounds the total time spent retrying the dial.
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) { o.maxElapsed = timeout }
}

func WithTradeBuffer(size int) ClientOption {
	return func(o *clientOptions) { o.tradeBuffer = size }
}

// Client is a websocket connection to the exchange. Requests are sent one at
// a time; trade announcements arrive on Trades independently.
type Client struct {
	conn    *websocket.Conn
	options clientOptions

	requestLock sync.Mutex
	replies     chan string
	trades      chan Trade

	done    chan struct{}
	readErr error
}

// Dial connects to the exchange, retrying with exponential backoff.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	options := clientOptions{
		requestTimeout: 5 * time.Second,
		maxElapsed:     30 * time.Second,
		tradeBuffer:    1024,
	}
	for _, opt := range opts {
		opt(&options)
	}

	var conn *websocket.Conn
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = options.maxElapsed
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warn().Err(err).Str("url", url).Msg("unable to connect, retrying")
		}
		return err
	}, backoff.WithContext(boff, ctx))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", url, err)
	}

	client := &Client{
		conn:    conn,
		options: options,
		replies: make(chan string, 1),
		trades:  make(chan Trade, options.tradeBuffer),
		done:    make(chan struct{}),
	}
	go client.readReports()
	return client, nil
}

// Trades delivers trade announcements. It is closed once the connection is.
func (c *Client) Trades() <-chan Trade {
	return c.trades
}

// Done is closed once the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(time.Second))
	return c.conn.Close()
}

// Submit sends the order and returns the id the exchange assigned to it.
func (c *Client) Submit(ctx context.Context, order *Order) (string, error) {
	response, err := c.request(ctx, SerializeOrder(order), ackPrefix)
	if err != nil {
		return "", err
	}
	return response.OrderID, nil
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.request(ctx, SerializeCancel(id), ackPrefix)
	return err
}

func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	response, err := c.request(ctx, SerializeStatus(id), statusResponse)
	if err != nil {
		return 0, err
	}
	return ParseStatus(response.Status)
}

func (c *Client) BestBid(ctx context.Context) (decimal.Decimal, error) {
	response, err := c.request(ctx, SerializeQuery(BestBid), messagePrefix[BestBid])
	if err != nil {
		return decimal.Decimal{}, err
	}
	return response.Prices[0], nil
}

func (c *Client) BestOffer(ctx context.Context) (decimal.Decimal, error) {
	response, err := c.request(ctx, SerializeQuery(BestOffer), messagePrefix[BestOffer])
	if err != nil {
		return decimal.Decimal{}, err
	}
	return response.Prices[0], nil
}

// BestBidOffer returns both sides of the top of book and the time the
// exchange read them.
func (c *Client) BestBidOffer(ctx context.Context) (bid, offer decimal.Decimal, at time.Time, err error) {
	response, err := c.request(ctx, SerializeQuery(BestBidOffer), messagePrefix[BestBidOffer])
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, time.Time{}, err
	}
	return response.Prices[0], response.Prices[1], response.At, nil
}

// LogBook asks the exchange to write its book to the server log.
func (c *Client) LogBook(ctx context.Context) error {
	_, err := c.request(ctx, SerializeQuery(LogBook), ackPrefix)
	return err
}

// request sends one message and waits for its reply. A request that is
// abandoned leaves the connection out of step with its replies, so the
// client is closed.
func (c *Client) request(ctx context.Context, message, want string) (Response, error) {
	c.requestLock.Lock()
	defer c.requestLock.Unlock()

	select {
	case <-c.done:
		return Response{}, c.closedErr()
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.requestTimeout)); err != nil {
		return Response{}, err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		return Response{}, fmt.Errorf("unable to send request: %w", err)
	}

	timer := time.NewTimer(c.options.requestTimeout)
	defer timer.Stop()

	var raw string
	select {
	case raw = <-c.replies:
	case <-c.done:
		return Response{}, c.closedErr()
	case <-ctx.Done():
		_ = c.conn.Close()
		return Response{}, ctx.Err()
	case <-timer.C:
		_ = c.conn.Close()
		return Response{}, fmt.Errorf("no reply to %q within %v", message, c.options.requestTimeout)
	}

	response, err := ParseResponse(raw)
	if err != nil {
		return Response{}, err
	}
	if response.IsError() {
		return response, remoteError(response.Reason)
	}
	if response.Kind != want {
		return response, fmt.Errorf("%w: %q to %q", ErrUnexpectedAck, raw, message)
	}
	return response, nil
}

func (c *Client) closedErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %w", ErrClientClosed, c.readErr)
	}
	return ErrClientClosed
}

// readReports routes trade announcements to Trades and everything else to
// the pending request.
func (c *Client) readReports() {
	defer close(c.trades)
	defer close(c.done)

	prefix := messagePrefix[TradeReport] + separator
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}

		raw := string(data)
		if !strings.HasPrefix(raw, prefix) {
			// At most one request is outstanding.
			select {
			case c.replies <- raw:
			default:
				log.Warn().Str("msg", raw).Msg("dropping unsolicited reply")
			}
			continue
		}

		trade, err := ParseTrade(raw)
		if err != nil {
			log.Warn().Err(err).Str("msg", raw).Msg("unable to parse trade")
			continue
		}
		select {
		case c.trades <- trade:
		default:
			log.Warn().Str("msg", raw).Msg("trade buffer full, dropping trade")
		}
	}
}

// remoteError maps a server rejection back onto the error it was built from.
func remoteError(reason string) error {
	for _, known := range remoteErrors {
		if strings.HasPrefix(reason, known.Error()) {
			detail := strings.TrimPrefix(reason, known.Error())
			return fmt.Errorf("%w: %w%s", ErrRemote, known, detail)
		}
	}
	return fmt.Errorf("%w: %s", ErrRemote, reason)
}
