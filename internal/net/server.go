package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	. "localtrader/internal/common"
	"localtrader/internal/utils"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	tomb "gopkg.in/tomb.v2"
)

const (
	MAX_RECV_SIZE       = 4 * 1024
	defaultNWorkers     = 10
	defaultReadTimeout  = 5 * time.Minute
	defaultWriteTimeout = 5 * time.Second
	throughputInterval  = time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrServerToClientOnly = fmt.Errorf("%w: trades are only sent by the server", ErrInvalidMessageType)
)

// Book is the part of the matching engine the server exposes to clients.
type Book interface {
	Instrument() string
	Submit(ctx context.Context, order *Order) ([]Trade, error)
	Cancel(id string) error
	BestBid() (decimal.Decimal, error)
	BestOffer() (decimal.Decimal, error)
	BestBidOffer() (decimal.Decimal, decimal.Decimal, error)
	OrderStatus(id string) (Status, error)
	LogBook()
}

type Config struct {
	Address         string
	Port            int
	Workers         int           // Concurrent client sessions
	ReadTimeout     time.Duration // Idle time before a session is dropped
	WriteTimeout    time.Duration
	BroadcastTrades bool // Announce every trade to every session
}

// ClientSession contains relevant information pertaining to an individual
// connected websocket session.
type ClientSession struct {
	id   uint64
	conn *websocket.Conn

	// gorilla/websocket supports a single concurrent writer.
	writeLock sync.Mutex
}

func (session *ClientSession) address() string {
	return session.conn.RemoteAddr().String()
}

type Server struct {
	cfg      Config
	book     Book
	pool     *utils.WorkerPool
	upgrader websocket.Upgrader

	clientSessions     map[uint64]*ClientSession
	clientSessionsLock sync.Mutex
	lastSessionID      atomic.Uint64

	// Messages handled since the last throughput report.
	processed atomic.Int64
}

func New(cfg Config, book Book) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultNWorkers
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		cfg:  cfg,
		book: book,
		pool: utils.NewWorkerPool(cfg.Workers),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clientSessions: make(map[uint64]*ClientSession),
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts websocket clients on the listener until ctx is done or a
// fatal error occurs. The listener and every session are closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	t, _ := tomb.WithContext(ctx)
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.cfg.WriteTimeout,
	}

	// Start the worker pool.
	t.Go(func() error {
		s.pool.Setup(t, s.handleConnection)
		return nil
	})

	t.Go(func() error {
		return s.reportThroughput(t)
	})

	t.Go(func() error {
		if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("unable to serve: %w", err)
		}
		return nil
	})

	// Hijacked connections outlive http.Server.Close, close them here.
	t.Go(func() error {
		<-t.Dying()
		log.Info().Msg("server shutting down")
		if err := httpServer.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeSessions()
		return nil
	})

	log.Info().
		Str("address", listener.Addr().String()).
		Str("instrument", s.book.Instrument()).
		Int("workers", s.pool.Size()).
		Msg("server running")

	if err := t.Wait(); err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the request and hands the session to a free worker.
// With every worker busy the client is closed with CloseTryAgainLater.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("address", r.RemoteAddr).Msg("unable to upgrade connection")
		return
	}
	conn.SetReadLimit(MAX_RECV_SIZE)

	// Add the client to client sessions we are tracking.
	// We expect to potentially maintain a long session.
	session := s.addClientSession(conn)
	log.Info().
		Uint64("session", session.id).
		Str("address", session.address()).
		Msg("new client added")

	// Pass over the connection to be read from.
	if err := s.pool.AddTask(session); err != nil {
		log.Warn().Err(err).Uint64("session", session.id).Msg("rejecting client")
		closing := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy")
		_ = conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(s.cfg.WriteTimeout))
		s.deleteClientSession(session)
	}
}

// ReportTrade announces the trade to every connected session. Sessions are
// written concurrently, so a stalled client delays the call by at most one
// WriteTimeout, after which its connection is dropped.
func (s *Server) ReportTrade(_ context.Context, trade Trade) error {
	if !s.cfg.BroadcastTrades {
		return nil
	}

	message := SerializeTrade(trade)

	var g errgroup.Group
	for _, session := range s.sessions() {
		g.Go(func() error {
			if err := s.write(session, message); err != nil {
				// The session's reader notices the closed connection and
				// cleans the session up.
				_ = session.conn.Close()
				return fmt.Errorf("unable to send trade to session %d: %w", session.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Sessions is the number of connected clients.
func (s *Server) Sessions() int {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	return len(s.clientSessions)
}

// handleConnection owns a session until the client leaves, reading one
// message at a time and writing its reply. Errors on a single session are
// not fatal to the server, so this never returns one.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	session, ok := task.(*ClientSession)
	if !ok {
		return ErrImproperConversion
	}
	defer s.deleteClientSession(session)

	ctx := t.Context(nil)
	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		// Set max idle timeout.
		if err := session.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			log.Error().Err(err).Uint64("session", session.id).Msg("failed setting deadline for connection")
			return nil
		}

		messageType, data, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Uint64("session", session.id).Msg("error reading from connection")
			} else {
				log.Info().Uint64("session", session.id).Msg("client left")
			}
			return nil
		}
		s.processed.Add(1)

		if messageType != websocket.TextMessage {
			err = fmt.Errorf("%w: expected a text frame", ErrMalformedMessage)
			if err := s.write(session, FormatError(err)); err != nil {
				return nil
			}
			continue
		}

		reply := s.dispatch(ctx, string(data))
		if err := s.write(session, reply); err != nil {
			log.Error().Err(err).Uint64("session", session.id).Msg("unable to send reply")
			return nil
		}
	}
}

// dispatch runs one request against the book and renders the reply.
func (s *Server) dispatch(ctx context.Context, raw string) string {
	message, err := ParseMessage(raw)
	if err != nil {
		log.Debug().Err(err).Str("msg", raw).Msg("error parsing message")
		return FormatError(err)
	}

	switch m := message.(type) {
	case NewOrderMessage:
		order, err := m.Order()
		if err != nil {
			return FormatError(err)
		}
		if _, err := s.book.Submit(ctx, order); err != nil {
			return FormatError(err)
		}
		return FormatAck(order.ID)

	case CancelOrderMessage:
		if err := s.book.Cancel(m.OrderID); err != nil {
			return FormatError(err)
		}
		return FormatAck(m.OrderID)

	case StatusMessage:
		status, err := s.book.OrderStatus(m.OrderID)
		if err != nil {
			return FormatError(err)
		}
		return FormatStatus(m.OrderID, status)

	case TradeMessage:
		return FormatError(ErrServerToClientOnly)
	}

	switch message.GetType() {
	case BestBid:
		price, err := s.book.BestBid()
		if err != nil {
			return FormatError(err)
		}
		return FormatBestBid(price)

	case BestOffer:
		price, err := s.book.BestOffer()
		if err != nil {
			return FormatError(err)
		}
		return FormatBestOffer(price)

	case BestBidOffer:
		bid, offer, err := s.book.BestBidOffer()
		if err != nil {
			return FormatError(err)
		}
		return FormatBestBidOffer(bid, offer, time.Now())

	case LogBook:
		s.book.LogBook()
		return FormatAck("")
	}

	return FormatError(fmt.Errorf("%w: %v", ErrInvalidMessageType, message.GetType()))
}

func (s *Server) write(session *ClientSession, message string) error {
	session.writeLock.Lock()
	defer session.writeLock.Unlock()

	if err := session.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return session.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

// reportThroughput logs the number of messages handled each second.
func (s *Server) reportThroughput(t *tomb.Tomb) error {
	ticker := time.NewTicker(throughputInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			if n := s.processed.Swap(0); n > 0 {
				log.Info().Int64("msgs", n).Msgf("processing %d msgs/s", n)
			}
		}
	}
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn *websocket.Conn) *ClientSession {
	session := &ClientSession{
		id:   s.lastSessionID.Add(1),
		conn: conn,
	}

	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	s.clientSessions[session.id] = session
	return session
}

// deleteClientSession is an atomic map remove, closing the connection.
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	delete(s.clientSessions, session.id)
	s.clientSessionsLock.Unlock()

	if err := session.conn.Close(); err != nil {
		log.Debug().Err(err).Uint64("session", session.id).Msg("unable to close connection")
	}
}

func (s *Server) sessions() []*ClientSession {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	sessions := make([]*ClientSession, 0, len(s.clientSessions))
	for _, session := range s.clientSessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (s *Server) closeSessions() {
	closing := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	for _, session := range s.sessions() {
		_ = session.conn.WriteControl(websocket.CloseMessage, closing, deadline)
		_ = session.conn.Close()
	}
}
