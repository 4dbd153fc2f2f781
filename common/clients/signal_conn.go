package clients

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/signal"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from the hub (SDP offers are a few KiB)
	maxMessageSize = 256 << 10
)

// ErrSignalClosed is returned by Send after the channel is closed
var ErrSignalClosed = errors.New("signal channel closed")

// SignalConn is the client end of a rendezvous channel. Messages from the
// hub arrive on Incoming in order; the channel closes when the connection ends.
type SignalConn struct {
	conn     *websocket.Conn
	logger   Logger
	incoming chan signal.Message
	send     chan []byte
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// NewSignalConn starts the read and write pumps for conn
func NewSignalConn(conn *websocket.Conn, logger Logger) *SignalConn {
	s := &SignalConn{
		conn:     conn,
		logger:   logger,
		incoming: make(chan signal.Message, 64),
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go s.writePump()
	go s.readPump()
	return s
}

// Incoming returns the ordered stream of messages from the hub
func (s *SignalConn) Incoming() <-chan signal.Message {
	return s.incoming
}

// Send queues a message for the other role
func (s *SignalConn) Send(msg signal.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSignalClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSignalClosed
	}
}

// Err returns why the connection ended, nil while it is open or after Close
func (s *SignalConn) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the connection and stops both pumps
func (s *SignalConn) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *SignalConn) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// readPump pumps messages from the WebSocket connection to Incoming
func (s *SignalConn) readPump() {
	defer func() {
		close(s.incoming)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("rendezvous connection lost", "error", err)
				}
				s.shutdown(apperr.Wrap(apperr.CodeUnavailable, err, "rendezvous connection lost"))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := signal.Parse(data)
		if err != nil {
			s.logger.Warn("dropping malformed signal message", "error", err)
			continue
		}

		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}
	}
}

// writePump pumps queued messages to the WebSocket connection
func (s *SignalConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.shutdown(apperr.Wrap(apperr.CodeUnavailable, err, "rendezvous write failed"))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown(apperr.Wrap(apperr.CodeUnavailable, err, "rendezvous ping failed"))
				return
			}

		case <-s.done:
			// Flush what was queued before Close, then say goodbye
			n := len(s.send)
			for i := 0; i < n; i++ {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
