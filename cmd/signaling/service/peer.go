package service

import (
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

	// Maximum message size allowed from peer (SDP offers are a few KiB)
	maxMessageSize = 256 << 10

	// Outbound frames queued per connection before it is considered stuck
	sendBuffer = 256
)

// Peer is one role's connection to a room. All sends and the close of the
// send channel happen under the hub lock.
type Peer struct {
	hub    *Hub
	conn   *websocket.Conn
	code   string
	role   signal.Role
	send   chan []byte
	closed bool
}

func newPeer(hub *Hub, conn *websocket.Conn, code string, role signal.Role) *Peer {
	return &Peer{
		hub:  hub,
		conn: conn,
		code: code,
		role: role,
		send: make(chan []byte, sendBuffer),
	}
}

// Role returns the role this connection attached as
func (p *Peer) Role() signal.Role {
	return p.role
}

// enqueueLocked queues a frame; a full buffer closes the connection
func (p *Peer) enqueueLocked(frame []byte) {
	if p.closed {
		return
	}
	select {
	case p.send <- frame:
	default:
		p.hub.log.Warn("peer send buffer full, closing connection", "pair_code", p.code, "role", p.role)
		p.closeLocked()
	}
}

func (p *Peer) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// Serve runs the pumps until the connection ends
func (p *Peer) Serve() {
	go p.writePump()
	p.readPump()
}

// readPump pumps frames from the WebSocket connection to the hub
func (p *Peer) readPump() {
	defer func() {
		p.hub.Leave(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.hub.log.Warn("rendezvous read error", "pair_code", p.code, "role", p.role, "error", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))

		if _, err := signal.Parse(data); err != nil {
			p.hub.Reject(p, apperr.CodeInvalidArgument, err.Error())
			continue
		}

		// Relayed verbatim
		p.hub.Relay(p, data)
	}
}

// writePump pumps queued frames to the WebSocket connection
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// One JSON message per frame
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
