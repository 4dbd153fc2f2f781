package service

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/models"
	"github.com/lyzr/sendanywhere/common/signal"
)

// DefaultMaxBuffered caps frames held per direction while the other role is absent
const DefaultMaxBuffered = 32

// room is the rendezvous for one pair code
type room struct {
	code       string
	transferID string
	manifest   *manifest.Manifest

	peers   map[signal.Role]*Peer
	pending map[signal.Role][][]byte // frames sent by role, waiting for the other role
}

// Hub routes frames between the two roles of each pair code
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room

	maxBuffered int
	log         *logger.Logger
	metrics     *Metrics
}

// NewHub creates a new Hub instance
func NewHub(log *logger.Logger, metrics *Metrics) *Hub {
	return &Hub{
		rooms:       make(map[string]*room),
		maxBuffered: DefaultMaxBuffered,
		log:         log,
		metrics:     metrics,
	}
}

// Attach registers a connection for role in session's room and returns the
// peer whose pumps the caller must start. An existing connection for the same
// role is replaced.
func (h *Hub) Attach(session *models.PairSession, role signal.Role, conn *websocket.Conn) *Peer {
	p := newPeer(h, conn, session.Code, role)

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[session.Code]
	if !ok {
		r = &room{
			code:       session.Code,
			transferID: session.TransferID,
			manifest:   session.Manifest,
			peers:      make(map[signal.Role]*Peer),
			pending:    make(map[signal.Role][][]byte),
		}
		h.rooms[session.Code] = r
	}

	// 1. Last writer wins for a role
	if old, ok := r.peers[role]; ok {
		h.log.Info("replacing rendezvous connection", "pair_code", session.Code, "role", role)
		old.closeLocked()
		h.metrics.PeersConnected.Dec()
	}
	r.peers[role] = p
	h.metrics.PeersConnected.Inc()

	// 2. Acknowledge the attach
	p.enqueueLocked(encode(signal.MustNew(signal.TypeConnected, signal.Connected{
		Code:       session.Code,
		Role:       role,
		TransferID: session.TransferID,
	})))

	h.log.Info("rendezvous attached", "pair_code", session.Code, "role", role)

	// 3. Pair up and flush anything sent while alone
	other, ok := r.peers[role.Other()]
	if !ok {
		return p
	}

	for _, q := range []*Peer{p, other} {
		msg := signal.PeerConnected{Role: q.role.Other(), TransferID: r.transferID}
		if q.role == signal.RoleReceiver {
			msg.Manifest = r.manifest
		}
		q.enqueueLocked(encode(signal.MustNew(signal.TypePeerConnected, msg)))
	}

	for _, q := range []*Peer{p, other} {
		from := q.role.Other()
		for _, frame := range r.pending[from] {
			q.enqueueLocked(frame)
			h.metrics.MessagesRelayed.Inc()
		}
		delete(r.pending, from)
	}

	return p
}

// Relay forwards a frame from p to the other role, or buffers it while the
// other role is absent
func (h *Hub) Relay(p *Peer, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[p.code]
	if !ok || r.peers[p.role] != p {
		return // stale connection
	}

	if other, ok := r.peers[p.role.Other()]; ok {
		other.enqueueLocked(frame)
		h.metrics.MessagesRelayed.Inc()
		return
	}

	if len(r.pending[p.role]) >= h.maxBuffered {
		h.metrics.MessagesDropped.Inc()
		p.enqueueLocked(encode(signal.MustNew(signal.TypeError, signal.Error{
			Code:    string(apperr.CodePeerDisconnected),
			Message: "Peer not connected",
		})))
		return
	}

	r.pending[p.role] = append(r.pending[p.role], frame)
	h.metrics.MessagesBuffered.Inc()
}

// Reject answers p with an error frame
func (h *Hub) Reject(p *Peer, code apperr.Code, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p.enqueueLocked(encode(signal.MustNew(signal.TypeError, signal.Error{
		Code:    string(code),
		Message: message,
	})))
}

// Leave detaches p. The other role, if present, is told its peer went away.
// Rooms with no connections left are dropped.
func (h *Hub) Leave(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p.closeLocked()

	r, ok := h.rooms[p.code]
	if !ok || r.peers[p.role] != p {
		return
	}

	delete(r.peers, p.role)
	h.metrics.PeersConnected.Dec()
	h.log.Info("rendezvous detached", "pair_code", p.code, "role", p.role)

	if other, ok := r.peers[p.role.Other()]; ok {
		other.enqueueLocked(encode(signal.MustNew(signal.TypePeerDisconnected, signal.PeerDisconnected{
			Role: p.role,
		})))
		return
	}

	delete(h.rooms, p.code)
}

// CloseRoom disconnects every connection of code
func (h *Hub) CloseRoom(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[code]
	if !ok {
		return
	}

	for _, p := range r.peers {
		p.closeLocked()
		h.metrics.PeersConnected.Dec()
	}
	delete(h.rooms, code)
	h.log.Info("rendezvous closed", "pair_code", code)
}

// RolesPresent lists the roles attached to code
func (h *Hub) RolesPresent(code string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	roles := []string{}
	r, ok := h.rooms[code]
	if !ok {
		return roles
	}
	for _, role := range []signal.Role{signal.RoleSender, signal.RoleReceiver} {
		if _, ok := r.peers[role]; ok {
			roles = append(roles, string(role))
		}
	}
	return roles
}

// GetConnectionCount returns the total number of attached connections
func (h *Hub) GetConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	for _, r := range h.rooms {
		count += len(r.peers)
	}
	return count
}

// GetRoomCount returns the number of rooms with at least one connection
func (h *Hub) GetRoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func encode(msg signal.Message) []byte {
	data, err := msg.Encode()
	if err != nil {
		panic(err) // server-built messages always encode
	}
	return data
}
