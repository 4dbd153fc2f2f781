// Package peer implements the engine's peer transport on WebRTC data
// channels. Session descriptions and ICE candidates travel over the
// rendezvous channel through the engine's Negotiator.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/lyzr/sendanywhere/cmd/sendanywhere/engine"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/signal"
)

const (
	channelLabel = "transfer"

	// Send blocks above highWatermark and resumes once the buffered amount
	// drops below lowWatermark
	highWatermark = 1 << 20
	lowWatermark  = 256 << 10

	// Inbound messages queued before the SCTP reader is stalled
	recvQueue = 256
)

// Transport negotiates WebRTC data channels
type Transport struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *logger.Logger
}

// Option adjusts the ICE settings of a Transport
type Option func(*webrtc.SettingEngine)

// WithLoopbackCandidates lets two peers on the same host connect over the
// loopback interface
func WithLoopbackCandidates() Option {
	return func(s *webrtc.SettingEngine) {
		s.SetIncludeLoopbackCandidate(true)
	}
}

// NewTransport creates a transport using the given STUN/TURN urls
func NewTransport(iceURLs []string, log *logger.Logger, opts ...Option) *Transport {
	var servers []webrtc.ICEServer
	if len(iceURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceURLs}}
	}

	var settings webrtc.SettingEngine
	for _, opt := range opts {
		opt(&settings)
	}

	return &Transport{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		iceServers: servers,
		log:        log,
	}
}

// Connect negotiates a data channel. The sender creates the channel and
// makes the offer; the receiver answers and accepts the channel. ctx bounds
// the negotiation only.
func (t *Transport) Connect(ctx context.Context, role signal.Role, neg engine.Negotiator) (engine.PeerChannel, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &negotiation{
		pc:     pc,
		neg:    neg,
		log:    t.log.WithFields(map[string]any{"role": string(role)}),
		opened: make(chan *Channel, 1),
		failed: make(chan error, 1),
	}

	ch, err := n.run(ctx, role)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return ch, nil
}

type negotiation struct {
	pc     *webrtc.PeerConnection
	neg    engine.Negotiator
	log    *logger.Logger
	opened chan *Channel
	failed chan error

	mu         sync.Mutex
	channel    *Channel
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
}

func (n *negotiation) run(ctx context.Context, role signal.Role) (*Channel, error) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		msg, err := signal.New(signal.TypeCandidate, signal.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err == nil {
			err = n.neg.Send(msg)
		}
		if err != nil {
			n.log.Debug("failed to send candidate", "error", err)
		}
	})

	n.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.log.Debug("peer connection state", "state", state.String())
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		n.mu.Lock()
		ch := n.channel
		n.mu.Unlock()
		if ch != nil {
			ch.shutdown()
		}
		select {
		case n.failed <- apperr.New(apperr.CodePeerDisconnected, "peer connection %s", state):
		default:
		}
	})

	// 1. The sender owns the channel and the offer
	if role == signal.RoleSender {
		ordered := true
		dc, err := n.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		n.watch(dc)

		offer, err := n.pc.CreateOffer(nil)
		if err != nil {
			return nil, fmt.Errorf("create offer: %w", err)
		}
		if err := n.pc.SetLocalDescription(offer); err != nil {
			return nil, fmt.Errorf("set local description: %w", err)
		}
		if err := n.neg.Send(signal.MustNew(signal.TypeOffer, signal.SessionDescription{SDP: offer.SDP})); err != nil {
			return nil, fmt.Errorf("send offer: %w", err)
		}
	} else {
		n.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() == channelLabel {
				n.watch(dc)
			}
		})
	}

	// 2. Exchange descriptions and candidates until the channel opens
	for {
		select {
		case msg, ok := <-n.neg.Incoming():
			if !ok {
				return nil, apperr.New(apperr.CodePeerDisconnected, "negotiation channel closed")
			}
			if err := n.handle(role, msg); err != nil {
				return nil, err
			}

		case ch := <-n.opened:
			return ch, nil

		case err := <-n.failed:
			return nil, err

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// watch wraps dc before it opens so no early message is missed
func (n *negotiation) watch(dc *webrtc.DataChannel) {
	ch := newChannel(n.pc, dc)
	n.mu.Lock()
	n.channel = ch
	n.mu.Unlock()

	dc.OnOpen(func() {
		select {
		case n.opened <- ch:
		default:
		}
	})
}

func (n *negotiation) handle(role signal.Role, msg signal.Message) error {
	switch msg.Type {
	case signal.TypeOffer:
		if role != signal.RoleReceiver {
			return nil
		}
		var sd signal.SessionDescription
		if err := msg.Decode(&sd); err != nil {
			return err
		}
		if err := n.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sd.SDP}); err != nil {
			return err
		}
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		return n.neg.Send(signal.MustNew(signal.TypeAnswer, signal.SessionDescription{SDP: answer.SDP}))

	case signal.TypeAnswer:
		if role != signal.RoleSender {
			return nil
		}
		var sd signal.SessionDescription
		if err := msg.Decode(&sd); err != nil {
			return err
		}
		return n.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sd.SDP})

	case signal.TypeCandidate:
		var c signal.Candidate
		if err := msg.Decode(&c); err != nil {
			return err
		}
		return n.addCandidate(webrtc.ICECandidateInit{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		})
	}
	return nil
}

// setRemote applies the remote description and flushes candidates that
// arrived before it
func (n *negotiation) setRemote(sd webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	n.mu.Lock()
	n.remoteSet = true
	pending := n.candidates
	n.candidates = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.Debug("failed to add candidate", "error", err)
		}
	}
	return nil
}

func (n *negotiation) addCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	if !n.remoteSet {
		n.candidates = append(n.candidates, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.pc.AddICECandidate(c); err != nil {
		n.log.Debug("failed to add candidate", "error", err)
	}
	return nil
}

// Channel is an open data channel
type Channel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	in     chan []byte
	low    chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *Channel {
	c := &Channel{
		pc:     pc,
		dc:     dc,
		in:     make(chan []byte, recvQueue),
		low:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(lowWatermark)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.low <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.in <- msg.Data:
		case <-c.closed:
		}
	})
	dc.OnClose(c.shutdown)
	return c
}

func (c *Channel) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

// Send writes one message, waiting while the outbound buffer is above the
// high watermark
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	for c.dc.BufferedAmount() > highWatermark {
		select {
		case <-c.low:
		case <-c.closed:
			return apperr.ErrPeerDisconnected
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-c.closed:
		return apperr.ErrPeerDisconnected
	default:
	}
	if err := c.dc.Send(frame); err != nil {
		return apperr.Wrap(apperr.CodePeerDisconnected, err, "data channel send")
	}
	return nil
}

// Recv returns the next message. Messages already received are drained
// before a close is reported.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	default:
	}

	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		select {
		case data := <-c.in:
			return data, nil
		default:
		}
		return nil, apperr.ErrPeerDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the channel and its peer connection
func (c *Channel) Close() error {
	c.shutdown()
	c.dc.Close()
	return c.pc.Close()
}

var _ engine.PeerTransport = (*Transport)(nil)
var _ engine.PeerChannel = (*Channel)(nil)
