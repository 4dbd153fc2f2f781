package engine

import (
	"context"
	"errors"

	"github.com/lyzr/sendanywhere/common/signal"
)

// negotiator hands the negotiation messages the event loop receives to a
// PeerTransport, and sends the transport's messages straight to the
// rendezvous channel
type negotiator struct {
	sig Signaler
	in  chan signal.Message
}

func newNegotiator(sig Signaler) *negotiator {
	return &negotiator{sig: sig, in: make(chan signal.Message, 128)}
}

func (n *negotiator) Send(msg signal.Message) error {
	return n.sig.Send(msg)
}

func (n *negotiator) Incoming() <-chan signal.Message {
	return n.in
}

// deliver queues msg without blocking the event loop
func (n *negotiator) deliver(msg signal.Message) bool {
	select {
	case n.in <- msg:
		return true
	default:
		return false
	}
}

func isNegotiation(t signal.Type) bool {
	return t == signal.TypeOffer || t == signal.TypeAnswer || t == signal.TypeCandidate
}

type peerResult struct {
	ch  PeerChannel
	err error
}

// connectPeer runs a negotiation in the background and reports on the
// returned channel
func (e *Engine) connectPeer(ctx context.Context, role signal.Role, neg Negotiator) <-chan peerResult {
	out := make(chan peerResult, 1)
	go func() {
		ch, err := e.deps.Peer.Connect(ctx, role, neg)
		if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			e.log.Debug("peer negotiation failed", "role", role, "error", err)
		}
		out <- peerResult{ch: ch, err: err}
	}()
	return out
}
