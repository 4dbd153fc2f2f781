package peer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/sendanywhere/cmd/sendanywhere/engine"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/signal"
)

// pipeNegotiator delivers whatever one side sends to the other side
type pipeNegotiator struct {
	out chan<- signal.Message
	in  chan signal.Message
}

func (p *pipeNegotiator) Send(msg signal.Message) error {
	p.out <- msg
	return nil
}

func (p *pipeNegotiator) Incoming() <-chan signal.Message {
	return p.in
}

func negotiatorPair() (*pipeNegotiator, *pipeNegotiator) {
	a := make(chan signal.Message, 256)
	b := make(chan signal.Message, 256)
	return &pipeNegotiator{out: b, in: a}, &pipeNegotiator{out: a, in: b}
}

func TestTransport_LoopbackDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	tr := NewTransport(nil, logger.Discard(), WithLoopbackCandidates())
	senderNeg, receiverNeg := negotiatorPair()

	type result struct {
		ch  engine.PeerChannel
		err error
	}
	recvOut := make(chan result, 1)
	go func() {
		ch, err := tr.Connect(ctx, signal.RoleReceiver, receiverNeg)
		recvOut <- result{ch, err}
	}()

	sender, err := tr.Connect(ctx, signal.RoleSender, senderNeg)
	require.NoError(t, err)
	defer sender.Close()

	r := <-recvOut
	require.NoError(t, r.err)
	receiver := r.ch
	defer receiver.Close()

	// Ordered delivery
	for i := 0; i < 50; i++ {
		require.NoError(t, sender.Send(ctx, []byte(fmt.Sprintf("frame-%d", i))))
	}
	for i := 0; i < 50; i++ {
		data, err := receiver.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("frame-%d", i), string(data))
	}

	// And the other way
	require.NoError(t, receiver.Send(ctx, []byte("ack")))
	data, err := sender.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(data))
}

func TestTransport_NegotiationHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	tr := NewTransport(nil, logger.Discard())
	neg, _ := negotiatorPair()

	// Nobody answers the offer
	_, err := tr.Connect(ctx, signal.RoleSender, neg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
