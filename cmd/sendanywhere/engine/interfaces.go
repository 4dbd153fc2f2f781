package engine

import (
	"context"

	"github.com/lyzr/sendanywhere/common/clients"
	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/models"
	"github.com/lyzr/sendanywhere/common/signal"
)

// Pairing is the registry side of the pairing service
type Pairing interface {
	CreatePair(ctx context.Context, req models.CreatePairRequest) (*models.CreatePairResponse, error)
	LookupPair(ctx context.Context, code string) (*models.PairInfo, error)
	ClosePair(ctx context.Context, code string) error
}

// Signaler is one end of a rendezvous channel
type Signaler interface {
	Incoming() <-chan signal.Message
	Send(msg signal.Message) error
	Close() error
}

// DialFunc attaches to the rendezvous channel of a pair code
type DialFunc func(ctx context.Context, code string, role signal.Role) (Signaler, error)

// PairingDialer adapts a PairingClient's Dial to a DialFunc
func PairingDialer(c *clients.PairingClient) DialFunc {
	return func(ctx context.Context, code string, role signal.Role) (Signaler, error) {
		conn, err := c.Dial(ctx, code, role)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Relay is the relay chunk store client
type Relay interface {
	CreateTransfer(ctx context.Context, transferID string, m *manifest.Manifest) error
	PutChunk(ctx context.Context, transferID string, index int, data []byte) (*models.ChunkReceipt, error)
	GetChunk(ctx context.Context, transferID string, index int) ([]byte, string, error)
	Status(ctx context.Context, transferID string) (*models.TransferStatus, error)
	DeleteTransfer(ctx context.Context, transferID string) error
}

// Negotiator carries peer negotiation messages (offer, answer, candidate)
// over the rendezvous channel
type Negotiator interface {
	Send(msg signal.Message) error
	Incoming() <-chan signal.Message
}

// PeerTransport establishes a direct data channel between the two roles
type PeerTransport interface {
	// Connect negotiates through neg and returns once the channel is open
	Connect(ctx context.Context, role signal.Role, neg Negotiator) (PeerChannel, error)
}

// PeerChannel is an ordered, reliable message channel between peers
type PeerChannel interface {
	// Send blocks while the outbound buffer is above its high watermark
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// ChunkFetcher reads chunks from a remote source
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, index int) ([]byte, error)
}

// DirectTransport serves and discovers senders on the local network
type DirectTransport interface {
	// Serve advertises src under code until stop is called
	Serve(ctx context.Context, code string, src *manifest.Source) (stop func(), err error)
	// Discover looks for a sender advertising code
	Discover(ctx context.Context, code string) (ChunkFetcher, error)
}

// Sink is where a receiver writes verified chunks. Writes for one transfer
// come from a single goroutine at a time and data is not retained after
// WriteChunk returns. Prepare reports whether partial output from an earlier
// attempt was kept.
type Sink interface {
	Prepare(transferID string, m *manifest.Manifest) (resumed bool, err error)
	WriteChunk(entry int, offset int64, data []byte) error
	FinishEntry(entry int) error
	Commit() error
	Abort() error
}

// Journal remembers verified chunks so an interrupted receive can resume
type Journal interface {
	Completed(ctx context.Context, transferID string) ([]int, error)
	Record(ctx context.Context, transferID string, index int, hash string) error
	Forget(ctx context.Context, transferID string) error
}
