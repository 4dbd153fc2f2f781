// Package signal defines the messages exchanged over the rendezvous channel.
// The hub synthesizes connected, peer_connected, peer_disconnected and error;
// every other type is relayed verbatim between the two roles.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/lyzr/sendanywhere/common/manifest"
)

// Role identifies one side of a pairing
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Valid reports whether r is sender or receiver
func (r Role) Valid() bool {
	return r == RoleSender || r == RoleReceiver
}

// Other returns the opposite role
func (r Role) Other() Role {
	if r == RoleSender {
		return RoleReceiver
	}
	return RoleSender
}

// Type is the message discriminator
type Type string

const (
	// Server synthesized
	TypeConnected        Type = "connected"
	TypePeerConnected    Type = "peer_connected"
	TypePeerDisconnected Type = "peer_disconnected"
	TypeError            Type = "error"

	// Peer negotiation, opaque to the hub
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"

	// Transfer coordination
	TypeReady  Type = "ready"
	TypeAck    Type = "ack"
	TypeMode   Type = "mode"
	TypeDone   Type = "done"
	TypeCancel Type = "cancel"
)

// Message is the envelope written to the websocket
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Connected acknowledges an attach
type Connected struct {
	Code       string `json:"code"`
	Role       Role   `json:"role"`
	TransferID string `json:"transfer_id"`
}

// PeerConnected tells a role its counterpart is present. The receiver's copy
// carries the manifest.
type PeerConnected struct {
	Role       Role               `json:"role"`
	TransferID string             `json:"transfer_id"`
	Manifest   *manifest.Manifest `json:"manifest,omitempty"`
}

// PeerDisconnected tells a role its counterpart went away
type PeerDisconnected struct {
	Role Role `json:"role"`
}

// Error is sent by the hub when a frame cannot be delivered
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionDescription carries an opaque offer or answer
type SessionDescription struct {
	SDP string `json:"sdp"`
}

// Candidate carries an opaque ICE candidate
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// Mode values announced during a transfer
const (
	ModeRelay  = "relay"
	ModeDirect = "direct"
)

// Mode announces the transport a side has committed to
type Mode struct {
	Mode string `json:"mode"`
}

// Cancel aborts the transfer on the other side
type Cancel struct {
	Reason string `json:"reason,omitempty"`
}

// New builds a message with a JSON-encoded payload. A nil payload leaves the
// payload empty.
func New(t Type, payload interface{}) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// MustNew is New for payloads that cannot fail to encode
func MustNew(t Type, payload interface{}) Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode serializes the envelope
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Parse deserializes an envelope
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("invalid signal message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("invalid signal message: missing type")
	}
	return m, nil
}
