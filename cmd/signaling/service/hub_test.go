package service

import (
	"fmt"
	"testing"

	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/models"
	"github.com/lyzr/sendanywhere/common/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return NewHub(logger.Discard(), NewMetrics(nil))
}

func testSession(t *testing.T) *models.PairSession {
	return &models.PairSession{Code: "123456", TransferID: "t-1", Manifest: testManifest(t)}
}

// next pops the next queued frame for p
func next(t *testing.T, p *Peer) signal.Message {
	t.Helper()
	select {
	case frame, ok := <-p.send:
		require.True(t, ok, "peer channel closed")
		msg, err := signal.Parse(frame)
		require.NoError(t, err)
		return msg
	default:
		t.Fatalf("no frame queued for %s", p.role)
		return signal.Message{}
	}
}

func assertEmpty(t *testing.T, p *Peer) {
	t.Helper()
	assert.Len(t, p.send, 0, "unexpected frames for %s", p.role)
}

func frame(typ signal.Type, n int) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"payload":{"n":%d}}`, typ, n))
}

// TestHub_PairingAnnouncesBothSides tests connected and peer_connected delivery
func TestHub_PairingAnnouncesBothSides(t *testing.T) {
	h := newTestHub()
	session := testSession(t)

	sender := h.Attach(session, signal.RoleSender, nil)
	assert.Equal(t, signal.TypeConnected, next(t, sender).Type)
	assertEmpty(t, sender)
	assert.Equal(t, []string{"sender"}, h.RolesPresent(session.Code))

	receiver := h.Attach(session, signal.RoleReceiver, nil)
	assert.Equal(t, signal.TypeConnected, next(t, receiver).Type)

	var forReceiver signal.PeerConnected
	msg := next(t, receiver)
	require.Equal(t, signal.TypePeerConnected, msg.Type)
	require.NoError(t, msg.Decode(&forReceiver))
	assert.Equal(t, "t-1", forReceiver.TransferID)
	require.NotNil(t, forReceiver.Manifest)
	assert.Equal(t, 3, forReceiver.Manifest.TotalChunks)

	var forSender signal.PeerConnected
	msg = next(t, sender)
	require.Equal(t, signal.TypePeerConnected, msg.Type)
	require.NoError(t, msg.Decode(&forSender))
	assert.Nil(t, forSender.Manifest)
	assert.Equal(t, signal.RoleReceiver, forSender.Role)

	assert.Equal(t, []string{"sender", "receiver"}, h.RolesPresent(session.Code))
	assert.Equal(t, 2, h.GetConnectionCount())
}

// TestHub_RelaysInOrderWithoutEcho tests verbatim ordered delivery to the other role only
func TestHub_RelaysInOrderWithoutEcho(t *testing.T) {
	h := newTestHub()
	session := testSession(t)

	sender := h.Attach(session, signal.RoleSender, nil)
	receiver := h.Attach(session, signal.RoleReceiver, nil)
	for len(sender.send) > 0 {
		<-sender.send
	}
	for len(receiver.send) > 0 {
		<-receiver.send
	}

	for i := 0; i < 5; i++ {
		h.Relay(sender, frame(signal.TypeCandidate, i))
	}
	h.Relay(receiver, frame(signal.TypeAnswer, 99))

	for i := 0; i < 5; i++ {
		got := <-receiver.send
		assert.Equal(t, frame(signal.TypeCandidate, i), got)
	}
	assert.Equal(t, frame(signal.TypeAnswer, 99), <-sender.send)
	assertEmpty(t, sender)
	assertEmpty(t, receiver)
}

// TestHub_BuffersUntilOtherRoleAttaches tests buffering while alone
func TestHub_BuffersUntilOtherRoleAttaches(t *testing.T) {
	h := newTestHub()
	session := testSession(t)

	sender := h.Attach(session, signal.RoleSender, nil)
	next(t, sender) // connected

	h.Relay(sender, frame(signal.TypeOffer, 1))
	h.Relay(sender, frame(signal.TypeCandidate, 2))
	assertEmpty(t, sender)

	receiver := h.Attach(session, signal.RoleReceiver, nil)
	assert.Equal(t, signal.TypeConnected, next(t, receiver).Type)
	assert.Equal(t, signal.TypePeerConnected, next(t, receiver).Type)
	assert.Equal(t, frame(signal.TypeOffer, 1), <-receiver.send)
	assert.Equal(t, frame(signal.TypeCandidate, 2), <-receiver.send)
	assertEmpty(t, receiver)
}

func TestHub_BufferOverflowAnswersWithError(t *testing.T) {
	h := newTestHub()
	session := testSession(t)

	sender := h.Attach(session, signal.RoleSender, nil)
	next(t, sender)

	for i := 0; i < DefaultMaxBuffered; i++ {
		h.Relay(sender, frame(signal.TypeCandidate, i))
	}
	assertEmpty(t, sender)

	h.Relay(sender, frame(signal.TypeCandidate, DefaultMaxBuffered))
	msg := next(t, sender)
	assert.Equal(t, signal.TypeError, msg.Type)

	var e signal.Error
	require.NoError(t, msg.Decode(&e))
	assert.Equal(t, "Peer not connected", e.Message)
}

func TestHub_LeaveNotifiesOtherRole(t *testing.T) {
	h := newTestHub()
	session := testSession(t)

	sender := h.Attach(session, signal.RoleSender, nil)
	receiver := h.Attach(session, signal.RoleReceiver, nil)
	next(t, sender)
	next(t, sender)

	h.Leave(receiver)

	msg := next(t, sender)
	assert.Equal(t, signal.TypePeerDisconnected, msg.Type)
	_, open := <-receiver.send
	for open {
		_, open = <-receiver.send
	}
	assert.Equal(t, []string{"sender"}, h.RolesPresent(session.Code))

	h.Leave(sender)
	assert.Equal(t, 0, h.GetRoomCount())
}

// TestHub_ReattachReplacesConnection tests last writer wins for a role
func TestHub_ReattachReplacesConnection(t *testing.T) {
	h := newTestHub()
	session := testSession(t)

	old := h.Attach(session, signal.RoleSender, nil)
	receiver := h.Attach(session, signal.RoleReceiver, nil)
	for len(receiver.send) > 0 {
		<-receiver.send
	}

	fresh := h.Attach(session, signal.RoleSender, nil)
	assert.True(t, old.closed)
	assert.Equal(t, signal.TypeConnected, next(t, fresh).Type)
	assert.Equal(t, signal.TypePeerConnected, next(t, fresh).Type)
	assert.Equal(t, signal.TypePeerConnected, next(t, receiver).Type)

	// the replaced connection can no longer speak for the role
	h.Relay(old, frame(signal.TypeOffer, 1))
	assertEmpty(t, receiver)

	// and its departure does not disturb the room
	h.Leave(old)
	assertEmpty(t, receiver)
	assert.Equal(t, 2, h.GetConnectionCount())
}

func TestHub_CloseRoom(t *testing.T) {
	h := newTestHub()
	session := testSession(t)

	sender := h.Attach(session, signal.RoleSender, nil)
	receiver := h.Attach(session, signal.RoleReceiver, nil)

	h.CloseRoom(session.Code)

	assert.True(t, sender.closed)
	assert.True(t, receiver.closed)
	assert.Equal(t, 0, h.GetRoomCount())
	assert.Empty(t, h.RolesPresent(session.Code))
}
