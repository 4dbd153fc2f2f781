package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/models"
	"github.com/lyzr/sendanywhere/common/signal"
)

func TestTransfer_PeerWinsBeforeDeadline(t *testing.T) {
	h := newHarness(t)
	h.cfg.FallbackDeadline = 2 * time.Second
	ctx := context.Background()

	code, senderDone := h.startSender(t, ctx)
	sink := newMemorySink()
	receiverDone := h.startReceiver(ctx, code, sink, nil)

	recv := await(t, receiverDone, 5*time.Second)
	require.NoError(t, recv.err)
	assert.Equal(t, ModePeer, recv.res.Mode)
	assert.Equal(t, h.src.Manifest.TotalSize, recv.res.Bytes)

	send := await(t, senderDone, 5*time.Second)
	require.NoError(t, send.err)
	assert.Equal(t, ModePeer, send.res.Mode)
	assert.False(t, send.modes.has(ModeRelay))

	requireDelivered(t, h.src, sink)
	committed, aborted := sink.state()
	assert.True(t, committed)
	assert.False(t, aborted)

	// Done releases the relay registration and the pair code
	_, err := h.relay.Status(ctx, send.res.TransferID)
	assert.ErrorIs(t, err, apperr.ErrTransferNotFound)
	assert.True(t, h.pairing.isClosed(code))
	assert.Zero(t, h.relay.puts.Load())
}

func TestTransfer_FallsBackToRelayOnDeadline(t *testing.T) {
	h := newHarness(t)
	h.peers.block = true
	ctx := context.Background()

	start := time.Now()
	code, senderDone := h.startSender(t, ctx)
	sink := newMemorySink()
	receiverDone := h.startReceiver(ctx, code, sink, nil)

	recv := await(t, receiverDone, 5*time.Second)
	require.NoError(t, recv.err)
	assert.Equal(t, ModeRelay, recv.res.Mode)

	send := await(t, senderDone, 5*time.Second)
	require.NoError(t, send.err)
	assert.Equal(t, ModeRelay, send.res.Mode)
	assert.True(t, send.res.Confirmed)
	assert.GreaterOrEqual(t, time.Since(start), h.cfg.FallbackDeadline)

	requireDelivered(t, h.src, sink)
	assert.Equal(t, int32(h.src.Manifest.TotalChunks), h.relay.puts.Load())
	assert.True(t, h.pairing.isClosed(code))
}

func TestTransfer_PeerIntegrityFailureFailsOverToRelay(t *testing.T) {
	h := newHarness(t)
	h.cfg.FallbackDeadline = 2 * time.Second
	h.peers.corrupt = true
	ctx := context.Background()

	code, senderDone := h.startSender(t, ctx)
	sink := newMemorySink()
	receiverDone := h.startReceiver(ctx, code, sink, nil)

	recv := await(t, receiverDone, 5*time.Second)
	require.NoError(t, recv.err)
	assert.Equal(t, ModeRelay, recv.res.Mode)
	assert.True(t, recv.modes.has(ModePeer))

	send := await(t, senderDone, 5*time.Second)
	require.NoError(t, send.err)
	assert.Equal(t, ModeRelay, send.res.Mode)
	assert.True(t, send.modes.has(ModePeer))

	requireDelivered(t, h.src, sink)
}

func TestTransfer_LatePeerHasNoEffect(t *testing.T) {
	h := newHarness(t)
	h.peers.delay = 3 * h.cfg.FallbackDeadline
	ctx := context.Background()

	code, senderDone := h.startSender(t, ctx)
	sink := newMemorySink()
	receiverDone := h.startReceiver(ctx, code, sink, nil)

	recv := await(t, receiverDone, 5*time.Second)
	require.NoError(t, recv.err)
	assert.Equal(t, ModeRelay, recv.res.Mode)

	send := await(t, senderDone, 5*time.Second)
	require.NoError(t, send.err)
	assert.Equal(t, ModeRelay, send.res.Mode)

	assert.False(t, send.modes.has(ModePeer))
	assert.False(t, recv.modes.has(ModePeer))
	requireDelivered(t, h.src, sink)
}

func TestTransfer_DirectWinsOnLocalNetwork(t *testing.T) {
	h := newHarness(t)
	h.peers.block = true
	h.lan = newFakeLAN()
	h.cfg.FallbackDeadline = 2 * time.Second
	ctx := context.Background()

	code, senderDone := h.startSender(t, ctx)
	sink := newMemorySink()
	receiverDone := h.startReceiver(ctx, code, sink, nil)

	recv := await(t, receiverDone, 5*time.Second)
	require.NoError(t, recv.err)
	assert.Equal(t, ModeDirect, recv.res.Mode)

	send := await(t, senderDone, 5*time.Second)
	require.NoError(t, send.err)
	assert.Equal(t, ModeDirect, send.res.Mode)

	requireDelivered(t, h.src, sink)
	assert.Zero(t, h.relay.puts.Load())
}

func TestSender_FallsBackWhenReceiverDisconnects(t *testing.T) {
	h := newHarness(t)
	h.peers.block = true
	h.cfg.FallbackDeadline = 10 * time.Second
	h.cfg.CompletionLinger = 200 * time.Millisecond
	ctx := context.Background()

	start := time.Now()
	code, senderDone := h.startSender(t, ctx)

	// A receiver attaches, starting negotiation, then leaves
	end := h.rv.dial(code, signal.RoleReceiver)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, end.Close())

	send := await(t, senderDone, 5*time.Second)
	require.NoError(t, send.err)
	assert.Equal(t, ModeRelay, send.res.Mode)
	assert.Less(t, time.Since(start), h.cfg.FallbackDeadline)
	assert.False(t, send.res.Confirmed)

	// Nobody confirmed, so the relay keeps the upload for a later receive
	status, err := h.relay.Status(ctx, send.res.TransferID)
	require.NoError(t, err)
	assert.True(t, status.Complete)
	assert.False(t, h.pairing.isClosed(code))
}

func TestSender_FallsBackOnAckTimeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.FallbackDeadline = 10 * time.Second
	ctx := context.Background()

	code, senderDone := h.startSender(t, ctx)

	// Scripted receiver: connects the peer channel but never acknowledges
	end := newScriptedEnd(h.rv.dial(code, signal.RoleReceiver))
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if ch, err := h.peers.Connect(connectCtx, signal.RoleReceiver, end.neg); err == nil {
			<-connectCtx.Done()
			ch.Close()
		}
	}()

	end.waitFor(t, signal.TypeReady, 2*time.Second)
	msg := end.waitFor(t, signal.TypeMode, 2*time.Second)
	var mode signal.Mode
	require.NoError(t, msg.Decode(&mode))
	assert.Equal(t, signal.ModeRelay, mode.Mode)

	info, err := h.pairing.LookupPair(ctx, code)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, err := h.relay.Status(ctx, info.TransferID)
		return err == nil && status.Complete
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, end.sig.Send(signal.MustNew(signal.TypeDone, nil)))

	send := await(t, senderDone, 5*time.Second)
	require.NoError(t, send.err)
	assert.Equal(t, ModeRelay, send.res.Mode)
	assert.True(t, send.modes.has(ModePeer))

	_, err = h.relay.Status(ctx, info.TransferID)
	assert.ErrorIs(t, err, apperr.ErrTransferNotFound)
}

func TestTransfer_CancelIsObservedByTheOtherSide(t *testing.T) {
	h := newHarness(t)
	h.peers.block = true
	h.relay.putDelay = 100 * time.Millisecond

	code, senderDone := h.startSender(t, context.Background())

	recvCtx, cancel := context.WithCancel(context.Background())
	sink := newMemorySink()
	receiverDone := h.startReceiver(recvCtx, code, sink, nil)

	time.Sleep(h.cfg.FallbackDeadline + 100*time.Millisecond)
	cancel()

	recv := await(t, receiverDone, 5*time.Second)
	require.Error(t, recv.err)
	assert.ErrorIs(t, recv.err, apperr.ErrCancelled)
	assert.ErrorIs(t, recv.err, context.Canceled)
	assert.True(t, recv.modes.has(ModeCancelled))
	_, aborted := sink.state()
	assert.True(t, aborted)

	send := await(t, senderDone, 5*time.Second)
	require.Error(t, send.err)
	assert.ErrorIs(t, send.err, apperr.ErrCancelled)
	assert.True(t, send.modes.has(ModeCancelled))
	assert.True(t, h.pairing.isClosed(code))
}

func TestReceive_UnknownCode(t *testing.T) {
	h := newHarness(t)
	eng := New(h.cfg, h.deps(), Hooks{})

	_, err := eng.Receive(context.Background(), "999999", newMemorySink())
	assert.ErrorIs(t, err, apperr.ErrPairNotFound)
}

// registerPair puts a session straight into the fake registry
func (h *harness) registerPair(t *testing.T, m *manifest.Manifest) *models.CreatePairResponse {
	t.Helper()
	resp, err := h.pairing.CreatePair(context.Background(), models.CreatePairRequest{Manifest: m})
	require.NoError(t, err)
	return resp
}

func TestReceive_FailsWithEveryAttemptedPath(t *testing.T) {
	h := newHarness(t)
	h.peers = nil
	pair := h.registerPair(t, h.src.Manifest)

	sink := newMemorySink()
	recv := await(t, h.startReceiver(context.Background(), pair.Code, sink, nil), 5*time.Second)
	require.Error(t, recv.err)

	var terr *TransferError
	require.True(t, errors.As(recv.err, &terr))
	require.Len(t, terr.Paths, 1)
	assert.Equal(t, ModeRelay, terr.Paths[0].Path)
	assert.ErrorIs(t, recv.err, apperr.ErrTransferNotFound)
	assert.Contains(t, recv.err.Error(), "relay:")
	assert.True(t, recv.modes.has(ModeFailed))

	committed, aborted := sink.state()
	assert.False(t, committed)
	assert.False(t, aborted, "partial output is kept for resume")
}

func TestReceive_ResumesFromJournal(t *testing.T) {
	h := newHarness(t)
	h.peers = nil
	ctx := context.Background()
	m := h.src.Manifest
	pair := h.registerPair(t, m)

	// The relay already holds everything
	require.NoError(t, h.relay.CreateTransfer(ctx, pair.TransferID, m))
	for i := 0; i < m.TotalChunks; i++ {
		data, err := h.src.ReadChunk(i)
		require.NoError(t, err)
		_, err = h.relay.PutChunk(ctx, pair.TransferID, i, data)
		require.NoError(t, err)
	}

	// An earlier attempt wrote and journaled the first two chunks
	sink := newMemorySink()
	sink.resume = true
	_, err := sink.Prepare(pair.TransferID, m)
	require.NoError(t, err)
	journal := newMemoryJournal()
	ix := manifest.NewIndex(m)
	for i := 0; i < 2; i++ {
		data, err := h.src.ReadChunk(i)
		require.NoError(t, err)
		entry, offset, _, err := ix.Span(i)
		require.NoError(t, err)
		require.NoError(t, sink.WriteChunk(entry, offset, data))
		require.NoError(t, journal.Record(ctx, pair.TransferID, i, manifest.Checksum(data)))
	}

	recv := await(t, h.startReceiver(ctx, pair.Code, sink, journal), 5*time.Second)
	require.NoError(t, recv.err)
	assert.Equal(t, ModeRelay, recv.res.Mode)
	assert.Equal(t, int32(m.TotalChunks-2), h.relay.gets.Load())

	requireDelivered(t, h.src, sink)
	done, err := journal.Completed(ctx, pair.TransferID)
	require.NoError(t, err)
	assert.Empty(t, done, "journal is cleared on completion")
}

func TestReceive_RendezvousLossFallsBackToRelay(t *testing.T) {
	h := newHarness(t)
	h.peers.block = true
	h.cfg.FallbackDeadline = 10 * time.Second
	ctx := context.Background()
	m := h.src.Manifest
	pair := h.registerPair(t, m)

	require.NoError(t, h.relay.CreateTransfer(ctx, pair.TransferID, m))
	for i := 0; i < m.TotalChunks; i++ {
		data, err := h.src.ReadChunk(i)
		require.NoError(t, err)
		_, err = h.relay.PutChunk(ctx, pair.TransferID, i, data)
		require.NoError(t, err)
	}

	// Swap in a dialer whose connection drops right away
	deps := h.deps()
	deps.Dial = func(ctx context.Context, code string, role signal.Role) (Signaler, error) {
		end := h.rv.dial(code, role)
		end.drop()
		return end, nil
	}
	eng := New(h.cfg, deps, Hooks{})

	start := time.Now()
	sink := newMemorySink()
	res, err := eng.Receive(ctx, pair.Code, sink)
	require.NoError(t, err)
	assert.Equal(t, ModeRelay, res.Mode)
	assert.Less(t, time.Since(start), h.cfg.FallbackDeadline)
	requireDelivered(t, h.src, sink)
}

func TestSender_RelayFailureWithPendingPeerEnds(t *testing.T) {
	tests := []struct {
		name           string
		deadline       time.Duration
		receiverLeaves bool
		within         time.Duration
		peerErr        error
	}{
		{
			name:     "pending peer never connects",
			deadline: 300 * time.Millisecond,
			within:   5 * time.Second,
			peerErr:  apperr.ErrNegotiationTimeout,
		},
		{
			name:           "receiver leaves",
			deadline:       10 * time.Second,
			receiverLeaves: true,
			within:         5 * time.Second,
			peerErr:        apperr.ErrPeerDisconnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.peers.block = true
			h.cfg.FallbackDeadline = tt.deadline
			h.relay.putErr = apperr.New(apperr.CodeUnavailable, "relay down")
			ctx := context.Background()

			start := time.Now()
			code, senderDone := h.startSender(t, ctx)

			// The receiver attaches, so negotiation starts, then asks for
			// the relay while the negotiation is still pending
			end := h.rv.dial(code, signal.RoleReceiver)
			time.Sleep(50 * time.Millisecond)
			require.NoError(t, end.Send(signal.MustNew(signal.TypeMode, signal.Mode{Mode: signal.ModeRelay})))

			require.Eventually(t, func() bool {
				return h.relay.failed.Load() >= int32(h.cfg.Retry.MaxAttempts)
			}, 2*time.Second, 10*time.Millisecond)
			if tt.receiverLeaves {
				require.NoError(t, end.Close())
			}

			send := await(t, senderDone, tt.within)
			require.Error(t, send.err)
			if tt.receiverLeaves {
				assert.Less(t, time.Since(start), tt.deadline)
			}

			var terr *TransferError
			require.True(t, errors.As(send.err, &terr))
			assert.ErrorIs(t, send.err, apperr.ErrUnavailable)
			assert.ErrorIs(t, send.err, tt.peerErr)
			assert.True(t, send.modes.has(ModeRelay))
			assert.True(t, send.modes.has(ModeFailed))
			assert.False(t, send.modes.has(ModeComplete))
		})
	}
}

func TestSender_ReceiverLeavingDuringRelayUploadKeepsUploading(t *testing.T) {
	h := newHarness(t)
	h.peers.block = true
	h.cfg.FallbackDeadline = 10 * time.Second
	h.cfg.CompletionLinger = 200 * time.Millisecond
	h.relay.putDelay = 50 * time.Millisecond
	ctx := context.Background()

	code, senderDone := h.startSender(t, ctx)
	end := h.rv.dial(code, signal.RoleReceiver)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, end.Send(signal.MustNew(signal.TypeMode, signal.Mode{Mode: signal.ModeRelay})))
	require.Eventually(t, func() bool { return h.relay.puts.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, end.Close())

	send := await(t, senderDone, 5*time.Second)
	require.NoError(t, send.err)
	assert.Equal(t, ModeRelay, send.res.Mode)
	assert.False(t, send.res.Confirmed)

	status, err := h.relay.Status(ctx, send.res.TransferID)
	require.NoError(t, err)
	assert.True(t, status.Complete)
}

func TestReceive_SenderLeavingInRelayMode(t *testing.T) {
	tests := []struct {
		name    string
		upload  bool // relay holds the transfer
		wantErr bool
	}{
		{name: "relay download finishes without the sender", upload: true},
		{name: "relay already failed", upload: false, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.peers.block = true
			h.cfg.FallbackDeadline = 10 * time.Second
			ctx := context.Background()
			m := h.src.Manifest
			pair := h.registerPair(t, m)

			if tt.upload {
				require.NoError(t, h.relay.CreateTransfer(ctx, pair.TransferID, m))
				for i := 0; i < m.TotalChunks; i++ {
					data, err := h.src.ReadChunk(i)
					require.NoError(t, err)
					_, err = h.relay.PutChunk(ctx, pair.TransferID, i, data)
					require.NoError(t, err)
				}
			}

			// A scripted sender announces the relay while the receiver's
			// negotiation is pending, then leaves
			end := h.rv.dial(pair.Code, signal.RoleSender)
			require.NoError(t, end.Send(signal.MustNew(signal.TypeMode, signal.Mode{Mode: signal.ModeRelay})))

			start := time.Now()
			sink := newMemorySink()
			receiverDone := h.startReceiver(ctx, pair.Code, sink, nil)
			time.Sleep(100 * time.Millisecond)
			require.NoError(t, end.Close())

			recv := await(t, receiverDone, 5*time.Second)
			assert.Less(t, time.Since(start), h.cfg.FallbackDeadline)
			if !tt.wantErr {
				require.NoError(t, recv.err)
				assert.Equal(t, ModeRelay, recv.res.Mode)
				requireDelivered(t, h.src, sink)
				return
			}

			require.Error(t, recv.err)
			assert.ErrorIs(t, recv.err, apperr.ErrTransferNotFound)
			assert.ErrorIs(t, recv.err, apperr.ErrPeerDisconnected)
			assert.True(t, recv.modes.has(ModeFailed))
		})
	}
}
