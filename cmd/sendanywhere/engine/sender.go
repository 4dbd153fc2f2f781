package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/models"
	"github.com/lyzr/sendanywhere/common/signal"
)

// cleanupTimeout bounds the best-effort release of the pair and relay data
const cleanupTimeout = 5 * time.Second

// pathRun is a transport path running in its own goroutine
type pathRun struct {
	cancel context.CancelFunc
	res    chan error
}

func runPath(ctx context.Context, fn func(ctx context.Context) error) *pathRun {
	ctx, cancel := context.WithCancel(ctx)
	r := &pathRun{cancel: cancel, res: make(chan error, 1)}
	go func() {
		r.res <- fn(ctx)
	}()
	return r
}

func (r *pathRun) done() <-chan error {
	if r == nil {
		return nil
	}
	return r.res
}

// stop cancels the path and waits for its goroutine to return
func (r *pathRun) stop() {
	if r == nil {
		return
	}
	r.cancel()
	<-r.res
}

type outcome struct {
	res *Result
	err error
}

type sendSession struct {
	e          *Engine
	log        *logger.Logger
	src        *manifest.Source
	code       string
	transferID string
	sig        Signaler
	start      time.Time

	latch Latch
	paths pathErrors
	via   Mode
	out   *outcome

	fallback *time.Timer
	linger   *time.Timer

	neg         *negotiator
	peerPending bool
	peerCancel  context.CancelFunc
	peerConn    <-chan peerResult
	peerCh      PeerChannel
	ackCh       chan struct{}

	stream *pathRun
	upload *pathRun

	receiverDirect bool
}

// Send pairs src with a receiver and delivers it over whichever path commits
// first: the local network, a peer data channel or the relay
func (e *Engine) Send(ctx context.Context, src *manifest.Source) (*Result, error) {
	start := time.Now()
	m := src.Manifest

	// 1. Pair code
	pair, err := e.deps.Pairing.CreatePair(ctx, models.CreatePairRequest{Manifest: m})
	if err != nil {
		return nil, fmt.Errorf("create pair: %w", err)
	}
	log := e.log.WithPairCode(pair.Code).WithTransferID(pair.TransferID)
	log.Info("pair code issued", "expires_in", pair.ExpiresIn, "chunks", m.TotalChunks, "bytes", m.TotalSize)

	// 2. Register with the relay up front so a receiver that falls back never
	// sees an unknown transfer. Failure is retried when relay is committed.
	if err := e.deps.Relay.CreateTransfer(ctx, pair.TransferID, m); err != nil {
		log.Warn("relay registration failed", "error", err)
	}

	// 3. Rendezvous
	sig, err := e.deps.Dial(ctx, pair.Code, signal.RoleSender)
	if err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if cerr := e.deps.Pairing.ClosePair(releaseCtx, pair.Code); cerr != nil {
			log.Warn("failed to release pair code", "error", cerr)
		}
		return nil, fmt.Errorf("attach rendezvous: %w", err)
	}
	defer sig.Close()

	e.hooks.paired(pair.Code, time.Duration(pair.ExpiresIn)*time.Second)

	// 4. Local network server
	if e.deps.Direct != nil {
		stop, err := e.deps.Direct.Serve(ctx, pair.Code, src)
		if err != nil {
			log.Warn("direct server unavailable", "error", err)
		} else {
			defer stop()
		}
	}

	s := &sendSession{
		e:          e,
		log:        log,
		src:        src,
		code:       pair.Code,
		transferID: pair.TransferID,
		sig:        sig,
		start:      start,
		ackCh:      make(chan struct{}, 1),
	}
	return s.run(ctx)
}

func (s *sendSession) run(parent context.Context) (*Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.closePeer()

	s.fallback = time.NewTimer(s.e.cfg.FallbackDeadline)
	defer s.fallback.Stop()
	s.e.hooks.mode(ModeProbing)

	incoming := s.sig.Incoming()
	for s.out == nil {
		select {
		case <-ctx.Done():
			s.cancelled(ctx, parent.Err(), true)

		case msg, ok := <-incoming:
			if !ok {
				incoming = nil
				s.onSignalLost(ctx)
				continue
			}
			s.onSignal(ctx, msg)

		case <-s.fallback.C:
			s.onTimer(ctx)

		case r := <-s.peerConn:
			s.peerConn = nil
			s.onPeer(ctx, r)

		case err := <-s.stream.done():
			s.stream = nil
			s.onStreamDone(ctx, err)

		case err := <-s.upload.done():
			s.upload = nil
			s.onUploadDone(ctx, err)

		case <-s.lingerC():
			s.linger = nil
			s.onLinger(ctx)
		}
	}
	return s.out.res, s.out.err
}

func (s *sendSession) onTimer(ctx context.Context) {
	switch s.latch.Load() {
	case ModeProbing:
		s.log.Info("fallback deadline reached", "deadline", s.e.cfg.FallbackDeadline)
		s.commitRelay(ctx, ModeProbing)
	case ModeRelay:
		// Relay already failed and the pending peer never arrived
		if s.relayFailed() {
			s.abandonPeer(apperr.New(apperr.CodeNegotiationTimeout, "peer did not connect after the relay failed"))
			s.fail()
		}
	}
}

// relayFailed reports whether the relay upload ended in an error
func (s *sendSession) relayFailed() bool {
	return s.upload == nil && s.paths.failed(ModeRelay)
}

func (s *sendSession) onSignal(ctx context.Context, msg signal.Message) {
	switch msg.Type {
	case signal.TypeConnected:
		s.log.Debug("rendezvous attached")

	case signal.TypePeerConnected:
		s.log.Info("receiver attached")
		s.startNegotiation(ctx)

	case signal.TypePeerDisconnected:
		s.log.Info("receiver detached")
		s.onReceiverGone(ctx, apperr.ErrPeerDisconnected)

	case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate:
		if s.neg == nil || !s.neg.deliver(msg) {
			s.log.Debug("dropping negotiation message", "type", msg.Type)
		}

	case signal.TypeAck:
		select {
		case s.ackCh <- struct{}{}:
		default:
		}

	case signal.TypeMode:
		var mode signal.Mode
		if err := msg.Decode(&mode); err != nil {
			s.log.Warn("invalid mode announcement", "error", err)
			return
		}
		switch mode.Mode {
		case signal.ModeDirect:
			s.onReceiverDirect()
		case signal.ModeRelay:
			s.onReceiverRelay(ctx)
		}

	case signal.TypeDone:
		s.onDone(ctx)

	case signal.TypeCancel:
		s.log.Info("receiver cancelled the transfer")
		s.cancelled(ctx, apperr.ErrCancelled, false)

	case signal.TypeError:
		var e signal.Error
		_ = msg.Decode(&e)
		s.log.Warn("rendezvous error", "code", e.Code, "message", e.Message)
	}
}

func (s *sendSession) startNegotiation(ctx context.Context) {
	if s.e.deps.Peer == nil || s.peerPending || s.latch.Load() != ModeProbing {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	s.neg = newNegotiator(s.sig)
	s.peerCancel = cancel
	s.peerPending = true
	s.peerConn = s.e.connectPeer(pctx, signal.RoleSender, s.neg)
}

// abandonPeer stops a pending negotiation. A channel that opens anyway is
// closed in the background.
func (s *sendSession) abandonPeer(err error) {
	if !s.peerPending {
		return
	}
	s.peerPending = false
	s.peerCancel()
	if s.peerConn != nil {
		go func(c <-chan peerResult) {
			if r := <-c; r.ch != nil {
				r.ch.Close()
			}
		}(s.peerConn)
		s.peerConn = nil
	}
	s.paths.record(ModePeer, err)
}

func (s *sendSession) onPeer(ctx context.Context, r peerResult) {
	s.peerPending = false
	if ctx.Err() != nil {
		if r.ch != nil {
			r.ch.Close()
		}
		return
	}

	if r.err != nil {
		s.paths.record(ModePeer, r.err)
		switch s.latch.Load() {
		case ModeProbing:
			s.log.Info("peer unavailable, falling back to relay", "error", r.err)
			s.commitRelay(ctx, ModeProbing)
		case ModeRelay:
			if s.paths.failed(ModeRelay) {
				s.fail()
			}
		}
		return
	}

	mode := s.latch.Load()
	switch {
	case mode == ModeProbing && s.commit(ModeProbing, ModePeer):
		s.fallback.Stop()
	case mode == ModeRelay && s.paths.failed(ModeRelay) && s.commit(ModeRelay, ModePeer):
		s.fallback.Stop()
	default:
		// First commit wins; the running path is never replaced by a late peer
		s.log.Info("late peer connection ignored", "mode", mode)
		r.ch.Close()
		return
	}

	s.peerCh = r.ch
	select {
	case <-s.ackCh:
	default:
	}
	if err := s.sig.Send(signal.MustNew(signal.TypeReady, nil)); err != nil {
		s.log.Warn("failed to send ready", "error", err)
	}
	ch := s.peerCh
	s.stream = runPath(ctx, func(ctx context.Context) error {
		return s.e.streamToPeer(ctx, ch, s.src, s.ackCh, s.e.hooks.progress)
	})
}

func (s *sendSession) onStreamDone(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		s.log.Info("peer stream sent, waiting for receiver")
		s.startLinger()
		return
	}
	s.peerFailed(ctx, err)
}

// peerFailed moves an active peer path to the relay
func (s *sendSession) peerFailed(ctx context.Context, err error) {
	s.log.Warn("peer path failed", "error", err)
	s.paths.record(ModePeer, err)
	s.closePeer()
	if s.latch.Load() != ModePeer {
		return
	}
	if s.paths.failed(ModeRelay) {
		s.fail()
		return
	}
	s.commitRelay(ctx, ModePeer)
}

func (s *sendSession) commitRelay(ctx context.Context, from Mode) {
	if !s.commit(from, ModeRelay) {
		return
	}
	s.fallback.Stop()
	s.stopLinger()
	s.announce(signal.ModeRelay)

	s.upload = runPath(ctx, func(ctx context.Context) error {
		if err := s.e.deps.Relay.CreateTransfer(ctx, s.transferID, s.src.Manifest); err != nil {
			return fmt.Errorf("register transfer: %w", err)
		}
		return s.e.uploadToRelay(ctx, s.transferID, s.src, s.e.hooks.progress)
	})
}

func (s *sendSession) onUploadDone(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		s.commit(ModeRelay, ModeComplete)
		s.log.Info("relay upload complete, waiting for receiver")
		s.startLinger()
		return
	}

	s.log.Warn("relay path failed", "error", err)
	s.paths.record(ModeRelay, err)
	if s.peerPending {
		s.log.Info("waiting for pending peer negotiation", "for", s.e.cfg.FallbackDeadline)
		s.fallback.Reset(s.e.cfg.FallbackDeadline)
		return
	}
	s.fail()
}

func (s *sendSession) onReceiverDirect() {
	s.receiverDirect = true
	if !s.commit(ModeProbing, ModeDirect) {
		s.log.Info("receiver switched to the local network", "mode", s.latch.Load())
		return
	}
	s.fallback.Stop()
	s.abandonPeer(nil)
}

// onReceiverRelay handles a receiver asking for the relay after its own
// path failed
func (s *sendSession) onReceiverRelay(ctx context.Context) {
	switch mode := s.latch.Load(); mode {
	case ModeProbing:
		s.commitRelay(ctx, ModeProbing)
	case ModePeer:
		s.stream.stop()
		s.stream = nil
		s.peerFailed(ctx, apperr.New(apperr.CodePeerDisconnected, "receiver abandoned the peer path"))
	case ModeDirect:
		s.receiverDirect = false
		s.paths.record(ModeDirect, errors.New("receiver abandoned the direct path"))
		s.commitRelay(ctx, ModeDirect)
	}
}

func (s *sendSession) onReceiverGone(ctx context.Context, err error) {
	switch s.latch.Load() {
	case ModeProbing:
		s.abandonPeer(err)
		s.commitRelay(ctx, ModeProbing)
	case ModePeer:
		s.stream.stop()
		s.stream = nil
		s.peerFailed(ctx, err)
	case ModeDirect:
		s.receiverDirect = false
		s.paths.record(ModeDirect, err)
		s.commitRelay(ctx, ModeDirect)
	case ModeRelay:
		// The upload carries on for a later receive; negotiation cannot
		s.abandonPeer(err)
		if s.relayFailed() {
			s.fail()
		}
	}
}

func (s *sendSession) onSignalLost(ctx context.Context) {
	err := apperr.New(apperr.CodeUnavailable, "rendezvous connection lost")
	s.log.Warn("rendezvous connection lost")
	switch s.latch.Load() {
	case ModeProbing:
		s.abandonPeer(err)
		s.commitRelay(ctx, ModeProbing)
	case ModeDirect:
		// done can no longer arrive; leave a copy on the relay
		s.paths.record(ModeDirect, err)
		s.commitRelay(ctx, ModeDirect)
	case ModeRelay:
		s.abandonPeer(err)
		if s.relayFailed() {
			s.fail()
		}
	}
}

func (s *sendSession) onDone(ctx context.Context) {
	s.log.Info("receiver confirmed completion")
	s.stream.stop()
	s.stream = nil
	s.upload.stop()
	s.upload = nil
	s.stopLinger()

	via := s.via
	if s.receiverDirect {
		via = ModeDirect
	}
	if s.latch.Finish(ModeComplete) {
		s.e.hooks.mode(ModeComplete)
	}
	s.cleanup(ctx, true)
	s.succeed(via, true)
}

func (s *sendSession) onLinger(ctx context.Context) {
	switch s.latch.Load() {
	case ModePeer:
		s.log.Warn("receiver did not confirm, assuming peer delivery", "linger", s.e.cfg.CompletionLinger)
		s.commit(ModePeer, ModeComplete)
		s.cleanup(ctx, true)
	case ModeComplete:
		s.log.Info("receiver has not confirmed, relay keeps the transfer until retention")
	}
	s.succeed(s.via, false)
}

func (s *sendSession) cancelled(ctx context.Context, cause error, local bool) {
	if s.latch.Finish(ModeCancelled) {
		s.e.hooks.mode(ModeCancelled)
	}
	if local {
		msg := signal.MustNew(signal.TypeCancel, signal.Cancel{Reason: "sender cancelled"})
		if err := s.sig.Send(msg); err != nil {
			s.log.Debug("failed to send cancel", "error", err)
		}
	}
	s.stream.stop()
	s.stream = nil
	s.upload.stop()
	s.upload = nil
	s.abandonPeer(nil)
	s.closePeer()
	s.cleanup(ctx, true)

	if cause == nil {
		cause = apperr.ErrCancelled
	}
	s.out = &outcome{err: apperr.Wrap(apperr.CodeCancelled, cause, "transfer cancelled")}
}

func (s *sendSession) fail() {
	if s.latch.Finish(ModeFailed) {
		s.e.hooks.mode(ModeFailed)
	}
	s.abandonPeer(nil)
	err := s.paths.err()
	s.log.Error("transfer failed", "error", err)
	s.out = &outcome{err: err}
}

func (s *sendSession) succeed(via Mode, confirmed bool) {
	m := s.src.Manifest
	s.out = &outcome{res: &Result{
		Code:       s.code,
		TransferID: s.transferID,
		Mode:       via,
		Confirmed:  confirmed,
		Bytes:      m.TotalSize,
		Chunks:     m.TotalChunks,
		Duration:   time.Since(s.start),
	}}
}

// cleanup releases the pair code and, when asked, the relay copy
func (s *sendSession) cleanup(ctx context.Context, deleteRelay bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if deleteRelay {
		if err := s.e.deps.Relay.DeleteTransfer(ctx, s.transferID); err != nil && !errors.Is(err, apperr.ErrTransferNotFound) {
			s.log.Warn("failed to delete relay transfer", "error", err)
		}
	}
	if err := s.e.deps.Pairing.ClosePair(ctx, s.code); err != nil && !errors.Is(err, apperr.ErrPairNotFound) {
		s.log.Warn("failed to close pair", "error", err)
	}
}

func (s *sendSession) commit(from, to Mode) bool {
	if !s.latch.CompareAndSet(from, to) {
		return false
	}
	if to == ModeDirect || to == ModePeer || to == ModeRelay {
		s.via = to
	}
	s.log.Info("mode committed", "from", from, "to", to)
	s.e.hooks.mode(to)
	return true
}

func (s *sendSession) announce(mode string) {
	if err := s.sig.Send(signal.MustNew(signal.TypeMode, signal.Mode{Mode: mode})); err != nil {
		s.log.Warn("failed to announce mode", "mode", mode, "error", err)
	}
}

func (s *sendSession) closePeer() {
	if s.peerCh != nil {
		s.peerCh.Close()
		s.peerCh = nil
	}
}

func (s *sendSession) startLinger() {
	s.stopLinger()
	s.linger = time.NewTimer(s.e.cfg.CompletionLinger)
}

func (s *sendSession) stopLinger() {
	if s.linger != nil {
		s.linger.Stop()
		s.linger = nil
	}
}

func (s *sendSession) lingerC() <-chan time.Time {
	if s.linger == nil {
		return nil
	}
	return s.linger.C
}
