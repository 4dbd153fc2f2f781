package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/signal"
)

type discoverResult struct {
	fetcher ChunkFetcher
	err     error
}

type receiveSession struct {
	e          *Engine
	log        *logger.Logger
	code       string
	transferID string
	manifest   *manifest.Manifest
	set        *chunkSet
	sink       Sink
	sig        Signaler
	start      time.Time

	latch Latch
	paths pathErrors
	out   *outcome

	fallback *time.Timer
	discover <-chan discoverResult

	neg         *negotiator
	peerPending bool
	peerCancel  context.CancelFunc
	peerConn    <-chan peerResult
	peerCh      PeerChannel
	readySeen   bool

	// Only one path writes to the sink at a time
	active     *pathRun
	activeMode Mode
}

// Receive resolves code, follows the sender onto whichever path it commits
// to, and writes the transfer into sink
func (e *Engine) Receive(ctx context.Context, code string, sink Sink) (*Result, error) {
	start := time.Now()

	// 1. Resolve the code
	info, err := e.deps.Pairing.LookupPair(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("lookup pair: %w", err)
	}
	m := info.Manifest
	if err := m.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, err, "pair %s carries an invalid manifest", code)
	}
	log := e.log.WithPairCode(code).WithTransferID(info.TransferID)
	log.Info("pair resolved", "name", m.Name, "chunks", m.TotalChunks, "bytes", m.TotalSize)

	// 2. Destination and resume state
	resumed, err := sink.Prepare(info.TransferID, m)
	if err != nil {
		return nil, fmt.Errorf("prepare output: %w", err)
	}
	set := newChunkSet(info.TransferID, m, sink, e.deps.Journal, e.hooks.progress)
	if j := e.deps.Journal; j != nil {
		if resumed {
			done, err := j.Completed(ctx, info.TransferID)
			if err != nil {
				log.Warn("failed to read resume journal", "error", err)
			} else if len(done) > 0 {
				set.restore(done)
				log.Info("resuming transfer", "verified", len(done), "total", set.total())
			}
		} else if err := j.Forget(ctx, info.TransferID); err != nil {
			log.Warn("failed to reset resume journal", "error", err)
		}
	}

	// 3. Rendezvous
	sig, err := e.deps.Dial(ctx, code, signal.RoleReceiver)
	if err != nil {
		return nil, fmt.Errorf("attach rendezvous: %w", err)
	}
	defer sig.Close()

	s := &receiveSession{
		e:          e,
		log:        log,
		code:       code,
		transferID: info.TransferID,
		manifest:   m,
		set:        set,
		sink:       sink,
		sig:        sig,
		start:      start,
	}
	return s.run(ctx)
}

// fallbackAfter is how long the receiver waits for the sender's choice
func (s *receiveSession) fallbackAfter() time.Duration {
	return s.e.cfg.FallbackDeadline + s.e.cfg.ReceiverGrace
}

func (s *receiveSession) run(parent context.Context) (*Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.closePeer()

	s.fallback = time.NewTimer(s.fallbackAfter())
	defer s.fallback.Stop()
	s.e.hooks.mode(ModeProbing)

	if s.e.deps.Direct != nil {
		s.startDiscovery(ctx)
	}
	s.startNegotiation(ctx)

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

		case r := <-s.discover:
			s.discover = nil
			s.onDiscover(ctx, r)

		case r := <-s.peerConn:
			s.peerConn = nil
			s.onPeer(ctx, r)

		case err := <-s.active.done():
			mode := s.activeMode
			s.active = nil
			s.onPathDone(ctx, mode, err)
		}
	}
	return s.out.res, s.out.err
}

func (s *receiveSession) onSignal(ctx context.Context, msg signal.Message) {
	switch msg.Type {
	case signal.TypeConnected:
		s.log.Debug("rendezvous attached")

	case signal.TypePeerConnected:
		s.log.Info("sender attached")
		s.startNegotiation(ctx)

	case signal.TypePeerDisconnected:
		s.log.Info("sender detached")
		s.onSenderGone(ctx, apperr.ErrPeerDisconnected)

	case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate:
		if s.neg == nil || !s.neg.deliver(msg) {
			s.log.Debug("dropping negotiation message", "type", msg.Type)
		}

	case signal.TypeReady:
		s.readySeen = true
		s.tryPeer(ctx)

	case signal.TypeMode:
		var mode signal.Mode
		if err := msg.Decode(&mode); err != nil {
			s.log.Warn("invalid mode announcement", "error", err)
			return
		}
		if mode.Mode == signal.ModeRelay {
			s.onSenderRelay(ctx)
		}

	case signal.TypeCancel:
		s.log.Info("sender cancelled the transfer")
		s.cancelled(ctx, apperr.ErrCancelled, false)

	case signal.TypeError:
		var e signal.Error
		_ = msg.Decode(&e)
		s.log.Warn("rendezvous error", "code", e.Code, "message", e.Message)
	}
}

func (s *receiveSession) onTimer(ctx context.Context) {
	switch s.latch.Load() {
	case ModeProbing:
		s.log.Info("no path announced, falling back to relay", "after", s.fallbackAfter())
		s.commitRelay(ctx, ModeProbing, true)
	case ModeRelay:
		// Relay already failed and the pending peer never arrived
		if s.active == nil && s.paths.failed(ModeRelay) {
			s.abandonPeer(apperr.New(apperr.CodeNegotiationTimeout, "peer did not connect after the relay failed"))
			s.fail()
		}
	}
}

func (s *receiveSession) startDiscovery(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, s.e.cfg.DiscoveryTimeout)
	out := make(chan discoverResult, 1)
	go func() {
		defer cancel()
		f, err := s.e.deps.Direct.Discover(dctx, s.code)
		out <- discoverResult{fetcher: f, err: err}
	}()
	s.discover = out
}

func (s *receiveSession) onDiscover(ctx context.Context, r discoverResult) {
	if r.err != nil {
		s.log.Debug("no sender on the local network", "error", r.err)
		return
	}
	if !s.commit(ModeProbing, ModeDirect) {
		return
	}
	s.fallback.Stop()
	s.abandonPeer(nil)
	s.closePeer()
	s.announce(signal.ModeDirect)

	f := &directFetcher{source: r.fetcher, manifest: s.manifest, index: s.set.index, policy: s.e.cfg.chunkRetry()}
	s.download(ctx, ModeDirect, f.fetch)
}

func (s *receiveSession) startNegotiation(ctx context.Context) {
	if s.e.deps.Peer == nil || s.peerPending || s.peerCh != nil || s.latch.Load() != ModeProbing {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	s.neg = newNegotiator(s.sig)
	s.peerCancel = cancel
	s.peerPending = true
	s.peerConn = s.e.connectPeer(pctx, signal.RoleReceiver, s.neg)
}

func (s *receiveSession) abandonPeer(err error) {
	s.readySeen = false
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

func (s *receiveSession) onPeer(ctx context.Context, r peerResult) {
	s.peerPending = false
	if ctx.Err() != nil {
		if r.ch != nil {
			r.ch.Close()
		}
		return
	}

	if r.err != nil {
		s.paths.record(ModePeer, r.err)
		if s.latch.Load() == ModeRelay && s.active == nil && s.paths.failed(ModeRelay) {
			s.fail()
		}
		return
	}

	if mode := s.latch.Load(); mode != ModeProbing && mode != ModeRelay {
		s.log.Info("late peer connection ignored", "mode", mode)
		r.ch.Close()
		return
	}
	s.peerCh = r.ch
	s.tryPeer(ctx)
}

// tryPeer commits the peer path once the channel is open and the sender has
// announced ready, in whichever order those arrive
func (s *receiveSession) tryPeer(ctx context.Context) {
	if !s.readySeen || s.peerCh == nil {
		return
	}

	switch mode := s.latch.Load(); mode {
	case ModeProbing:
		if !s.commit(ModeProbing, ModePeer) {
			return
		}
		s.fallback.Stop()
	case ModeRelay:
		// The sender moved to the peer path; chunks the relay download
		// already verified stay in the sink and journal
		s.stopActive()
		if !s.commit(ModeRelay, ModePeer) {
			return
		}
		s.fallback.Stop()
	default:
		s.log.Info("ignoring peer ready", "mode", mode)
		s.closePeer()
		return
	}
	s.readySeen = false

	ch := s.peerCh
	ack := func() error {
		return s.sig.Send(signal.MustNew(signal.TypeAck, nil))
	}
	s.startActive(ctx, ModePeer, func(ctx context.Context) error {
		return s.e.receiveFromPeer(ctx, ch, s.set, ack)
	})
}

func (s *receiveSession) onSenderRelay(ctx context.Context) {
	switch mode := s.latch.Load(); mode {
	case ModeProbing:
		s.commitRelay(ctx, ModeProbing, false)
	case ModePeer:
		s.stopActive()
		s.closePeer()
		s.paths.record(ModePeer, apperr.New(apperr.CodePeerDisconnected, "sender abandoned the peer path"))
		s.commitRelay(ctx, ModePeer, false)
	default:
		s.log.Debug("sender moved to relay", "mode", mode)
	}
}

func (s *receiveSession) onSenderGone(ctx context.Context, err error) {
	switch s.latch.Load() {
	case ModeProbing:
		s.abandonPeer(err)
		s.commitRelay(ctx, ModeProbing, false)
	case ModePeer:
		s.stopActive()
		s.closePeer()
		s.paths.record(ModePeer, err)
		if s.paths.failed(ModeRelay) {
			s.fail()
			return
		}
		s.commitRelay(ctx, ModePeer, false)
	case ModeRelay:
		s.dropPeer(err)
	}
}

func (s *receiveSession) onSignalLost(ctx context.Context) {
	s.log.Warn("rendezvous connection lost")
	err := apperr.New(apperr.CodeUnavailable, "rendezvous connection lost")
	switch s.latch.Load() {
	case ModeProbing:
		s.abandonPeer(err)
		s.commitRelay(ctx, ModeProbing, false)
	case ModeRelay:
		s.dropPeer(err)
	}
}

// dropPeer gives up on a peer path that was still being set up while the
// relay ran. The relay download continues; if it already failed there is
// nothing left to wait for.
func (s *receiveSession) dropPeer(err error) {
	s.abandonPeer(err)
	if s.peerCh != nil {
		s.closePeer()
		s.paths.record(ModePeer, err)
	}
	if s.active == nil && s.paths.failed(ModeRelay) {
		s.fail()
	}
}

func (s *receiveSession) commitRelay(ctx context.Context, from Mode, announce bool) {
	if !s.commit(from, ModeRelay) {
		return
	}
	s.fallback.Stop()
	if announce {
		s.announce(signal.ModeRelay)
	}

	f := &relayFetcher{
		relay:      s.e.deps.Relay,
		transferID: s.transferID,
		manifest:   s.manifest,
		index:      s.set.index,
		policy:     s.e.cfg.chunkRetry(),
	}
	s.download(ctx, ModeRelay, f.fetch)
}

func (s *receiveSession) download(ctx context.Context, mode Mode, fetch fetchFunc) {
	s.startActive(ctx, mode, func(ctx context.Context) error {
		return downloadOrdered(ctx, s.set.missing(), s.e.cfg.MaxParallelChunks, fetch, s.set.write)
	})
}

func (s *receiveSession) onPathDone(ctx context.Context, mode Mode, err error) {
	if ctx.Err() != nil {
		return
	}
	if err == nil && !s.set.complete() {
		err = apperr.New(apperr.CodeChunkUnavailable, "%s path ended with chunks missing", mode)
	}
	if err == nil {
		s.finish(ctx, mode)
		return
	}

	s.log.Warn("path failed", "mode", mode, "error", err)
	s.paths.record(mode, err)

	switch mode {
	case ModePeer, ModeDirect:
		s.closePeer()
		if s.paths.failed(ModeRelay) {
			s.fail()
			return
		}
		s.commitRelay(ctx, mode, true)
	case ModeRelay:
		if s.peerPending || s.peerCh != nil {
			s.log.Info("waiting for pending peer path")
			s.fallback.Reset(s.fallbackAfter())
			return
		}
		s.fail()
	}
}

func (s *receiveSession) finish(ctx context.Context, mode Mode) {
	if err := s.sink.Commit(); err != nil {
		s.paths.record(mode, fmt.Errorf("commit output: %w", err))
		s.fail()
		return
	}
	if s.latch.Finish(ModeComplete) {
		s.log.Info("transfer complete", "via", mode)
		s.e.hooks.mode(ModeComplete)
	}
	if j := s.e.deps.Journal; j != nil {
		if err := j.Forget(ctx, s.transferID); err != nil {
			s.log.Warn("failed to clear resume journal", "error", err)
		}
	}
	if err := s.sig.Send(signal.MustNew(signal.TypeDone, nil)); err != nil {
		s.log.Warn("failed to confirm completion", "error", err)
	}

	s.out = &outcome{res: &Result{
		Code:       s.code,
		TransferID: s.transferID,
		Mode:       mode,
		Confirmed:  true,
		Bytes:      s.manifest.TotalSize,
		Chunks:     s.manifest.TotalChunks,
		Duration:   time.Since(s.start),
	}}
}

func (s *receiveSession) cancelled(ctx context.Context, cause error, local bool) {
	if s.latch.Finish(ModeCancelled) {
		s.e.hooks.mode(ModeCancelled)
	}
	if local {
		msg := signal.MustNew(signal.TypeCancel, signal.Cancel{Reason: "receiver cancelled"})
		if err := s.sig.Send(msg); err != nil {
			s.log.Debug("failed to send cancel", "error", err)
		}
	}
	s.stopActive()
	s.abandonPeer(nil)
	s.closePeer()

	if err := s.sink.Abort(); err != nil {
		s.log.Warn("failed to release partial output", "error", err)
	}
	if j := s.e.deps.Journal; j != nil {
		if err := j.Forget(context.WithoutCancel(ctx), s.transferID); err != nil {
			s.log.Warn("failed to clear resume journal", "error", err)
		}
	}

	if cause == nil {
		cause = apperr.ErrCancelled
	}
	s.out = &outcome{err: apperr.Wrap(apperr.CodeCancelled, cause, "transfer cancelled")}
}

// fail ends the transfer. Partial output and the journal are kept so the
// same code can be received again and resume.
func (s *receiveSession) fail() {
	if s.latch.Finish(ModeFailed) {
		s.e.hooks.mode(ModeFailed)
	}
	s.stopActive()
	s.abandonPeer(nil)
	err := s.paths.err()
	s.log.Error("transfer failed", "error", err)
	s.out = &outcome{err: err}
}

func (s *receiveSession) commit(from, to Mode) bool {
	if !s.latch.CompareAndSet(from, to) {
		return false
	}
	s.log.Info("mode committed", "from", from, "to", to)
	s.e.hooks.mode(to)
	return true
}

func (s *receiveSession) announce(mode string) {
	if err := s.sig.Send(signal.MustNew(signal.TypeMode, signal.Mode{Mode: mode})); err != nil {
		s.log.Warn("failed to announce mode", "mode", mode, "error", err)
	}
}

func (s *receiveSession) startActive(ctx context.Context, mode Mode, fn func(ctx context.Context) error) {
	s.stopActive()
	s.activeMode = mode
	s.active = runPath(ctx, fn)
}

func (s *receiveSession) stopActive() {
	s.active.stop()
	s.active = nil
}

func (s *receiveSession) closePeer() {
	if s.peerCh != nil {
		s.peerCh.Close()
		s.peerCh = nil
	}
}
