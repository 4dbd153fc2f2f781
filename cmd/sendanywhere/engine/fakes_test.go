package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/sendanywhere/cmd/relay/repository"
	relayservice "github.com/lyzr/sendanywhere/cmd/relay/service"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clients"
	"github.com/lyzr/sendanywhere/common/clock"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/models"
	"github.com/lyzr/sendanywhere/common/retry"
	"github.com/lyzr/sendanywhere/common/signal"
)

// --- rendezvous ---

type fakeRoom struct {
	ends     map[signal.Role]*fakeSignal
	buffered map[signal.Role][]signal.Message
}

type fakeRendezvous struct {
	mu    sync.Mutex
	rooms map[string]*fakeRoom
}

func newFakeRendezvous() *fakeRendezvous {
	return &fakeRendezvous{rooms: make(map[string]*fakeRoom)}
}

func (r *fakeRendezvous) room(code string) *fakeRoom {
	room, ok := r.rooms[code]
	if !ok {
		room = &fakeRoom{
			ends:     make(map[signal.Role]*fakeSignal),
			buffered: make(map[signal.Role][]signal.Message),
		}
		r.rooms[code] = room
	}
	return room
}

func (r *fakeRendezvous) Dial(ctx context.Context, code string, role signal.Role) (Signaler, error) {
	return r.dial(code, role), nil
}

func (r *fakeRendezvous) dial(code string, role signal.Role) *fakeSignal {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.room(code)
	end := &fakeSignal{r: r, code: code, role: role, in: make(chan signal.Message, 1024)}
	room.ends[role] = end

	end.push(signal.MustNew(signal.TypeConnected, signal.Connected{Code: code, Role: role}))
	if other := room.ends[role.Other()]; other != nil {
		other.push(signal.MustNew(signal.TypePeerConnected, signal.PeerConnected{Role: role}))
		end.push(signal.MustNew(signal.TypePeerConnected, signal.PeerConnected{Role: other.role}))
	}
	for _, msg := range room.buffered[role] {
		end.push(msg)
	}
	delete(room.buffered, role)
	return end
}

type fakeSignal struct {
	r    *fakeRendezvous
	code string
	role signal.Role
	in   chan signal.Message

	// guarded by r.mu
	closed  bool
	dropped bool
}

func (s *fakeSignal) push(msg signal.Message) {
	if s.dropped {
		return
	}
	select {
	case s.in <- msg:
	default:
	}
}

func (s *fakeSignal) Incoming() <-chan signal.Message {
	return s.in
}

func (s *fakeSignal) Send(msg signal.Message) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.closed {
		return clients.ErrSignalClosed
	}
	room := s.r.room(s.code)
	if other := room.ends[s.role.Other()]; other != nil {
		other.push(msg)
	} else {
		room.buffered[s.role.Other()] = append(room.buffered[s.role.Other()], msg)
	}
	return nil
}

func (s *fakeSignal) Close() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	room := s.r.room(s.code)
	if room.ends[s.role] == s {
		delete(room.ends, s.role)
		if other := room.ends[s.role.Other()]; other != nil {
			other.push(signal.MustNew(signal.TypePeerDisconnected, signal.PeerDisconnected{Role: s.role}))
		}
	}
	return nil
}

// drop simulates losing the rendezvous connection
func (s *fakeSignal) drop() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if !s.dropped {
		s.dropped = true
		close(s.in)
	}
}

// scriptedEnd forwards negotiation messages to a negotiator and everything
// else to a channel the test reads
type scriptedEnd struct {
	sig    *fakeSignal
	neg    *negotiator
	others chan signal.Message
}

func newScriptedEnd(sig *fakeSignal) *scriptedEnd {
	e := &scriptedEnd{sig: sig, neg: newNegotiator(sig), others: make(chan signal.Message, 256)}
	go func() {
		for msg := range sig.in {
			if isNegotiation(msg.Type) {
				e.neg.deliver(msg)
				continue
			}
			e.others <- msg
		}
	}()
	return e
}

// waitFor returns the next message of type t, skipping the rest
func (e *scriptedEnd) waitFor(t *testing.T, typ signal.Type, timeout time.Duration) signal.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-e.others:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message within %s", typ, timeout)
		}
	}
}

// --- pairing ---

type fakePairing struct {
	mu       sync.Mutex
	sessions map[string]*models.PairInfo
	closed   []string
}

func newFakePairing() *fakePairing {
	return &fakePairing{sessions: make(map[string]*models.PairInfo)}
}

func (p *fakePairing) CreatePair(ctx context.Context, req models.CreatePairRequest) (*models.CreatePairResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := fmt.Sprintf("%06d", 123456+len(p.sessions))
	transferID := "t-" + code
	p.sessions[code] = &models.PairInfo{Code: code, TransferID: transferID, Manifest: req.Manifest, Status: models.PairWaiting}
	return &models.CreatePairResponse{Code: code, TransferID: transferID, ExpiresIn: 600}, nil
}

func (p *fakePairing) LookupPair(ctx context.Context, code string) (*models.PairInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.sessions[code]
	if !ok {
		return nil, apperr.ErrPairNotFound
	}
	return info, nil
}

func (p *fakePairing) ClosePair(ctx context.Context, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[code]; !ok {
		return apperr.ErrPairNotFound
	}
	delete(p.sessions, code)
	p.closed = append(p.closed, code)
	return nil
}

func (p *fakePairing) isClosed(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.closed {
		if c == code {
			return true
		}
	}
	return false
}

// --- relay ---

// fakeRelay runs the real relay service over its memory store
type fakeRelay struct {
	svc      *relayservice.RelayService
	putDelay time.Duration
	putErr   error // returned by every PutChunk when set
	gets     atomic.Int32
	puts     atomic.Int32
	failed   atomic.Int32
}

func newFakeRelay() *fakeRelay {
	svc := relayservice.NewRelayService(repository.NewMemoryStore(), clock.Real{}, time.Hour, logger.Discard(), relayservice.NewMetrics(nil))
	return &fakeRelay{svc: svc}
}

func (r *fakeRelay) CreateTransfer(ctx context.Context, transferID string, m *manifest.Manifest) error {
	return r.svc.CreateTransfer(ctx, transferID, m)
}

func (r *fakeRelay) PutChunk(ctx context.Context, transferID string, index int, data []byte) (*models.ChunkReceipt, error) {
	if r.putDelay > 0 {
		select {
		case <-time.After(r.putDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.putErr != nil {
		r.failed.Add(1)
		return nil, r.putErr
	}
	r.puts.Add(1)
	return r.svc.PutChunk(ctx, transferID, index, data, manifest.Checksum(data))
}

func (r *fakeRelay) GetChunk(ctx context.Context, transferID string, index int) ([]byte, string, error) {
	r.gets.Add(1)
	return r.svc.GetChunk(ctx, transferID, index)
}

func (r *fakeRelay) Status(ctx context.Context, transferID string) (*models.TransferStatus, error) {
	return r.svc.Status(ctx, transferID)
}

func (r *fakeRelay) DeleteTransfer(ctx context.Context, transferID string) error {
	return r.svc.DeleteTransfer(ctx, transferID)
}

// --- peer transport ---

type fakePeerNet struct {
	block   bool          // negotiation never completes
	delay   time.Duration // sender side waits this long after the answer
	corrupt bool          // flip a byte in every data frame the sender sends

	once sync.Once
	a, b *fakeChannel
}

func (n *fakePeerNet) ends() (*fakeChannel, *fakeChannel) {
	n.once.Do(func() {
		ab := make(chan []byte, 4096)
		ba := make(chan []byte, 4096)
		done := make(chan struct{})
		var closeOnce sync.Once
		closeFn := func() { closeOnce.Do(func() { close(done) }) }
		n.a = &fakeChannel{in: ba, out: ab, done: done, close: closeFn, corrupt: n.corrupt}
		n.b = &fakeChannel{in: ab, out: ba, done: done, close: closeFn}
	})
	return n.a, n.b
}

func (n *fakePeerNet) Connect(ctx context.Context, role signal.Role, neg Negotiator) (PeerChannel, error) {
	if n.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	wait := func(typ signal.Type) error {
		for {
			select {
			case msg := <-neg.Incoming():
				if msg.Type == typ {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	sender, receiver := n.ends()
	if role == signal.RoleSender {
		if err := neg.Send(signal.MustNew(signal.TypeOffer, signal.SessionDescription{SDP: "offer"})); err != nil {
			return nil, err
		}
		if err := wait(signal.TypeAnswer); err != nil {
			return nil, err
		}
		if n.delay > 0 {
			select {
			case <-time.After(n.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return sender, nil
	}

	if err := wait(signal.TypeOffer); err != nil {
		return nil, err
	}
	if err := neg.Send(signal.MustNew(signal.TypeAnswer, signal.SessionDescription{SDP: "answer"})); err != nil {
		return nil, err
	}
	return receiver, nil
}

type fakeChannel struct {
	in      chan []byte
	out     chan []byte
	done    chan struct{}
	close   func()
	corrupt bool
}

func (c *fakeChannel) Send(ctx context.Context, frame []byte) error {
	data := append([]byte(nil), frame...)
	if c.corrupt && len(data) > 1 && FrameType(data[0]) == FrameData {
		data[len(data)-1] ^= 0xff
	}
	select {
	case <-c.done:
		return fmt.Errorf("channel closed")
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("channel closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, fmt.Errorf("channel closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.close()
	return nil
}

// --- direct transport ---

type fakeLAN struct {
	mu      sync.Mutex
	servers map[string]*manifest.Source
}

func newFakeLAN() *fakeLAN {
	return &fakeLAN{servers: make(map[string]*manifest.Source)}
}

func (l *fakeLAN) Serve(ctx context.Context, code string, src *manifest.Source) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.servers[code] = src
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.servers, code)
	}, nil
}

func (l *fakeLAN) Discover(ctx context.Context, code string) (ChunkFetcher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.servers[code]; !ok {
		return nil, apperr.New(apperr.CodeUnavailable, "no sender for %s", code)
	}
	return &fakeLANFetcher{lan: l, code: code}, nil
}

type fakeLANFetcher struct {
	lan  *fakeLAN
	code string
}

func (f *fakeLANFetcher) FetchChunk(ctx context.Context, index int) ([]byte, error) {
	f.lan.mu.Lock()
	src, ok := f.lan.servers[f.code]
	f.lan.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.CodeUnavailable, "sender went away")
	}
	return src.ReadChunk(index)
}

// --- sink and journal ---

type memorySink struct {
	mu        sync.Mutex
	resume    bool
	files     map[int][]byte
	finished  map[int]int
	committed bool
	aborted   bool
}

func newMemorySink() *memorySink {
	return &memorySink{files: make(map[int][]byte), finished: make(map[int]int)}
}

func (s *memorySink) Prepare(transferID string, m *manifest.Manifest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range m.Entries {
		if _, ok := s.files[i]; !ok {
			s.files[i] = make([]byte, e.Size)
		}
	}
	return s.resume, nil
}

func (s *memorySink) WriteChunk(entry int, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.files[entry][offset:], data)
	return nil
}

func (s *memorySink) FinishEntry(entry int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[entry]++
	return nil
}

func (s *memorySink) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	return nil
}

func (s *memorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *memorySink) state() (committed, aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed, s.aborted
}

type memoryJournal struct {
	mu     sync.Mutex
	chunks map[string]map[int]string
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{chunks: make(map[string]map[int]string)}
}

func (j *memoryJournal) Completed(ctx context.Context, transferID string) ([]int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []int
	for i := range j.chunks[transferID] {
		out = append(out, i)
	}
	return out, nil
}

func (j *memoryJournal) Record(ctx context.Context, transferID string, index int, hash string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.chunks[transferID] == nil {
		j.chunks[transferID] = make(map[int]string)
	}
	j.chunks[transferID][index] = hash
	return nil
}

func (j *memoryJournal) Forget(ctx context.Context, transferID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.chunks, transferID)
	return nil
}

// --- harness ---

var testFiles = map[string]string{
	"a.txt":     "the quick brown fox jumps over",
	"sub/b.txt": "lazy dog",
	"empty.txt": "",
}

// testSource builds a three-entry collection in 8-byte chunks
func testSource(t *testing.T) *manifest.Source {
	t.Helper()
	root := filepath.Join(t.TempDir(), "payload")
	for name, content := range testFiles {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	src, err := manifest.Build([]string{root}, manifest.BuildOptions{ChunkSize: 8})
	require.NoError(t, err)
	return src
}

func testConfig() Config {
	return Config{
		FallbackDeadline:  200 * time.Millisecond,
		ReceiverGrace:     100 * time.Millisecond,
		AckTimeout:        300 * time.Millisecond,
		DiscoveryTimeout:  50 * time.Millisecond,
		CompletionLinger:  500 * time.Millisecond,
		MaxParallelChunks: 2,
		Retry:             retry.Policy{MaxAttempts: 5, Delay: 20 * time.Millisecond},
	}
}

type modeLog struct {
	mu    sync.Mutex
	modes []Mode
}

func (l *modeLog) add(m Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modes = append(l.modes, m)
}

func (l *modeLog) has(m Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.modes {
		if x == m {
			return true
		}
	}
	return false
}

type harness struct {
	cfg     Config
	rv      *fakeRendezvous
	pairing *fakePairing
	relay   *fakeRelay
	peers   *fakePeerNet
	lan     *fakeLAN
	src     *manifest.Source
}

func newHarness(t *testing.T) *harness {
	return &harness{
		cfg:     testConfig(),
		rv:      newFakeRendezvous(),
		pairing: newFakePairing(),
		relay:   newFakeRelay(),
		peers:   &fakePeerNet{},
		src:     testSource(t),
	}
}

func (h *harness) deps() Deps {
	d := Deps{
		Pairing: h.pairing,
		Dial:    h.rv.Dial,
		Relay:   h.relay,
		Logger:  logger.Discard(),
	}
	if h.peers != nil {
		d.Peer = h.peers
	}
	if h.lan != nil {
		d.Direct = h.lan
	}
	return d
}

type sideResult struct {
	res   *Result
	err   error
	modes *modeLog
}

// startSender runs Send in the background and returns the pair code
func (h *harness) startSender(t *testing.T, ctx context.Context) (string, <-chan sideResult) {
	t.Helper()
	codes := make(chan string, 1)
	modes := &modeLog{}
	eng := New(h.cfg, h.deps(), Hooks{
		OnPaired: func(code string, _ time.Duration) { codes <- code },
		OnMode:   modes.add,
	})

	out := make(chan sideResult, 1)
	go func() {
		res, err := eng.Send(ctx, h.src)
		out <- sideResult{res: res, err: err, modes: modes}
	}()

	select {
	case code := <-codes:
		return code, out
	case r := <-out:
		t.Fatalf("sender ended before pairing: %v", r.err)
	case <-time.After(2 * time.Second):
		t.Fatal("sender never paired")
	}
	return "", nil
}

func (h *harness) startReceiver(ctx context.Context, code string, sink Sink, journal Journal) <-chan sideResult {
	modes := &modeLog{}
	deps := h.deps()
	if journal != nil {
		deps.Journal = journal
	}
	eng := New(h.cfg, deps, Hooks{OnMode: modes.add})

	out := make(chan sideResult, 1)
	go func() {
		res, err := eng.Receive(ctx, code, sink)
		out <- sideResult{res: res, err: err, modes: modes}
	}()
	return out
}

func await(t *testing.T, ch <-chan sideResult, timeout time.Duration) sideResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		t.Fatalf("no result within %s", timeout)
	}
	return sideResult{}
}

// requireDelivered checks the sink holds exactly the source files
func requireDelivered(t *testing.T, src *manifest.Source, sink *memorySink) {
	t.Helper()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i := range src.Manifest.Entries {
		want, err := os.ReadFile(src.Path(i))
		require.NoError(t, err)
		require.Equal(t, string(want), string(sink.files[i]), "entry %s", src.Manifest.Entries[i].RelativePath)
	}
}
