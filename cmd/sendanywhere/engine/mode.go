package engine

import "sync/atomic"

// Mode is the transport an endpoint has committed to, or a terminal outcome
type Mode int32

const (
	ModeProbing Mode = iota
	ModeDirect
	ModePeer
	ModeRelay
	ModeComplete
	ModeFailed
	ModeCancelled
)

var modeNames = [...]string{"probing", "direct", "peer", "relay", "complete", "failed", "cancelled"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// Terminal reports whether no further transitions are possible
func (m Mode) Terminal() bool {
	return m == ModeComplete || m == ModeFailed || m == ModeCancelled
}

// Latch holds the committed mode. Every transition is a compare-and-set, so
// of two paths racing to commit exactly one wins.
type Latch struct {
	mode atomic.Int32
}

// Load returns the current mode
func (l *Latch) Load() Mode {
	return Mode(l.mode.Load())
}

// CompareAndSet moves from -> to and reports whether it did. Terminal modes
// never change.
func (l *Latch) CompareAndSet(from, to Mode) bool {
	if from.Terminal() {
		return false
	}
	return l.mode.CompareAndSwap(int32(from), int32(to))
}

// Finish moves any non-terminal mode to the terminal mode to
func (l *Latch) Finish(to Mode) bool {
	for {
		cur := l.Load()
		if cur.Terminal() {
			return false
		}
		if l.mode.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}
