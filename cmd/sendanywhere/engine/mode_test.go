package engine

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatch_FirstCommitWins(t *testing.T) {
	var l Latch
	assert.Equal(t, ModeProbing, l.Load())

	assert.True(t, l.CompareAndSet(ModeProbing, ModePeer))
	assert.False(t, l.CompareAndSet(ModeProbing, ModeRelay))
	assert.Equal(t, ModePeer, l.Load())

	// Failover is an explicit transition out of the committed mode
	assert.True(t, l.CompareAndSet(ModePeer, ModeRelay))
	assert.Equal(t, ModeRelay, l.Load())
}

func TestLatch_TerminalModesAreFinal(t *testing.T) {
	var l Latch
	assert.True(t, l.Finish(ModeComplete))
	assert.False(t, l.Finish(ModeCancelled))
	assert.False(t, l.CompareAndSet(ModeComplete, ModeRelay))
	assert.Equal(t, ModeComplete, l.Load())
}

func TestLatch_ConcurrentCommitHasOneWinner(t *testing.T) {
	var l Latch
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		to := ModePeer
		if i%2 == 0 {
			to = ModeRelay
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CompareAndSet(ModeProbing, to) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Contains(t, []Mode{ModePeer, ModeRelay}, l.Load())
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "probing", ModeProbing.String())
	assert.Equal(t, "cancelled", ModeCancelled.String())
	assert.Equal(t, "unknown", Mode(42).String())
	assert.True(t, ModeFailed.Terminal())
	assert.False(t, ModeRelay.Terminal())
}
