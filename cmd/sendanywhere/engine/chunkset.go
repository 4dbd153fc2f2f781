package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/lyzr/sendanywhere/common/manifest"
)

// chunkSet tracks which chunks a receiver has verified and written. Every
// path writes through it so entries are finished exactly once and the
// journal stays in step with the sink.
type chunkSet struct {
	transferID string
	manifest   *manifest.Manifest
	index      *manifest.Index
	sink       Sink
	journal    Journal
	progress   func(done, total int)

	mu        sync.Mutex
	have      []bool
	remaining []int
	count     int
}

func newChunkSet(transferID string, m *manifest.Manifest, sink Sink, journal Journal, progress func(done, total int)) *chunkSet {
	ix := manifest.NewIndex(m)
	s := &chunkSet{
		transferID: transferID,
		manifest:   m,
		index:      ix,
		sink:       sink,
		journal:    journal,
		progress:   progress,
		have:       make([]bool, ix.Total()),
		remaining:  make([]int, len(m.Entries)),
	}
	for i, e := range m.Entries {
		s.remaining[i] = e.ChunkCount
	}
	return s
}

// restore marks journaled chunks as already present
func (s *chunkSet) restore(indices []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range indices {
		if i < 0 || i >= len(s.have) || s.have[i] {
			continue
		}
		entry, _, err := s.index.Locate(i)
		if err != nil {
			continue
		}
		s.have[i] = true
		s.remaining[entry]--
		s.count++
	}
}

// missing returns the indices not yet written, in order
func (s *chunkSet) missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.have)-s.count)
	for i, ok := range s.have {
		if !ok {
			out = append(out, i)
		}
	}
	return out
}

func (s *chunkSet) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count == len(s.have)
}

func (s *chunkSet) total() int {
	return len(s.have)
}

// write stores a verified chunk. Rewriting a chunk that is already present
// is allowed and only touches the sink.
func (s *chunkSet) write(ctx context.Context, index int, data []byte) error {
	entry, offset, _, err := s.index.Span(index)
	if err != nil {
		return err
	}
	if err := s.sink.WriteChunk(entry, offset, data); err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}

	s.mu.Lock()
	fresh := !s.have[index]
	if fresh {
		s.have[index] = true
		s.remaining[entry]--
		s.count++
	}
	finished := fresh && s.remaining[entry] == 0
	done, total := s.count, len(s.have)
	s.mu.Unlock()

	if !fresh {
		return nil
	}
	if s.journal != nil {
		if err := s.journal.Record(ctx, s.transferID, index, manifest.Checksum(data)); err != nil {
			return fmt.Errorf("journal chunk %d: %w", index, err)
		}
	}
	if finished {
		if err := s.sink.FinishEntry(entry); err != nil {
			return fmt.Errorf("finish entry %d: %w", entry, err)
		}
	}
	s.progress(done, total)
	return nil
}
