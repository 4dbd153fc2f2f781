package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Kind describes what a manifest covers
type Kind string

const (
	KindSingleFile Kind = "single-file"
	KindCollection Kind = "collection"
)

// DefaultChunkSize is the relay chunk size (1 MiB)
const DefaultChunkSize int64 = 1 << 20

// Entry is one file in the flattened transfer
type Entry struct {
	Name         string   `json:"name"`
	RelativePath string   `json:"relative_path"`
	Size         int64    `json:"size"`
	ChunkCount   int      `json:"chunk_count"`
	Hash         string   `json:"hash,omitempty"`
	ChunkHashes  []string `json:"chunk_hashes,omitempty"`
}

// Manifest is the immutable description of a transfer. Entry order defines
// the global chunk index space.
type Manifest struct {
	Kind        Kind    `json:"kind"`
	Name        string  `json:"name"`
	TotalSize   int64   `json:"total_size"`
	EntryCount  int     `json:"entry_count"`
	ChunkSize   int64   `json:"chunk_size"`
	TotalChunks int     `json:"total_chunks"`
	Entries     []Entry `json:"entries"`
}

// ChunkCount returns how many chunkSize pieces cover size bytes
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// New assembles a manifest, filling in per-entry chunk counts and totals
func New(kind Kind, name string, chunkSize int64, entries []Entry) (*Manifest, error) {
	m := &Manifest{
		Kind:       kind,
		Name:       name,
		ChunkSize:  chunkSize,
		EntryCount: len(entries),
		Entries:    make([]Entry, len(entries)),
	}
	copy(m.Entries, entries)

	for i := range m.Entries {
		m.Entries[i].ChunkCount = ChunkCount(m.Entries[i].Size, chunkSize)
		m.TotalSize += m.Entries[i].Size
		m.TotalChunks += m.Entries[i].ChunkCount
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the structural invariants of a manifest
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is required")
	}
	if m.Kind != KindSingleFile && m.Kind != KindCollection {
		return fmt.Errorf("invalid manifest kind: %q", m.Kind)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", m.ChunkSize)
	}
	if m.EntryCount != len(m.Entries) {
		return fmt.Errorf("entry_count %d does not match %d entries", m.EntryCount, len(m.Entries))
	}
	if m.Kind == KindSingleFile && len(m.Entries) != 1 {
		return fmt.Errorf("single-file manifest must have exactly one entry, got %d", len(m.Entries))
	}

	var totalSize int64
	var totalChunks int
	for i, e := range m.Entries {
		if e.RelativePath == "" {
			return fmt.Errorf("entry %d: relative_path is required", i)
		}
		if e.Size < 0 {
			return fmt.Errorf("entry %d: negative size", i)
		}
		if want := ChunkCount(e.Size, m.ChunkSize); e.ChunkCount != want {
			return fmt.Errorf("entry %d: chunk_count %d, expected %d", i, e.ChunkCount, want)
		}
		if len(e.ChunkHashes) != 0 && len(e.ChunkHashes) != e.ChunkCount {
			return fmt.Errorf("entry %d: %d chunk hashes for %d chunks", i, len(e.ChunkHashes), e.ChunkCount)
		}
		totalSize += e.Size
		totalChunks += e.ChunkCount
	}

	if totalSize != m.TotalSize {
		return fmt.Errorf("total_size %d does not match entries (%d)", m.TotalSize, totalSize)
	}
	if totalChunks != m.TotalChunks {
		return fmt.Errorf("total_chunks %d does not match entries (%d)", m.TotalChunks, totalChunks)
	}
	return nil
}

// Equal reports whether two manifests describe the same transfer
func (m *Manifest) Equal(o *Manifest) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Kind != o.Kind || m.Name != o.Name || m.TotalSize != o.TotalSize ||
		m.EntryCount != o.EntryCount || m.ChunkSize != o.ChunkSize ||
		m.TotalChunks != o.TotalChunks || len(m.Entries) != len(o.Entries) {
		return false
	}
	for i := range m.Entries {
		a, b := m.Entries[i], o.Entries[i]
		if a.Name != b.Name || a.RelativePath != b.RelativePath || a.Size != b.Size ||
			a.ChunkCount != b.ChunkCount || a.Hash != b.Hash || !slices.Equal(a.ChunkHashes, b.ChunkHashes) {
			return false
		}
	}
	return true
}

// ChunkHash returns the recorded hash of a global chunk, or "" if the
// manifest carries no per-chunk hashes for it
func (m *Manifest) ChunkHash(ix *Index, global int) string {
	entry, local, err := ix.Locate(global)
	if err != nil {
		return ""
	}
	hashes := m.Entries[entry].ChunkHashes
	if local >= len(hashes) {
		return ""
	}
	return hashes[local]
}

// Checksum returns the hex SHA-256 of data
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
