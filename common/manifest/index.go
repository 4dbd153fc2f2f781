package manifest

import (
	"fmt"
	"sort"
)

// Index translates global chunk indices to (entry, local chunk) pairs using a
// prefix-sum table built once per manifest.
type Index struct {
	m       *Manifest
	offsets []int // offsets[i] = first global index of entry i; offsets[n] = total
}

// NewIndex builds the prefix-sum table for m
func NewIndex(m *Manifest) *Index {
	offsets := make([]int, len(m.Entries)+1)
	for i, e := range m.Entries {
		offsets[i+1] = offsets[i] + e.ChunkCount
	}
	return &Index{m: m, offsets: offsets}
}

// Total returns the number of global chunks
func (ix *Index) Total() int {
	return ix.offsets[len(ix.offsets)-1]
}

// Locate maps a global chunk index to its entry and entry-local chunk
func (ix *Index) Locate(global int) (entry, local int, err error) {
	if global < 0 || global >= ix.Total() {
		return 0, 0, fmt.Errorf("chunk index %d out of range [0,%d)", global, ix.Total())
	}
	n := len(ix.m.Entries)
	entry = sort.Search(n, func(i int) bool { return ix.offsets[i+1] > global })
	return entry, global - ix.offsets[entry], nil
}

// Global maps an entry-local chunk back to its global index
func (ix *Index) Global(entry, local int) (int, error) {
	if entry < 0 || entry >= len(ix.m.Entries) {
		return 0, fmt.Errorf("entry %d out of range", entry)
	}
	if local < 0 || local >= ix.m.Entries[entry].ChunkCount {
		return 0, fmt.Errorf("chunk %d out of range for entry %d", local, entry)
	}
	return ix.offsets[entry] + local, nil
}

// EntryRange returns the first global index of an entry and its chunk count
func (ix *Index) EntryRange(entry int) (first, count int) {
	return ix.offsets[entry], ix.offsets[entry+1] - ix.offsets[entry]
}

// Span returns the entry, byte offset within the entry, and byte length of a
// global chunk. Only the last chunk of an entry may be short.
func (ix *Index) Span(global int) (entry int, offset, length int64, err error) {
	entry, local, err := ix.Locate(global)
	if err != nil {
		return 0, 0, 0, err
	}
	offset = int64(local) * ix.m.ChunkSize
	length = ix.m.ChunkSize
	if rest := ix.m.Entries[entry].Size - offset; rest < length {
		length = rest
	}
	return entry, offset, length, nil
}
