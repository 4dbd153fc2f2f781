package manifest

import (
	"fmt"
	"io"
	"os"
)

// Source serves chunk bytes for a manifest built from local files
type Source struct {
	Manifest *Manifest
	Index    *Index
	files    []string
}

// NewSource binds a manifest to the local files backing its entries
func NewSource(m *Manifest, files []string) (*Source, error) {
	if len(files) != len(m.Entries) {
		return nil, fmt.Errorf("%d files for %d entries", len(files), len(m.Entries))
	}
	return &Source{Manifest: m, Index: NewIndex(m), files: files}, nil
}

// ReadChunk returns the bytes of a global chunk
func (s *Source) ReadChunk(global int) ([]byte, error) {
	entry, offset, length, err := s.Index.Span(global)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.files[entry])
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.files[entry], err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, length), buf); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", global, err)
	}
	return buf, nil
}

// Path returns the local file backing an entry
func (s *Source) Path(entry int) string {
	return s.files[entry]
}
