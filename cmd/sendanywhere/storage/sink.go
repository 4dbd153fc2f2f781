// Package storage holds the receiver's local persistence: a directory sink
// for transfer output and a sqlite journal of verified chunks.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lyzr/sendanywhere/cmd/sendanywhere/engine"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
)

const (
	stagingPrefix = ".partial-"
	manifestFile  = "manifest.json"
)

// DirSink writes a transfer under an output directory. Entries are staged
// in a hidden per-transfer directory and moved into place on Commit, so an
// interrupted receive leaves no half-written files next to real output and
// can pick up where it stopped.
type DirSink struct {
	root string
	log  *logger.Logger

	mu       sync.Mutex
	staging  string
	manifest *manifest.Manifest
	targets  []string
	files    map[int]*os.File
}

// NewDirSink creates a sink writing under root
func NewDirSink(root string, log *logger.Logger) *DirSink {
	return &DirSink{root: root, log: log, files: make(map[int]*os.File)}
}

// Prepare creates the staging area. Staged data is kept when it belongs to
// the same manifest, in which case resumed is true.
func (s *DirSink) Prepare(transferID string, m *manifest.Manifest) (bool, error) {
	if transferID == "" || !filepath.IsLocal(transferID) || strings.ContainsAny(transferID, `/\`) {
		return false, apperr.New(apperr.CodeInvalidArgument, "invalid transfer id %q", transferID)
	}

	targets := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		rel := filepath.FromSlash(e.RelativePath)
		if !filepath.IsLocal(rel) {
			return false, apperr.New(apperr.CodeInvalidArgument, "entry path %q escapes the output directory", e.RelativePath)
		}
		targets[i] = filepath.Join(s.root, rel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeFiles()
	s.staging = filepath.Join(s.root, stagingPrefix+transferID)
	s.manifest = m
	s.targets = targets

	resumed, err := s.checkStaged(m)
	if err != nil {
		return false, err
	}
	if !resumed {
		if err := os.RemoveAll(s.staging); err != nil {
			return false, fmt.Errorf("failed to clear staging: %w", err)
		}
	}
	if err := os.MkdirAll(s.staging, 0o755); err != nil {
		return false, fmt.Errorf("failed to create staging: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.staging, manifestFile), data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write manifest: %w", err)
	}

	for i, e := range m.Entries {
		f, err := os.OpenFile(s.stagedPath(i), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return false, fmt.Errorf("failed to create %s: %w", e.RelativePath, err)
		}
		err = f.Truncate(e.Size)
		f.Close()
		if err != nil {
			return false, fmt.Errorf("failed to size %s: %w", e.RelativePath, err)
		}
	}

	s.log.Debug("sink prepared", "staging", s.staging, "resumed", resumed)
	return resumed, nil
}

// checkStaged reports whether the staging area holds data for m
func (s *DirSink) checkStaged(m *manifest.Manifest) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.staging, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read staged manifest: %w", err)
	}

	var staged manifest.Manifest
	if err := json.Unmarshal(data, &staged); err != nil {
		return false, nil
	}
	return staged.Equal(m), nil
}

func (s *DirSink) stagedPath(entry int) string {
	return filepath.Join(s.staging, fmt.Sprintf("entry-%d", entry))
}

// WriteChunk writes data at offset within an entry
func (s *DirSink) WriteChunk(entry int, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manifest == nil {
		return fmt.Errorf("sink not prepared")
	}
	if entry < 0 || entry >= len(s.targets) {
		return apperr.New(apperr.CodeChunkIndexOutOfRange, "entry %d out of range", entry)
	}
	if offset < 0 || offset+int64(len(data)) > s.manifest.Entries[entry].Size {
		return apperr.New(apperr.CodeChunkIndexOutOfRange, "write [%d,%d) past the end of entry %d", offset, offset+int64(len(data)), entry)
	}

	f, ok := s.files[entry]
	if !ok {
		var err error
		f, err = os.OpenFile(s.stagedPath(entry), os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open staged entry %d: %w", entry, err)
		}
		s.files[entry] = f
	}

	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write entry %d: %w", entry, err)
	}
	return nil
}

// FinishEntry flushes and closes an entry whose chunks are all written
func (s *DirSink) FinishEntry(entry int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[entry]
	if !ok {
		return nil
	}
	delete(s.files, entry)

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync entry %d: %w", entry, err)
	}
	return f.Close()
}

// Commit moves every staged entry to its final path and removes staging
func (s *DirSink) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manifest == nil {
		return fmt.Errorf("sink not prepared")
	}
	s.closeFiles()

	for i, target := range s.targets {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		if err := os.Rename(s.stagedPath(i), target); err != nil {
			return fmt.Errorf("failed to place %s: %w", s.manifest.Entries[i].RelativePath, err)
		}
	}

	if err := os.RemoveAll(s.staging); err != nil {
		s.log.Warn("failed to remove staging", "staging", s.staging, "error", err)
	}
	s.log.Info("transfer written", "dir", s.root, "entries", len(s.targets))
	s.manifest = nil
	return nil
}

// Abort discards the staged data
func (s *DirSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeFiles()
	if s.staging == "" {
		return nil
	}
	if err := os.RemoveAll(s.staging); err != nil {
		return fmt.Errorf("failed to remove staging: %w", err)
	}
	s.manifest = nil
	return nil
}

// Close releases open handles and keeps staged data for a later resume
func (s *DirSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFiles()
	return nil
}

func (s *DirSink) closeFiles() {
	for i, f := range s.files {
		f.Close()
		delete(s.files, i)
	}
}

var _ engine.Sink = (*DirSink)(nil)
