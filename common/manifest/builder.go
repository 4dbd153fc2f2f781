package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// BuildOptions controls how local paths are flattened into a manifest
type BuildOptions struct {
	ChunkSize int64
	Filter    *Filter
	// SkipHashes leaves Hash and ChunkHashes empty (size checks only)
	SkipHashes bool
}

// Build walks paths in lexical order and returns a Source ready to serve
// chunks. A single regular file produces a single-file manifest; anything
// else is a collection whose relative paths start with each root's base name.
func Build(paths []string, opts BuildOptions) (*Source, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one path is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	kind := KindCollection
	name := filepath.Base(filepath.Clean(paths[0]))
	if len(paths) > 1 {
		name = fmt.Sprintf("%s+%d", name, len(paths)-1)
	}
	if len(paths) == 1 {
		info, err := os.Stat(paths[0])
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", paths[0], err)
		}
		if info.Mode().IsRegular() {
			kind = KindSingleFile
		}
	}

	var entries []Entry
	var files []string

	for _, root := range paths {
		root = filepath.Clean(root)
		parent := filepath.Dir(root)

		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			rel, err := filepath.Rel(parent, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			ok, err := opts.Filter.Include(d.Name(), rel, info.Size())
			if err != nil {
				return fmt.Errorf("filter %s: %w", rel, err)
			}
			if !ok {
				return nil
			}

			entry := Entry{
				Name:         d.Name(),
				RelativePath: rel,
				Size:         info.Size(),
			}
			if !opts.SkipHashes {
				entry.Hash, entry.ChunkHashes, err = hashFile(p, opts.ChunkSize)
				if err != nil {
					return err
				}
			}

			entries = append(entries, entry)
			files = append(files, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	if kind == KindSingleFile && len(entries) != 1 {
		// filtered out
		return nil, fmt.Errorf("no files selected from %s", paths[0])
	}

	m, err := New(kind, name, opts.ChunkSize, entries)
	if err != nil {
		return nil, err
	}

	return NewSource(m, files)
}

// hashFile returns the whole-file hash and one hash per chunk
func hashFile(path string, chunkSize int64) (string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	whole := sha256.New()
	buf := make([]byte, chunkSize)
	var chunks []string

	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			whole.Write(buf[:n])
			chunks = append(chunks, Checksum(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	return hex.EncodeToString(whole.Sum(nil)), chunks, nil
}
