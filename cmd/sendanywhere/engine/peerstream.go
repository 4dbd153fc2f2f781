package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/manifest"
)

// streamToPeer sends the manifest, waits for the receiver's ack, then
// streams every entry chunk by chunk and finishes with a complete frame
func (e *Engine) streamToPeer(ctx context.Context, ch PeerChannel, src *manifest.Source, ack <-chan struct{}, progress func(done, total int)) error {
	// 1. Manifest first so the receiver can check it against the pairing
	if err := sendFrame(ctx, ch, Frame{Type: FrameManifest, Manifest: src.Manifest}); err != nil {
		return apperr.Wrap(apperr.CodePeerDisconnected, err, "send manifest")
	}

	// 2. No bytes until the receiver is ready for them
	timer := time.NewTimer(e.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-ack:
	case <-timer.C:
		return apperr.New(apperr.CodeNegotiationTimeout, "receiver did not acknowledge within %s", e.cfg.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	// 3. Entries in manifest order
	total := src.Index.Total()
	sent := 0
	for entry := range src.Manifest.Entries {
		if err := sendFrame(ctx, ch, Frame{Type: FrameEntryStart, Entry: entry}); err != nil {
			return apperr.Wrap(apperr.CodePeerDisconnected, err, "entry %d", entry)
		}

		first, count := src.Index.EntryRange(entry)
		for index := first; index < first+count; index++ {
			data, err := src.ReadChunk(index)
			if err != nil {
				return err
			}
			for off := 0; off < len(data); off += MaxFramePiece {
				end := min(off+MaxFramePiece, len(data))
				if err := sendFrame(ctx, ch, Frame{Type: FrameData, Data: data[off:end]}); err != nil {
					return apperr.Wrap(apperr.CodePeerDisconnected, err, "chunk %d", index)
				}
			}
			end := ChunkEnd{Index: index, Size: len(data), Hash: manifest.Checksum(data)}
			if err := sendFrame(ctx, ch, Frame{Type: FrameChunkEnd, Chunk: end}); err != nil {
				return apperr.Wrap(apperr.CodePeerDisconnected, err, "chunk %d", index)
			}
			sent++
			progress(sent, total)
		}

		if err := sendFrame(ctx, ch, Frame{Type: FrameEntryEnd, Entry: entry}); err != nil {
			return apperr.Wrap(apperr.CodePeerDisconnected, err, "entry %d", entry)
		}
	}

	// 4. Completion marker
	if err := sendFrame(ctx, ch, Frame{Type: FrameComplete}); err != nil {
		return apperr.Wrap(apperr.CodePeerDisconnected, err, "send complete")
	}
	return nil
}

// receiveFromPeer reads the sender's frames into set. ack is called once the
// manifest has been checked.
func (e *Engine) receiveFromPeer(ctx context.Context, ch PeerChannel, set *chunkSet, ack func() error) error {
	recv := func() (Frame, error) {
		f, err := recvFrame(ctx, ch)
		if err != nil && ctx.Err() == nil {
			return Frame{}, apperr.Wrap(apperr.CodePeerDisconnected, err, "peer stream")
		}
		return f, err
	}

	f, err := recv()
	if err != nil {
		return err
	}
	if f.Type != FrameManifest {
		return apperr.New(apperr.CodeIntegrityMismatch, "expected manifest frame, got %s", f.Type)
	}
	if !f.Manifest.Equal(set.manifest) {
		return apperr.New(apperr.CodeIntegrityMismatch, "peer manifest differs from the paired manifest")
	}
	if err := ack(); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}

	entry := -1
	buf := make([]byte, 0, set.manifest.ChunkSize)
	for {
		f, err := recv()
		if err != nil {
			return err
		}

		switch f.Type {
		case FrameEntryStart:
			if f.Entry < 0 || f.Entry >= len(set.manifest.Entries) {
				return apperr.New(apperr.CodeIntegrityMismatch, "entry_start for unknown entry %d", f.Entry)
			}
			entry = f.Entry
			buf = buf[:0]

		case FrameData:
			if entry < 0 {
				return apperr.New(apperr.CodeIntegrityMismatch, "data outside of an entry")
			}
			if int64(len(buf)+len(f.Data)) > set.manifest.ChunkSize {
				return apperr.New(apperr.CodeIntegrityMismatch, "chunk exceeds %d bytes", set.manifest.ChunkSize)
			}
			buf = append(buf, f.Data...)

		case FrameChunkEnd:
			c := f.Chunk
			owner, _, err := set.index.Locate(c.Index)
			if err != nil || owner != entry {
				return apperr.New(apperr.CodeIntegrityMismatch, "chunk %d does not belong to entry %d", c.Index, entry)
			}
			if len(buf) != c.Size || manifest.Checksum(buf) != c.Hash {
				return apperr.New(apperr.CodeIntegrityMismatch, "chunk %d does not match its chunk_end", c.Index)
			}
			if err := verifyChunk(set.manifest, set.index, c.Index, buf); err != nil {
				return err
			}
			if err := set.write(ctx, c.Index, buf); err != nil {
				return err
			}
			buf = buf[:0]

		case FrameEntryEnd:
			if f.Entry != entry || len(buf) != 0 {
				return apperr.New(apperr.CodeIntegrityMismatch, "unexpected entry_end for entry %d", f.Entry)
			}
			entry = -1

		case FrameComplete:
			if !set.complete() {
				return apperr.New(apperr.CodeIntegrityMismatch, "complete before all %d chunks arrived", set.total())
			}
			return nil

		default:
			return apperr.New(apperr.CodeIntegrityMismatch, "unexpected %s frame", f.Type)
		}
	}
}
