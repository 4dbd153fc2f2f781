package engine

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/retry"
)

type fetchFunc func(ctx context.Context, index int) ([]byte, error)

type applyFunc func(ctx context.Context, index int, data []byte) error

type pendingChunk struct {
	index int
	data  chan []byte
}

// downloadOrdered fetches indices with at most parallel requests in flight
// and hands the results to apply strictly in the order of indices. The first
// error cancels every outstanding fetch.
func downloadOrdered(ctx context.Context, indices []int, parallel int, fetch fetchFunc, apply applyFunc) error {
	if parallel < 1 {
		parallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)

	// A slot is queued for every launched fetch and released once applied,
	// so the queue depth bounds both requests and buffered chunks.
	window := make(chan pendingChunk, parallel-1)

	g.Go(func() error {
		defer close(window)
		for _, index := range indices {
			slot := pendingChunk{index: index, data: make(chan []byte, 1)}
			select {
			case window <- slot:
			case <-gctx.Done():
				return gctx.Err()
			}
			g.Go(func() error {
				data, err := fetch(gctx, slot.index)
				if err != nil {
					return err
				}
				slot.data <- data
				return nil
			})
		}
		return nil
	})

	g.Go(func() error {
		for slot := range window {
			select {
			case data := <-slot.data:
				if err := apply(gctx, slot.index, data); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}

// verifyChunk checks a chunk's length against the manifest and its hash
// against the manifest's chunk hash when one is recorded
func verifyChunk(m *manifest.Manifest, ix *manifest.Index, index int, data []byte) error {
	_, _, length, err := ix.Span(index)
	if err != nil {
		return apperr.Wrap(apperr.CodeChunkIndexOutOfRange, err, "chunk %d", index)
	}
	if int64(len(data)) != length {
		return apperr.New(apperr.CodeIntegrityMismatch, "chunk %d: expected %d bytes, got %d", index, length, len(data))
	}
	if want := m.ChunkHash(ix, index); want != "" {
		if got := manifest.Checksum(data); got != want {
			return apperr.New(apperr.CodeIntegrityMismatch, "chunk %d: expected hash %s, got %s", index, want, got)
		}
	}
	return nil
}

// relayFetcher downloads chunks from the relay. A chunk that stays not ready
// through a full retry round is waited on only while the sender keeps
// uploading; once uploads stall it is reported unavailable.
type relayFetcher struct {
	relay      Relay
	transferID string
	manifest   *manifest.Manifest
	index      *manifest.Index
	policy     retry.Policy
}

func (f *relayFetcher) fetch(ctx context.Context, index int) ([]byte, error) {
	baseline := -1
	for {
		var data []byte
		err := retry.Do(ctx, f.policy, func(ctx context.Context) error {
			d, _, err := f.relay.GetChunk(ctx, f.transferID, index)
			if err != nil {
				return err
			}
			if err := verifyChunk(f.manifest, f.index, index, d); err != nil {
				return err
			}
			data = d
			return nil
		})
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, apperr.ErrChunkNotReady) {
			return nil, err
		}

		status, serr := f.relay.Status(ctx, f.transferID)
		if serr != nil {
			return nil, apperr.Wrap(apperr.CodeChunkUnavailable, err, "chunk %d", index)
		}
		if slices.Contains(status.AvailableChunks, index) {
			continue
		}
		if baseline >= 0 && status.UploadedChunks <= baseline {
			return nil, apperr.Wrap(apperr.CodeChunkUnavailable, err, "chunk %d: sender stopped uploading at %d/%d", index, status.UploadedChunks, status.TotalChunks)
		}
		baseline = status.UploadedChunks
	}
}

// directFetcher downloads chunks from a sender on the local network
type directFetcher struct {
	source   ChunkFetcher
	manifest *manifest.Manifest
	index    *manifest.Index
	policy   retry.Policy
}

func (f *directFetcher) fetch(ctx context.Context, index int) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, f.policy, func(ctx context.Context) error {
		d, err := f.source.FetchChunk(ctx, index)
		if err != nil {
			return err
		}
		if err := verifyChunk(f.manifest, f.index, index, d); err != nil {
			return err
		}
		data = d
		return nil
	})
	return data, err
}
