package engine

import (
	"context"
	"fmt"

	"github.com/lyzr/sendanywhere/common/manifest"
	"github.com/lyzr/sendanywhere/common/retry"
)

// uploadToRelay pushes every chunk of src to the relay in index order,
// skipping the chunks the relay already holds
func (e *Engine) uploadToRelay(ctx context.Context, transferID string, src *manifest.Source, progress func(done, total int)) error {
	total := src.Index.Total()

	// Resume: the relay tells us what already arrived
	have := make(map[int]bool)
	status, err := e.deps.Relay.Status(ctx, transferID)
	if err != nil {
		return fmt.Errorf("relay status: %w", err)
	}
	for _, i := range status.AvailableChunks {
		have[i] = true
	}
	done := len(have)
	if done > 0 {
		e.log.Info("resuming relay upload", "transfer_id", transferID, "uploaded", done, "total", total)
	}

	policy := e.cfg.chunkRetry()
	for index := 0; index < total; index++ {
		if have[index] {
			continue
		}
		data, err := src.ReadChunk(index)
		if err != nil {
			return err
		}

		err = retry.Do(ctx, policy, func(ctx context.Context) error {
			_, err := e.deps.Relay.PutChunk(ctx, transferID, index, data)
			return err
		})
		if err != nil {
			return fmt.Errorf("upload chunk %d: %w", index, err)
		}

		done++
		progress(done, total)
	}
	return nil
}
