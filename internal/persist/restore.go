package persist

import (
	"context"
	"fmt"

	"github.com/visus/twinsync/internal/protocol"
	"go.uber.org/zap"
)

// Replayer streams journal rows for a scene. *JournalRepo implements it.
type Replayer interface {
	Replay(ctx context.Context, digest string, fn func(Entry) error) (int, error)
}

// Restore decodes every journaled payload for digest and hands it to merge,
// oldest first. Rows that no longer decode are skipped with a warning.
// It returns the number of payloads merged.
func Restore(ctx context.Context, src Replayer, digest string, merge func(protocol.Payload) int, log *zap.Logger) (int, error) {
	merged := 0
	_, err := src.Replay(ctx, digest, func(e Entry) error {
		p, ferrs, err := protocol.Decode(e.Payload)
		if err != nil {
			log.Warn("journal row skipped", zap.Int64("row", e.ID), zap.Error(err))
			return nil
		}
		if len(ferrs) > 0 {
			log.Debug("journal row has dropped fields", zap.Int64("row", e.ID), zap.Int("fields", len(ferrs)))
		}
		merge(p)
		merged++
		return ctx.Err()
	})
	if err != nil {
		return merged, fmt.Errorf("restore targets: %w", err)
	}
	return merged, nil
}
