package drivers

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ThrottledStaging limits the bytes per second written through a staging store.
type ThrottledStaging struct {
	StagingStore
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewThrottledStaging wraps a store with bandwidth throttling. A
// non-positive rate disables the limit.
func NewThrottledStaging(backend StagingStore, bytesPerSecond int, logger *zap.Logger) *ThrottledStaging {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if bytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	return &ThrottledStaging{
		StagingStore: backend,
		limiter:      limiter,
		logger:       logger,
	}
}

// WriteBlocks waits for bandwidth for every block before writing the set.
func (t *ThrottledStaging) WriteBlocks(ctx context.Context, stagingID, ref string, blocks []Block) (int64, error) {
	for _, b := range blocks {
		if err := t.wait(ctx, len(b.Data)); err != nil {
			return 0, err
		}
	}
	return t.StagingStore.WriteBlocks(ctx, stagingID, ref, blocks)
}

// wait reserves n bytes in burst-sized pieces.
func (t *ThrottledStaging) wait(ctx context.Context, n int) error {
	if t.limiter.Limit() == rate.Inf {
		return ctx.Err()
	}
	burst := t.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
