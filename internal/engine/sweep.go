package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sweep removes every job past its expiry and asks the artifact store to
// delete what was produced for it.
func (e *Engine) Sweep(ctx context.Context) ([]uuid.UUID, error) {
	removed, err := e.opts.Store.SweepExpired(ctx, e.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("sweeping expired jobs: %w", err)
	}

	for _, id := range removed {
		e.signal(id)
		if e.opts.Artifacts == nil {
			continue
		}
		if err := e.opts.Artifacts.Delete(ctx, id); err != nil {
			e.logger.Warn("failed to delete artifacts", "job_id", id, "error", err)
		}
	}

	if len(removed) > 0 {
		e.logger.Info("expired jobs removed", "count", len(removed))
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}
