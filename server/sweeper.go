package server

import (
	"context"
	"time"

	"github.com/fjellauth/oidcbroker/storage"
)

// StartSweeper runs periodic expired-row deletion against the store until
// the context is cancelled. No-op when the backend does not implement
// storage.Sweeper (backends with native TTL expiry don't need one).
func (s *Service) StartSweeper(ctx context.Context) {
	sweeper, ok := s.store.(storage.Sweeper)
	if !ok {
		s.Logger.Debug("Storage backend has no sweeper; relying on native expiry")
		return
	}

	go func() {
		ticker := time.NewTicker(s.Config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx, sweeper)
			}
		}
	}()
}

func (s *Service) sweepOnce(ctx context.Context, sweeper storage.Sweeper) {
	// Batches are bounded; a backlog larger than one batch drains across
	// consecutive ticks rather than in one long-running pass.
	deleted, err := sweeper.SweepExpired(ctx, time.Now(), s.Config.SweepBatchSize)
	if err != nil {
		s.Logger.Error("Sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.Logger.Debug("Swept expired rows", "deleted", deleted)
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordStorageOperation(ctx, "sweep", "success", 0)
		}
	}
}
