package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically evicts streams whose source has ended or that have
// had no receivers for longer than the idle TTL. Eviction does not
// broadcast; receiver setup independently tolerates a missing stream.
type Reaper struct {
	registry *Registry
	interval time.Duration
	idleTTL  time.Duration
	logger   *zap.SugaredLogger
}

func NewReaper(registry *Registry, interval, idleTTL time.Duration, logger *zap.SugaredLogger) *Reaper {
	return &Reaper{
		registry: registry,
		interval: interval,
		idleTTL:  idleTTL,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := r.registry.SweepStale(now, r.idleTTL)
			for _, id := range removed {
				r.logger.Infow("reaped stale stream", "stream_id", id)
			}
		}
	}
}
