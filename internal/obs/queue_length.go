// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/mediaqueue/orchestrator/internal/config"
	"go.uber.org/zap"
)

// GaugeSample is one named measurement a caller wants refreshed on a
// timer, e.g. scheduler claimable-job count or active subscriber count.
// The store and redis clients that produce these numbers live outside
// this package; obs only owns the ticking and the gauge plumbing.
type GaugeSample struct {
	Name string
	Func func(ctx context.Context) (float64, error)
	Set  func(v float64)
}

// StartGaugeSampler polls each sample on cfg.Observability.QueueSampleInterval
// and writes the result into its gauge, logging and skipping a sample on
// error rather than stalling the others.
func StartGaugeSampler(ctx context.Context, cfg *config.Config, log *zap.Logger, samples []GaugeSample) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range samples {
					v, err := s.Func(ctx)
					if err != nil {
						log.Debug("gauge sample error", String("gauge", s.Name), Err(err))
						continue
					}
					s.Set(v)
				}
			}
		}
	}()
}
