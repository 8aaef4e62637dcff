package supervisor

import (
	"context"
	"time"

	"buscart/internal/log"
	"buscart/internal/metrics"
)

// Expirer closes requests whose expiry has passed.
type Expirer interface {
	ExpireDue(ctx context.Context) ([]string, error)
}

// Supervisor runs the periodic expiry sweep.
type Supervisor struct {
	Engine   Expirer
	Interval time.Duration
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	l := log.FromContext(ctx, "supervisor")
	l.Info().Dur("interval", interval).Msg("lifecycle supervisor started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, _ = s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce performs exactly one expiry pass.
func (s *Supervisor) SweepOnce(ctx context.Context) ([]string, error) {
	l := log.FromContext(ctx, "supervisor")
	start := time.Now()
	expired, err := s.Engine.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return expired, err
		}
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		l.Warn().Err(err).Int("expired", len(expired)).Msg("expiry sweep failed")
		return expired, err
	}
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	if len(expired) > 0 {
		l.Info().Int("expired", len(expired)).Dur("took", time.Since(start)).Msg("expiry sweep finished")
	}
	return expired, nil
}
