package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chatcall-backend/pkg/constants"
)

// Sweeper periodically expires calls nobody answered within the ring timeout
type Sweeper struct {
	service  *Service
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper creates a sweeper for service
func NewSweeper(service *Service, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = constants.CallSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{service: service, interval: interval, log: log}
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Call timeout sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("ring_timeout", s.service.RingTimeout()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, constants.DefaultTimeout)
			if _, err := s.service.ExpireStale(sweepCtx); err != nil {
				s.log.Warn("Call sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}
