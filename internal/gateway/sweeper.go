package gateway

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"conductor/internal/logging"
	"conductor/internal/queue"
)

// sweepTimeout bounds one recovery pass.
const sweepTimeout = 30 * time.Second

// Sweeper periodically reclaims expired leases so abandoned tasks requeue
// even when no worker is polling.
type Sweeper struct {
	repo    *queue.Repository
	logger  logging.Logger
	metrics *Metrics
	cron    *cron.Cron
}

// NewSweeper builds a sweeper on a minute schedule.
func NewSweeper(repo *queue.Repository, logger logging.Logger, metrics *Metrics) *Sweeper {
	s := &Sweeper{
		repo:    repo,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		cron:    cron.New(),
	}
	_, _ = s.cron.AddFunc("@every 1m", s.sweep)
	return s
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := s.repo.RecoverExpiredLeases(ctx)
	if err != nil {
		s.logger.Warn("lease sweep: %v", err)
		return
	}
	if n > 0 {
		s.metrics.ExpiredLeases.Add(float64(n))
		s.logger.Info("lease sweep reclaimed %d task(s)", n)
	}
}
