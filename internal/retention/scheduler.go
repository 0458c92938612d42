package retention

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/lock"
)

// LockKey guards the sweep across worker nodes.
const LockKey = "retention-sweep"

// Scheduler runs the sweep on a cron schedule, on at most one node at a time.
type Scheduler struct {
	sweeper *Sweeper
	locker  lock.Locker
	ttl     time.Duration
	cron    *cron.Cron
	log     *zap.Logger
}

// NewScheduler parses spec (standard five-field cron) and returns a stopped
// Scheduler.
func NewScheduler(spec string, ttl time.Duration, sweeper *Sweeper, locker lock.Locker) (*Scheduler, error) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &Scheduler{
		sweeper: sweeper,
		locker:  locker,
		ttl:     ttl,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		log:     zap.L().With(zap.String("component", "retention")),
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, eris.Wrapf(err, "retention: parse schedule %q", spec)
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is done. A sweep in flight
// is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("retention scheduler started", zap.Time("next", s.Next()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Next returns the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().UTC())
}

// RunOnce sweeps if the lock is free. It returns false when another node
// holds the lock or the lock backend failed.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, bool) {
	lease, err := s.locker.TryLock(ctx, LockKey, s.ttl)
	if errors.Is(err, lock.ErrNotObtained) {
		s.log.Info("retention sweep skipped, lock held elsewhere")
		return Summary{}, false
	}
	if err != nil {
		s.log.Error("retention lock failed", zap.Error(err))
		return Summary{}, false
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			s.log.Warn("retention lock release failed", zap.Error(err))
		}
	}()

	return s.sweeper.Run(ctx), true
}
