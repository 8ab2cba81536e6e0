package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/huangang/featurehub/internal/lock"
	"github.com/huangang/featurehub/pkg/logger"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "*/15 * * * *"
	sweepLockName   = "sweep"
	sweepLockKey    = "all"
)

// ErrSweepRunning is returned when another instance holds the sweep lease.
var ErrSweepRunning = errors.New("a reconciliation sweep is already running")

// Scheduler runs ReconcileAll on a cron schedule. The sweep lease keeps a
// multi-instance deployment to one sweep at a time; manual runs take the same
// lease.
type Scheduler struct {
	orchestrator  *Orchestrator
	locker        lock.Locker
	schedule      string
	sweepTTL      time.Duration
	cronScheduler *cron.Cron
	entryID       cron.EntryID
}

func NewScheduler(orchestrator *Orchestrator, locker lock.Locker, schedule string, sweepTTL time.Duration) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if sweepTTL <= 0 {
		sweepTTL = 30 * time.Minute
	}
	return &Scheduler{
		orchestrator: orchestrator,
		locker:       locker,
		schedule:     schedule,
		sweepTTL:     sweepTTL,
	}
}

func (s *Scheduler) Start() error {
	s.cronScheduler = cron.New()
	entryID, err := s.cronScheduler.AddFunc(s.schedule, func() {
		if _, err := s.RunSweep(context.Background()); err != nil && !errors.Is(err, ErrSweepRunning) {
			logger.Error().Err(err).Msg("[Sync] Scheduled sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.entryID = entryID
	s.cronScheduler.Start()
	logger.Infof("[Sync] Scheduler started (cron: %s)", s.schedule)
	return nil
}

func (s *Scheduler) Stop() {
	if s.cronScheduler != nil {
		<-s.cronScheduler.Stop().Done()
	}
}

// RunSweep runs one sweep under the sweep lease.
func (s *Scheduler) RunSweep(ctx context.Context) (*Summary, error) {
	rel, err := s.locker.Acquire(ctx, sweepLockName, sweepLockKey, s.sweepTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		logger.Info().Msg("[Sync] Sweep skipped, another instance is running one")
		return nil, ErrSweepRunning
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rel(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("[Sync] Failed to release sweep lease")
		}
	}()
	return s.orchestrator.ReconcileAll(ctx)
}
