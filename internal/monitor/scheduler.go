package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/lock"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

// Scheduler runs background jobs on cron specs. A job is skipped while its
// previous run is still going, and each run holds a named lock so only one
// replica executes it.
type Scheduler struct {
	cron    *cron.Cron
	locker  lock.Locker
	lockTTL time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(locker lock.Locker, lockTTL time.Duration) *Scheduler {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		locker:  locker,
		lockTTL: lockTTL,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job under name. spec accepts the standard five-field format
// and descriptors such as "@every 2m".
func (s *Scheduler) Add(spec, name string, job func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() { s.Run(s.ctx, name, job) })
	return err
}

// Run executes job once under its lock. It reports whether the job ran.
func (s *Scheduler) Run(ctx context.Context, name string, job func(ctx context.Context) error) bool {
	release, err := s.locker.Acquire(ctx, "job:"+name, s.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		telemetry.Logger.Debug("Job running elsewhere, skipping", zap.String("job", name))
		telemetry.MonitorRuns.WithLabelValues(name, "skipped").Inc()
		return false
	}
	if err != nil {
		telemetry.Logger.Error("Failed to acquire job lock", zap.String("job", name), zap.Error(err))
		return false
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	start := time.Now()
	if err := job(runCtx); err != nil {
		telemetry.Logger.Error("Job failed",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return true
	}
	telemetry.Logger.Debug("Job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	return true
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new runs, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	telemetry.Logger.Sugar().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	telemetry.Logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
