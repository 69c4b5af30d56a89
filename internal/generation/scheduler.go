package generation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fusiongen/internal/domain"
	"fusiongen/internal/metrics"
	"fusiongen/internal/ratelimit"
)

// RunFunc runs one credential to completion.
type RunFunc func(ctx context.Context, cred domain.Credential) error

// SchedulerOptions configures admission control.
type SchedulerOptions struct {
	// Ceiling is the maximum number of credentials running at once.
	Ceiling int
	// Pacing keeps a finished worker's slot occupied a little longer so a
	// freed slot is not refilled in a burst.
	Pacing  time.Duration
	Clock   ratelimit.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// Summary counts how the admitted workers ended.
type Summary struct {
	Admitted      int
	Completed     int
	StartupFailed int
	Failed        int
	NotAdmitted   int
}

// Scheduler admits workers in credential order, never more than Ceiling at a
// time.
type Scheduler struct {
	ceiling int
	pacing  time.Duration
	clock   ratelimit.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	ceiling := opts.Ceiling
	if ceiling <= 0 {
		ceiling = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = ratelimit.SystemClock
	}
	return &Scheduler{
		ceiling: ceiling,
		pacing:  opts.Pacing,
		clock:   clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Ceiling returns the admission limit.
func (s *Scheduler) Ceiling() int { return s.ceiling }

// Run blocks until every admitted worker has returned. One worker's error never
// stops its siblings. The returned error is non-nil only when ctx ended the run.
func (s *Scheduler) Run(ctx context.Context, creds []domain.Credential, run RunFunc) (Summary, error) {
	slots := semaphore.NewWeighted(int64(s.ceiling))
	var (
		g             errgroup.Group
		admitted      int
		completed     atomic.Int64
		startupFailed atomic.Int64
		failed        atomic.Int64
		admitErr      error
	)

	for _, cred := range creds {
		if err := slots.Acquire(ctx, 1); err != nil {
			admitErr = err
			break
		}
		admitted++
		s.metrics.WorkerAdmitted()
		cred := cred
		g.Go(func() error {
			defer slots.Release(1)
			defer s.metrics.WorkerReleased()

			err := run(ctx, cred)
			var startupErr *domain.FatalStartupError
			switch {
			case err == nil:
				completed.Add(1)
			case errors.As(err, &startupErr):
				startupFailed.Add(1)
			case ctx.Err() == nil:
				failed.Add(1)
				s.logger.Error().Err(err).Str("key", cred.Prefix()+"...").Msg("scheduler: worker stopped")
			}
			// a cancelled run skips pacing
			_ = s.clock.Sleep(ctx, s.pacing)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Admitted:      admitted,
		Completed:     int(completed.Load()),
		StartupFailed: int(startupFailed.Load()),
		Failed:        int(failed.Load()),
		NotAdmitted:   len(creds) - admitted,
	}
	if admitErr != nil {
		return summary, admitErr
	}
	return summary, ctx.Err()
}
