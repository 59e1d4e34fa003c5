package scheduler

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"jobservice/internal/domain"
)

const interruptedError = "delivery interrupted by restart"

// recover re-arms every persisted active job. Overdue jobs fire immediately,
// once. A job left EXECUTING by a crash counts as one failed attempt.
func (s *Scheduler) recover(ctx context.Context) error {
	jobs, err := s.repo.ListByStatus(ctx, domain.ActiveStatuses()...)
	if err != nil {
		return err
	}

	now := s.now()
	var armed, overdue, failed int
	for _, j := range jobs {
		if j.Status == domain.StatusExecuting {
			j.Retries++
			j.LastError = interruptedError
			to := domain.StatusRetry
			if j.Retries >= s.cfg.MaxRetries {
				to = domain.StatusError
			}
			j.NextFireTime = domain.TruncateInstant(now)
			if err := j.Transition(to); err != nil {
				return err
			}
			if err := s.repo.Update(ctx, j, domain.StatusExecuting); err != nil {
				log.Warn().Err(err).Str("job_id", j.ID).Msg("recover interrupted job")
				continue
			}
			s.publish(j, domain.StatusExecuting)
			if to.Terminal() {
				failed++
				continue
			}
		}
		if j.NextFireTime.Before(now) {
			overdue++
		}
		s.arm(j)
		armed++
	}

	log.Info().Int("armed", armed).Int("overdue", overdue).Int("failed", failed).Msg("recovered scheduled jobs")
	return nil
}

// Purge deletes terminal jobs whose last update is older than the retention window.
func (s *Scheduler) Purge(ctx context.Context) (int, error) {
	return s.repo.PurgeTerminal(ctx, s.now().Add(-s.cfg.Retention))
}

func (s *Scheduler) purgeTick() {
	n, err := s.Purge(s.ctx)
	if err != nil {
		log.Error().Err(err).Msg("purge terminal jobs")
		return
	}
	if n > 0 {
		log.Info().Int("purged", n).Dur("retention", s.cfg.Retention).Msg("purged terminal jobs")
	}
}

// ValidateCronExpression reports whether expr is usable as a purge schedule.
// It accepts five field expressions and descriptors such as "@every 1h".
func ValidateCronExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errors.Wrapf(err, "cron expression %q", expr)
	}
	return nil
}
