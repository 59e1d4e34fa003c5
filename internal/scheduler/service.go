package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"jobservice/internal/backoff"
	"jobservice/internal/dispatch"
	"jobservice/internal/domain"
	"jobservice/internal/events"
	"jobservice/internal/store"
	"jobservice/internal/worker"
)

type Config struct {
	// MaxRetries is the number of failed attempts a single fire may use
	// before the job ends in ERROR.
	MaxRetries      int
	RetryBackoff    backoff.Strategy
	Workers         int
	DeliveryTimeout time.Duration
	// PurgeSchedule is a cron expression for deleting old terminal jobs. Empty disables purging.
	PurgeSchedule string
	Retention     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryBackoff:    backoff.New(time.Second, time.Minute),
		Workers:         8,
		DeliveryTimeout: 10 * time.Second,
		PurgeSchedule:   "@every 1h",
		Retention:       24 * time.Hour,
	}
}

// storeRetryDelay is how long a fire waits before trying again after the
// repository failed underneath it.
const storeRetryDelay = 500 * time.Millisecond

// Stats is a point in time view of scheduler activity.
type Stats struct {
	Armed     int
	Busy      int
	Workers   int
	Fired     int64
	Delivered int64
	Failed    int64
}

// flight tracks a delivery in progress so a cancel can wait for it.
type flight struct {
	done   chan struct{}
	cancel atomic.Bool
}

// Scheduler owns the timer queue and is the only writer of job status.
type Scheduler struct {
	repo       store.Repository
	dispatcher dispatch.Dispatcher
	bus        *events.Bus
	cfg        Config
	pool       *worker.Pool
	cron       *cron.Cron
	now        func() time.Time
	storeRetry time.Duration

	locks keyedMutex

	mu      sync.Mutex
	queue   timerQueue
	timers  map[string]*timer
	flights map[string]*flight
	seq     uint64
	started bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fired, delivered, failed atomic.Int64
}

func New(repo store.Repository, d dispatch.Dispatcher, bus *events.Bus, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repo:       repo,
		dispatcher: d,
		bus:        bus,
		cfg:        cfg,
		pool:       worker.NewPool(cfg.Workers),
		cron:       cron.New(),
		now:        time.Now,
		storeRetry: storeRetryDelay,
		timers:     make(map[string]*timer),
		flights:    make(map[string]*flight),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start re-arms persisted jobs, then runs the timer loop and maintenance.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		return err
	}

	if s.cfg.PurgeSchedule != "" && s.cfg.Retention > 0 {
		if _, err := s.cron.AddFunc(s.cfg.PurgeSchedule, s.purgeTick); err != nil {
			return errors.Wrapf(err, "purge schedule %q", s.cfg.PurgeSchedule)
		}
		s.cron.Start()
	}

	s.wg.Add(1)
	go s.run()

	log.Info().Int("workers", s.cfg.Workers).Int("max_retries", s.cfg.MaxRetries).
		Dur("delivery_timeout", s.cfg.DeliveryTimeout).Msg("scheduler started")
	return nil
}

// Stop halts the timer loop and maintenance, then waits for in-flight
// deliveries until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()
	<-s.cron.Stop().Done()
	err := s.pool.Stop(ctx)
	log.Info().Msg("scheduler stopped")
	return err
}

// Schedule validates and persists job as SCHEDULED and arms its timer.
// Scheduling an id that is still active returns the stored job unchanged; a
// terminal job with the same id is replaced.
func (s *Scheduler) Schedule(ctx context.Context, job domain.Job) (domain.Job, error) {
	job = job.Clone()
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}
	if job.ID == "" {
		job.ID = domain.NewJobID()
	}

	unlock := s.locks.Lock(job.ID)
	defer unlock()

	existing, err := s.repo.Get(ctx, job.ID)
	replace := false
	switch {
	case err == nil && !existing.Status.Terminal():
		log.Debug().Str("job_id", job.ID).Str("status", string(existing.Status)).Msg("job already scheduled")
		return existing, nil
	case err == nil:
		replace = true
	case !domain.IsNotFound(err):
		return domain.Job{}, err
	}

	first := domain.TruncateInstant(job.Schedule.FirstFire())
	job.Status = domain.StatusScheduled
	job.Retries = 0
	job.ExecutionCounter = 0
	job.LastError = ""
	job.ScheduledTime = first
	job.NextFireTime = first
	job.CreatedAt, job.UpdatedAt = time.Time{}, time.Time{}

	if replace {
		// Overwrite the finished record in place; it only matches while still terminal.
		err = s.repo.Update(ctx, job, domain.TerminalStatuses()...)
		if domain.IsNotFound(err) {
			replace = false
		} else if err != nil {
			return domain.Job{}, errors.Wrapf(err, "replace job %s", job.ID)
		}
	}
	if !replace {
		if err := s.repo.Create(ctx, job); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return s.repo.Get(ctx, job.ID)
			}
			return domain.Job{}, err
		}
	}
	stored, err := s.repo.Get(ctx, job.ID)
	if err != nil {
		return domain.Job{}, err
	}

	s.arm(stored)
	s.publish(stored, "")
	log.Info().Str("job_id", stored.ID).Str("correlation_id", stored.CorrelationID).
		Str("recipient", stored.Recipient.Type()).Time("fire_at", stored.NextFireTime).Msg("job scheduled")
	return stored, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.repo.Get(ctx, id)
}

func (s *Scheduler) ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.Job, error) {
	return s.repo.ListByCorrelationID(ctx, correlationID)
}

// Cancel moves a SCHEDULED or RETRY job to CANCELED and disarms it. Unknown
// and terminal jobs report domain.ErrNotFound. A job that is being delivered
// is canceled once the delivery finishes, unless that delivery ended it.
func (s *Scheduler) Cancel(ctx context.Context, id string) (domain.Job, error) {
	unlock := s.locks.Lock(id)
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		unlock()
		return domain.Job{}, err
	}

	if job.Status.Terminal() {
		unlock()
		return domain.Job{}, errors.Wrapf(domain.ErrNotFound, "job %s is %s", id, job.Status)
	}

	if job.Status == domain.StatusExecuting {
		fl := s.flight(id)
		unlock()
		if fl == nil {
			return domain.Job{}, errors.Wrapf(domain.ErrStatusConflict, "job %s is executing", id)
		}
		fl.cancel.Store(true)
		select {
		case <-fl.done:
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		}
		job, err := s.repo.Get(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		if job.Status == domain.StatusCanceled {
			return job, nil
		}
		// The completion missed the request; cancel the re-armed job directly.
		return s.Cancel(ctx, id)
	}
	defer unlock()

	if !job.Status.Cancelable() {
		return domain.Job{}, errors.Wrapf(domain.ErrStatusConflict, "job %s is %s", id, job.Status)
	}
	prev := job.Status
	if err := job.Transition(domain.StatusCanceled); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("cancel rejected")
		return domain.Job{}, err
	}
	if err := s.repo.Update(ctx, job, prev); err != nil {
		return domain.Job{}, err
	}
	s.disarm(id)
	s.publish(job, prev)
	log.Info().Str("job_id", id).Str("from", string(prev)).Msg("job canceled")
	return s.repo.Get(ctx, id)
}

// Stats reports timer and delivery counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	armed := len(s.timers)
	s.mu.Unlock()
	return Stats{
		Armed:     armed,
		Busy:      s.pool.Busy(),
		Workers:   s.pool.Size(),
		Fired:     s.fired.Load(),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *Scheduler) arm(j domain.Job) {
	s.mu.Lock()
	if t, ok := s.timers[j.ID]; ok {
		t.at = j.NextFireTime
		t.priority = j.Priority
		heap.Fix(&s.queue, t.index)
	} else {
		s.seq++
		t := &timer{jobID: j.ID, at: j.NextFireTime, priority: j.Priority, seq: s.seq}
		heap.Push(&s.queue, t)
		s.timers[j.ID] = t
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		heap.Remove(&s.queue, t.index)
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) flight(id string) *flight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flights[id]
}

// retryLater re-arms id after the repository failed while firing it.
func (s *Scheduler) retryLater(id string, priority int) {
	s.arm(domain.Job{ID: id, Priority: priority, NextFireTime: s.now().Add(s.storeRetry)})
}

// run pops due timers and hands them to the worker pool. A full pool blocks
// the loop, which delays later fires rather than dropping them.
func (s *Scheduler) run() {
	defer s.wg.Done()

	clock := time.NewTimer(time.Hour)
	defer clock.Stop()

	for {
		var due []string
		wait := time.Duration(-1)

		s.mu.Lock()
		now := s.now()
		for s.queue.Len() > 0 {
			t := s.queue[0]
			if t.at.After(now) {
				wait = t.at.Sub(now)
				break
			}
			heap.Pop(&s.queue)
			delete(s.timers, t.jobID)
			due = append(due, t.jobID)
		}
		s.mu.Unlock()

		for _, id := range due {
			id := id
			if err := s.pool.Submit(s.ctx, func(ctx context.Context) { s.fire(ctx, id) }); err != nil {
				log.Warn().Err(err).Str("job_id", id).Msg("fire not dispatched, job stays persisted")
				return
			}
		}
		if len(due) > 0 {
			continue
		}

		var tick <-chan time.Time
		if wait >= 0 {
			if !clock.Stop() {
				select {
				case <-clock.C:
				default:
				}
			}
			clock.Reset(wait)
			tick = clock.C
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-tick:
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, id string) {
	job, fl, ok := s.begin(ctx, id)
	if !ok {
		return
	}
	s.fired.Add(1)

	err := s.deliver(ctx, job)
	if err != nil {
		s.failed.Add(1)
	} else {
		s.delivered.Add(1)
	}
	s.complete(context.WithoutCancel(ctx), id, fl, err)
}

func (s *Scheduler) deliver(ctx context.Context, job domain.Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("dispatcher panic: %v", r)
		}
	}()
	return s.dispatcher.Deliver(ctx, job.Recipient)
}

// begin moves a due job to EXECUTING. The status check and the transition
// share the job's lock, so a job canceled after its timer popped is skipped.
func (s *Scheduler) begin(ctx context.Context, id string) (domain.Job, *flight, bool) {
	unlock := s.locks.Lock(id)
	defer unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		if !domain.IsNotFound(err) {
			log.Error().Err(err).Str("job_id", id).Msg("load job for fire")
			s.retryLater(id, 0)
		}
		return domain.Job{}, nil, false
	}
	if job.Status != domain.StatusScheduled && job.Status != domain.StatusRetry {
		log.Debug().Str("job_id", id).Str("status", string(job.Status)).Msg("skipping fire")
		return domain.Job{}, nil, false
	}

	prev := job.Status
	if err := job.Transition(domain.StatusExecuting); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("fire rejected")
		return domain.Job{}, nil, false
	}
	if err := s.repo.Update(ctx, job, prev); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) || domain.IsNotFound(err) {
			log.Warn().Err(err).Str("job_id", id).Msg("fire lost status race")
		} else {
			log.Error().Err(err).Str("job_id", id).Msg("mark job executing")
			s.retryLater(id, job.Priority)
		}
		return domain.Job{}, nil, false
	}

	fl := &flight{done: make(chan struct{})}
	s.mu.Lock()
	s.flights[id] = fl
	s.mu.Unlock()

	s.publish(job, prev)
	return job, fl, true
}

// complete commits the outcome of a delivery. A failing repository is
// retried until the commit lands or the scheduler stops, so the job never
// stays EXECUTING without a flight. The flight stays registered meanwhile and
// a cancel keeps waiting on it.
func (s *Scheduler) complete(ctx context.Context, id string, fl *flight, deliveryErr error) {
	defer func() {
		s.mu.Lock()
		delete(s.flights, id)
		s.mu.Unlock()
		close(fl.done)
	}()

	for {
		err := s.commit(ctx, id, fl, deliveryErr)
		if err == nil {
			return
		}
		log.Error().Err(err).Str("job_id", id).Dur("retry_in", s.storeRetry).Msg("commit delivery result")
		select {
		case <-s.ctx.Done():
			log.Warn().Str("job_id", id).Msg("delivery result not committed, job is recovered on next start")
			return
		case <-time.After(s.storeRetry):
		}
	}
}

// commit writes one delivery outcome. It only writes over EXECUTING, so a
// status changed elsewhere in the meantime is never overwritten. A returned
// error means nothing was written and the commit may be attempted again.
func (s *Scheduler) commit(ctx context.Context, id string, fl *flight, deliveryErr error) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	job, err := s.repo.Get(ctx, id)
	if domain.IsNotFound(err) {
		log.Warn().Str("job_id", id).Msg("job vanished during delivery")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != domain.StatusExecuting {
		log.Warn().Str("job_id", id).Str("status", string(job.Status)).Msg("stale delivery result dropped")
		return nil
	}

	to := s.outcome(&job, deliveryErr, s.now())
	if err := job.Transition(to); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("completion rejected")
		return nil
	}
	if err := s.repo.Update(ctx, job, domain.StatusExecuting); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) || domain.IsNotFound(err) {
			log.Warn().Err(err).Str("job_id", id).Msg("delivery result lost status race")
			return nil
		}
		return err
	}
	s.publish(job, domain.StatusExecuting)

	if to.Terminal() {
		if to == domain.StatusError {
			log.Error().Str("job_id", id).Int("retries", job.Retries).Str("error", job.LastError).Msg("job failed permanently")
		} else {
			log.Info().Str("job_id", id).Int("executions", job.ExecutionCounter).Msg("job executed")
		}
		return nil
	}

	if fl.cancel.Load() {
		if err := job.Transition(domain.StatusCanceled); err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("deferred cancel rejected")
			s.arm(job)
			return nil
		}
		if err := s.repo.Update(ctx, job, to); err != nil {
			// The waiting cancel sees the job still active and cancels it directly.
			log.Error().Err(err).Str("job_id", id).Msg("commit deferred cancel")
			job.Status = to
			s.arm(job)
			return nil
		}
		s.publish(job, to)
		log.Info().Str("job_id", id).Msg("job canceled after in-flight delivery")
		return nil
	}

	s.arm(job)
	return nil
}

// outcome updates counters and timing on job and returns the status it moves to.
func (s *Scheduler) outcome(job *domain.Job, deliveryErr error, now time.Time) domain.Status {
	if deliveryErr != nil {
		job.Retries++
		job.LastError = deliveryErr.Error()
		if job.Retries >= s.cfg.MaxRetries {
			return domain.StatusError
		}
		job.NextFireTime = domain.TruncateInstant(now.Add(s.cfg.RetryBackoff.Delay(job.Retries)))
		log.Warn().Err(deliveryErr).Str("job_id", job.ID).Int("retries", job.Retries).
			Time("fire_at", job.NextFireTime).Msg("delivery failed, retrying")
		return domain.StatusRetry
	}

	job.Retries = 0
	job.LastError = ""
	job.ExecutionCounter++

	p, ok := job.Schedule.(*domain.Periodic)
	if !ok || !p.HasNext() {
		return domain.StatusExecuted
	}
	if !p.Forever() {
		p.RepeatCount--
	}
	next := nextSlot(job.ScheduledTime, p.Interval(), now)
	job.ScheduledTime = next
	job.NextFireTime = next
	return domain.StatusScheduled
}

// nextSlot returns prev+interval, or the first later slot on the same grid
// when the scheduler fell behind, so missed slots fire at most once.
func nextSlot(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := prev.Add(interval)
	if next.Before(now) {
		missed := now.Sub(prev) / interval
		next = prev.Add((missed + 1) * interval)
	}
	return domain.TruncateInstant(next)
}

func (s *Scheduler) publish(j domain.Job, from domain.Status) {
	log.Debug().Str("job_id", j.ID).Str("from", string(from)).Str("status", string(j.Status)).
		Int("retries", j.Retries).Msg("job transition")
	s.bus.Publish(events.Event{
		JobID:         j.ID,
		CorrelationID: j.CorrelationID,
		From:          from,
		To:            j.Status,
		Retries:       j.Retries,
		Error:         j.LastError,
		At:            s.now().UTC(),
	})
}
