// Package scheduler fires recurring jobs from live trigger descriptors.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"
	_ "time/tzdata"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"feedsync/internal/models"
	"feedsync/internal/telemetry"
)

// Task is the work behind one job id.
type Task func(ctx context.Context) error

// TriggerSource yields the current descriptor for a job id.
type TriggerSource interface {
	Get(ctx context.Context, jobID string) (models.TriggerDescriptor, bool, error)
}

// Locker grants exclusive ownership of one firing across instances. The
// lock is held until ttl expires so instances firing late skip the occurrence.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (ok bool, err error)
}

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a 5-field cron expression or a descriptor like "@every 30s".
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// NextFiring returns the first occurrence of d strictly after now, evaluated
// in the descriptor's timezone.
func NextFiring(d models.TriggerDescriptor, now time.Time) (time.Time, error) {
	sched, err := ParseSchedule(d.Schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("job %s: parse schedule %q: %w", d.JobID, d.Schedule, err)
	}
	loc := time.UTC
	if d.Timezone != "" {
		loc, err = time.LoadLocation(d.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("job %s: load timezone %q: %w", d.JobID, d.Timezone, err)
		}
	}
	return sched.Next(now.In(loc)), nil
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLocker serializes each firing across scheduler instances.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithRefresh sets how often a waiting job re-reads its descriptor.
func WithRefresh(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// Scheduler runs one loop per task. Each firing re-reads the descriptor, so
// disabling a trigger skips its next firing and a changed schedule takes
// effect on the next refresh.
type Scheduler struct {
	tasks   map[string]Task
	source  TriggerSource
	locker  Locker
	lockTTL time.Duration
	refresh time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func New(tasks map[string]Task, source TriggerSource, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		tasks:   tasks,
		source:  source,
		lockTTL: 30 * time.Second,
		refresh: 30 * time.Second,
		log:     logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JobIDs lists the registered job ids in order.
func (s *Scheduler) JobIDs() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range s.JobIDs() {
		id := id
		g.Go(func() error {
			s.loop(ctx, id)
			return nil
		})
	}
	s.log.Info("scheduler started", zap.Strings("jobs", s.JobIDs()), zap.Duration("refresh", s.refresh))
	return g.Wait()
}

// plan tracks the occurrence a job loop is waiting for.
type plan struct {
	schedule string
	timezone string
	next     time.Time
	armed    bool
}

// update re-reads the descriptor. The pending occurrence is kept unless the
// expression or timezone changed.
func (s *Scheduler) update(ctx context.Context, jobID string, p plan, now time.Time) plan {
	d, found, err := s.source.Get(ctx, jobID)
	if err != nil {
		s.log.Warn("read trigger descriptor", zap.String("job", jobID), zap.Error(err))
		return p
	}
	if !found {
		return plan{}
	}
	if p.armed && d.Schedule == p.schedule && d.Timezone == p.timezone && p.next.After(now) {
		return p
	}
	next, err := NextFiring(d, now)
	if err != nil {
		s.log.Warn("invalid trigger schedule", zap.String("job", jobID), zap.Error(err))
		return plan{}
	}
	if next.IsZero() {
		return plan{}
	}
	return plan{schedule: d.Schedule, timezone: d.Timezone, next: next, armed: true}
}

func (s *Scheduler) loop(ctx context.Context, jobID string) {
	var p plan
	for {
		now := s.now()
		p = s.update(ctx, jobID, p, now)

		wait := s.refresh
		due := p.armed && p.next.Sub(now) <= wait
		if due {
			wait = p.next.Sub(now)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if due {
			s.attempt(ctx, jobID, p.next)
			p.armed = false
		}
	}
}

// attempt runs one occurrence if the job is still enabled. It reports whether
// the task ran.
func (s *Scheduler) attempt(ctx context.Context, jobID string, at time.Time) bool {
	log := s.log.With(zap.String("job", jobID), zap.Time("occurrence", at))
	task, ok := s.tasks[jobID]
	if !ok {
		return false
	}

	d, found, err := s.source.Get(ctx, jobID)
	switch {
	case err != nil:
		telemetry.SchedulerSkip.WithLabelValues(jobID, "source_error").Inc()
		log.Warn("skip firing: trigger source unavailable", zap.Error(err))
		return false
	case !found || !d.Enabled:
		telemetry.SchedulerSkip.WithLabelValues(jobID, "disabled").Inc()
		log.Debug("skip firing: trigger disabled")
		return false
	}

	if s.locker != nil {
		key := fmt.Sprintf("scheduler:lock:%s:%d", jobID, at.Unix())
		ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
		if err != nil {
			telemetry.SchedulerSkip.WithLabelValues(jobID, "lock_error").Inc()
			log.Warn("skip firing: lock unavailable", zap.Error(err))
			return false
		}
		if !ok {
			telemetry.SchedulerSkip.WithLabelValues(jobID, "locked").Inc()
			log.Debug("skip firing: owned by another instance")
			return false
		}
	}

	telemetry.SchedulerFired.WithLabelValues(jobID).Inc()
	if err := task(ctx); err != nil {
		log.Error("scheduled job failed", zap.Error(err))
	}
	return true
}
