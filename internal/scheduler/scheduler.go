// Package scheduler fires persisted capture tasks on their cron schedules.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/capture-worker/config"
	"github.com/IliaW/capture-worker/internal/display"
	"github.com/IliaW/capture-worker/internal/metrics"
	"github.com/IliaW/capture-worker/internal/model"
	"github.com/IliaW/capture-worker/internal/pipeline"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, job *model.CaptureJob) (int, error)
}

type Entry struct {
	Task     *model.CaptureTask
	Schedule Schedule
	Next     time.Time
}

type Scheduler struct {
	interval   time.Duration
	dispatcher Dispatcher
	log        *slog.Logger
	metrics    metrics.Sink
	clock      func() time.Time

	mu      sync.Mutex
	entries []*Entry
}

// New parses every task's schedule and arms it relative to the current time.
// Tasks with an unparsable schedule, or one that never fires, are logged and skipped.
func New(cfg *config.SchedulerConfig, tasks []*model.CaptureTask, dispatcher Dispatcher, log *slog.Logger,
	sink metrics.Sink) (*Scheduler, error) {
	parser, err := NewParser(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	s := &Scheduler{
		interval:   cfg.PollInterval,
		dispatcher: dispatcher,
		log:        log,
		metrics:    sink,
		clock:      time.Now,
	}

	now := s.clock()
	for _, task := range tasks {
		sched, err := parser.Parse(task.Schedule)
		if err != nil {
			log.Warn("skipping task with invalid schedule.", slog.String("url", task.URL),
				slog.String("schedule", task.Schedule), slog.String("err", err.Error()))
			continue
		}
		next := sched.Next(now)
		if next.IsZero() {
			log.Warn("skipping task whose schedule never fires.", slog.String("url", task.URL),
				slog.String("schedule", task.Schedule))
			continue
		}
		s.entries = append(s.entries, &Entry{Task: task, Schedule: sched, Next: next})
	}
	return s, nil
}

// Run polls until ctx is cancelled. It never waits for dispatched jobs.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started.", slog.Int("entries", len(s.Entries())),
		slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped.")
			return
		case <-ticker.C:
			s.Tick(ctx, s.clock())
		}
	}
}

// Tick dispatches every entry that is due at now. Disabled entries have a zero Next.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.metrics.SchedulerTick()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Next.IsZero() || now.Before(e.Next) {
			continue
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *Entry, now time.Time) {
	log := s.log.With(slog.String("url", e.Task.URL), slog.String("schedule", e.Task.Schedule))

	job, err := model.NewCaptureJob(e.Task, model.Schedule)
	if err != nil {
		log.Error("invalid scheduled task.", slog.String("err", err.Error()))
		s.rearm(e, now, log)
		return
	}

	primary, err := s.dispatcher.Dispatch(ctx, job)
	switch {
	case errors.Is(err, display.ErrCapacityExhausted), errors.Is(err, pipeline.ErrHostBusy):
		// Next stays as is so the entry is retried on the next tick
		log.Warn("scheduled job deferred.", slog.String("err", err.Error()))
		s.metrics.SchedulerDeferred()
		return
	case err != nil:
		log.Error("failed to dispatch scheduled job.", slog.String("err", err.Error()))
	default:
		log.Info("scheduled job dispatched.", slog.String("job", job.ID), slog.Int("display", primary))
		s.metrics.SchedulerDispatched()
	}
	s.rearm(e, now, log)
}

func (s *Scheduler) rearm(e *Entry, now time.Time, log *slog.Logger) {
	e.Next = e.Schedule.Next(now)
	if e.Next.IsZero() {
		log.Warn("schedule has no future run, entry disabled.")
		return
	}
	log.Debug("entry re-armed.", slog.Time("next", e.Next))
}

// Entries returns a copy of the current entries.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}
