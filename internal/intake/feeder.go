package intake

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IliaW/capture-worker/internal/display"
	"github.com/IliaW/capture-worker/internal/metrics"
	"github.com/IliaW/capture-worker/internal/model"
	"github.com/IliaW/capture-worker/internal/pipeline"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, job *model.CaptureJob) (int, error)
}

// Feeder drains the request channel into the pipeline. A request that finds no free
// display (or a busy host) is parked and retried every retryDelay while the channel
// keeps being drained.
type Feeder struct {
	requests   <-chan *Request
	dispatcher Dispatcher
	retryDelay time.Duration
	log        *slog.Logger
	metrics    metrics.Sink
}

func NewFeeder(requests <-chan *Request, dispatcher Dispatcher, retryDelay time.Duration, log *slog.Logger,
	sink metrics.Sink) *Feeder {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Feeder{
		requests:   requests,
		dispatcher: dispatcher,
		retryDelay: retryDelay,
		log:        log,
		metrics:    sink,
	}
}

// Run returns when ctx is cancelled, or once the request channel is closed and no
// deferred request is left.
func (f *Feeder) Run(ctx context.Context) {
	requests := f.requests
	var pending []*model.CaptureJob
	retry := time.NewTicker(f.retryDelay)
	defer retry.Stop()

	for requests != nil || len(pending) > 0 {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				f.log.Warn("deferred tasks dropped on shutdown.", slog.Int("count", len(pending)))
			}
			return
		case req, ok := <-requests:
			if !ok {
				f.log.Info("task channel closed.")
				requests = nil
				continue
			}
			if job := f.accept(req); job != nil && f.dispatch(ctx, job) {
				pending = append(pending, job)
			}
		case <-retry.C:
			pending = f.retry(ctx, pending)
		}
	}
}

func (f *Feeder) accept(req *Request) *model.CaptureJob {
	f.metrics.TaskReceived(req.Source.String())
	job, err := model.NewCaptureJob(req.Task, req.Source)
	if err != nil {
		f.log.Warn("task rejected.", slog.String("url", req.Task.URL), slog.String("source", req.Source.String()),
			slog.String("err", err.Error()))
		f.metrics.TaskRejected()
		return nil
	}
	return job
}

func (f *Feeder) retry(ctx context.Context, pending []*model.CaptureJob) []*model.CaptureJob {
	kept := pending[:0]
	for _, job := range pending {
		if f.dispatch(ctx, job) {
			kept = append(kept, job)
		}
	}
	return kept
}

// dispatch reports whether the job was deferred and has to be retried.
func (f *Feeder) dispatch(ctx context.Context, job *model.CaptureJob) bool {
	log := f.log.With(slog.String("url", job.URL), slog.String("source", job.Source.String()))
	primary, err := f.dispatcher.Dispatch(ctx, job)
	switch {
	case err == nil:
		log.Info("task dispatched.", slog.String("job", job.ID), slog.Int("display", primary))
		return false
	case errors.Is(err, display.ErrCapacityExhausted), errors.Is(err, pipeline.ErrHostBusy):
		log.Warn("task deferred.", slog.String("err", err.Error()), slog.Duration("retry_in", f.retryDelay))
		f.metrics.TaskDeferred()
		return true
	default:
		log.Error("failed to dispatch task.", slog.String("err", err.Error()))
		f.metrics.TaskRejected()
		return false
	}
}
