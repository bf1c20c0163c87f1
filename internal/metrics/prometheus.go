package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log *slog.Logger

	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	slotsInUse    prometheus.Gauge

	ticksTotal      prometheus.Counter
	dispatchedTotal prometheus.Counter
	deferredTotal   prometheus.Counter

	tasksReceived *prometheus.CounterVec
	tasksDeferred prometheus.Counter
	tasksRejected prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer, log *slog.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}
	s.initPipelineMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initIntakeMetrics(reg)
	return s
}

func (s *PrometheusSink) initPipelineMetrics(reg prometheus.Registerer) {
	s.jobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_jobs_started_total",
		Help: "Total number of capture jobs started.",
	})
	s.jobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_jobs_finished_total",
		Help: "Total number of capture jobs finished, by final status.",
	}, []string{"status"})
	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_job_duration_seconds",
		Help:    "Wall time of a capture job including teardown.",
		Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
	})
	s.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capture_stage_duration_seconds",
		Help:    "Duration of each pipeline stage.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"stage"})
	s.stageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_stage_errors_total",
		Help: "Total number of failed pipeline stages.",
	}, []string{"stage"})
	s.slotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capture_display_slots_in_use",
		Help: "Number of virtual displays currently owned by jobs.",
	})

	s.register(reg, s.jobsStarted, "capture_jobs_started_total")
	s.register(reg, s.jobsFinished, "capture_jobs_finished_total")
	s.register(reg, s.jobDuration, "capture_job_duration_seconds")
	s.register(reg, s.stageDuration, "capture_stage_duration_seconds")
	s.register(reg, s.stageErrors, "capture_stage_errors_total")
	s.register(reg, s.slotsInUse, "capture_display_slots_in_use")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_scheduler_ticks_total",
		Help: "Total number of scheduler poll ticks.",
	})
	s.dispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_scheduler_dispatched_total",
		Help: "Total number of scheduled jobs dispatched.",
	})
	s.deferredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_scheduler_deferred_total",
		Help: "Total number of due scheduled jobs deferred for lack of capacity.",
	})

	s.register(reg, s.ticksTotal, "capture_scheduler_ticks_total")
	s.register(reg, s.dispatchedTotal, "capture_scheduler_dispatched_total")
	s.register(reg, s.deferredTotal, "capture_scheduler_deferred_total")
}

func (s *PrometheusSink) initIntakeMetrics(reg prometheus.Registerer) {
	s.tasksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_intake_tasks_received_total",
		Help: "Total number of ad-hoc tasks received, by source.",
	}, []string{"source"})
	s.tasksDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_intake_tasks_deferred_total",
		Help: "Total number of ad-hoc dispatch attempts deferred for lack of capacity.",
	})
	s.tasksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_intake_tasks_rejected_total",
		Help: "Total number of malformed ad-hoc tasks.",
	})

	s.register(reg, s.tasksReceived, "capture_intake_tasks_received_total")
	s.register(reg, s.tasksDeferred, "capture_intake_tasks_deferred_total")
	s.register(reg, s.tasksRejected, "capture_intake_tasks_rejected_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn("failed to register metric.", slog.String("name", name), slog.String("err", err.Error()))
	}
}

func (s *PrometheusSink) JobStarted() {
	s.jobsStarted.Inc()
}

func (s *PrometheusSink) JobFinished(status string, duration time.Duration) {
	s.jobsFinished.WithLabelValues(status).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) StageCompleted(stage string, duration time.Duration, err error) {
	s.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if err != nil {
		s.stageErrors.WithLabelValues(stage).Inc()
	}
}

func (s *PrometheusSink) SlotsInUse(count int) {
	s.slotsInUse.Set(float64(count))
}

func (s *PrometheusSink) SchedulerTick() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) SchedulerDispatched() {
	s.dispatchedTotal.Inc()
}

func (s *PrometheusSink) SchedulerDeferred() {
	s.deferredTotal.Inc()
}

func (s *PrometheusSink) TaskReceived(source string) {
	s.tasksReceived.WithLabelValues(source).Inc()
}

func (s *PrometheusSink) TaskDeferred() {
	s.tasksDeferred.Inc()
}

func (s *PrometheusSink) TaskRejected() {
	s.tasksRejected.Inc()
}
