package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Pipeline metrics
	JobStarted()
	JobFinished(status string, duration time.Duration)
	StageCompleted(stage string, duration time.Duration, err error)
	SlotsInUse(count int)

	// Scheduler metrics
	SchedulerTick()
	SchedulerDispatched()
	SchedulerDeferred()

	// Intake metrics
	TaskReceived(source string)
	TaskDeferred()
	TaskRejected()
}
