package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobStarted()                                                    {}
func (n *NoopSink) JobFinished(status string, duration time.Duration)              {}
func (n *NoopSink) StageCompleted(stage string, duration time.Duration, err error) {}
func (n *NoopSink) SlotsInUse(count int)                                           {}
func (n *NoopSink) SchedulerTick()                                                 {}
func (n *NoopSink) SchedulerDispatched()                                           {}
func (n *NoopSink) SchedulerDeferred()                                             {}
func (n *NoopSink) TaskReceived(source string)                                     {}
func (n *NoopSink) TaskDeferred()                                                  {}
func (n *NoopSink) TaskRejected()                                                  {}
