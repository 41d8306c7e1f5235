package metrics

import "time"

// NoopMetrics discards everything.
type NoopMetrics struct{}

var _ Recorder = (*NoopMetrics)(nil)

// NewNoopMetrics creates a no-op recorder.
func NewNoopMetrics() Recorder { return &NoopMetrics{} }

func (n *NoopMetrics) RecordTokenIssued()                  {}
func (n *NoopMetrics) RecordTokensExpired(string, int)     {}
func (n *NoopMetrics) RecordCheckIn(string, time.Duration) {}
func (n *NoopMetrics) RecordRateLimited()                  {}
func (n *NoopMetrics) RecordAttendanceFailure()            {}
