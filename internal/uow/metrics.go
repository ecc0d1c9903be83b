package uow

import "time"

// Outcome labels used for unit and commit metrics.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeRepeatable = "repeatable"
	OutcomeConflict   = "conflict"
	OutcomeFailed     = "failed"
)

// Metrics receives engine telemetry. observability.Collector is the production implementation.
type Metrics interface {
	ObserveUnit(name, outcome string, duration time.Duration)
	IncRetry(name, reason string)
	IncConflictResolved(strategy string)
	IncBinderCommit(outcome string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveUnit(string, string, time.Duration) {}
func (NopMetrics) IncRetry(string, string)                   {}
func (NopMetrics) IncConflictResolved(string)                {}
func (NopMetrics) IncBinderCommit(string)                    {}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case isRepeatable(err):
		return OutcomeRepeatable
	case IsConflict(err):
		return OutcomeConflict
	default:
		return OutcomeFailed
	}
}
