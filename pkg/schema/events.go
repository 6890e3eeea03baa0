package schema

// Event type constants for the cast event log.
const (
	EventCastStarted   = "cast_started"
	EventCastCompleted = "cast_completed"
	EventCastFailed    = "cast_failed"
	EventCastCancelled = "cast_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventJobDeferred     = "job_deferred"
	EventWebhookReceived = "webhook_received"
	EventPollTimedOut    = "poll_timed_out"
	EventDuplicateResult = "duplicate_result"

	EventAdapterRetry       = "adapter_retry"
	EventCircuitBreakerOpen = "circuit_breaker_open"

	EventNotificationSent = "notification_sent"
)

// CastStatus represents the lifecycle state of a cast.
type CastStatus string

const (
	CastStatusPending   CastStatus = "pending"
	CastStatusRunning   CastStatus = "running"
	CastStatusCompleted CastStatus = "completed"
	CastStatusFailed    CastStatus = "failed"
	CastStatusCancelled CastStatus = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s CastStatus) Terminal() bool {
	switch s {
	case CastStatusCompleted, CastStatusFailed, CastStatusCancelled:
		return true
	default:
		return false
	}
}

// GenerationStatus represents the lifecycle state of one step execution attempt.
type GenerationStatus string

const (
	GenerationStatusProcessing GenerationStatus = "processing"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusFailed     GenerationStatus = "failed"
)

// Terminal reports whether the generation has reached a final state.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationStatusCompleted || s == GenerationStatusFailed
}
