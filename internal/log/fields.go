package log

// Canonical field names for structured logging.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldEvent     = "event"

	FieldDevice    = "device"
	FieldProtocol  = "protocol"
	FieldSessionID = "session_id"
	FieldVideoID   = "video_id"
	FieldURL       = "url"
	FieldAddress   = "address"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldAttempt  = "attempt"
	FieldOutcome  = "outcome"

	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
)
