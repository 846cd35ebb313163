package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldSessionID = "session_id"

	// Association fields
	FieldRemoteAddr = "remote_addr"
	FieldCallingAE  = "calling_ae"
	FieldCalledAE   = "called_ae"
	FieldContextID  = "context_id"
	FieldAbstract   = "abstract_syntax"
	FieldTransfer   = "transfer_syntax"

	// DIMSE fields
	FieldCommand   = "command_field"
	FieldMessageID = "message_id"
	FieldStatus    = "status"

	// Domain fields
	FieldDevice      = "device"
	FieldStudyUID    = "study_uid"
	FieldSeriesUID   = "series_uid"
	FieldInstanceUID = "sop_instance_uid"
	FieldMethod      = "method"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
