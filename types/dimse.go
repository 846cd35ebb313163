package types

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// DIMSE Status codes
const (
	StatusSuccess                = 0x0000
	StatusWarning                = 0xB000
	StatusCancel                 = 0xFE00
	StatusPending                = 0xFF00
	StatusPendingWarning         = 0xFF01
	StatusFailure                = 0xC000
	StatusOutOfResources         = 0xA700
	StatusMoveDestinationUnknown = 0xA801
	StatusIdentifierMismatch     = 0xA900
	StatusUnableToProcess        = 0xC001
)

// Command Data Set Type values
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// Priority values
const (
	PriorityMedium = 0x0000
	PriorityHigh   = 0x0001
	PriorityLow    = 0x0002
)

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string // C-MOVE-RQ destination AE title
	MoveOriginatorAETitle     string // C-STORE-RQ sub-operation of a C-MOVE
	MoveOriginatorMessageID   uint16
	ErrorComment              string

	// Set by the receiver, never encoded
	PresentationContextID byte
	TransferSyntaxUID     string

	// C-MOVE and C-GET response counters
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataset reports whether a data set follows the command.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != NoDataSet
}

// IsResponse reports whether the command field has the response bit set.
func (m *Message) IsResponse() bool {
	return m.CommandField&0x8000 != 0
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CGetRQ:
		return CGetRSP
	case CFindRQ:
		return CFindRSP
	case CMoveRQ:
		return CMoveRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}

// CommandName returns the DIMSE name of a command field.
func CommandName(field uint16) string {
	switch field {
	case CStoreRQ:
		return "C-STORE-RQ"
	case CStoreRSP:
		return "C-STORE-RSP"
	case CGetRQ:
		return "C-GET-RQ"
	case CGetRSP:
		return "C-GET-RSP"
	case CFindRQ:
		return "C-FIND-RQ"
	case CFindRSP:
		return "C-FIND-RSP"
	case CMoveRQ:
		return "C-MOVE-RQ"
	case CMoveRSP:
		return "C-MOVE-RSP"
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	case CCancelRQ:
		return "C-CANCEL-RQ"
	default:
		return "UNKNOWN"
	}
}

// IsPendingStatus reports a pending status (0xFF00, 0xFF01).
func IsPendingStatus(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsSuccessStatus reports a plain success status.
func IsSuccessStatus(status uint16) bool {
	return status == StatusSuccess
}

// IsWarningStatus reports a warning status (0001, 0107, 0116, Bxxx).
func IsWarningStatus(status uint16) bool {
	return status == 0x0001 || (status&0xFF00) == 0x0100 || (status&0xF000) == 0xB000
}

// IsFailureStatus reports a failure or cancel status.
func IsFailureStatus(status uint16) bool {
	return !IsSuccessStatus(status) && !IsPendingStatus(status) && !IsWarningStatus(status)
}
