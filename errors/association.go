package errors

import "fmt"

// RejectResult is the result field of an A-ASSOCIATE-RJ.
type RejectResult byte

const (
	RejectPermanent RejectResult = 0x01
	RejectTransient RejectResult = 0x02
)

// AssociationRejectSource identifies who refused or aborted an association.
type AssociationRejectSource byte

const (
	RejectSourceUnknown         AssociationRejectSource = 0x00
	RejectSourceServiceUser     AssociationRejectSource = 0x01
	RejectSourceServiceProvider AssociationRejectSource = 0x02
	// RejectSourcePresentation is the presentation-related provider; its
	// reasons (congestion, local limit) are the transient ones.
	RejectSourcePresentation AssociationRejectSource = 0x03
)

var sourceNames = map[AssociationRejectSource]string{
	RejectSourceServiceUser:     "service-user",
	RejectSourceServiceProvider: "service-provider",
	RejectSourcePresentation:    "service-provider-presentation",
}

func (s AssociationRejectSource) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "unknown"
}

// AssociationRejectReason is the reason field of an A-ASSOCIATE-RJ. Its
// meaning depends on the source; the names below are the service-user ones.
type AssociationRejectReason byte

const (
	RejectReasonUnknown                        AssociationRejectReason = 0x00
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07
)

var reasonNames = map[AssociationRejectReason]string{
	RejectReasonNoReasonGiven:                  "no-reason-given",
	RejectReasonApplicationContextNotSupported: "application-context-not-supported",
	RejectReasonCallingAETitleNotRecognized:    "calling-ae-title-not-recognized",
	RejectReasonCalledAETitleNotRecognized:     "called-ae-title-not-recognized",
}

func (r AssociationRejectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// AssociationError is an A-ASSOCIATE-RJ, received by a requestor or about
// to be sent by an acceptor.
type AssociationError struct {
	Result RejectResult
	Source AssociationRejectSource
	Reason AssociationRejectReason
	Msg    string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %s (source: %s, reason: %s)", e.Msg, e.Source, e.Reason)
}

func (e *AssociationError) Unwrap() error { return ErrAssociationRejected }

// Transient reports whether the peer asked to try again later.
func (e *AssociationError) Transient() bool { return e.Result == RejectTransient }

// NewAssociationError builds a permanent rejection.
func NewAssociationError(source AssociationRejectSource, reason AssociationRejectReason, msg string) *AssociationError {
	return &AssociationError{Result: RejectPermanent, Source: source, Reason: reason, Msg: msg}
}

// AbortError is a received A-ABORT. The source uses the same codes as a
// rejection; reason is only meaningful for provider aborts.
type AbortError struct {
	Source AssociationRejectSource
	Reason byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("connection aborted by %s (reason: 0x%02X)", e.Source, e.Reason)
}

// Unwrap lets errors.Is match an abort as a closed connection.
func (e *AbortError) Unwrap() error { return ErrConnectionClosed }

func NewAbortError(source, reason byte) *AbortError {
	return &AbortError{Source: AssociationRejectSource(source), Reason: reason}
}

// PDUError is a PDU that could not be framed or was not expected.
type PDUError struct {
	PDUType byte
	Msg     string
}

func (e *PDUError) Error() string {
	return fmt.Sprintf("PDU error (type: 0x%02X): %s", e.PDUType, e.Msg)
}

func (e *PDUError) Unwrap() error { return ErrInvalidPDU }

func NewPDUError(pduType byte, msg string) *PDUError {
	return &PDUError{PDUType: pduType, Msg: msg}
}
