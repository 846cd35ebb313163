// Package errors provides the error taxonomy shared by the client, the
// listener and the engines. Every type unwraps to a sentinel or its cause,
// so callers classify with errors.Is and errors.As.
package errors

import (
	"errors"
	"fmt"
)

// Transport and protocol sentinels.
var (
	ErrConnectionClosed    = errors.New("dicom: connection closed")
	ErrAssociationRejected = errors.New("dicom: association rejected")
	ErrInvalidPDU          = errors.New("dicom: invalid PDU")
	ErrUnsupportedTransfer = errors.New("dicom: unsupported transfer syntax")
	ErrNoPresentationCtx   = errors.New("dicom: no suitable presentation context")
	ErrInvalidMessage      = errors.New("dicom: invalid DIMSE message")
	ErrInvalidDataset      = errors.New("dicom: malformed dataset")
)

// Association usage sentinels.
var (
	ErrNotConnected      = errors.New("dicom: association not connected")
	ErrAlreadyConnected  = errors.New("dicom: association already connected")
	ErrAssociationBusy   = errors.New("dicom: association busy with another operation")
	ErrOperationCanceled = errors.New("dicom: operation canceled")
	ErrStopTimeout       = errors.New("dicom: stop did not complete in time")
	ErrBusy              = errors.New("dicom: session already running an operation")
)

// Caller input sentinels.
var (
	ErrInvalidParameters = errors.New("dicom: invalid connection parameters")
	ErrInvalidQuery      = errors.New("dicom: invalid query")
	ErrInvalidRequest    = errors.New("dicom: invalid retrieve request")
	ErrNothingRetrieved  = errors.New("dicom: no sub-operation completed")
)

// ConnectionError is a transport or association failure. The association
// that produced it is left Disconnected; retrying is the caller's decision.
type ConnectionError struct {
	Op     string
	Remote string
	Err    error
}

func (e *ConnectionError) Error() string {
	where := e.Op
	if e.Remote != "" {
		where += " with " + e.Remote
	}
	return fmt.Sprintf("connection error during %s: %v", where, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func NewConnectionError(op, remote string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Remote: remote, Err: err}
}

// IsConnectionError reports whether err carries a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Transient reports whether err is a connection failure worth retrying
// later. Unreachable hosts, timeouts, dropped transports and transient
// rejections qualify; permanent rejections and invalid parameters do not.
func Transient(err error) bool {
	if !IsConnectionError(err) || errors.Is(err, ErrInvalidParameters) {
		return false
	}
	var rejected *AssociationError
	if errors.As(err, &rejected) {
		return rejected.Transient()
	}
	return true
}

// ProtocolError is a malformed or unexpected DICOM response. Only the
// offending response is discarded.
type ProtocolError struct {
	Op  string
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error during %s: %s", e.Op, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(op, msg string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Msg: msg, Err: err}
}

// ShapeMismatchError is returned when a push does not match the shape a
// timeline was initialised with.
type ShapeMismatchError struct {
	Device string
	Want   string
	Got    string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch on %q: timeline holds %s, got %s", e.Device, e.Want, e.Got)
}
