package errors

import (
	"fmt"
	"time"
)

// DIMSEError is a DIMSE operation that completed with a non-success status.
type DIMSEError struct {
	Status    uint16
	Operation string
	Msg       string
}

func (e *DIMSEError) Error() string {
	return fmt.Sprintf("DIMSE %s failed: %s (status: 0x%04X)", e.Operation, e.Msg, e.Status)
}

func NewDIMSEError(operation string, status uint16, msg string) *DIMSEError {
	return &DIMSEError{Operation: operation, Status: status, Msg: msg}
}

// IsSuccess, IsPending, IsWarning and IsFailure classify Status.
func (e *DIMSEError) IsSuccess() bool { return e.Status == 0x0000 }

func (e *DIMSEError) IsPending() bool { return e.Status == 0xFF00 || e.Status == 0xFF01 }

func (e *DIMSEError) IsWarning() bool {
	return e.Status == 0x0001 || e.Status&0xFF00 == 0x0100 || e.Status&0xF000 == 0xB000
}

func (e *DIMSEError) IsFailure() bool {
	high := e.Status & 0xF000
	return high == 0xA000 || high == 0xC000
}

// TimeoutError is a bounded wait that ran out.
type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.After)
}

// Timeout satisfies the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

func NewTimeoutError(operation string, after time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, After: after}
}

// NetworkError is a socket-level failure (dial, listen, read, write).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}
