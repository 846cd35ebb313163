// Package interfaces contains all service and handler interfaces
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomqr/types"
)

// MessageContext describes where a DIMSE message arrived from.
type MessageContext struct {
	CallingAETitle        string
	CalledAETitle         string
	RemoteAddr            string
	PresentationContextID byte
	TransferSyntaxUID     string
}

// ServiceHandler interface for handling DIMSE operations
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, meta MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error)
}

// StreamingServiceHandler interface for multi-response DIMSE operations
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, meta MessageContext, msg *types.Message, data []byte, responder ResponseSender) error
}

// ResponseSender interface for sending intermediate responses
type ResponseSender interface {
	SendResponse(msg *types.Message, data []byte) error
}

// CGetResponder is handed to C-GET handlers so they can run C-STORE
// sub-operations on the requesting association.
type CGetResponder interface {
	ResponseSender
	// SendCStore pushes one instance and returns the status the requestor
	// answered with.
	SendCStore(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) (uint16, error)
	// Canceled reports whether the requestor sent C-CANCEL for this operation.
	Canceled() bool
}

// DIMSEHandler interface for PDU layer to communicate with DIMSE layer
type DIMSEHandler interface {
	HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer interface for DIMSE layer to communicate with PDU layer
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
	Association() *types.AssociationContext
	RemoteAddr() string
	// ReadPDU reads the next PDU while a handler holds the association.
	ReadPDU() (*types.PDU, error)
}
