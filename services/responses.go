package services

import (
	"github.com/caio-sobreiro/dicomqr/types"
)

// ResponseBuilder provides convenient methods for creating standard DIMSE response messages.
//
// Builders copy MessageIDBeingRespondedTo and the affected SOP class from
// the request. CommandDataSetType is set for documentation only; the DIMSE
// layer derives it from the data set actually sent.
type ResponseBuilder struct {
	request *types.Message
}

// NewResponseBuilder creates a new response builder for the given request message.
func NewResponseBuilder(request *types.Message) *ResponseBuilder {
	return &ResponseBuilder{request: request}
}

// CEchoResponse creates a C-ECHO-RSP message.
func (b *ResponseBuilder) CEchoResponse(status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// CFindResponse creates a C-FIND-RSP message.
//
// For pending responses with matches, set status=types.StatusPending and hasDataset=true.
// For the final response, set status=types.StatusSuccess and hasDataset=false.
func (b *ResponseBuilder) CFindResponse(status uint16, hasDataset bool) *types.Message {
	datasetType := uint16(types.NoDataSet)
	if hasDataset {
		datasetType = types.DataSetPresent
	}
	return &types.Message{
		CommandField:              types.CFindRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       b.request.AffectedSOPClassUID,
		CommandDataSetType:        datasetType,
		Status:                    status,
	}
}

// SubOps is a snapshot of retrieve sub-operation counters.
type SubOps struct {
	Remaining uint16
	Completed uint16
	Failed    uint16
	Warning   uint16
}

// CMoveResponse creates a C-MOVE-RSP message with sub-operation counts.
// Final responses omit the remaining counter.
func (b *ResponseBuilder) CMoveResponse(status uint16, ops SubOps) *types.Message {
	return b.retrieveResponse(types.CMoveRSP, status, ops)
}

// CGetResponse creates a C-GET-RSP message with sub-operation counts.
func (b *ResponseBuilder) CGetResponse(status uint16, ops SubOps) *types.Message {
	return b.retrieveResponse(types.CGetRSP, status, ops)
}

func (b *ResponseBuilder) retrieveResponse(command, status uint16, ops SubOps) *types.Message {
	msg := &types.Message{
		CommandField:                   command,
		MessageIDBeingRespondedTo:      b.request.MessageID,
		AffectedSOPClassUID:            b.request.AffectedSOPClassUID,
		CommandDataSetType:             types.NoDataSet,
		Status:                         status,
		NumberOfCompletedSuboperations: &ops.Completed,
		NumberOfFailedSuboperations:    &ops.Failed,
		NumberOfWarningSuboperations:   &ops.Warning,
	}
	if types.IsPendingStatus(status) {
		msg.NumberOfRemainingSuboperations = &ops.Remaining
	}
	return msg
}

// CStoreResponse creates a C-STORE-RSP message echoing the request's SOP
// class and instance.
func (b *ResponseBuilder) CStoreResponse(status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       b.request.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    b.request.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// NewCEchoResponse creates a C-ECHO-RSP message from a request.
func NewCEchoResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CEchoResponse(status)
}

// NewCFindPendingResponse creates a pending C-FIND-RSP message (with dataset).
func NewCFindPendingResponse(request *types.Message) *types.Message {
	return NewResponseBuilder(request).CFindResponse(types.StatusPending, true)
}

// NewCFindSuccessResponse creates a final success C-FIND-RSP message (no dataset).
func NewCFindSuccessResponse(request *types.Message) *types.Message {
	return NewResponseBuilder(request).CFindResponse(types.StatusSuccess, false)
}

// NewCFindErrorResponse creates an error C-FIND-RSP message.
func NewCFindErrorResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CFindResponse(status, false)
}

// NewCStoreResponse creates a C-STORE-RSP message.
func NewCStoreResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CStoreResponse(status)
}

// FinalRetrieveStatus picks the status of the last C-MOVE/C-GET response
// from the sub-operation outcome.
func FinalRetrieveStatus(ops SubOps, canceled bool) uint16 {
	switch {
	case canceled:
		return types.StatusCancel
	case ops.Failed == 0 && ops.Warning == 0:
		return types.StatusSuccess
	case ops.Completed == 0 && ops.Warning == 0:
		return types.StatusUnableToProcess
	default:
		return types.StatusWarning
	}
}
