package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

// SubOperations holds the sub-operation counters of a C-MOVE or C-GET.
type SubOperations struct {
	Remaining int
	Completed int
	Failed    int
	Warning   int
}

// RetrieveResponse represents a single C-MOVE-RSP or C-GET-RSP.
type RetrieveResponse struct {
	Status                         uint16
	MessageID                      uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
	ErrorComment                   string
	// FailedSOPInstanceUIDs comes from the identifier of a final response.
	FailedSOPInstanceUIDs []string
}

// SubOperations returns the counters, zero where the peer sent none.
func (r *RetrieveResponse) SubOperations() SubOperations {
	value := func(v *uint16) int {
		if v == nil {
			return 0
		}
		return int(*v)
	}
	return SubOperations{
		Remaining: value(r.NumberOfRemainingSuboperations),
		Completed: value(r.NumberOfCompletedSuboperations),
		Failed:    value(r.NumberOfFailedSuboperations),
		Warning:   value(r.NumberOfWarningSuboperations),
	}
}

// Final reports whether this response ends the operation.
func (r *RetrieveResponse) Final() bool {
	return !types.IsPendingStatus(r.Status)
}

func newRetrieveResponse(msg *types.Message, data []byte) *RetrieveResponse {
	rsp := &RetrieveResponse{
		Status:                         msg.Status,
		MessageID:                      msg.MessageIDBeingRespondedTo,
		NumberOfRemainingSuboperations: msg.NumberOfRemainingSuboperations,
		NumberOfCompletedSuboperations: msg.NumberOfCompletedSuboperations,
		NumberOfFailedSuboperations:    msg.NumberOfFailedSuboperations,
		NumberOfWarningSuboperations:   msg.NumberOfWarningSuboperations,
		ErrorComment:                   msg.ErrorComment,
	}
	if len(data) > 0 {
		if ds, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID); err == nil {
			rsp.FailedSOPInstanceUIDs = ds.GetStrings(dicom.TagFailedSOPInstanceUIDList)
		}
	}
	return rsp
}

// CMoveRequest encapsulates the information required to perform a C-MOVE.
type CMoveRequest struct {
	SOPClassUID string // default: Study Root MOVE
	Priority    uint16
	Destination string // AE title the SCP pushes the instances to
	Dataset     *dicom.Dataset
	// Progress is called for every response, including the final one.
	Progress func(*RetrieveResponse)
}

// SendCMove performs a C-MOVE and returns every response, the final one
// last. The instances themselves arrive on a separate association opened by
// the SCP towards Destination.
func (a *Association) SendCMove(ctx context.Context, req *CMoveRequest) ([]*RetrieveResponse, error) {
	if req == nil || req.Dataset == nil {
		return nil, fmt.Errorf("%w: c-move request requires a dataset", dicomerrors.ErrInvalidRequest)
	}
	if err := types.ValidateAETitle(req.Destination); err != nil {
		return nil, fmt.Errorf("%w: move destination: %v", dicomerrors.ErrInvalidRequest, err)
	}
	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelMove
	}

	op, err := a.begin(ctx, "C-MOVE")
	if err != nil {
		return nil, err
	}
	defer op.end()

	pc, err := op.context(sopClass)
	if err != nil {
		return nil, err
	}
	identifier, err := op.encode(pc, req.Dataset)
	if err != nil {
		return nil, err
	}

	rq := &types.Message{
		CommandField:        types.CMoveRQ,
		MessageID:           a.messageID(),
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
		MoveDestination:     req.Destination,
	}
	if err := op.send(pc, rq, identifier); err != nil {
		return nil, err
	}

	var responses []*RetrieveResponse
	for {
		msg, data, err := op.response(types.CMoveRSP, rq.MessageID)
		if err != nil {
			return responses, err
		}
		rsp := newRetrieveResponse(msg, data)
		responses = append(responses, rsp)
		if req.Progress != nil {
			req.Progress(rsp)
		}
		if rsp.Final() {
			return responses, nil
		}
	}
}
