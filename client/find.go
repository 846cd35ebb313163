package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

// CFindRequest encapsulates the information required to perform a C-FIND query.
type CFindRequest struct {
	SOPClassUID string // default: Study Root FIND
	Priority    uint16
	Dataset     *dicom.Dataset
}

// CFindResponse represents a single C-FIND response from the SCP.
type CFindResponse struct {
	Status    uint16
	MessageID uint16
	Dataset   *dicom.Dataset
	// Err is a *errors.ProtocolError when the identifier could not be decoded.
	Err error
}

// SendCFind performs a DICOM C-FIND query and returns all responses in order,
// the final (non-pending) one last.
func (a *Association) SendCFind(ctx context.Context, req *CFindRequest) ([]*CFindResponse, error) {
	var responses []*CFindResponse
	err := a.StreamCFind(ctx, req, func(rsp *CFindResponse) error {
		responses = append(responses, rsp)
		return nil
	})
	return responses, err
}

// StreamCFind runs a C-FIND and calls fn for every response as it arrives.
// An error from fn sends C-CANCEL; the remaining responses are drained.
func (a *Association) StreamCFind(ctx context.Context, req *CFindRequest, fn func(*CFindResponse) error) error {
	if req == nil || req.Dataset == nil {
		return fmt.Errorf("%w: c-find request requires a dataset", dicomerrors.ErrInvalidQuery)
	}
	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelFind
	}

	op, err := a.begin(ctx, "C-FIND")
	if err != nil {
		return err
	}
	defer op.end()

	pc, err := op.context(sopClass)
	if err != nil {
		return err
	}
	identifier, err := op.encode(pc, req.Dataset)
	if err != nil {
		return err
	}

	rq := &types.Message{
		CommandField:        types.CFindRQ,
		MessageID:           a.messageID(),
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
	}
	if err := op.send(pc, rq, identifier); err != nil {
		return err
	}

	var fnErr error
	for {
		msg, data, err := op.response(types.CFindRSP, rq.MessageID)
		if err != nil {
			return err
		}

		rsp := &CFindResponse{Status: msg.Status, MessageID: msg.MessageIDBeingRespondedTo}
		if len(data) > 0 {
			ds, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID)
			if err != nil {
				rsp.Err = dicomerrors.NewProtocolError("C-FIND", "undecodable identifier", err)
			}
			rsp.Dataset = ds
		}

		if fnErr == nil {
			if fnErr = fn(rsp); fnErr != nil {
				if err := op.cancel(pc, rq.MessageID); err != nil {
					return err
				}
			}
		}

		if !types.IsPendingStatus(msg.Status) {
			if !types.IsSuccessStatus(msg.Status) && msg.Status != types.StatusCancel && fnErr == nil {
				return dicomerrors.NewDIMSEError("C-FIND", msg.Status, msg.ErrorComment)
			}
			return fnErr
		}
	}
}
