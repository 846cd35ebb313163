package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/types"
)

// StoreRequest is one C-STORE sub-operation received during a C-GET.
type StoreRequest struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Data              []byte
	// RemoteAETitle is the AE title of the SCP sending the instance.
	RemoteAETitle string
}

// StoreHandler consumes C-STORE sub-operations. The returned status is sent
// back in the C-STORE-RSP; an error is logged and, with a success status,
// answered as "unable to process".
type StoreHandler interface {
	HandleStore(ctx context.Context, req *StoreRequest) (uint16, error)
}

// StoreHandlerFunc adapts a function to StoreHandler.
type StoreHandlerFunc func(ctx context.Context, req *StoreRequest) (uint16, error)

func (f StoreHandlerFunc) HandleStore(ctx context.Context, req *StoreRequest) (uint16, error) {
	return f(ctx, req)
}

// CGetRequest encapsulates the information required to perform a C-GET operation.
type CGetRequest struct {
	SOPClassUID string // default: Study Root GET
	Priority    uint16
	Dataset     *dicom.Dataset // Query identifying which instances to retrieve
	Progress    func(*RetrieveResponse)
}

// SendCGet performs a DICOM C-GET operation to retrieve instances.
// The SCP sends a C-STORE-RQ on the same association for each matching
// instance; each one is passed to handler and answered before the next
// response is read.
func (a *Association) SendCGet(ctx context.Context, req *CGetRequest, handler StoreHandler) ([]*RetrieveResponse, error) {
	if req == nil || req.Dataset == nil {
		return nil, fmt.Errorf("%w: c-get request requires a dataset", dicomerrors.ErrInvalidRequest)
	}
	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelGet
	}

	op, err := a.begin(ctx, "C-GET")
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
		CommandField:        types.CGetRQ,
		MessageID:           a.messageID(),
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
	}
	if err := op.send(pc, rq, identifier); err != nil {
		return nil, err
	}

	var responses []*RetrieveResponse
	for {
		msg, data, err := op.receive()
		if err != nil {
			return responses, err
		}

		if msg.CommandField == types.CStoreRQ {
			if err := op.store(msg, data, handler); err != nil {
				return responses, err
			}
			continue
		}

		if perr := op.check(msg, types.CGetRSP, rq.MessageID); perr != nil {
			op.discard(perr)
			continue
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

// store answers one C-STORE sub-operation.
func (op *operation) store(msg *types.Message, data []byte, handler StoreHandler) error {
	status := uint16(types.StatusUnableToProcess)
	if handler != nil {
		req := &StoreRequest{
			SOPClassUID:       msg.AffectedSOPClassUID,
			SOPInstanceUID:    msg.AffectedSOPInstanceUID,
			TransferSyntaxUID: msg.TransferSyntaxUID,
			Data:              data,
			RemoteAETitle:     op.assoc.CalledAETitle,
		}
		var err error
		status, err = handler.HandleStore(op.ctx, req)
		if err != nil {
			op.logger.Warn().Err(err).
				Str(log.FieldInstanceUID, msg.AffectedSOPInstanceUID).
				Msg("C-STORE sub-operation rejected")
			if types.IsSuccessStatus(status) {
				status = types.StatusUnableToProcess
			}
		}
	}

	pc, ok := op.assoc.PresentationCtxs[msg.PresentationContextID]
	if !ok {
		return op.fail(dicomerrors.NewPDUError(types.TypePDataTF, fmt.Sprintf("unknown presentation context %d", msg.PresentationContextID)))
	}
	rsp := &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		Status:                    status,
	}
	return op.send(pc, rsp, nil)
}
