package client

import (
	"context"

	"github.com/caio-sobreiro/dicomqr/types"
)

// CEchoResponse represents the result of a C-ECHO operation.
type CEchoResponse struct {
	Status    uint16
	MessageID uint16
}

// SendCEcho performs a DICOM C-ECHO (verification) request and returns the response status.
func (a *Association) SendCEcho(ctx context.Context) (*CEchoResponse, error) {
	op, err := a.begin(ctx, "C-ECHO")
	if err != nil {
		return nil, err
	}
	defer op.end()

	pc, err := op.context(types.VerificationSOPClass)
	if err != nil {
		return nil, err
	}

	rq := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           a.messageID(),
		AffectedSOPClassUID: types.VerificationSOPClass,
	}
	if err := op.send(pc, rq, nil); err != nil {
		return nil, err
	}

	rsp, _, err := op.response(types.CEchoRSP, rq.MessageID)
	if err != nil {
		return nil, err
	}
	return &CEchoResponse{Status: rsp.Status, MessageID: rsp.MessageIDBeingRespondedTo}, nil
}
