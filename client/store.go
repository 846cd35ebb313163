package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/types"
)

// CStoreRequest represents a C-STORE request. Data is either a bare data set
// in TransferSyntaxUID (default Explicit VR Little Endian) or a Part 10 file.
// Missing UIDs are read from the data set.
type CStoreRequest struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Priority          uint16
	Data              []byte
}

// CStoreResponse represents a C-STORE response
type CStoreResponse struct {
	Status         uint16
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
}

// prepare resolves UIDs and the data set encoding of a request.
func (req *CStoreRequest) prepare() (*dicom.Dataset, []byte, string, error) {
	data, ts := req.Data, req.TransferSyntaxUID
	if dicom.HasPart10Header(data) {
		var err error
		if data, ts, err = dicom.ReadPart10(data); err != nil {
			return nil, nil, "", err
		}
	}
	if ts == "" {
		ts = types.ExplicitVRLittleEndian
	}
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, ts)
	if err != nil {
		return nil, nil, "", err
	}
	if req.SOPClassUID == "" {
		req.SOPClassUID = ds.GetString(dicom.TagSOPClassUID)
	}
	if req.SOPInstanceUID == "" {
		req.SOPInstanceUID = ds.GetString(dicom.TagSOPInstanceUID)
	}
	if req.SOPClassUID == "" || req.SOPInstanceUID == "" {
		return nil, nil, "", fmt.Errorf("%w: SOP class and instance UIDs are required", dicomerrors.ErrInvalidDataset)
	}
	return ds, data, ts, nil
}

// SendCStore sends a C-STORE request and waits for response
func (a *Association) SendCStore(ctx context.Context, req *CStoreRequest) (*CStoreResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: c-store request cannot be nil", dicomerrors.ErrInvalidRequest)
	}
	ds, data, ts, err := req.prepare()
	if err != nil {
		return nil, err
	}

	op, err := a.begin(ctx, "C-STORE")
	if err != nil {
		return nil, err
	}
	defer op.end()

	pc, err := op.context(req.SOPClassUID)
	if err != nil {
		return nil, err
	}
	if pc.TransferSyntax != ts {
		if data, err = op.encode(pc, ds); err != nil {
			return nil, err
		}
	}

	rq := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              a.messageID(),
		Priority:               req.Priority,
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
	}
	if err := op.send(pc, rq, data); err != nil {
		return nil, err
	}

	msg, _, err := op.response(types.CStoreRSP, rq.MessageID)
	if err != nil {
		return nil, err
	}
	op.logger.Debug().
		Str(log.FieldInstanceUID, req.SOPInstanceUID).
		Str(log.FieldStatus, fmt.Sprintf("0x%04X", msg.Status)).
		Msg("C-STORE completed")

	return &CStoreResponse{
		Status:         msg.Status,
		MessageID:      msg.MessageIDBeingRespondedTo,
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: msg.AffectedSOPInstanceUID,
	}, nil
}
