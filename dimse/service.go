package dimse

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Service manages DIMSE operations and message routing for one association.
type Service struct {
	handler interfaces.ServiceHandler
	asm     Assembler
	logger  zerolog.Logger

	mu     sync.Mutex
	nextID uint16
}

// NewService creates a new DIMSE service with a handler
func NewService(handler interfaces.ServiceHandler, logger *zerolog.Logger) *Service {
	return &Service{
		handler: handler,
		logger:  log.Or(logger, "dimse"),
	}
}

// HandleDIMSEMessage consumes one PDV and, once a message is complete,
// routes it to the handler.
func (s *Service) HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
	msg, dataset, err := s.asm.Add(presContextID, msgCtrlHeader, data)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	return s.processCompleteMessage(ctx, msg, dataset, pduLayer)
}

// processCompleteMessage processes a complete DIMSE message (command + optional dataset)
func (s *Service) processCompleteMessage(ctx context.Context, msg *types.Message, dataset []byte, pduLayer interfaces.PDULayer) error {
	ts, err := pduLayer.GetTransferSyntax(msg.PresentationContextID)
	if err != nil {
		return err
	}
	msg.TransferSyntaxUID = ts

	meta := interfaces.MessageContext{
		RemoteAddr:            pduLayer.RemoteAddr(),
		PresentationContextID: msg.PresentationContextID,
		TransferSyntaxUID:     ts,
	}
	if assoc := pduLayer.Association(); assoc != nil {
		meta.CallingAETitle = assoc.CallingAETitle
		meta.CalledAETitle = assoc.CalledAETitle
	}

	s.logger.Debug().
		Str(log.FieldCommand, types.CommandName(msg.CommandField)).
		Uint16(log.FieldMessageID, msg.MessageID).
		Uint8(log.FieldContextID, msg.PresentationContextID).
		Int("dataset_size", len(dataset)).
		Msg("Processing DIMSE message")

	if msg.CommandField == types.CCancelRQ {
		// nothing is running between messages; cancels that race a finished
		// operation are dropped
		s.logger.Debug().Uint16("responding_to", msg.MessageIDBeingRespondedTo).Msg("Ignoring C-CANCEL outside an operation")
		return nil
	}

	responder := &responder{service: s, layer: pduLayer, contextID: msg.PresentationContextID}

	// Check if handler supports streaming (for multi-response operations like C-FIND)
	if streamingHandler, ok := s.handler.(interfaces.StreamingServiceHandler); ok {
		return streamingHandler.HandleDIMSEStreaming(ctx, meta, msg, dataset, responder)
	}

	rsp, rspData, err := s.handler.HandleDIMSE(ctx, meta, msg, dataset)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}
	return responder.SendResponse(rsp, rspData)
}

func (s *Service) messageID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	return s.nextID
}

// responder implements interfaces.CGetResponder for one request.
type responder struct {
	service   *Service
	layer     interfaces.PDULayer
	contextID byte
	reader    *Reader
	canceled  bool
}

// SendResponse implements ResponseSender interface
func (r *responder) SendResponse(msg *types.Message, data []byte) error {
	command := EncodeCommand(withDatasetType(msg, data))
	return r.layer.SendDIMSEResponseWithDataset(r.contextID, command, data)
}

// SendCStore runs one C-STORE sub-operation on the requesting association.
// data is an Explicit VR Little Endian data set; it is re-encoded when the
// storage context negotiated another transfer syntax.
func (r *responder) SendCStore(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	pc, ok := r.layer.Association().FindContext(sopClassUID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", dicomerrors.ErrNoPresentationCtx, types.SOPClassName(sopClassUID))
	}

	payload := data
	if pc.TransferSyntax != types.ExplicitVRLittleEndian {
		ds, err := dicom.ParseDataset(data)
		if err != nil {
			return 0, err
		}
		if payload, err = dicom.EncodeDatasetWithTransferSyntax(ds, pc.TransferSyntax); err != nil {
			return 0, err
		}
	}

	rq := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              r.service.messageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		Priority:               types.PriorityMedium,
	}
	command := EncodeCommand(withDatasetType(rq, payload))
	if err := r.layer.SendDIMSEResponseWithDataset(pc.ID, command, payload); err != nil {
		return 0, err
	}

	if r.reader == nil {
		r.reader = NewReader(r.layer)
	}
	for {
		rsp, _, err := r.reader.ReadMessage()
		if err != nil {
			return 0, err
		}
		switch rsp.CommandField {
		case types.CCancelRQ:
			r.canceled = true
		case types.CStoreRSP:
			if rsp.MessageIDBeingRespondedTo != rq.MessageID {
				return 0, dicomerrors.NewProtocolError("C-STORE",
					fmt.Sprintf("response to message %d while awaiting %d", rsp.MessageIDBeingRespondedTo, rq.MessageID), nil)
			}
			return rsp.Status, nil
		default:
			return 0, dicomerrors.NewProtocolError("C-STORE",
				"unexpected "+types.CommandName(rsp.CommandField), dicomerrors.ErrInvalidMessage)
		}
	}
}

// Canceled reports whether a C-CANCEL arrived during a sub-operation.
func (r *responder) Canceled() bool {
	return r.canceled
}
