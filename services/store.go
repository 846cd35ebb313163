package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/types"
)

// C-STORE failure statuses used when a received object cannot be kept.
const (
	StatusCannotUnderstand = 0xC000
	StatusDataSetMismatch  = types.StatusIdentifierMismatch
	StatusStorageFull      = types.StatusOutOfResources
)

// DecodeIncoming turns a C-STORE data set into the object handed to a sink.
// device names the peer the object came from.
func DecodeIncoming(data []byte, transferSyntaxUID, sopClassUID, sopInstanceUID, device string, now time.Time) (types.IncomingObject, error) {
	obj, err := dicom.DecodeObject(data, transferSyntaxUID, sopClassUID, sopInstanceUID)
	if err != nil {
		return types.IncomingObject{}, err
	}
	return types.IncomingObject{
		DeviceName:        device,
		SeriesInstanceUID: obj.SeriesInstanceUID,
		SOPInstanceUID:    obj.SOPInstanceUID,
		SOPClassUID:       obj.SOPClassUID,
		Payload:           obj.Payload,
		ReceivedAt:        now,
	}, nil
}

// StoreStatus maps the outcome of handing an object to a sink onto a
// C-STORE response status.
func StoreStatus(err error) uint16 {
	var shape *dicomerrors.ShapeMismatchError
	switch {
	case err == nil:
		return types.StatusSuccess
	case errors.Is(err, dicomerrors.ErrInvalidDataset):
		return StatusCannotUnderstand
	case errors.As(err, &shape):
		return StatusDataSetMismatch
	default:
		return StatusStorageFull
	}
}

// StoreService handles C-STORE requests by decoding the object and handing
// it to an ObjectSink. Objects are tagged with the calling AE title as
// their device name.
type StoreService struct {
	sink   interfaces.ObjectSink
	now    func() time.Time
	logger zerolog.Logger
}

// NewStoreService creates a C-STORE service that delivers into sink.
func NewStoreService(sink interfaces.ObjectSink, logger *zerolog.Logger) *StoreService {
	return &StoreService{
		sink:   sink,
		now:    time.Now,
		logger: log.Or(logger, "services"),
	}
}

// HandleDIMSE stores one object. Failures are reported through the response
// status; the association stays up.
func (s *StoreService) HandleDIMSE(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	logger := s.logger.With().
		Str(log.FieldCallingAE, meta.CallingAETitle).
		Str(log.FieldInstanceUID, msg.AffectedSOPInstanceUID).
		Logger()

	if len(data) == 0 {
		logger.Warn().Msg("C-STORE request without data set")
		metrics.RecordListenerObject("rejected")
		return NewCStoreResponse(msg, StatusCannotUnderstand), nil, nil
	}

	obj, err := DecodeIncoming(data, meta.TransferSyntaxUID, msg.AffectedSOPClassUID, msg.AffectedSOPInstanceUID, meta.CallingAETitle, s.now())
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot decode stored object")
		metrics.RecordListenerObject("rejected")
		return NewCStoreResponse(msg, StoreStatus(err)), nil, nil
	}

	if err := s.sink.Accept(ctx, obj); err != nil {
		logger.Warn().Err(err).Str("shape", obj.Shape().String()).Msg("Sink refused object")
		metrics.RecordListenerObject("rejected")
		return NewCStoreResponse(msg, StoreStatus(err)), nil, nil
	}

	logger.Debug().
		Str(log.FieldSeriesUID, obj.SeriesInstanceUID).
		Str("sop_class", types.SOPClassName(obj.SOPClassUID)).
		Str("shape", obj.Shape().String()).
		Msg("Stored object")
	metrics.RecordListenerObject("accepted")
	return NewCStoreResponse(msg, types.StatusSuccess), nil, nil
}

