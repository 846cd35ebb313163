package pacstest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/client"
	"github.com/caio-sobreiro/dicomqr/dicom"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/services"
	"github.com/caio-sobreiro/dicomqr/types"
)

// retrieveService answers C-MOVE and C-GET. C-MOVE pushes over a new
// association to the registered destination, C-GET over the requesting one.
type retrieveService struct {
	pacs    *PACS
	command uint16
}

// storeFunc runs one C-STORE sub-operation and returns its status.
type storeFunc func(ctx context.Context, inst Instance) (uint16, error)

func (s *retrieveService) HandleDIMSE(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return services.CreateErrorResponse(msg, types.StatusUnableToProcess), nil, nil
}

func (s *retrieveService) HandleDIMSEStreaming(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	builder := services.NewResponseBuilder(msg)
	respond := func(status uint16, ops services.SubOps, failed []string) error {
		var rsp *types.Message
		if s.command == types.CGetRQ {
			rsp = builder.CGetResponse(status, ops)
		} else {
			rsp = builder.CMoveResponse(status, ops)
		}
		if len(failed) == 0 || types.IsPendingStatus(status) {
			return responder.SendResponse(rsp, nil)
		}
		ds := dicom.NewDataset()
		ds.Set(dicom.TagFailedSOPInstanceUIDList, failed)
		payload, err := dicom.EncodeDatasetWithTransferSyntax(ds, meta.TransferSyntaxUID)
		if err != nil {
			return err
		}
		rsp.CommandDataSetType = types.DataSetPresent
		return responder.SendResponse(rsp, payload)
	}

	identifier, err := dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
	if err != nil {
		return respond(types.StatusUnableToProcess, services.SubOps{}, nil)
	}

	name := types.CommandName(s.command)
	req := Request{
		Command:        name,
		Level:          identifier.GetString(dicom.TagQueryRetrieveLevel),
		SeriesUID:      identifier.GetString(dicom.TagSeriesInstanceUID),
		SOPInstanceUID: identifier.GetString(dicom.TagSOPInstanceUID),
		Destination:    msg.MoveDestination,
	}
	s.pacs.record(req)
	logger := s.pacs.logger.With().
		Str(log.FieldCommand, name).
		Str(log.FieldSeriesUID, req.SeriesUID).
		Str(log.FieldCallingAE, meta.CallingAETitle).
		Logger()

	if status, ok := s.pacs.failure(req.SeriesUID); ok {
		logger.Info().Str(log.FieldStatus, fmt.Sprintf("0x%04X", status)).Msg("Injected retrieve failure")
		return respond(status, services.SubOps{}, nil)
	}

	instances := s.matching(req)
	if len(instances) == 0 {
		return respond(types.StatusSuccess, services.SubOps{}, nil)
	}

	var (
		store    storeFunc
		canceled func() bool
	)
	switch s.command {
	case types.CGetRQ:
		getter, ok := responder.(interfaces.CGetResponder)
		if !ok {
			return respond(types.StatusUnableToProcess, services.SubOps{}, nil)
		}
		store = func(ctx context.Context, inst Instance) (uint16, error) {
			return getter.SendCStore(ctx, inst.SOPClassUID, inst.SOPInstanceUID, inst.Data)
		}
		canceled = getter.Canceled
	default:
		addr, ok := s.pacs.destination(msg.MoveDestination)
		if !ok {
			logger.Warn().Str("destination", msg.MoveDestination).Msg("Unknown move destination")
			return respond(types.StatusMoveDestinationUnknown, services.SubOps{}, nil)
		}
		assoc, err := s.connect(ctx, msg.MoveDestination, addr)
		if err != nil {
			logger.Warn().Err(err).Msg("Move destination unreachable")
			return respond(types.StatusOutOfResources, services.SubOps{Failed: uint16(len(instances))}, uids(instances))
		}
		defer func() { _ = assoc.Disconnect() }()
		store = func(ctx context.Context, inst Instance) (uint16, error) {
			rsp, err := assoc.SendCStore(ctx, &client.CStoreRequest{
				SOPClassUID:    inst.SOPClassUID,
				SOPInstanceUID: inst.SOPInstanceUID,
				Data:           inst.Data,
			})
			if err != nil {
				return 0, err
			}
			return rsp.Status, nil
		}
		canceled = func() bool { return false }
	}

	ops, failed, wasCanceled, err := s.run(ctx, instances, store, canceled, respond, logger)
	if err != nil {
		return err
	}
	return respond(services.FinalRetrieveStatus(ops, wasCanceled), ops, failed)
}

// run performs the sub-operations, sending a pending response before each.
func (s *retrieveService) run(ctx context.Context, instances []Instance, store storeFunc, canceled func() bool, respond func(uint16, services.SubOps, []string) error, logger zerolog.Logger) (services.SubOps, []string, bool, error) {
	var (
		ops    services.SubOps
		failed []string
	)
	for i, inst := range instances {
		if canceled() {
			return ops, failed, true, nil
		}
		ops.Remaining = uint16(len(instances) - i)
		if err := respond(types.StatusPending, ops, nil); err != nil {
			return ops, failed, false, err
		}

		if s.pacs.delay > 0 {
			select {
			case <-ctx.Done():
				return ops, failed, false, ctx.Err()
			case <-time.After(s.pacs.delay):
			}
		}

		status, err := store(ctx, inst)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str(log.FieldInstanceUID, inst.SOPInstanceUID).Msg("C-STORE sub-operation failed")
			ops.Failed++
			failed = append(failed, inst.SOPInstanceUID)
		case types.IsSuccessStatus(status):
			ops.Completed++
		case types.IsWarningStatus(status):
			ops.Warning++
		default:
			ops.Failed++
			failed = append(failed, inst.SOPInstanceUID)
		}
	}
	ops.Remaining = 0
	return ops, failed, canceled(), nil
}

func (s *retrieveService) matching(req Request) []Instance {
	series, ok := s.pacs.lookupSeries(req.SeriesUID)
	if !ok {
		return nil
	}
	if req.SOPInstanceUID == "" {
		return series.Instances
	}
	for _, inst := range series.Instances {
		if inst.SOPInstanceUID == req.SOPInstanceUID {
			return []Instance{inst}
		}
	}
	return nil
}

func (s *retrieveService) connect(ctx context.Context, destinationAE, addr string) (*client.Association, error) {
	cfg, err := s.pacs.storeConfig(destinationAE, addr)
	if err != nil {
		return nil, err
	}
	return client.Connect(ctx, cfg)
}

func uids(instances []Instance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.SOPInstanceUID
	}
	return out
}
