package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/caio-sobreiro/dicomqr/client"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/stop"
	"github.com/caio-sobreiro/dicomqr/types"
)

// PushProgress is reported after every C-STORE.
type PushProgress struct {
	Index          int
	Total          int
	SOPInstanceUID string
	Status         uint16
	Err            error
}

// PushFailure is an object the PACS did not store.
type PushFailure struct {
	SOPInstanceUID string
	Status         uint16
	Err            error
}

// PushResult lists stored and failed objects in request order.
type PushResult struct {
	Stored []string
	Failed []PushFailure
}

// OK reports whether every object was stored.
func (r *PushResult) OK() bool { return len(r.Failed) == 0 }

// Push sends objects to the PACS with C-STORE on one association. A refused
// object does not stop the batch. A transport failure or a stop request
// fails the remaining objects and returns the partial result with the error.
func (s *Session) Push(ctx context.Context, objects []*client.CStoreRequest, progress func(PushProgress)) (*PushResult, error) {
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: nothing to push", dicomerrors.ErrInvalidRequest)
	}
	result := &PushResult{}
	err := s.run(ctx, func(ctx context.Context, stopper *stop.Controller, assoc *client.Association) error {
		for i, obj := range objects {
			if err := stopper.Err(); err != nil {
				result.failRest(objects[i:], err)
				return err
			}

			status, uid, err := s.storeOne(ctx, assoc, obj)
			if progress != nil {
				progress(PushProgress{Index: i, Total: len(objects), SOPInstanceUID: uid, Status: status, Err: err})
			}
			switch {
			case err == nil && (types.IsSuccessStatus(status) || types.IsWarningStatus(status)):
				result.Stored = append(result.Stored, uid)
				metrics.RecordPushedObject("stored")
			case err == nil:
				result.Failed = append(result.Failed, PushFailure{SOPInstanceUID: uid, Status: status, Err: dicomerrors.NewDIMSEError("c-store", status, "object refused")})
				metrics.RecordPushedObject("refused")
			case errors.Is(err, dicomerrors.ErrInvalidRequest):
				result.Failed = append(result.Failed, PushFailure{SOPInstanceUID: uid, Err: err})
				metrics.RecordPushedObject("invalid")
			default:
				result.failRest(objects[i:], err)
				if stopper.Stopped() {
					return stopper.Err()
				}
				return err
			}
		}
		return nil
	})
	return result, err
}

func (s *Session) storeOne(ctx context.Context, assoc *client.Association, obj *client.CStoreRequest) (uint16, string, error) {
	uid := ""
	if obj != nil {
		uid = obj.SOPInstanceUID
	}
	rsp, err := assoc.SendCStore(ctx, obj)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldInstanceUID, uid).Msg("C-STORE failed")
		return 0, uid, err
	}
	if rsp.SOPInstanceUID != "" {
		uid = rsp.SOPInstanceUID
	}
	s.logger.Debug().Str(log.FieldInstanceUID, uid).Uint16(log.FieldStatus, rsp.Status).Msg("C-STORE answered")
	return rsp.Status, uid, nil
}

func (r *PushResult) failRest(objects []*client.CStoreRequest, err error) {
	for _, obj := range objects {
		f := PushFailure{Err: err}
		if obj != nil {
			f.SOPInstanceUID = obj.SOPInstanceUID
		}
		r.Failed = append(r.Failed, f)
	}
	metrics.RecordPushedObject("abandoned")
}
