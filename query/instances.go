package query

import (
	"context"
	"sort"

	"github.com/caio-sobreiro/dicomqr/client"
	"github.com/caio-sobreiro/dicomqr/dicom"
	"github.com/caio-sobreiro/dicomqr/types"
)

// ListInstances fills d.SOPInstanceUIDs with the instances of the series,
// ordered by instance number. Instances without a number sort last in the
// order they arrived.
func (e *Engine) ListInstances(ctx context.Context, assoc Association, d *types.SeriesDescriptor) error {
	type instance struct {
		uid      string
		number   int
		numbered bool
	}
	var list []instance

	err := assoc.StreamCFind(ctx, &client.CFindRequest{
		SOPClassUID: e.model,
		Dataset:     imageIdentifier(d.StudyInstanceUID, d.SeriesInstanceUID),
	}, func(rsp *client.CFindResponse) error {
		if !types.IsPendingStatus(rsp.Status) {
			return nil
		}
		if rsp.Err != nil || rsp.Dataset == nil {
			e.discard(e.logger, orMissing(rsp.Err, "identifier"))
			return nil
		}
		uid := rsp.Dataset.GetString(dicom.TagSOPInstanceUID)
		if uid == "" {
			e.discard(e.logger, orMissing(nil, "SOPInstanceUID"))
			return nil
		}
		n, ok := rsp.Dataset.GetInt(dicom.TagInstanceNumber)
		list = append(list, instance{uid: uid, number: n, numbered: ok})
		return nil
	})
	if err != nil {
		return err
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].numbered != list[j].numbered {
			return list[i].numbered
		}
		return list[i].number < list[j].number
	})

	d.SOPInstanceUIDs = make([]string, len(list))
	for i, inst := range list {
		d.SOPInstanceUIDs[i] = inst.uid
	}
	if d.NumberOfInstances == 0 {
		d.NumberOfInstances = len(list)
	}
	return nil
}
