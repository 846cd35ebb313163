// Package dimse implements DIMSE messages on top of the upper layer: the
// command set codec, message reassembly, sending and receiving, and the
// acceptor-side service that routes requests to handlers.
package dimse

import (
	"fmt"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

// EncodeCommand encodes a DIMSE command message using Implicit VR Little Endian
func EncodeCommand(msg *types.Message) []byte {
	ds := dicom.NewDataset()

	if msg.AffectedSOPClassUID != "" {
		ds.Set(dicom.TagAffectedSOPClassUID, msg.AffectedSOPClassUID)
	}
	if msg.RequestedSOPClassUID != "" {
		ds.Set(dicom.TagRequestedSOPClassUID, msg.RequestedSOPClassUID)
	}
	ds.Set(dicom.TagCommandField, msg.CommandField)

	switch {
	case msg.IsResponse() || msg.CommandField == types.CCancelRQ:
		ds.Set(dicom.TagMessageIDBeingRespondedTo, msg.MessageIDBeingRespondedTo)
	default:
		ds.Set(dicom.TagMessageID, msg.MessageID)
	}

	if msg.MoveDestination != "" {
		ds.Set(dicom.TagMoveDestination, msg.MoveDestination)
	}
	if hasPriority(msg.CommandField) {
		ds.Set(dicom.TagPriority, msg.Priority)
	}
	ds.Set(dicom.TagCommandDataSetType, msg.CommandDataSetType)

	// status is mandatory in every response, including success (0000)
	if msg.IsResponse() {
		ds.Set(dicom.TagStatus, msg.Status)
	}
	if msg.ErrorComment != "" {
		ds.Set(dicom.TagErrorComment, msg.ErrorComment)
	}
	if msg.AffectedSOPInstanceUID != "" {
		ds.Set(dicom.TagAffectedSOPInstanceUID, msg.AffectedSOPInstanceUID)
	}

	setCounter(ds, dicom.TagNumberOfRemainingSubOps, msg.NumberOfRemainingSuboperations)
	setCounter(ds, dicom.TagNumberOfCompletedSubOps, msg.NumberOfCompletedSuboperations)
	setCounter(ds, dicom.TagNumberOfFailedSubOps, msg.NumberOfFailedSuboperations)
	setCounter(ds, dicom.TagNumberOfWarningSubOps, msg.NumberOfWarningSuboperations)

	if msg.MoveOriginatorAETitle != "" {
		ds.Set(dicom.TagMoveOriginatorAETitle, msg.MoveOriginatorAETitle)
		ds.Set(dicom.TagMoveOriginatorMessageID, msg.MoveOriginatorMessageID)
	}

	return dicom.EncodeCommand(ds)
}

// DecodeCommand decodes a DIMSE command set. A command set without a
// command field is rejected.
func DecodeCommand(data []byte) (*types.Message, error) {
	ds, err := dicom.ParseCommand(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dicomerrors.ErrInvalidMessage, err)
	}

	field, ok := ds.GetUint16(dicom.TagCommandField)
	if !ok {
		return nil, fmt.Errorf("%w: command set has no command field", dicomerrors.ErrInvalidMessage)
	}

	msg := &types.Message{
		CommandField:           field,
		CommandDataSetType:     types.NoDataSet,
		AffectedSOPClassUID:    ds.GetString(dicom.TagAffectedSOPClassUID),
		RequestedSOPClassUID:   ds.GetString(dicom.TagRequestedSOPClassUID),
		AffectedSOPInstanceUID: ds.GetString(dicom.TagAffectedSOPInstanceUID),
		MoveDestination:        ds.GetString(dicom.TagMoveDestination),
		MoveOriginatorAETitle:  ds.GetString(dicom.TagMoveOriginatorAETitle),
		ErrorComment:           ds.GetString(dicom.TagErrorComment),
	}
	msg.MessageID, _ = ds.GetUint16(dicom.TagMessageID)
	msg.MessageIDBeingRespondedTo, _ = ds.GetUint16(dicom.TagMessageIDBeingRespondedTo)
	msg.Priority, _ = ds.GetUint16(dicom.TagPriority)
	msg.Status, _ = ds.GetUint16(dicom.TagStatus)
	msg.MoveOriginatorMessageID, _ = ds.GetUint16(dicom.TagMoveOriginatorMessageID)
	if v, ok := ds.GetUint16(dicom.TagCommandDataSetType); ok {
		msg.CommandDataSetType = v
	}

	msg.NumberOfRemainingSuboperations = counter(ds, dicom.TagNumberOfRemainingSubOps)
	msg.NumberOfCompletedSuboperations = counter(ds, dicom.TagNumberOfCompletedSubOps)
	msg.NumberOfFailedSuboperations = counter(ds, dicom.TagNumberOfFailedSubOps)
	msg.NumberOfWarningSuboperations = counter(ds, dicom.TagNumberOfWarningSubOps)

	return msg, nil
}

// withDatasetType returns a copy of msg whose CommandDataSetType matches
// the presence of data.
func withDatasetType(msg *types.Message, data []byte) *types.Message {
	out := *msg
	if len(data) > 0 {
		out.CommandDataSetType = types.DataSetPresent
	} else {
		out.CommandDataSetType = types.NoDataSet
	}
	return &out
}

func hasPriority(field uint16) bool {
	switch field {
	case types.CStoreRQ, types.CFindRQ, types.CMoveRQ, types.CGetRQ:
		return true
	}
	return false
}

func setCounter(ds *dicom.Dataset, tag dicom.Tag, v *uint16) {
	if v != nil {
		ds.Set(tag, *v)
	}
}

func counter(ds *dicom.Dataset, tag dicom.Tag) *uint16 {
	v, ok := ds.GetUint16(tag)
	if !ok {
		return nil
	}
	return &v
}
