package dimse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

func u16(v uint16) *uint16 { return &v }

func TestEncodeDecodeCommand(t *testing.T) {
	tests := []struct {
		name string
		msg  types.Message
	}{
		{
			name: "C-ECHO-RQ",
			msg: types.Message{
				CommandField:        types.CEchoRQ,
				MessageID:           1,
				AffectedSOPClassUID: types.VerificationSOPClass,
				CommandDataSetType:  types.NoDataSet,
			},
		},
		{
			name: "C-MOVE-RQ",
			msg: types.Message{
				CommandField:        types.CMoveRQ,
				MessageID:           7,
				AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelMove,
				MoveDestination:     "MOVE_SCP",
				Priority:            types.PriorityMedium,
				CommandDataSetType:  types.DataSetPresent,
			},
		},
		{
			name: "C-GET-RSP with counters",
			msg: types.Message{
				CommandField:                   types.CGetRSP,
				MessageIDBeingRespondedTo:      3,
				AffectedSOPClassUID:            types.StudyRootQueryRetrieveInformationModelGet,
				CommandDataSetType:             types.NoDataSet,
				Status:                         types.StatusPending,
				NumberOfRemainingSuboperations: u16(2),
				NumberOfCompletedSuboperations: u16(1),
				NumberOfFailedSuboperations:    u16(0),
				NumberOfWarningSuboperations:   u16(0),
			},
		},
		{
			name: "C-STORE-RQ from a move",
			msg: types.Message{
				CommandField:            types.CStoreRQ,
				MessageID:               12,
				AffectedSOPClassUID:     types.CTImageStorage,
				AffectedSOPInstanceUID:  "1.2.3.4.5",
				Priority:                types.PriorityHigh,
				CommandDataSetType:      types.DataSetPresent,
				MoveOriginatorAETitle:   "DICOMQR",
				MoveOriginatorMessageID: 7,
			},
		},
		{
			name: "C-CANCEL-RQ",
			msg: types.Message{
				CommandField:              types.CCancelRQ,
				MessageIDBeingRespondedTo: 9,
				CommandDataSetType:        types.NoDataSet,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeCommand(EncodeCommand(&tt.msg))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.msg, *decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeCommand_SuccessStatusIsPresent(t *testing.T) {
	rsp := &types.Message{CommandField: types.CEchoRSP, MessageIDBeingRespondedTo: 1, CommandDataSetType: types.NoDataSet}

	ds, err := dicom.ParseCommand(EncodeCommand(rsp))
	require.NoError(t, err)
	status, ok := ds.GetUint16(dicom.TagStatus)
	assert.True(t, ok, "status element must be encoded even when it is success")
	assert.Equal(t, uint16(types.StatusSuccess), status)
	assert.False(t, ds.Has(dicom.TagMessageID), "responses carry only the responded-to id")

	groupLength, ok := ds.GetUint32(dicom.TagCommandGroupLength)
	require.True(t, ok)
	assert.Equal(t, uint32(len(EncodeCommand(rsp))-12), groupLength)
}

func TestDecodeCommand_Invalid(t *testing.T) {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagMessageID, uint16(1))
	_, err := DecodeCommand(dicom.EncodeCommand(ds))
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidMessage)

	_, err = DecodeCommand([]byte{0x00, 0x00, 0x00, 0x01, 0x02})
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidMessage)
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidDataset)
}

func TestWithDatasetType(t *testing.T) {
	msg := &types.Message{CommandField: types.CFindRSP, CommandDataSetType: types.DataSetPresent}

	assert.Equal(t, uint16(types.NoDataSet), withDatasetType(msg, nil).CommandDataSetType)
	assert.Equal(t, uint16(types.DataSetPresent), withDatasetType(msg, []byte{1, 2}).CommandDataSetType)
	assert.Equal(t, uint16(types.DataSetPresent), msg.CommandDataSetType, "original is not modified")
}
