package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/types"
)

func genericDataset() []byte {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagSOPClassUID, types.CTImageStorage)
	ds.Set(dicom.TagSOPInstanceUID, "1.2.3.4.1")
	ds.Set(dicom.TagSeriesInstanceUID, "1.2.3.4")
	ds.Set(dicom.TagModality, "CT")
	return ds.EncodeDataset()
}

func storeRequest() *types.Message {
	return &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              3,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.3.4.1",
	}
}

func TestStoreStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint16
	}{
		{"nil", nil, types.StatusSuccess},
		{"malformed", fmt.Errorf("decode: %w", dicomerrors.ErrInvalidDataset), StatusCannotUnderstand},
		{"shape", &dicomerrors.ShapeMismatchError{Device: "CT1", Want: "matrix 4x4", Got: "generic"}, StatusDataSetMismatch},
		{"other", errors.New("disk full"), StatusStorageFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StoreStatus(tt.err); got != tt.want {
				t.Errorf("StoreStatus() = 0x%04X, want 0x%04X", got, tt.want)
			}
		})
	}
}

func TestStoreService_DeliversToSink(t *testing.T) {
	var got []types.IncomingObject
	sink := interfaces.ObjectSinkFunc(func(_ context.Context, obj types.IncomingObject) error {
		got = append(got, obj)
		return nil
	})

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	service := NewStoreService(sink, nil)
	service.now = func() time.Time { return now }

	meta := interfaces.MessageContext{CallingAETitle: "SCANNER", TransferSyntaxUID: types.ExplicitVRLittleEndian}
	resp, _, err := service.HandleDIMSE(context.Background(), meta, storeRequest(), genericDataset())
	require.NoError(t, err)

	assert.Equal(t, uint16(types.StatusSuccess), resp.Status)
	assert.Equal(t, "1.2.3.4.1", resp.AffectedSOPInstanceUID)
	require.Len(t, got, 1)
	assert.Equal(t, "SCANNER", got[0].DeviceName)
	assert.Equal(t, "1.2.3.4", got[0].SeriesInstanceUID)
	assert.Equal(t, now, got[0].ReceivedAt)
	assert.Equal(t, types.KindGeneric, got[0].Shape().Kind)
}

func TestStoreService_Failures(t *testing.T) {
	meta := interfaces.MessageContext{CallingAETitle: "SCANNER", TransferSyntaxUID: types.ExplicitVRLittleEndian}

	tests := []struct {
		name    string
		data    []byte
		sinkErr error
		want    uint16
		reached bool
	}{
		{"empty data set", nil, nil, StatusCannotUnderstand, false},
		{"truncated data set", []byte{0x08, 0x00, 0x18, 0x00, 'U', 'I', 0x40}, nil, StatusCannotUnderstand, false},
		{"shape mismatch", genericDataset(), &dicomerrors.ShapeMismatchError{}, StatusDataSetMismatch, true},
		{"sink error", genericDataset(), errors.New("closed"), StatusStorageFull, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			sink := interfaces.ObjectSinkFunc(func(context.Context, types.IncomingObject) error {
				reached = true
				return tt.sinkErr
			})

			resp, _, err := NewStoreService(sink, nil).HandleDIMSE(context.Background(), meta, storeRequest(), tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, tt.reached, reached)
		})
	}
}
