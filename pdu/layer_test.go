package pdu

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/types"
)

type recordedPDV struct {
	contextID byte
	control   byte
	data      string
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []recordedPDV
	err   error
}

func (h *recordingHandler) HandleDIMSEMessage(_ context.Context, presContextID byte, msgCtrlHeader byte, data []byte, _ interfaces.PDULayer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, recordedPDV{presContextID, msgCtrlHeader, string(data)})
	return h.err
}

func (h *recordingHandler) recorded() []recordedPDV {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedPDV(nil), h.calls...)
}

func startLayer(t *testing.T, handler interfaces.DIMSEHandler, cfg AcceptorConfig) (net.Conn, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	layer := NewLayer(server, handler, cfg, nil)

	done := make(chan error, 1)
	go func() { done <- layer.HandleConnection(context.Background()) }()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func associate(t *testing.T, conn net.Conn, calledAE string) *types.PDU {
	t.Helper()
	rq := &Associate{
		CalledAETitle:  calledAE,
		CallingAETitle: "DICOMQR",
		PresentationContexts: []*types.PresentationContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, Proposed: types.DefaultTransferSyntaxes},
		},
	}
	encoded, err := rq.EncodeRQ()
	require.NoError(t, err)
	_, err = conn.Write(encoded)
	require.NoError(t, err)

	reply, err := ReadPDU(conn, 0)
	require.NoError(t, err)
	return reply
}

func pdataWithTwoPDVs() []byte {
	var body []byte
	for _, pdv := range []PDV{{1, ControlCommand, []byte("part1")}, {1, ControlCommand | ControlLast, []byte("part2")}} {
		body = binary.BigEndian.AppendUint32(body, uint32(2+len(pdv.Data)))
		body = append(body, pdv.ContextID, pdv.Control)
		body = append(body, pdv.Data...)
	}
	return EncodePDU(TypePDataTF, body)
}

func TestLayer_AcceptDispatchRelease(t *testing.T) {
	defer goleak.VerifyNone(t)

	handler := &recordingHandler{}
	conn, done := startLayer(t, handler, AcceptorConfig{AETitle: "MOVE_SCP", RequireCalledAETitle: true})

	reply := associate(t, conn, "MOVE_SCP")
	require.Equal(t, byte(TypeAssociateAC), reply.Type)
	ac, err := ParseAssociateAC(reply.Data)
	require.NoError(t, err)
	require.Len(t, ac.PresentationContexts, 1)
	assert.True(t, ac.PresentationContexts[0].Accepted())

	_, err = conn.Write(pdataWithTwoPDVs())
	require.NoError(t, err)

	_, err = conn.Write(EncodeReleaseRQ())
	require.NoError(t, err)
	rp, err := ReadPDU(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(TypeReleaseRP), rp.Type)

	require.NoError(t, <-done)
	assert.Equal(t, []recordedPDV{
		{1, ControlCommand, "part1"},
		{1, ControlCommand | ControlLast, "part2"},
	}, handler.recorded())
}

func TestLayer_RejectsUnknownCalledAE(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, done := startLayer(t, &recordingHandler{}, AcceptorConfig{AETitle: "MOVE_SCP", RequireCalledAETitle: true})

	reply := associate(t, conn, "SOMEONE_ELSE")
	require.Equal(t, byte(TypeAssociateRJ), reply.Type)
	rj := ParseAssociateRJ(reply.Data)
	assert.Equal(t, dicomerrors.RejectReasonCalledAETitleNotRecognized, rj.Reason)

	err := <-done
	assert.ErrorIs(t, err, dicomerrors.ErrAssociationRejected)
}

func TestLayer_HandlerErrorAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	handler := &recordingHandler{err: errors.New("boom")}
	conn, done := startLayer(t, handler, AcceptorConfig{AETitle: "MOVE_SCP"})

	reply := associate(t, conn, "ANY")
	require.Equal(t, byte(TypeAssociateAC), reply.Type)

	go func() { _, _ = conn.Write(pdataWithTwoPDVs()) }()

	abort, err := ReadPDU(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(TypeAbort), abort.Type)
	assert.EqualError(t, <-done, "boom")
	assert.Len(t, handler.recorded(), 1, "dispatch stops at the first failing PDV")
}

func TestLayer_UnknownContextAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, done := startLayer(t, &recordingHandler{}, AcceptorConfig{AETitle: "MOVE_SCP"})
	associate(t, conn, "MOVE_SCP")

	body := binary.BigEndian.AppendUint32(nil, 3)
	body = append(body, 9, ControlCommand|ControlLast, 0x00)
	go func() { _, _ = conn.Write(EncodePDU(TypePDataTF, body)) }()

	abort, err := ReadPDU(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(TypeAbort), abort.Type)
	assert.ErrorIs(t, <-done, dicomerrors.ErrInvalidPDU)
}
