package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/caio-sobreiro/dicomqr/dicom"
	"github.com/caio-sobreiro/dicomqr/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/events"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/pdu"
	"github.com/caio-sobreiro/dicomqr/types"
)

var nopLogger = zerolog.Nop()

var testParams = types.ConnectionParameters{
	LocalAETitle:  "DICOMQR",
	RemoteHost:    "pacs.test",
	RemotePort:    104,
	RemoteAETitle: "PACS",
}

// handlerFunc answers every request with a single response.
type handlerFunc func(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error)

func (f handlerFunc) HandleDIMSE(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return f(ctx, meta, msg, data)
}

// streamFunc answers with as many responses as it likes.
type streamFunc func(ctx context.Context, msg *types.Message, data []byte, rs interfaces.ResponseSender) error

func (f streamFunc) HandleDIMSE(context.Context, interfaces.MessageContext, *types.Message, []byte) (*types.Message, []byte, error) {
	return nil, nil, errors.New("streaming only")
}

func (f streamFunc) HandleDIMSEStreaming(ctx context.Context, _ interfaces.MessageContext, msg *types.Message, data []byte, rs interfaces.ResponseSender) error {
	return f(ctx, msg, data, rs)
}

func echoHandler(status uint16) interfaces.ServiceHandler {
	return handlerFunc(func(_ context.Context, _ interfaces.MessageContext, msg *types.Message, _ []byte) (*types.Message, []byte, error) {
		return &types.Message{
			CommandField:              types.CEchoRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			Status:                    status,
		}, nil, nil
	})
}

// pipeSCP returns a dialer whose connections are served in process by the
// acceptor layer and handler.
func pipeSCP(t *testing.T, handler interfaces.ServiceHandler, cfg pdu.AcceptorConfig) func(context.Context, string, string) (net.Conn, error) {
	t.Helper()
	var wg sync.WaitGroup
	t.Cleanup(wg.Wait)
	if cfg.AETitle == "" {
		cfg.AETitle = testParams.RemoteAETitle
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			layer := pdu.NewLayer(server, dimse.NewService(handler, &nopLogger), cfg, &nopLogger)
			_ = layer.HandleConnection(context.Background())
		}()
		return client, nil
	}
}

type eventLog struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (e *eventLog) Notify(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, ev.Kind)
}

func (e *eventLog) get() []events.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Kind(nil), e.kinds...)
}

func newTestAssociation(t *testing.T, dial func(context.Context, string, string) (net.Conn, error), notifier events.Notifier) *Association {
	t.Helper()
	return NewAssociation(Config{
		Parameters:     testParams,
		DialContext:    dial,
		Logger:         &nopLogger,
		Notifier:       notifier,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReleaseTimeout: time.Second,
	})
}

func TestConnectPingDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	evs := &eventLog{}
	a := newTestAssociation(t, pipeSCP(t, echoHandler(types.StatusSuccess), pdu.AcceptorConfig{}), evs)
	require.Equal(t, Disconnected, a.State())

	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, Connected, a.State())
	assert.Equal(t, "PACS", a.CalledAETitle())

	pc, ok := a.Context().FindContext(types.StudyRootQueryRetrieveInformationModelFind)
	require.True(t, ok)
	assert.Equal(t, types.ExplicitVRLittleEndian, pc.TransferSyntax)

	ok, err := a.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	err = a.Connect(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrAlreadyConnected)

	require.NoError(t, a.Disconnect())
	assert.Equal(t, Disconnected, a.State())
	require.NoError(t, a.Disconnect(), "disconnect is idempotent")

	assert.Equal(t, []events.Kind{events.ConnectionEstablished}, evs.get())
}

func TestPing_NonSuccessStatus(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newTestAssociation(t, pipeSCP(t, echoHandler(types.StatusUnableToProcess), pdu.AcceptorConfig{}), nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	ok, err := a.Ping(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, a.IsConnected())
}

func TestPing_NotConnected(t *testing.T) {
	a := NewAssociation(Config{Parameters: testParams, Logger: &nopLogger})
	ok, err := a.Ping(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, dicomerrors.ErrNotConnected)
}

func TestConnect_Rejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := pdu.AcceptorConfig{AETitle: "SOMEONE_ELSE", RequireCalledAETitle: true}
	a := newTestAssociation(t, pipeSCP(t, echoHandler(types.StatusSuccess), cfg), nil)

	err := a.Connect(context.Background())
	require.Error(t, err)

	var connErr *dicomerrors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "connect", connErr.Op)

	var assocErr *dicomerrors.AssociationError
	require.ErrorAs(t, err, &assocErr)
	assert.Equal(t, dicomerrors.RejectReasonCalledAETitleNotRecognized, assocErr.Reason)
	assert.Equal(t, Disconnected, a.State())
}

func TestConnect_Unreachable(t *testing.T) {
	refused := errors.New("connection refused")
	a := newTestAssociation(t, func(context.Context, string, string) (net.Conn, error) {
		return nil, refused
	}, nil)

	err := a.Connect(context.Background())
	assert.True(t, dicomerrors.IsConnectionError(err))
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, Disconnected, a.State())
}

func TestConnect_InvalidParameters(t *testing.T) {
	params := testParams
	params.RemoteAETitle = ""
	a := NewAssociation(Config{Parameters: params, Logger: &nopLogger})
	assert.ErrorIs(t, a.Connect(context.Background()), dicomerrors.ErrInvalidParameters)
}

func TestConnect_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	var server net.Conn
	a := NewAssociation(Config{
		Parameters:     testParams,
		Logger:         &nopLogger,
		ConnectTimeout: 50 * time.Millisecond,
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			var client net.Conn
			client, server = net.Pipe()
			// never answers: reads the request and stalls
			go func() { _, _ = pdu.ReadPDU(server, 0) }()
			return client, nil
		},
	})

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	server.Close()
}

func TestSendCFind(t *testing.T) {
	defer goleak.VerifyNone(t)

	var gotLevel string
	handler := streamFunc(func(_ context.Context, msg *types.Message, data []byte, rs interfaces.ResponseSender) error {
		query, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID)
		if err != nil {
			return err
		}
		gotLevel = query.GetString(dicom.TagQueryRetrieveLevel)

		for _, uid := range []string{"1.2.3.1", "1.2.3.2"} {
			match := dicom.NewDataset()
			match.Set(dicom.TagSeriesInstanceUID, uid)
			if err := rs.SendResponse(&types.Message{
				CommandField:              types.CFindRSP,
				MessageIDBeingRespondedTo: msg.MessageID,
				AffectedSOPClassUID:       msg.AffectedSOPClassUID,
				Status:                    types.StatusPending,
			}, match.EncodeDataset()); err != nil {
				return err
			}
		}
		return rs.SendResponse(&types.Message{
			CommandField:              types.CFindRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			Status:                    types.StatusSuccess,
		}, nil)
	})

	a := newTestAssociation(t, pipeSCP(t, handler, pdu.AcceptorConfig{}), nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	query := dicom.NewDataset()
	query.Set(dicom.TagQueryRetrieveLevel, "SERIES")
	query.Set(dicom.TagSeriesInstanceUID, "")

	responses, err := a.SendCFind(context.Background(), &CFindRequest{Dataset: query})
	require.NoError(t, err)
	require.Len(t, responses, 3)
	assert.Equal(t, "SERIES", gotLevel)
	assert.Equal(t, "1.2.3.1", responses[0].Dataset.GetString(dicom.TagSeriesInstanceUID))
	assert.Equal(t, "1.2.3.2", responses[1].Dataset.GetString(dicom.TagSeriesInstanceUID))
	assert.Equal(t, uint16(types.StatusSuccess), responses[2].Status)
	assert.Nil(t, responses[2].Dataset)
}

func TestSendCFind_FailureStatus(t *testing.T) {
	defer goleak.VerifyNone(t)

	handler := handlerFunc(func(_ context.Context, _ interfaces.MessageContext, msg *types.Message, _ []byte) (*types.Message, []byte, error) {
		return &types.Message{
			CommandField:              types.CFindRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			Status:                    types.StatusIdentifierMismatch,
		}, nil, nil
	})
	a := newTestAssociation(t, pipeSCP(t, handler, pdu.AcceptorConfig{}), nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	_, err := a.SendCFind(context.Background(), &CFindRequest{Dataset: dicom.NewDataset()})
	var dimseErr *dicomerrors.DIMSEError
	require.ErrorAs(t, err, &dimseErr)
	assert.Equal(t, uint16(types.StatusIdentifierMismatch), dimseErr.Status)
	assert.True(t, a.IsConnected(), "a failure status keeps the association")
}

func TestSendCFind_CancelledContextAbortsAssociation(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	started := make(chan struct{})
	handler := streamFunc(func(_ context.Context, msg *types.Message, _ []byte, _ interfaces.ResponseSender) error {
		close(started)
		<-release
		return nil
	})

	evs := &eventLog{}
	a := newTestAssociation(t, pipeSCP(t, handler, pdu.AcceptorConfig{}), evs)
	require.NoError(t, a.Connect(context.Background()))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := a.SendCFind(ctx, &CFindRequest{Dataset: dicom.NewDataset()})
		errc <- err
	}()

	<-started
	_, err := a.Ping(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrAssociationBusy)

	cancel()
	select {
	case err = <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("C-FIND did not return after cancellation")
	}

	assert.True(t, dicomerrors.IsConnectionError(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Disconnected, a.State())
	assert.Equal(t, []events.Kind{events.ConnectionEstablished, events.ConnectionLost}, evs.get())
}

func TestSendCMove(t *testing.T) {
	defer goleak.VerifyNone(t)

	count := func(n uint16) *uint16 { return &n }
	var destination string
	handler := streamFunc(func(_ context.Context, msg *types.Message, _ []byte, rs interfaces.ResponseSender) error {
		destination = msg.MoveDestination
		if err := rs.SendResponse(&types.Message{
			CommandField:                   types.CMoveRSP,
			MessageIDBeingRespondedTo:      msg.MessageID,
			Status:                         types.StatusPending,
			NumberOfRemainingSuboperations: count(1),
			NumberOfCompletedSuboperations: count(1),
			NumberOfFailedSuboperations:    count(0),
			NumberOfWarningSuboperations:   count(0),
		}, nil); err != nil {
			return err
		}
		return rs.SendResponse(&types.Message{
			CommandField:                   types.CMoveRSP,
			MessageIDBeingRespondedTo:      msg.MessageID,
			Status:                         types.StatusSuccess,
			NumberOfCompletedSuboperations: count(2),
			NumberOfFailedSuboperations:    count(0),
			NumberOfWarningSuboperations:   count(0),
		}, nil)
	})

	a := newTestAssociation(t, pipeSCP(t, handler, pdu.AcceptorConfig{}), nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	query := dicom.NewDataset()
	query.Set(dicom.TagQueryRetrieveLevel, "SERIES")
	query.Set(dicom.TagSeriesInstanceUID, "1.2.3")

	var progress int
	responses, err := a.SendCMove(context.Background(), &CMoveRequest{
		Destination: "DICOMQR_MOVE",
		Dataset:     query,
		Progress:    func(*RetrieveResponse) { progress++ },
	})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, 2, progress)
	assert.Equal(t, "DICOMQR_MOVE", destination)
	assert.True(t, responses[1].Final())
	assert.Equal(t, SubOperations{Completed: 2}, responses[1].SubOperations())
}

func TestSendCMove_InvalidDestination(t *testing.T) {
	a := NewAssociation(Config{Parameters: testParams, Logger: &nopLogger})
	_, err := a.SendCMove(context.Background(), &CMoveRequest{Dataset: dicom.NewDataset()})
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidRequest)
}

func ctInstance(uid string) []byte {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagSOPClassUID, types.CTImageStorage)
	ds.Set(dicom.TagSOPInstanceUID, uid)
	ds.Set(dicom.TagSeriesInstanceUID, "1.2.3")
	return ds.EncodeDataset()
}

func TestSendCGet(t *testing.T) {
	defer goleak.VerifyNone(t)

	statuses := make(map[string]uint16)
	handler := streamFunc(func(ctx context.Context, msg *types.Message, _ []byte, rs interfaces.ResponseSender) error {
		getter := rs.(interfaces.CGetResponder)
		for _, uid := range []string{"1.2.3.1", "1.2.3.2"} {
			status, err := getter.SendCStore(ctx, types.CTImageStorage, uid, ctInstance(uid))
			if err != nil {
				return err
			}
			statuses[uid] = status
		}
		completed, failed := uint16(1), uint16(1)
		return rs.SendResponse(&types.Message{
			CommandField:                   types.CGetRSP,
			MessageIDBeingRespondedTo:      msg.MessageID,
			Status:                         types.StatusWarning,
			NumberOfCompletedSuboperations: &completed,
			NumberOfFailedSuboperations:    &failed,
		}, nil)
	})

	a := newTestAssociation(t, pipeSCP(t, handler, pdu.AcceptorConfig{}), nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	var received []*StoreRequest
	store := StoreHandlerFunc(func(_ context.Context, req *StoreRequest) (uint16, error) {
		received = append(received, req)
		if req.SOPInstanceUID == "1.2.3.2" {
			return types.StatusOutOfResources, errors.New("disk full")
		}
		return types.StatusSuccess, nil
	})

	query := dicom.NewDataset()
	query.Set(dicom.TagQueryRetrieveLevel, "SERIES")
	query.Set(dicom.TagSeriesInstanceUID, "1.2.3")

	responses, err := a.SendCGet(context.Background(), &CGetRequest{Dataset: query}, store)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, SubOperations{Completed: 1, Failed: 1}, responses[0].SubOperations())

	require.Len(t, received, 2)
	assert.Equal(t, "PACS", received[0].RemoteAETitle)
	assert.Equal(t, types.CTImageStorage, received[0].SOPClassUID)
	assert.Equal(t, types.ExplicitVRLittleEndian, received[0].TransferSyntaxUID)

	assert.Equal(t, uint16(types.StatusSuccess), statuses["1.2.3.1"])
	assert.Equal(t, uint16(types.StatusOutOfResources), statuses["1.2.3.2"])
}

func TestSendCStore_Part10(t *testing.T) {
	defer goleak.VerifyNone(t)

	var stored *types.Message
	handler := handlerFunc(func(_ context.Context, _ interfaces.MessageContext, msg *types.Message, _ []byte) (*types.Message, []byte, error) {
		stored = msg
		return &types.Message{
			CommandField:              types.CStoreRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
			Status:                    types.StatusSuccess,
		}, nil, nil
	})

	a := newTestAssociation(t, pipeSCP(t, handler, pdu.AcceptorConfig{}), nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	file := dicom.WrapPart10(ctInstance("1.2.3.9"), types.CTImageStorage, "1.2.3.9", types.ExplicitVRLittleEndian)
	rsp, err := a.SendCStore(context.Background(), &CStoreRequest{Data: file})
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	assert.Equal(t, "1.2.3.9", rsp.SOPInstanceUID)
	require.NotNil(t, stored)
	assert.Equal(t, types.CTImageStorage, stored.AffectedSOPClassUID)
}

func TestSendCCancel_Validation(t *testing.T) {
	a := NewAssociation(Config{Parameters: testParams, Logger: &nopLogger})
	assert.Error(t, a.SendCCancel(0, types.StudyRootQueryRetrieveInformationModelFind))
	assert.Error(t, a.SendCCancel(5, ""))
	assert.ErrorIs(t, a.SendCCancel(5, types.StudyRootQueryRetrieveInformationModelFind), dicomerrors.ErrNotConnected)
}

func TestAbort_Idempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newTestAssociation(t, pipeSCP(t, echoHandler(types.StatusSuccess), pdu.AcceptorConfig{}), nil)
	require.NoError(t, a.Connect(context.Background()))

	require.NoError(t, a.Abort())
	assert.Equal(t, Disconnected, a.State())
	require.NoError(t, a.Abort())

	_, err := a.Ping(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrNotConnected)
}

// mutePeer swallows the PDUs of one type written by the client, as a peer
// that never sees them would.
type mutePeer struct {
	net.Conn
	drop byte
}

func (c mutePeer) Write(b []byte) (int, error) {
	if len(b) > 0 && b[0] == c.drop {
		return len(b), nil
	}
	return c.Conn.Write(b)
}

func TestDisconnect_ReleaseTimeoutAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	scp := pipeSCP(t, echoHandler(types.StatusSuccess), pdu.AcceptorConfig{})
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := scp(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return mutePeer{Conn: conn, drop: pdu.TypeReleaseRQ}, nil
	}
	a := newTestAssociation(t, dial, nil)
	require.NoError(t, a.Connect(context.Background()))

	start := time.Now()
	err := a.Disconnect()
	elapsed := time.Since(start)

	var timeout *dicomerrors.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "A-RELEASE", timeout.Operation)
	assert.Equal(t, time.Second, timeout.After)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, Disconnected, a.State())

	require.NoError(t, a.Disconnect(), "a timed out release leaves nothing to release")
}
