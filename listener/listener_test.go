package listener

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

	"github.com/caio-sobreiro/dicomqr/client"
	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/services"
	"github.com/caio-sobreiro/dicomqr/stop"
	"github.com/caio-sobreiro/dicomqr/types"
)

var nopLogger = zerolog.Nop()

type collector struct {
	mu   sync.Mutex
	objs []types.IncomingObject
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 16)}
}

func (c *collector) Accept(_ context.Context, obj types.IncomingObject) error {
	c.mu.Lock()
	c.objs = append(c.objs, obj)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) objects() []types.IncomingObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.IncomingObject(nil), c.objs...)
}

func echoOnly() interfaces.ServiceHandler {
	registry := services.NewRegistry(&nopLogger)
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(&nopLogger))
	return registry
}

func associate(t *testing.T, port uint16, calledAE string) *client.Association {
	t.Helper()
	return client.NewAssociation(client.Config{
		Parameters: types.ConnectionParameters{
			LocalAETitle:  "SCANNER",
			RemoteHost:    "127.0.0.1",
			RemotePort:    port,
			RemoteAETitle: calledAE,
		},
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
		ReleaseTimeout: time.Second,
		Logger:         &nopLogger,
	})
}

func TestListener_StartStopStates(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(echoOnly(), WithLogger(&nopLogger))
	assert.Equal(t, StateStopped, l.State())
	require.NoError(t, l.Stop(), "stop from stopped is a no-op")

	require.NoError(t, l.Start("MOVESCU", 0))
	assert.Equal(t, StateListening, l.State())
	port := l.Port()
	require.NotZero(t, port)

	require.NoError(t, l.Start("MOVESCU", 0), "start while listening is a no-op")
	assert.Equal(t, port, l.Port())

	require.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.State())
	assert.Nil(t, l.Addr())

	require.NoError(t, l.Start("MOVESCU", 0))
	assert.Equal(t, StateListening, l.State())
	require.NoError(t, l.Close())
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_BindFailureReturnsToStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := uint16(busy.Addr().(*net.TCPAddr).Port)

	l := New(echoOnly(), WithLogger(&nopLogger), WithHost("127.0.0.1"))
	err = l.Start("MOVESCU", port)

	var netErr *dicomerrors.NetworkError
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_RejectsInvalidAETitle(t *testing.T) {
	l := New(echoOnly(), WithLogger(&nopLogger))
	err := l.Start("", 0)
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidParameters)
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_EchoAndWrongCalledAE(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(echoOnly(), WithLogger(&nopLogger))
	require.NoError(t, l.Start("MOVESCU", 0))
	defer l.Stop()

	a := associate(t, l.Port(), "MOVESCU")
	require.NoError(t, a.Connect(context.Background()))
	ok, err := a.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, a.Disconnect())

	wrong := associate(t, l.Port(), "SOMEONE")
	err = wrong.Connect(context.Background())
	var rejected *dicomerrors.AssociationError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, dicomerrors.RejectReasonCalledAETitleNotRecognized, rejected.Reason)
}

func TestMoveListener_DeliversTaggedObjects(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newCollector()
	l := NewMoveListener(sink, WithLogger(&nopLogger))
	require.NoError(t, l.Start("MOVESCU", 0))
	defer l.Stop()

	a := associate(t, l.Port(), "MOVESCU")
	require.NoError(t, a.Connect(context.Background()))

	ds := dicom.NewDataset()
	ds.Set(dicom.TagSOPClassUID, types.CTImageStorage)
	ds.Set(dicom.TagSOPInstanceUID, "1.2.3.4.1")
	ds.Set(dicom.TagSeriesInstanceUID, "1.2.3.4")

	resp, err := a.SendCStore(context.Background(), &client.CStoreRequest{Data: ds.EncodeDataset()})
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), resp.Status)
	require.NoError(t, a.Disconnect())

	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("object not delivered")
	}
	objs := sink.objects()
	require.Len(t, objs, 1)
	assert.Equal(t, "SCANNER", objs[0].DeviceName)
	assert.Equal(t, "1.2.3.4", objs[0].SeriesInstanceUID)
	assert.Equal(t, "1.2.3.4.1", objs[0].SOPInstanceUID)
}

func TestListener_StopClosesIdleAssociations(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(echoOnly(),
		WithLogger(&nopLogger),
		WithGracePeriod(50*time.Millisecond),
		WithStopTimeout(2*time.Second))
	require.NoError(t, l.Start("MOVESCU", 0))

	// a peer that connects and never speaks keeps its handler in a read
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_StopControllerShutsDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	stopper := stop.New()
	l := New(echoOnly(),
		WithLogger(&nopLogger),
		WithGracePeriod(50*time.Millisecond),
		WithStopTimeout(time.Second),
		WithStopController(stopper))
	require.NoError(t, l.Start("MOVESCU", 0))

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	stopper.RequestStop()
	assert.Less(t, time.Since(start), 100*time.Millisecond, "RequestStop does not wait for the listener")

	require.NoError(t, stopper.Wait(2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, l.State())
	assert.Nil(t, l.Addr())

	assert.ErrorIs(t, l.Start("MOVESCU", 0), dicomerrors.ErrOperationCanceled)
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_StopReleasesController(t *testing.T) {
	defer goleak.VerifyNone(t)

	stopper := stop.New()
	l := New(echoOnly(), WithLogger(&nopLogger), WithStopController(stopper))
	require.NoError(t, l.Start("MOVESCU", 0))
	require.NoError(t, l.Stop())
	require.NoError(t, stopper.Wait(time.Second))

	// a later request has nothing left to stop
	stopper.RequestStop()
	require.NoError(t, stopper.Wait(time.Second))
	assert.Equal(t, StateStopped, l.State())
}

func TestListener_ConcurrentStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(echoOnly(), WithLogger(&nopLogger), WithStopTimeout(time.Second))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = l.Start("MOVESCU", 0)
			} else {
				_ = l.Stop()
			}
			s := l.State()
			if s != StateStopped && s != StateListening && s != StateStarting && s != StateStopping {
				t.Errorf("unexpected state %v", s)
			}
		}(i)
	}
	wg.Wait()

	s := l.State()
	assert.Contains(t, []State{StateStopped, StateListening}, s)
	require.NoError(t, l.Stop())
}

func TestMoveListenerNegotiatesStorageOnly(t *testing.T) {
	assert.True(t, acceptsPushedObject(types.VerificationSOPClass))
	assert.True(t, acceptsPushedObject(types.CTImageStorage))
	assert.False(t, acceptsPushedObject(types.StudyRootQueryRetrieveInformationModelFind))
}
