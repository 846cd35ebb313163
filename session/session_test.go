package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomqr/client"
	"github.com/caio-sobreiro/dicomqr/config"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/events"
	"github.com/caio-sobreiro/dicomqr/listener"
	"github.com/caio-sobreiro/dicomqr/pacstest"
	"github.com/caio-sobreiro/dicomqr/query"
	"github.com/caio-sobreiro/dicomqr/retrieve"
	"github.com/caio-sobreiro/dicomqr/session"
	"github.com/caio-sobreiro/dicomqr/types"
)

var nopLogger = zerolog.Nop()

const (
	studyUID = "1.2.826.0.1.3680043.9.7"
	axial    = studyUID + ".1"
	coronal  = studyUID + ".2"
)

func startPACS(t *testing.T, opts ...pacstest.Option) *pacstest.PACS {
	t.Helper()
	pacs := pacstest.New("MOCKPACS", append([]pacstest.Option{pacstest.WithLogger(&nopLogger)}, opts...)...)
	pacs.AddSeries(pacstest.SyntheticSeries(pacstest.SeriesTemplate{
		StudyInstanceUID: studyUID, SeriesInstanceUID: axial,
		PatientName: "DOE^JANE", PatientID: "P1", StudyDate: "20240110",
		SeriesDescription: "AXIAL", Instances: 3, FirstInstanceNumber: 1,
	}))
	pacs.AddSeries(pacstest.SyntheticSeries(pacstest.SeriesTemplate{
		StudyInstanceUID: studyUID, SeriesInstanceUID: coronal,
		PatientName: "DOE^JANE", PatientID: "P1", StudyDate: "20240110",
		SeriesDescription: "CORONAL", Instances: 2, FirstInstanceNumber: 1,
	}))
	require.NoError(t, pacs.Start(0))
	t.Cleanup(func() { _ = pacs.Stop() })
	return pacs
}

func testConfig(pacs *pacstest.PACS) config.Config {
	cfg := config.Default()
	cfg.Local.AETitle = "WORKSTATION"
	cfg.Remote = config.RemoteConfig{Host: "127.0.0.1", Port: pacs.Port(), AETitle: pacs.AETitle()}
	cfg.Move = config.MoveConfig{AETitle: "WORKSTATION_MV", Host: "127.0.0.1"}
	cfg.Timeouts = config.TimeoutConfig{
		Connect: 2 * time.Second,
		Read:    5 * time.Second,
		Write:   5 * time.Second,
		Release: time.Second,
		Stop:    time.Second,
	}
	cfg.Sink.Slots = []config.SlotConfig{{Device: "MOCKPACS", Kind: "timeline"}}
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() map[events.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[events.Kind]int{}
	for _, e := range r.events {
		out[e.Kind]++
	}
	return out
}

func newSession(t *testing.T, pacs *pacstest.PACS, opts ...session.Option) *session.Session {
	t.Helper()
	s, err := session.New(testConfig(pacs), append([]session.Option{session.WithLogger(&nopLogger)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// startMove starts the session listener and tells the PACS where it is.
func startMove(t *testing.T, pacs *pacstest.PACS, s *session.Session) {
	t.Helper()
	require.NoError(t, s.StartListener())
	pacs.AddDestination("WORKSTATION_MV", "127.0.0.1", s.Listener().Port())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	_, err := session.New(cfg)
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidParameters, "remote AE title and host are required")
}

func TestSession_PingAndQuery(t *testing.T) {
	pacs := startPACS(t)
	rec := &recorder{}
	s := newSession(t, pacs, session.WithNotifier(rec))
	require.NotEmpty(t, s.ID())

	ok, err := s.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := s.Query(context.Background(), query.Criteria{PatientName: "DOE^*"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	for _, d := range found {
		assert.Equal(t, 1, d.FirstInstanceNumberOffset)
	}

	kinds := rec.kinds()
	assert.Equal(t, 2, kinds[events.ConnectionEstablished], "one association per operation")
	assert.Equal(t, 2, kinds[events.SeriesAvailable])

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		assert.Equal(t, s.ID(), e.SessionID)
	}
}

func TestSession_ListInstances(t *testing.T) {
	pacs := startPACS(t)
	s := newSession(t, pacs)

	d := types.SeriesDescriptor{StudyInstanceUID: studyUID, SeriesInstanceUID: coronal}
	require.NoError(t, s.ListInstances(context.Background(), &d))
	assert.Equal(t, []string{coronal + ".1", coronal + ".2"}, d.SOPInstanceUIDs)
}

func TestSession_RetrieveMove(t *testing.T) {
	pacs := startPACS(t)
	var progress int
	s := newSession(t, pacs, session.WithRetrieveProgress(func(retrieve.Progress) { progress++ }))
	startMove(t, pacs, s)

	result, err := s.Retrieve(context.Background(), retrieve.SeriesRequest(retrieve.Move, axial, coronal))
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 5, result.SubOperations.Completed)
	assert.Positive(t, progress)

	timeline, ok := s.Sink().Timeline("MOCKPACS")
	require.True(t, ok)
	assert.Equal(t, 5, timeline.Len())
	assert.Equal(t, listener.StateListening, s.Listener().State(), "the listener outlives the batch")
}

func TestSession_RetrieveGet(t *testing.T) {
	pacs := startPACS(t)
	s := newSession(t, pacs)

	result, err := s.Retrieve(context.Background(), retrieve.InstanceRequest(retrieve.Get, axial, axial+".2"))
	require.NoError(t, err)
	require.Len(t, result.Objects, 1)
	assert.Nil(t, s.Listener(), "C-GET does not need the move listener")

	timeline, _ := s.Sink().Timeline("MOCKPACS")
	latest, ok := timeline.Latest()
	require.True(t, ok)
	assert.Equal(t, axial+".2", latest.SOPInstanceUID)
}

func TestSession_MoveWithoutTitle(t *testing.T) {
	pacs := startPACS(t)
	cfg := testConfig(pacs)
	cfg.Move = config.MoveConfig{}
	s, err := session.New(cfg, session.WithLogger(&nopLogger))
	require.NoError(t, err)

	_, err = s.Retrieve(context.Background(), retrieve.SeriesRequest(retrieve.Move, axial))
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidRequest)
}

func TestSession_BusyAndStop(t *testing.T) {
	pacs := startPACS(t, pacstest.WithSubOperationDelay(200*time.Millisecond))
	s := newSession(t, pacs)
	startMove(t, pacs, s)

	done := make(chan error, 1)
	go func() {
		_, err := s.Retrieve(context.Background(), retrieve.SeriesRequest(retrieve.Move, axial, coronal))
		done <- err
	}()

	require.Eventually(t, s.Busy, 2*time.Second, 10*time.Millisecond)
	_, err := s.Ping(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrBusy)

	s.RequestStop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, dicomerrors.ErrOperationCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retrieve did not stop")
	}
	assert.False(t, s.Busy())

	ok, err := s.Ping(context.Background())
	require.NoError(t, err, "a stop only ends the running operation")
	assert.True(t, ok)
}

func TestSession_RequestStopShutsListenerDown(t *testing.T) {
	pacs := startPACS(t, pacstest.WithSubOperationDelay(200*time.Millisecond))
	s := newSession(t, pacs)
	startMove(t, pacs, s)
	move := s.Listener()

	done := make(chan error, 1)
	go func() {
		_, err := s.Retrieve(context.Background(), retrieve.SeriesRequest(retrieve.Move, axial, coronal))
		done <- err
	}()
	require.Eventually(t, s.Busy, 2*time.Second, 10*time.Millisecond)

	s.RequestStop()
	require.Eventually(t, func() bool { return move.State() == listener.StateStopped },
		2*time.Second, 10*time.Millisecond, "the stop timeout is one second")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, dicomerrors.ErrOperationCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retrieve did not stop")
	}

	// the next C-MOVE gets a fresh listener
	startMove(t, pacs, s)
	require.NotSame(t, move, s.Listener())
	assert.Equal(t, listener.StateListening, s.Listener().State())

	result, err := s.Retrieve(context.Background(), retrieve.SeriesRequest(retrieve.Move, coronal))
	require.NoError(t, err)
	assert.Equal(t, 2, result.SubOperations.Completed)
}

func TestSession_Push(t *testing.T) {
	pacs := startPACS(t)
	s := newSession(t, pacs)

	series := pacstest.SyntheticSeries(pacstest.SeriesTemplate{
		StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.4", Instances: 2, FirstInstanceNumber: 1,
	})
	var objects []*client.CStoreRequest
	for _, inst := range series.Instances {
		objects = append(objects, &client.CStoreRequest{
			SOPClassUID:       inst.SOPClassUID,
			SOPInstanceUID:    inst.SOPInstanceUID,
			TransferSyntaxUID: types.ExplicitVRLittleEndian,
			Data:              inst.Data,
		})
	}

	var reported []session.PushProgress
	result, err := s.Push(context.Background(), objects, func(p session.PushProgress) { reported = append(reported, p) })
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, []string{"1.2.3.4.1", "1.2.3.4.2"}, result.Stored)
	require.Len(t, reported, 2)
	assert.Equal(t, 2, reported[1].Total)

	stored := pacs.Stored()
	require.Len(t, stored, 2)
	assert.Equal(t, "WORKSTATION", stored[0].DeviceName)

	_, err = s.Push(context.Background(), nil, nil)
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidRequest)
}

func TestSession_Close(t *testing.T) {
	pacs := startPACS(t)
	s := newSession(t, pacs)
	startMove(t, pacs, s)

	require.NoError(t, s.Close())
	assert.Equal(t, listener.StateStopped, s.Listener().State())

	_, err := s.Ping(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrOperationCanceled)
	assert.ErrorIs(t, s.StartListener(), dicomerrors.ErrOperationCanceled)
}
