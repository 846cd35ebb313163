package pacstest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomqr/client"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/listener"
	"github.com/caio-sobreiro/dicomqr/pacstest"
	"github.com/caio-sobreiro/dicomqr/query"
	"github.com/caio-sobreiro/dicomqr/retrieve"
	"github.com/caio-sobreiro/dicomqr/sink"
	"github.com/caio-sobreiro/dicomqr/stop"
	"github.com/caio-sobreiro/dicomqr/types"
)

var nopLogger = zerolog.Nop()

const (
	studyUID  = "1.2.826.0.1.3680043.9.1"
	zeroBased = studyUID + ".10"
	oneBased  = studyUID + ".20"
	third     = studyUID + ".30"
)

func startPACS(t *testing.T, opts ...pacstest.Option) *pacstest.PACS {
	t.Helper()
	pacs := pacstest.New("MOCKPACS", append([]pacstest.Option{pacstest.WithLogger(&nopLogger)}, opts...)...)
	pacs.AddSeries(pacstest.SyntheticSeries(pacstest.SeriesTemplate{
		StudyInstanceUID: studyUID, SeriesInstanceUID: zeroBased,
		PatientName: "DOE^JANE", PatientID: "P1", StudyDate: "20240110",
		SeriesDescription: "AXIAL", Instances: 3, FirstInstanceNumber: 0,
	}))
	pacs.AddSeries(pacstest.SyntheticSeries(pacstest.SeriesTemplate{
		StudyInstanceUID: studyUID, SeriesInstanceUID: oneBased,
		PatientName: "DOE^JANE", PatientID: "P1", StudyDate: "20240110",
		SeriesDescription: "CORONAL", Instances: 2, FirstInstanceNumber: 1,
	}))
	pacs.AddSeries(pacstest.SyntheticSeries(pacstest.SeriesTemplate{
		StudyInstanceUID: studyUID + ".2", SeriesInstanceUID: third,
		PatientName: "ROE^RICHARD", PatientID: "P2", StudyDate: "20240301",
		SeriesDescription: "SCOUT", Instances: 2, FirstInstanceNumber: 1,
	}))
	require.NoError(t, pacs.Start(0))
	t.Cleanup(func() { _ = pacs.Stop() })
	return pacs
}

func connect(t *testing.T, pacs *pacstest.PACS) *client.Association {
	t.Helper()
	assoc, err := client.Connect(context.Background(), client.Config{
		Parameters:     pacs.Parameters("WORKSTATION"),
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReleaseTimeout: time.Second,
		Logger:         &nopLogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = assoc.Disconnect() })
	return assoc
}

// startMoveListener runs a move listener feeding a sink with one timeline per
// series device and registers it with the PACS.
func startMoveListener(t *testing.T, pacs *pacstest.PACS, results *sink.Sink) *listener.Listener {
	t.Helper()
	l := listener.NewMoveListener(results, listener.WithLogger(&nopLogger), listener.WithHost("127.0.0.1"))
	require.NoError(t, l.Start("WORKSTATION_MV", 0))
	t.Cleanup(func() { _ = l.Stop() })
	pacs.AddDestination("WORKSTATION_MV", "127.0.0.1", l.Port())
	return l
}

func TestConnectPingDisconnect(t *testing.T) {
	pacs := startPACS(t)
	assoc := connect(t, pacs)

	ok, err := assoc.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, assoc.Disconnect())
	assert.Equal(t, client.Disconnected, assoc.State())
	require.NoError(t, assoc.Disconnect(), "disconnect is idempotent")
}

func TestConnect_WrongCalledAETitle(t *testing.T) {
	pacs := startPACS(t)
	params := pacs.Parameters("WORKSTATION")
	params.RemoteAETitle = "OTHER"

	_, err := client.Connect(context.Background(), client.Config{Parameters: params, Logger: &nopLogger, ConnectTimeout: 2 * time.Second})
	assert.True(t, dicomerrors.IsConnectionError(err), "got %v", err)
}

func TestFind_OffsetProbe(t *testing.T) {
	pacs := startPACS(t)
	assoc := connect(t, pacs)
	engine := query.NewEngine(query.WithLogger(&nopLogger))

	found, err := engine.FindByPatientName(context.Background(), assoc, "DOE^JANE")
	require.NoError(t, err)
	require.Len(t, found, 2)

	byUID := map[string]types.SeriesDescriptor{}
	for _, d := range found {
		byUID[d.SeriesInstanceUID] = d
	}
	assert.Equal(t, 0, byUID[zeroBased].FirstInstanceNumberOffset)
	assert.Equal(t, 1, byUID[oneBased].FirstInstanceNumberOffset)
	assert.Equal(t, 3, byUID[zeroBased].NumberOfInstances)
	assert.Equal(t, "MOCKPACS", byUID[oneBased].SourceAETitle)
	assert.Equal(t, "CORONAL", byUID[oneBased].SeriesDescription)

	var probes int
	for _, r := range pacs.Requests() {
		if r.Command == "C-FIND" && r.Level == "IMAGE" {
			assert.Equal(t, "0", r.InstanceNumber)
			probes++
		}
	}
	assert.Equal(t, 2, probes)
}

func TestFind_DateRangeAndWildcards(t *testing.T) {
	pacs := startPACS(t)
	assoc := connect(t, pacs)
	engine := query.NewEngine(query.WithLogger(&nopLogger), query.WithOffsetProbe(false))
	ctx := context.Background()

	found, err := engine.FindByDateRange(ctx, assoc, "20240201", "20240331")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, third, found[0].SeriesInstanceUID)

	found, err = engine.FindByPatientName(ctx, assoc, query.Contains("jane"))
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = engine.FindByPatientName(ctx, assoc, "NOBODY")
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = engine.FindByDateRange(ctx, assoc, "20240331", "20240201")
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidQuery)
}

func TestListInstancesAndResolve(t *testing.T) {
	pacs := startPACS(t)
	assoc := connect(t, pacs)
	engine := query.NewEngine(query.WithLogger(&nopLogger))
	ctx := context.Background()

	d := types.SeriesDescriptor{StudyInstanceUID: studyUID, SeriesInstanceUID: oneBased}
	require.NoError(t, engine.ListInstances(ctx, assoc, &d))
	assert.Equal(t, []string{oneBased + ".1", oneBased + ".2"}, d.SOPInstanceUIDs)
	assert.Equal(t, 2, d.NumberOfInstances)

	uid, found, err := engine.ResolveSOPInstanceUID(ctx, assoc, oneBased, 2)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, oneBased+".2", uid)

	_, found, err = engine.ResolveSOPInstanceUID(ctx, assoc, oneBased, 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMove_BatchWithPartialFailure(t *testing.T) {
	pacs := startPACS(t)
	pacs.FailSeries(oneBased, types.StatusUnableToProcess)
	results := sink.New([]sink.Slot{{DeviceName: "MOCKPACS", Kind: sink.SlotTimeline}}, sink.WithLogger(&nopLogger), sink.WithCapacity(10))
	startMoveListener(t, pacs, results)

	assoc := connect(t, pacs)
	engine := retrieve.NewEngine(retrieve.WithLogger(&nopLogger), retrieve.WithMoveDestination("WORKSTATION_MV"))

	result, err := engine.Retrieve(context.Background(), assoc, retrieve.SeriesRequest(retrieve.Move, zeroBased, oneBased, third))
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Len(t, result.Succeeded, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, oneBased, result.Failed[0].Identifier.SeriesInstanceUID)
	assert.Equal(t, 5, result.SubOperations.Completed)
	assert.True(t, assoc.IsConnected(), "a failed identifier leaves the association usable")

	timeline, ok := results.Timeline("MOCKPACS")
	require.True(t, ok)
	assert.Equal(t, 5, timeline.Len())
	shape, ok := timeline.Shape()
	require.True(t, ok)
	assert.Equal(t, types.KindImage, shape.Kind)
}

func TestMove_UnknownDestination(t *testing.T) {
	pacs := startPACS(t)
	assoc := connect(t, pacs)
	engine := retrieve.NewEngine(retrieve.WithLogger(&nopLogger), retrieve.WithMoveDestination("NOWHERE"))

	result, err := engine.Retrieve(context.Background(), assoc, retrieve.SeriesRequest(retrieve.Move, zeroBased))
	require.NoError(t, err)
	assert.False(t, result.OK())
	var dimseErr *dicomerrors.DIMSEError
	require.ErrorAs(t, result.Failed[0].Err, &dimseErr)
	assert.Equal(t, uint16(types.StatusMoveDestinationUnknown), dimseErr.Status)
}

func TestGet_DeliversImagesToTimeline(t *testing.T) {
	pacs := startPACS(t)
	results := sink.New([]sink.Slot{{DeviceName: "MOCKPACS", Kind: sink.SlotTimeline}}, sink.WithLogger(&nopLogger), sink.WithCapacity(2))
	assoc := connect(t, pacs)
	engine := retrieve.NewEngine(retrieve.WithLogger(&nopLogger), retrieve.WithSink(results))

	d := types.SeriesDescriptor{StudyInstanceUID: studyUID, SeriesInstanceUID: zeroBased}
	result, err := engine.PullSeries(context.Background(), assoc, retrieve.Get, d)
	require.NoError(t, err)
	assert.True(t, result.OK())
	require.Len(t, result.Objects, 3)

	timeline, _ := results.Timeline("MOCKPACS")
	snapshot := timeline.Snapshot()
	require.Len(t, snapshot, 2, "capacity bounds the timeline")
	assert.Equal(t, zeroBased+".2", snapshot[0].SOPInstanceUID)
	assert.Equal(t, zeroBased+".3", snapshot[1].SOPInstanceUID)

	img, ok := snapshot[1].Payload.(*types.Image)
	require.True(t, ok)
	assert.Equal(t, 4, img.Width)
	assert.Equal(t, 16, img.PixelType.BitsAllocated)
}

func TestMove_StopDuringBatch(t *testing.T) {
	pacs := startPACS(t, pacstest.WithSubOperationDelay(150*time.Millisecond))

	var once sync.Once
	arrived := make(chan struct{})
	results := sink.New(nil, sink.WithLogger(&nopLogger))
	l := listener.NewMoveListener(objectSignal(results, func() { once.Do(func() { close(arrived) }) }),
		listener.WithLogger(&nopLogger), listener.WithHost("127.0.0.1"), listener.WithStopTimeout(time.Second))
	require.NoError(t, l.Start("WORKSTATION_MV", 0))
	pacs.AddDestination("WORKSTATION_MV", "127.0.0.1", l.Port())

	assoc := connect(t, pacs)
	stopper := stop.New()
	engine := retrieve.NewEngine(retrieve.WithLogger(&nopLogger), retrieve.WithMoveDestination("WORKSTATION_MV"), retrieve.WithStopController(stopper))

	go func() {
		<-arrived
		stopper.RequestStop()
	}()

	start := time.Now()
	result, err := engine.Retrieve(context.Background(), assoc, retrieve.SeriesRequest(retrieve.Move, zeroBased, oneBased, third))
	assert.ErrorIs(t, err, dicomerrors.ErrOperationCanceled)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, client.Disconnected, assoc.State())
	assert.Len(t, result.Failed, 3, "the interrupted identifier and the rest fail")

	require.NoError(t, l.Stop())
	assert.Equal(t, listener.StateStopped, l.State())
}

type signalSink struct {
	next   *sink.Sink
	signal func()
}

func (s signalSink) Accept(ctx context.Context, obj types.IncomingObject) error {
	defer s.signal()
	return s.next.Accept(ctx, obj)
}

func objectSignal(next *sink.Sink, signal func()) signalSink {
	return signalSink{next: next, signal: signal}
}
