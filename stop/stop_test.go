package stop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingCloser struct {
	closed atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}

func TestRequestStopIsIdempotent(t *testing.T) {
	c := New()
	closer := &countingCloser{}
	c.Track(closer)

	require.False(t, c.Stopped())
	require.NoError(t, c.Err())

	c.RequestStop()
	c.RequestStop()

	assert.True(t, c.Stopped())
	assert.ErrorIs(t, c.Err(), dicomerrors.ErrOperationCanceled)
	assert.Equal(t, int32(1), closer.closed.Load())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after stop")
	}
}

func TestTrackAfterStopClosesImmediately(t *testing.T) {
	c := New()
	c.RequestStop()

	closer := &countingCloser{}
	release := c.Track(closer)
	release()
	assert.Equal(t, int32(1), closer.closed.Load())
}

func TestReleaseUnregisters(t *testing.T) {
	c := New()
	closer := &countingCloser{}
	release := c.Track(closer)
	release()

	c.RequestStop()
	assert.Equal(t, int32(0), closer.closed.Load())
}

func TestContextCancelledOnStop(t *testing.T) {
	c := New()
	ctx, cancel := c.Context(context.Background())
	defer cancel()

	c.RequestStop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context not cancelled")
	}
}

func TestContextFollowsParent(t *testing.T) {
	c := New()
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := c.Context(parent)
	defer cancel()

	cancelParent()
	<-ctx.Done()
	assert.False(t, c.Stopped())
}

func TestWaitJoinsWorkers(t *testing.T) {
	c := New()
	var ran atomic.Bool
	c.Go(func() {
		<-c.Done()
		ran.Store(true)
	})

	c.RequestStop()
	require.NoError(t, c.Wait(time.Second))
	assert.True(t, ran.Load())
}

func TestWaitTimesOut(t *testing.T) {
	c := New()
	release := make(chan struct{})
	c.Go(func() { <-release })

	start := time.Now()
	err := c.Wait(50 * time.Millisecond)
	assert.ErrorIs(t, err, dicomerrors.ErrStopTimeout)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	require.NoError(t, c.Wait(0))
}
