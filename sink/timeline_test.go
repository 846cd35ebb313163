package sink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func image(device, uid string, w, h int, at time.Time) types.IncomingObject {
	return types.IncomingObject{
		DeviceName:     device,
		SOPInstanceUID: uid,
		Payload: &types.Image{
			Width:     w,
			Height:    h,
			PixelType: types.PixelType{Components: 1, BitsAllocated: 16},
			Pixels:    make([]byte, w*h*2),
		},
		ReceivedAt: at,
	}
}

func matrix(device, uid string) types.IncomingObject {
	return types.IncomingObject{
		DeviceName:     device,
		SOPInstanceUID: uid,
		Payload:        &types.Matrix{Rows: 4, Cols: 4, Values: make([]float64, 16)},
	}
}

func uids(objs []types.IncomingObject) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.SOPInstanceUID
	}
	return out
}

func TestTimeline_KeepsMostRecentInOrder(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushes   int
		want     []string
	}{
		{"below capacity", 3, 2, []string{"0", "1"}},
		{"at capacity", 3, 3, []string{"0", "1", "2"}},
		{"overflow", 3, 7, []string{"4", "5", "6"}},
		{"default capacity", 0, 12, []string{"2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := NewTimeline("US", tt.capacity)
			for i := 0; i < tt.pushes; i++ {
				require.NoError(t, tl.Push(image("US", itoa(i), 4, 4, epoch.Add(time.Duration(i)*time.Second))))
			}
			assert.Equal(t, tt.want, uids(tl.Snapshot()))
			assert.Equal(t, len(tt.want), tl.Len())

			latest, ok := tl.Latest()
			require.True(t, ok)
			assert.Equal(t, tt.want[len(tt.want)-1], latest.SOPInstanceUID)
		})
	}
}

func TestTimeline_ShapeMismatchLeavesContents(t *testing.T) {
	tl := NewTimeline("US", 4)
	require.NoError(t, tl.Push(image("US", "a", 8, 8, epoch)))
	require.NoError(t, tl.Push(image("US", "b", 8, 8, epoch)))

	before := tl.Snapshot()

	err := tl.Push(image("US", "c", 16, 8, epoch))
	var mismatch *dicomerrors.ShapeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "US", mismatch.Device)

	err = tl.Push(matrix("US", "d"))
	require.Error(t, err)

	assert.Equal(t, before, tl.Snapshot())
	shape, ok := tl.Shape()
	require.True(t, ok)
	assert.Equal(t, 8, shape.Width)
}

func TestTimeline_SnapshotIsACopy(t *testing.T) {
	tl := NewTimeline("US", 2)
	require.NoError(t, tl.Push(image("US", "a", 2, 2, epoch)))

	snap := tl.Snapshot()
	snap[0].SOPInstanceUID = "changed"

	latest, _ := tl.Latest()
	assert.Equal(t, "a", latest.SOPInstanceUID)
}

func TestTimeline_ClosestTo(t *testing.T) {
	tl := NewTimeline("US", 5)
	for i, offset := range []time.Duration{0, 10 * time.Second, 20 * time.Second} {
		require.NoError(t, tl.Push(image("US", itoa(i), 2, 2, epoch.Add(offset))))
	}

	tests := []struct {
		at   time.Time
		want string
	}{
		{epoch.Add(-time.Hour), "0"},
		{epoch.Add(4 * time.Second), "0"},
		{epoch.Add(5 * time.Second), "1"},
		{epoch.Add(16 * time.Second), "2"},
		{epoch.Add(time.Hour), "2"},
	}
	for _, tt := range tests {
		got, ok := tl.ClosestTo(tt.at)
		require.True(t, ok)
		if got.SOPInstanceUID != tt.want {
			t.Errorf("ClosestTo(%v) = %s, want %s", tt.at.Sub(epoch), got.SOPInstanceUID, tt.want)
		}
	}

	_, ok := NewTimeline("X", 1).ClosestTo(epoch)
	assert.False(t, ok)
}

func TestTimeline_ConcurrentPushAndSnapshot(t *testing.T) {
	tl := NewTimeline("US", 10)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = tl.Push(image("US", itoa(i), 2, 2, epoch))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			snap := tl.Snapshot()
			if len(snap) > tl.Capacity() {
				t.Errorf("snapshot has %d entries", len(snap))
				return
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 10, tl.Len())
}

func itoa(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return digits[i : i+1]
	}
	return itoa(i/10) + digits[i%10:i%10+1]
}
