package sink

import (
	"sync"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/types"
)

// DefaultCapacity is the number of objects a timeline keeps per device.
const DefaultCapacity = 10

// Timeline is a bounded ring buffer of the most recent objects received
// from one device. The first push fixes the shape every later push must
// match. Safe for concurrent use.
type Timeline struct {
	device string

	mu       sync.Mutex
	buf      []types.IncomingObject
	start    int // index of the oldest entry
	count    int
	shape    types.Shape
	hasShape bool
}

// NewTimeline creates an empty timeline. A capacity below one uses
// DefaultCapacity.
func NewTimeline(device string, capacity int) *Timeline {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Timeline{device: device, buf: make([]types.IncomingObject, capacity)}
}

// Push appends obj, evicting the oldest entry when full. An object whose
// shape differs from the established one is rejected with a
// *errors.ShapeMismatchError and leaves the timeline unchanged.
func (t *Timeline) Push(obj types.IncomingObject) error {
	shape := obj.Shape()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasShape {
		t.shape = shape
		t.hasShape = true
	} else if shape != t.shape {
		return &dicomerrors.ShapeMismatchError{Device: t.device, Want: t.shape.String(), Got: shape.String()}
	}

	end := (t.start + t.count) % len(t.buf)
	t.buf[end] = obj
	if t.count < len(t.buf) {
		t.count++
		return nil
	}
	t.start = (t.start + 1) % len(t.buf)
	metrics.IncTimelineEviction()
	return nil
}

// Snapshot copies out the buffered objects, oldest first.
func (t *Timeline) Snapshot() []types.IncomingObject {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.IncomingObject, t.count)
	for i := range out {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}

// Latest returns the most recent object.
func (t *Timeline) Latest() (types.IncomingObject, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return types.IncomingObject{}, false
	}
	return t.buf[(t.start+t.count-1)%len(t.buf)], true
}

// ClosestTo returns the buffered object whose ReceivedAt is nearest to at.
// Ties go to the more recent object.
func (t *Timeline) ClosestTo(at time.Time) (types.IncomingObject, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return types.IncomingObject{}, false
	}

	var best types.IncomingObject
	bestDiff := time.Duration(-1)
	for i := 0; i < t.count; i++ {
		obj := t.buf[(t.start+i)%len(t.buf)]
		diff := obj.ReceivedAt.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff <= bestDiff {
			best, bestDiff = obj, diff
		}
	}
	return best, true
}

// Len returns the number of buffered objects.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Capacity returns the fixed size of the buffer.
func (t *Timeline) Capacity() int {
	return len(t.buf)
}

// Shape returns the established shape, false before the first push.
func (t *Timeline) Shape() (types.Shape, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape, t.hasShape
}

// Device returns the device the timeline belongs to.
func (t *Timeline) Device() string {
	return t.device
}
