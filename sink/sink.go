// Package sink routes received objects to per-device destinations: bounded
// timelines for streaming devices and single-object slots for the rest.
package sink

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/events"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/types"
)

// SlotKind selects how a slot stores objects.
type SlotKind int

const (
	// SlotTimeline keeps the most recent objects in a Timeline.
	SlotTimeline SlotKind = iota
	// SlotObject keeps only the latest object, replacing it on every push.
	SlotObject
)

func (k SlotKind) String() string {
	if k == SlotObject {
		return "object"
	}
	return "timeline"
}

// Slot is one expected device.
type Slot struct {
	DeviceName string
	Kind       SlotKind
}

type slot struct {
	Slot
	timeline *Timeline

	mu     sync.Mutex
	object *types.IncomingObject
}

// Option configures a Sink.
type Option func(*Sink)

// WithCapacity sets the timeline capacity.
func WithCapacity(n int) Option {
	return func(s *Sink) { s.capacity = n }
}

// WithLogger overrides the sink logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Sink) { s.logger = log.Or(l, "sink") }
}

// WithNotifier sets where object notifications go.
func WithNotifier(n events.Notifier) Option {
	return func(s *Sink) { s.notifier = events.OrNop(n) }
}

// Sink dispatches objects to the slot matching their device name. Slots are
// searched in order; the first match wins.
type Sink struct {
	slots    []*slot
	capacity int
	notifier events.Notifier
	logger   zerolog.Logger
}

// New creates a sink for the given ordered slots.
func New(slots []Slot, opts ...Option) *Sink {
	s := &Sink{
		capacity: DefaultCapacity,
		notifier: events.Nop,
		logger:   log.Or(nil, "sink"),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, def := range slots {
		sl := &slot{Slot: def}
		if def.Kind == SlotTimeline {
			sl.timeline = NewTimeline(def.DeviceName, s.capacity)
		}
		s.slots = append(s.slots, sl)
	}
	return s
}

func (s *Sink) find(device string) *slot {
	for _, sl := range s.slots {
		if sl.DeviceName == device {
			return sl
		}
	}
	return nil
}

// Push routes obj. Objects from unknown devices are dropped without error.
// A timeline push may fail with *errors.ShapeMismatchError.
func (s *Sink) Push(obj types.IncomingObject) error {
	sl := s.find(obj.DeviceName)
	if sl == nil {
		s.logger.Info().
			Str(log.FieldDevice, obj.DeviceName).
			Str(log.FieldInstanceUID, obj.SOPInstanceUID).
			Msg("Dropping object from unexpected device")
		metrics.RecordSinkPush("none", "dropped")
		return nil
	}

	switch sl.Kind {
	case SlotObject:
		sl.mu.Lock()
		copied := obj
		sl.object = &copied
		sl.mu.Unlock()
		s.notifier.Notify(events.Object(events.ObjectModified, obj))
	default:
		if err := sl.timeline.Push(obj); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldDevice, obj.DeviceName).Msg("Rejected timeline push")
			metrics.RecordSinkPush(sl.Kind.String(), "rejected")
			return err
		}
	}

	metrics.RecordSinkPush(sl.Kind.String(), "accepted")
	s.notifier.Notify(events.Object(events.ObjectAvailable, obj))
	return nil
}

// Accept implements interfaces.ObjectSink.
func (s *Sink) Accept(_ context.Context, obj types.IncomingObject) error {
	return s.Push(obj)
}

// Timeline returns the timeline for a device, if it has one.
func (s *Sink) Timeline(device string) (*Timeline, bool) {
	sl := s.find(device)
	if sl == nil || sl.timeline == nil {
		return nil, false
	}
	return sl.timeline, true
}

// Object returns the latest object of an object slot.
func (s *Sink) Object(device string) (types.IncomingObject, bool) {
	sl := s.find(device)
	if sl == nil || sl.Kind != SlotObject {
		return types.IncomingObject{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.object == nil {
		return types.IncomingObject{}, false
	}
	return *sl.object, true
}

// Slots returns the configured slots in order.
func (s *Sink) Slots() []Slot {
	out := make([]Slot, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.Slot
	}
	return out
}
