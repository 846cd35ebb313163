package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
)

const (
	defaultAsyncBuffer = 64
	dropLogEvery       = 100
)

// Async delivers events to another notifier from a single goroutine. Notify
// never blocks: when the buffer is full the event is dropped and counted.
type Async struct {
	next    Notifier
	ch      chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// NewAsync starts the delivery goroutine. Close must be called to stop it.
func NewAsync(next Notifier, buffer int, logger *zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	a := &Async{
		next:   OrNop(next),
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: log.Or(logger, "events"),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		a.next.Notify(e)
	}
}

// Notify queues e, dropping it when the buffer is full or after Close.
func (a *Async) Notify(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(e)
		return
	}
	select {
	case a.ch <- e:
	default:
		a.drop(e)
	}
}

func (a *Async) drop(e Event) {
	metrics.IncEventDrop(string(e.Kind))
	count := a.dropped.Add(1)
	if count%dropLogEvery == 1 {
		a.logger.Warn().
			Str(log.FieldEvent, string(e.Kind)).
			Uint64("dropped", count).
			Msg("Notification buffer full, dropping events")
	}
}

// Dropped returns the number of events dropped so far.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are delivered.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
