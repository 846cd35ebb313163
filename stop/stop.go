// Package stop provides a cooperative stop signal shared by the engines and
// the listener. A stop request closes tracked resources so blocked network
// reads return, and lets workers observe the request between steps.
package stop

import (
	"context"
	"io"
	"sync"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
)

// Controller is a one-shot stop signal. The zero value is not usable; use New.
type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	closers map[int]io.Closer
	nextKey int

	workers sync.WaitGroup
}

// New returns a controller that has not been stopped.
func New() *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		ctx:     ctx,
		cancel:  cancel,
		closers: make(map[int]io.Closer),
	}
}

// RequestStop signals stop and closes every tracked resource. It may be
// called from any goroutine, any number of times, and does not wait for
// workers to exit.
func (c *Controller) RequestStop() {
	c.once.Do(func() {
		c.cancel()

		c.mu.Lock()
		closers := c.closers
		c.closers = nil
		c.mu.Unlock()

		for _, closer := range closers {
			_ = closer.Close()
		}
	})
}

// Stopped reports whether RequestStop has been called.
func (c *Controller) Stopped() bool {
	return c.ctx.Err() != nil
}

// Done is closed once stop has been requested.
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns ErrOperationCanceled after a stop request, nil before.
func (c *Controller) Err() error {
	if c.Stopped() {
		return dicomerrors.ErrOperationCanceled
	}
	return nil
}

// Context derives a context that is cancelled when stop is requested or
// parent is done.
func (c *Controller) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	unregister := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}

// Track registers a resource to close on stop. The returned release func
// unregisters it without closing. Tracking after stop closes the resource
// immediately.
func (c *Controller) Track(closer io.Closer) (release func()) {
	c.mu.Lock()
	if c.closers == nil {
		c.mu.Unlock()
		_ = closer.Close()
		return func() {}
	}
	key := c.nextKey
	c.nextKey++
	c.closers[key] = closer
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closers != nil {
			delete(c.closers, key)
		}
	}
}

// Go runs fn in a tracked worker goroutine.
func (c *Controller) Go(fn func()) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn()
	}()
}

// Wait blocks until every worker started with Go has returned, or until
// timeout elapses, in which case it returns ErrStopTimeout. A timeout of
// zero waits indefinitely.
func (c *Controller) Wait(timeout time.Duration) error {
	finished := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(finished)
	}()

	if timeout <= 0 {
		<-finished
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return nil
	case <-timer.C:
		return dicomerrors.ErrStopTimeout
	}
}
