// Package session runs one logical client session against a PACS: queries,
// retrieves, pings and pushes share its configuration, its result sink and a
// lazily started move listener. A session runs one operation at a time.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/client"
	"github.com/caio-sobreiro/dicomqr/config"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/events"
	"github.com/caio-sobreiro/dicomqr/listener"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/query"
	"github.com/caio-sobreiro/dicomqr/retrieve"
	"github.com/caio-sobreiro/dicomqr/sink"
	"github.com/caio-sobreiro/dicomqr/stop"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides the session logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Session) { s.logger = log.Or(l, "session") }
}

// WithNotifier receives every event of the session, stamped with its id.
func WithNotifier(n events.Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithSink replaces the sink built from the configured slots.
func WithSink(results *sink.Sink) Option {
	return func(s *Session) { s.results = results }
}

// WithRetrieveProgress is called after every retrieve response.
func WithRetrieveProgress(fn func(retrieve.Progress)) Option {
	return func(s *Session) { s.progress = fn }
}

// Session is safe for concurrent use; overlapping operations fail with
// ErrBusy.
type Session struct {
	id       string
	cfg      config.Config
	logger   zerolog.Logger
	notifier events.Notifier
	results  *sink.Sink
	progress func(retrieve.Progress)

	busy atomic.Bool

	mu      sync.Mutex
	current *stop.Controller
	move    *listener.Listener
	// moveStop stops the move listener. A listener stopped through it is
	// replaced on the next StartListener.
	moveStop *stop.Controller
	closed   bool
}

// New validates cfg and creates a session.
func New(cfg config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: log.Or(nil, "session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str(log.FieldSessionID, s.id).Logger()
	s.notifier = events.WithSession(s.notifier, s.id)

	if s.results == nil {
		slots, err := cfg.Slots()
		if err != nil {
			return nil, err
		}
		s.results = sink.New(slots,
			sink.WithCapacity(cfg.Sink.Capacity),
			sink.WithLogger(&s.logger),
			sink.WithNotifier(s.notifier),
		)
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Sink returns the result sink fed by retrieves.
func (s *Session) Sink() *sink.Sink { return s.results }

// begin claims the session for one operation and returns its stop
// controller.
func (s *Session) begin() (*stop.Controller, func(), error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, dicomerrors.ErrOperationCanceled
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, nil, dicomerrors.ErrBusy
	}

	stopper := stop.New()
	s.mu.Lock()
	s.current = stopper
	s.mu.Unlock()

	return stopper, func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.busy.Store(false)
	}, nil
}

// Busy reports whether an operation is running.
func (s *Session) Busy() bool { return s.busy.Load() }

// RequestStop stops the running operation, if any, and shuts the move
// listener down within its stop timeout. It does not wait for either. The
// session stays usable; the next C-MOVE starts a new listener.
func (s *Session) RequestStop() {
	s.mu.Lock()
	current, moveStop := s.current, s.moveStop
	s.mu.Unlock()
	if current != nil {
		current.RequestStop()
	}
	if moveStop != nil {
		moveStop.RequestStop()
	}
}

type abortOnStop struct{ assoc *client.Association }

func (a abortOnStop) Close() error { return a.assoc.Abort() }

// connect opens an association that is aborted when stopper fires.
func (s *Session) connect(ctx context.Context, stopper *stop.Controller) (*client.Association, func(), error) {
	cfg := s.cfg.Client()
	cfg.Logger = &s.logger
	cfg.Notifier = s.notifier

	assoc, err := client.Connect(ctx, cfg)
	if err != nil {
		if stopper.Stopped() {
			return nil, nil, stopper.Err()
		}
		return nil, nil, err
	}
	release := stopper.Track(abortOnStop{assoc})
	return assoc, func() {
		release()
		if err := assoc.Disconnect(); err != nil {
			s.logger.Debug().Err(err).Msg("Disconnect after operation")
		}
	}, nil
}

// run claims the session, connects and calls fn with a context cancelled by
// RequestStop. The association is always disconnected afterwards.
func (s *Session) run(ctx context.Context, fn func(ctx context.Context, stopper *stop.Controller, assoc *client.Association) error) error {
	stopper, done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := stopper.Context(ctx)
	defer cancel()

	assoc, disconnect, err := s.connect(ctx, stopper)
	if err != nil {
		return err
	}
	defer disconnect()

	err = fn(ctx, stopper, assoc)
	if err != nil && stopper.Stopped() && !retrieve.IsInterrupted(err) {
		err = fmt.Errorf("%w: %v", dicomerrors.ErrOperationCanceled, err)
	}
	return err
}

// Ping opens an association, sends C-ECHO and disconnects.
func (s *Session) Ping(ctx context.Context) (bool, error) {
	var ok bool
	err := s.run(ctx, func(ctx context.Context, _ *stop.Controller, assoc *client.Association) error {
		var err error
		ok, err = assoc.Ping(ctx)
		return err
	})
	return ok, err
}

func (s *Session) queryEngine() (*query.Engine, error) {
	model, err := s.cfg.QueryModel()
	if err != nil {
		return nil, err
	}
	return query.NewEngine(
		query.WithLogger(&s.logger),
		query.WithNotifier(s.notifier),
		query.WithOffsetProbe(s.cfg.Query.OffsetProbe),
		query.WithInformationModel(model),
	), nil
}

// Query runs a SERIES level search.
func (s *Session) Query(ctx context.Context, c query.Criteria) ([]types.SeriesDescriptor, error) {
	engine, err := s.queryEngine()
	if err != nil {
		return nil, err
	}
	var found []types.SeriesDescriptor
	err = s.run(ctx, func(ctx context.Context, _ *stop.Controller, assoc *client.Association) error {
		found, err = engine.Find(ctx, assoc, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ListInstances fills d.SOPInstanceUIDs.
func (s *Session) ListInstances(ctx context.Context, d *types.SeriesDescriptor) error {
	engine, err := s.queryEngine()
	if err != nil {
		return err
	}
	return s.run(ctx, func(ctx context.Context, _ *stop.Controller, assoc *client.Association) error {
		return engine.ListInstances(ctx, assoc, d)
	})
}

// Retrieve runs a batch. The move listener is started first when req uses
// C-MOVE. A partial failure is reported in the result; the error is only
// set when the batch was interrupted or could not start.
func (s *Session) Retrieve(ctx context.Context, req retrieve.Request) (*retrieve.Result, error) {
	if req.Method == retrieve.Move {
		if s.cfg.Move.AETitle == "" {
			return nil, fmt.Errorf("%w: C-MOVE needs a move AE title", dicomerrors.ErrInvalidRequest)
		}
		if err := s.StartListener(); err != nil {
			return nil, err
		}
	}

	limit, burst := s.cfg.RateLimit()
	var result *retrieve.Result
	err := s.run(ctx, func(ctx context.Context, stopper *stop.Controller, assoc *client.Association) error {
		engine := retrieve.NewEngine(
			retrieve.WithLogger(&s.logger),
			retrieve.WithNotifier(s.notifier),
			retrieve.WithSink(s.results),
			retrieve.WithMoveDestination(s.cfg.Move.AETitle),
			retrieve.WithInformationModel(s.cfg.MoveModel()),
			retrieve.WithRateLimit(limit, burst),
			retrieve.WithStopController(stopper),
			retrieve.WithProgress(s.progress),
		)
		var err error
		result, err = engine.Retrieve(ctx, assoc, req)
		return err
	})
	return result, err
}

// StartListener starts the move listener if it is not listening.
func (s *Session) StartListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dicomerrors.ErrOperationCanceled
	}
	if s.moveStop != nil && s.moveStop.Stopped() {
		if err := s.moveStop.Wait(s.cfg.Timeouts.Stop); err != nil {
			s.logger.Warn().Err(err).Msg("Previous move listener still stopping")
		}
		s.move, s.moveStop = nil, nil
	}
	if s.move == nil {
		s.moveStop = stop.New()
		s.move = listener.NewMoveListener(s.results,
			listener.WithLogger(&s.logger),
			listener.WithHost(s.cfg.Move.Host),
			listener.WithReadTimeout(s.cfg.Timeouts.Read),
			listener.WithWriteTimeout(s.cfg.Timeouts.Write),
			listener.WithStopTimeout(s.cfg.Timeouts.Stop),
			listener.WithStopController(s.moveStop),
		)
	}
	return s.move.Start(s.cfg.Move.AETitle, s.cfg.Move.Port)
}

// Listener returns the move listener, nil before it was first started.
func (s *Session) Listener() *listener.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move
}

// Close stops the running operation and waits up to the stop timeout for
// the move listener to shut down. Later operations fail with
// ErrOperationCanceled.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	moveStop := s.moveStop
	s.mu.Unlock()

	s.RequestStop()
	if moveStop != nil {
		return moveStop.Wait(s.cfg.Timeouts.Stop)
	}
	return nil
}
