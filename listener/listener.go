// Package listener runs the service-provider side of DICOM associations.
// The move listener built on it receives the objects a PACS pushes during a
// C-MOVE and hands them to an object sink.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomqr/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/pdu"
	"github.com/caio-sobreiro/dicomqr/stop"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Defaults for listener timeouts.
const (
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 60 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	DefaultGracePeriod  = 2 * time.Second
)

// State is the lifecycle state of a Listener.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Option configures a Listener instance.
type Option func(*Listener)

// WithLogger overrides the logger used by the listener.
func WithLogger(logger *zerolog.Logger) Option {
	return func(l *Listener) {
		l.logger = log.Or(logger, "listener")
	}
}

// WithReadTimeout sets the idle read timeout for inbound connections.
func WithReadTimeout(timeout time.Duration) Option {
	return func(l *Listener) {
		l.readTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout for inbound connections.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(l *Listener) {
		l.writeTimeout = timeout
	}
}

// WithStopTimeout bounds how long Stop waits for the accept loop and the
// open associations.
func WithStopTimeout(timeout time.Duration) Option {
	return func(l *Listener) {
		l.stopTimeout = timeout
	}
}

// WithGracePeriod sets how long Stop lets open associations finish before
// closing them.
func WithGracePeriod(grace time.Duration) Option {
	return func(l *Listener) {
		l.grace = grace
	}
}

// WithMaxAssociations limits concurrently served associations. Zero means
// no limit.
func WithMaxAssociations(n int) Option {
	return func(l *Listener) {
		l.maxAssociations = n
	}
}

// WithAbstractSyntaxes restricts the SOP classes accepted during negotiation.
func WithAbstractSyntaxes(accept func(uid string) bool) Option {
	return func(l *Listener) {
		l.abstractSyntaxes = accept
	}
}

// WithHost sets the interface to bind. Empty binds all interfaces.
func WithHost(host string) Option {
	return func(l *Listener) {
		l.host = host
	}
}

// WithName labels the listener in metrics.
func WithName(name string) Option {
	return func(l *Listener) {
		l.name = name
	}
}

// WithStopController ties the listener to c. A stop request on c stops the
// listener within its stop timeout, and the accept loop runs as one of c's
// workers so c.Wait joins it.
func WithStopController(c *stop.Controller) Option {
	return func(l *Listener) {
		l.stopper = c
	}
}

// Listener accepts inbound associations and routes their DIMSE messages to
// a handler. Start and Stop may be called from any goroutine.
type Listener struct {
	handler          interfaces.ServiceHandler
	abstractSyntaxes func(uid string) bool
	host             string
	name             string
	readTimeout      time.Duration
	writeTimeout     time.Duration
	stopTimeout      time.Duration
	grace            time.Duration
	maxAssociations  int
	logger           zerolog.Logger
	stopper          *stop.Controller

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu      sync.Mutex
	state   State
	ln      net.Listener
	aeTitle string
	cancel  context.CancelFunc
	done    chan struct{}
	conns   map[net.Conn]struct{}
	release func()
}

// New builds a Listener serving handler.
func New(handler interfaces.ServiceHandler, opts ...Option) *Listener {
	l := &Listener{
		handler:      handler,
		name:         "listener",
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		stopTimeout:  DefaultStopTimeout,
		grace:        DefaultGracePeriod,
		logger:       log.Or(nil, "listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	metrics.SetListenerState(l.name, StateStopped.String())
	return l
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Addr returns the bound address while listening, nil otherwise.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Port returns the bound TCP port, 0 when not listening.
func (l *Listener) Port() uint16 {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// AETitle returns the title the listener answers to.
func (l *Listener) AETitle() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aeTitle
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	old := l.state
	l.state = s
	l.mu.Unlock()

	metrics.SetListenerState(l.name, s.String())
	if old != s {
		l.logger.Debug().Str(log.FieldOldState, old.String()).Str(log.FieldNewState, s.String()).Msg("Listener state changed")
	}
}

// Start binds port and begins accepting associations addressed to aeTitle.
// It returns once the socket is bound. Calling Start while listening is a
// no-op. Port 0 binds an ephemeral port.
func (l *Listener) Start(aeTitle string, port uint16) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.State() == StateListening {
		return nil
	}
	if l.handler == nil {
		return errors.New("listener: handler is required")
	}
	if err := types.ValidateAETitle(aeTitle); err != nil {
		return fmt.Errorf("%w: listener AE title: %v", dicomerrors.ErrInvalidParameters, err)
	}
	if l.stopper != nil && l.stopper.Stopped() {
		return l.stopper.Err()
	}

	l.setState(StateStarting)

	address := net.JoinHostPort(l.host, strconv.Itoa(int(port)))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		l.setState(StateStopped)
		return dicomerrors.NewNetworkError("listen on "+address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.ln = ln
	l.aeTitle = aeTitle
	l.cancel = cancel
	l.done = done
	l.conns = make(map[net.Conn]struct{})
	l.mu.Unlock()

	if l.stopper != nil {
		l.stopper.Go(func() { l.serve(ctx, ln, aeTitle, done) })
		release := l.stopper.Track(stopOnRequest{l})
		l.mu.Lock()
		l.release = release
		l.mu.Unlock()
	} else {
		go l.serve(ctx, ln, aeTitle, done)
	}

	l.logger.Info().
		Str("address", ln.Addr().String()).
		Str(log.FieldCalledAE, aeTitle).
		Msg("DICOM listener listening")
	l.setState(StateListening)
	return nil
}

// Stop closes the listening socket and waits for open associations. After
// the grace period remaining connections are closed. If the accept loop has
// not exited within the stop timeout Stop returns ErrStopTimeout; the state
// is Stopped either way. Stop on a stopped listener is a no-op.
func (l *Listener) Stop() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.State() == StateStopped {
		return nil
	}
	l.setState(StateStopping)

	l.mu.Lock()
	ln, cancel, done, release := l.ln, l.cancel, l.done, l.release
	l.release = nil
	l.mu.Unlock()

	if release != nil {
		release()
	}
	cancel()
	_ = ln.Close()

	deadline := time.NewTimer(l.stopTimeout)
	defer deadline.Stop()

	grace := l.grace
	if grace > l.stopTimeout {
		grace = l.stopTimeout
	}
	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	var err error
wait:
	for {
		select {
		case <-done:
			break wait
		case <-graceTimer.C:
			if n := l.closeConnections(); n > 0 {
				l.logger.Warn().Int("connections", n).Msg("Closing associations still open after grace period")
			}
		case <-deadline.C:
			l.closeConnections()
			err = dicomerrors.ErrStopTimeout
			l.logger.Error().Dur("timeout", l.stopTimeout).Msg("Listener did not stop in time")
			break wait
		}
	}

	l.mu.Lock()
	l.ln = nil
	l.mu.Unlock()

	l.setState(StateStopped)
	l.logger.Info().Msg("DICOM listener stopped")
	return err
}

// Close stops the listener so it can be tracked as an io.Closer.
func (l *Listener) Close() error {
	return l.Stop()
}

// stopOnRequest is tracked by the stop controller. RequestStop must not
// block on the listener, so Stop runs as a controller worker.
type stopOnRequest struct{ l *Listener }

func (s stopOnRequest) Close() error {
	s.l.stopper.Go(func() {
		if err := s.l.Stop(); err != nil {
			s.l.logger.Warn().Err(err).Msg("Stop requested")
		}
	})
	return nil
}

func (l *Listener) serve(ctx context.Context, ln net.Listener, aeTitle string, done chan struct{}) {
	defer close(done)

	var g errgroup.Group
	if l.maxAssociations > 0 {
		g.SetLimit(l.maxAssociations)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.logger.Warn().Err(err).Msg("Accept timeout")
				continue
			}
			l.logger.Error().Err(err).Msg("Accept failed")
			break
		}

		if !l.track(conn) {
			_ = conn.Close()
			break
		}
		g.Go(func() error {
			defer l.untrack(conn)
			l.handleConnection(ctx, conn, aeTitle)
			return nil
		})
	}

	_ = g.Wait()
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn, aeTitle string) {
	logger := l.logger.With().Str(log.FieldRemoteAddr, conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("Accepted DICOM connection")

	timed := pdu.NewTimedConn(conn, l.readTimeout, l.writeTimeout)
	service := dimse.NewService(l.handler, &logger)
	layer := pdu.NewLayer(timed, service, pdu.AcceptorConfig{
		AETitle:              aeTitle,
		RequireCalledAETitle: true,
		AbstractSyntaxes:     l.abstractSyntaxes,
	}, &logger)

	err := layer.HandleConnection(ctx)
	var rejected *dicomerrors.AssociationError
	switch {
	case err == nil:
		metrics.RecordAssociation("acceptor", "released")
		logger.Debug().Msg("DICOM connection closed")
	case errors.As(err, &rejected):
		metrics.RecordAssociation("acceptor", "rejected")
		logger.Info().Err(err).Msg("Association rejected")
	case ctx.Err() != nil:
		metrics.RecordAssociation("acceptor", "aborted")
		logger.Debug().Err(err).Msg("Connection closed by stop")
	default:
		metrics.RecordAssociation("acceptor", "failed")
		logger.Warn().Err(err).Msg("DICOM connection ended")
	}
}

// track registers conn for forced closing. It fails once the listener has
// started stopping.
func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopping || l.conns == nil {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	_ = conn.Close()
}

func (l *Listener) closeConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.conns {
		_ = conn.Close()
	}
	return len(l.conns)
}
