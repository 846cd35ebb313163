// Package retrieve fetches series and instances from a PACS with C-MOVE or
// C-GET. A batch keeps going when one identifier fails and reports the
// failures in its result.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/caio-sobreiro/dicomqr/client"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/events"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/services"
	"github.com/caio-sobreiro/dicomqr/stop"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Association is the part of a client association the engine needs.
type Association interface {
	SendCMove(ctx context.Context, req *client.CMoveRequest) ([]*client.RetrieveResponse, error)
	SendCGet(ctx context.Context, req *client.CGetRequest, handler client.StoreHandler) ([]*client.RetrieveResponse, error)
	CalledAETitle() string
	Abort() error
}

// Progress is reported after every C-MOVE/C-GET response.
type Progress struct {
	Identifier    Identifier
	Index         int
	Total         int
	SubOperations client.SubOperations
	Final         bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMoveDestination sets the AE title of the move listener.
func WithMoveDestination(aeTitle string) Option {
	return func(e *Engine) { e.moveDestination = aeTitle }
}

// WithSink receives the objects of C-GET sub-operations.
func WithSink(sink interfaces.ObjectSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithRateLimit paces identifiers: at most limit per second after an
// initial burst.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(limit, burst) }
}

// WithStopController makes a batch stop when c is stopped.
func WithStopController(c *stop.Controller) Option {
	return func(e *Engine) { e.stopper = c }
}

// WithLogger overrides the engine logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(e *Engine) { e.logger = log.Or(l, "retrieve") }
}

// WithNotifier receives ObjectAvailable for C-GET objects when no sink is set.
func WithNotifier(n events.Notifier) Option {
	return func(e *Engine) { e.notifier = events.OrNop(n) }
}

// WithClock replaces time.Now for received objects.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProgress is called after every retrieve response.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithInformationModel selects the Study Root or Patient Root model. The
// value is the C-MOVE SOP class; the matching C-GET class is derived.
func WithInformationModel(moveSOPClassUID string) Option {
	return func(e *Engine) {
		e.moveModel = moveSOPClassUID
		if moveSOPClassUID == types.PatientRootQueryRetrieveInformationModelMove {
			e.getModel = types.PatientRootQueryRetrieveInformationModelGet
		}
	}
}

// Engine runs retrieve batches. It may be shared; associations may not.
type Engine struct {
	moveDestination string
	moveModel       string
	getModel        string
	sink            interfaces.ObjectSink
	limiter         *rate.Limiter
	stopper         *stop.Controller
	notifier        events.Notifier
	now             func() time.Time
	progress        func(Progress)
	logger          zerolog.Logger
}

// NewEngine creates a retrieve engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		moveModel: types.StudyRootQueryRetrieveInformationModelMove,
		getModel:  types.StudyRootQueryRetrieveInformationModelGet,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		notifier:  events.Nop,
		now:       time.Now,
		logger:    log.Or(nil, "retrieve"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve runs every identifier of req in order.
//
// A failure status, or a final response without a completed or warning
// sub-operation, fails that identifier and the batch continues. A transport
// failure, a cancelled context or a stop request fails the current and the
// remaining identifiers; the result and the error are returned together and
// the association is left disconnected.
func (e *Engine) Retrieve(ctx context.Context, assoc Association, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Method == Move {
		if err := types.ValidateAETitle(e.moveDestination); err != nil {
			return nil, fmt.Errorf("%w: move destination: %v", dicomerrors.ErrInvalidRequest, err)
		}
	}

	if e.stopper != nil {
		var cancel context.CancelFunc
		ctx, cancel = e.stopper.Context(ctx)
		defer cancel()
	}

	result := &Result{Method: req.Method}
	logger := e.logger.With().Str(log.FieldMethod, req.Method.String()).Str(log.FieldCalledAE, assoc.CalledAETitle()).Logger()

	for i, id := range req.Identifiers {
		err := e.checkStop(ctx)
		if err == nil {
			if werr := e.limiter.Wait(ctx); werr != nil {
				err = e.interrupted(ctx, werr)
			}
		}
		if err == nil {
			err = e.one(ctx, assoc, req.Method, id, i, len(req.Identifiers), result, logger)
		}
		if err != nil {
			return e.abandon(assoc, req, i, result, err, logger)
		}
	}

	logger.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Int("completed", result.SubOperations.Completed).
		Msg("Retrieve finished")
	return result, nil
}

func (e *Engine) checkStop(ctx context.Context) error {
	if e.stopper != nil && e.stopper.Stopped() {
		return e.stopper.Err()
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", dicomerrors.ErrOperationCanceled, ctx.Err())
	}
	return nil
}

func (e *Engine) interrupted(ctx context.Context, err error) error {
	if stopErr := e.checkStop(ctx); stopErr != nil {
		return stopErr
	}
	return err
}

// abandon fails identifiers from index on and tears the association down.
func (e *Engine) abandon(assoc Association, req Request, index int, result *Result, err error, logger zerolog.Logger) (*Result, error) {
	for _, id := range req.Identifiers[index:] {
		result.fail(id, err)
		metrics.RecordRetrieveIdentifier(req.Method.String(), false)
	}
	_ = assoc.Abort()
	logger.Warn().Err(err).
		Int("succeeded", len(result.Succeeded)).
		Int("abandoned", len(req.Identifiers)-index).
		Msg("Retrieve interrupted")
	return result, err
}

// one retrieves a single identifier. Only errors that end the batch are
// returned; per-identifier failures are recorded in result.
func (e *Engine) one(ctx context.Context, assoc Association, method Method, id Identifier, index, total int, result *Result, logger zerolog.Logger) error {
	logger = logger.With().Str(log.FieldSeriesUID, id.SeriesInstanceUID).Str(log.FieldInstanceUID, id.SOPInstanceUID).Logger()

	report := func(rsp *client.RetrieveResponse) {
		if e.progress != nil {
			e.progress(Progress{Identifier: id, Index: index, Total: total, SubOperations: rsp.SubOperations(), Final: rsp.Final()})
		}
	}

	var (
		responses []*client.RetrieveResponse
		received  *receiver
		err       error
	)
	switch method {
	case Get:
		received = &receiver{engine: e, logger: logger}
		responses, err = assoc.SendCGet(ctx, &client.CGetRequest{
			SOPClassUID: e.getModel,
			Dataset:     id.dataset(),
			Progress:    report,
		}, received)
		result.Objects = append(result.Objects, received.objects()...)
	default:
		responses, err = assoc.SendCMove(ctx, &client.CMoveRequest{
			SOPClassUID: e.moveModel,
			Destination: e.moveDestination,
			Dataset:     id.dataset(),
			Progress:    report,
		})
	}
	if err != nil {
		return e.interrupted(ctx, err)
	}

	opName := "C-MOVE"
	if method == Get {
		opName = "C-GET"
	}
	if len(responses) == 0 || !responses[len(responses)-1].Final() {
		return e.interrupted(ctx, dicomerrors.NewProtocolError(opName, "no final response", nil))
	}
	final := responses[len(responses)-1]
	ops := final.SubOperations()
	if received != nil && ops.Completed == 0 && ops.Warning == 0 {
		ops.Completed = received.accepted()
	}
	result.add(ops)
	metrics.AddRetrieveSubOps(method.String(), ops.Completed, ops.Failed, ops.Warning)

	var failure error
	switch {
	case types.IsFailureStatus(final.Status) || final.Status == types.StatusCancel:
		failure = dicomerrors.NewDIMSEError(opName, final.Status, final.ErrorComment)
	case ops.Completed+ops.Warning == 0:
		failure = dicomerrors.ErrNothingRetrieved
	}

	if failure != nil {
		result.fail(id, failure)
		metrics.RecordRetrieveIdentifier(method.String(), false)
		logger.Warn().Err(failure).Int("failed_subops", ops.Failed).Msg("Identifier not retrieved")
		return nil
	}

	result.Succeeded = append(result.Succeeded, id)
	metrics.RecordRetrieveIdentifier(method.String(), true)
	logger.Debug().Int("completed", ops.Completed).Int("warning", ops.Warning).Int("failed_subops", ops.Failed).Msg("Identifier retrieved")
	return nil
}

// receiver handles the C-STORE sub-operations of one C-GET.
type receiver struct {
	engine *Engine
	logger zerolog.Logger

	mu       sync.Mutex
	received []types.IncomingObject
}

func (r *receiver) HandleStore(ctx context.Context, req *client.StoreRequest) (uint16, error) {
	obj, err := services.DecodeIncoming(req.Data, req.TransferSyntaxUID, req.SOPClassUID, req.SOPInstanceUID, req.RemoteAETitle, r.engine.now())
	if err != nil {
		metrics.IncProtocolError("C-STORE")
		return services.StoreStatus(err), err
	}

	if r.engine.sink != nil {
		if err := r.engine.sink.Accept(ctx, obj); err != nil {
			return services.StoreStatus(err), err
		}
	} else {
		r.engine.notifier.Notify(events.Object(events.ObjectAvailable, obj))
	}

	r.mu.Lock()
	r.received = append(r.received, obj)
	r.mu.Unlock()
	return types.StatusSuccess, nil
}

func (r *receiver) objects() []types.IncomingObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.IncomingObject(nil), r.received...)
}

func (r *receiver) accepted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

// PullSeries retrieves one whole series described by a query result.
func (e *Engine) PullSeries(ctx context.Context, assoc Association, method Method, d types.SeriesDescriptor) (*Result, error) {
	return e.Retrieve(ctx, assoc, Request{
		Method:      method,
		Identifiers: []Identifier{{StudyInstanceUID: d.StudyInstanceUID, SeriesInstanceUID: d.SeriesInstanceUID}},
	})
}

// PullInstance retrieves the instance at a zero-based position of a series
// whose SOPInstanceUIDs have been listed.
func (e *Engine) PullInstance(ctx context.Context, assoc Association, method Method, d types.SeriesDescriptor, index int) (*Result, error) {
	if index < 0 || index >= len(d.SOPInstanceUIDs) {
		return nil, fmt.Errorf("%w: instance %d of %s not listed", dicomerrors.ErrInvalidRequest, index, d.SeriesInstanceUID)
	}
	return e.Retrieve(ctx, assoc, Request{
		Method: method,
		Identifiers: []Identifier{{
			StudyInstanceUID:  d.StudyInstanceUID,
			SeriesInstanceUID: d.SeriesInstanceUID,
			SOPInstanceUID:    d.SOPInstanceUIDs[index],
		}},
	})
}

// IsInterrupted reports whether err ended a batch early rather than
// failing a single identifier.
func IsInterrupted(err error) bool {
	return dicomerrors.IsConnectionError(err) || errors.Is(err, dicomerrors.ErrOperationCanceled)
}
