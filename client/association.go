// Package client implements the requestor side of a DICOM association and
// the DIMSE service-user operations run over it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/events"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/pdu"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Default timeouts
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 60 * time.Second
	DefaultReleaseTimeout = 5 * time.Second
)

// State is the lifecycle state of an Association.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds client configuration
type Config struct {
	Parameters types.ConnectionParameters

	MaxPDULength   uint32        // largest PDU this side receives (default: 16KB)
	ConnectTimeout time.Duration // dial plus negotiation (default: 30s)
	ReadTimeout    time.Duration // per read (default: 60s)
	WriteTimeout   time.Duration // per write (default: 60s)
	ReleaseTimeout time.Duration // wait for A-RELEASE-RP (default: 5s)

	// TransferSyntaxes to propose (default: Explicit VR, Implicit VR)
	TransferSyntaxes []string
	// StorageSOPClasses proposed with the SCP role so C-GET sub-operations
	// can be received (default: types.RetrieveStorageSOPClasses)
	StorageSOPClasses []string

	Logger   *zerolog.Logger
	Notifier events.Notifier

	// DialContext replaces net.Dialer for tests and proxies.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = types.DefaultMaxPDULength
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReleaseTimeout == 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	if len(c.TransferSyntaxes) == 0 {
		c.TransferSyntaxes = types.DefaultTransferSyntaxes
	}
	if c.StorageSOPClasses == nil {
		c.StorageSOPClasses = types.RetrieveStorageSOPClasses
	}
	if c.DialContext == nil {
		c.DialContext = (&net.Dialer{}).DialContext
	}
	return c
}

// queryRetrieveClasses are proposed on every association, in this order.
var queryRetrieveClasses = []string{
	types.VerificationSOPClass,
	types.StudyRootQueryRetrieveInformationModelFind,
	types.StudyRootQueryRetrieveInformationModelMove,
	types.StudyRootQueryRetrieveInformationModelGet,
	types.PatientRootQueryRetrieveInformationModelFind,
	types.PatientRootQueryRetrieveInformationModelMove,
	types.PatientRootQueryRetrieveInformationModelGet,
}

// Association represents a client-side DICOM association. Operations are
// serialized; one started while another runs fails with ErrAssociationBusy.
type Association struct {
	cfg      Config
	params   types.ConnectionParameters
	logger   zerolog.Logger
	notifier events.Notifier

	mu         sync.Mutex
	state      State
	conn       net.Conn
	io         *pdu.TimedConn
	reader     *dimse.Reader
	assoc      *types.AssociationContext
	peerMaxPDU uint32

	opMu   sync.Mutex
	nextID atomic.Uint32
}

// NewAssociation creates a Disconnected association.
func NewAssociation(cfg Config) *Association {
	cfg = cfg.withDefaults()
	return &Association{
		cfg:      cfg,
		params:   cfg.Parameters,
		logger:   log.Or(cfg.Logger, "client"),
		notifier: events.OrNop(cfg.Notifier),
	}
}

// Connect creates an association and connects it.
func Connect(ctx context.Context, cfg Config) (*Association, error) {
	a := NewAssociation(cfg)
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Parameters returns the connection parameters the association was built with.
func (a *Association) Parameters() types.ConnectionParameters {
	return a.params
}

// CalledAETitle returns the remote AE title.
func (a *Association) CalledAETitle() string {
	return a.params.RemoteAETitle
}

// State returns the current lifecycle state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsConnected reports whether the association is established.
func (a *Association) IsConnected() bool {
	return a.State() == Connected
}

// Context returns the negotiated association, nil when not connected.
func (a *Association) Context() *types.AssociationContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.assoc
}

func (a *Association) setState(s State) {
	if a.state == s {
		return
	}
	a.logger.Debug().Str(log.FieldOldState, a.state.String()).Str(log.FieldNewState, s.String()).Msg("Association state changed")
	a.state = s
}

// Connect dials the remote PACS and negotiates an association. Failures are
// returned as *errors.ConnectionError; nothing is retried.
func (a *Association) Connect(ctx context.Context) error {
	if err := a.params.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.state != Disconnected {
		a.mu.Unlock()
		return dicomerrors.ErrAlreadyConnected
	}
	a.setState(Connecting)
	a.mu.Unlock()

	conn, ac, err := a.establish(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.setState(Disconnected)
		result := "failed"
		if errors.Is(err, dicomerrors.ErrAssociationRejected) {
			result = "rejected"
		}
		metrics.RecordAssociation("requestor", result)
		a.logger.Warn().Err(err).
			Str(log.FieldRemoteAddr, a.params.RemoteAddress()).
			Str(log.FieldCalledAE, a.params.RemoteAETitle).
			Msg("Association failed")
		return dicomerrors.NewConnectionError("connect", a.params.RemoteAddress(), err)
	}

	a.conn = conn
	a.io = pdu.NewTimedConn(conn, a.cfg.ReadTimeout, a.cfg.WriteTimeout)
	a.reader = dimse.NewReader(pdu.NewSource(a.io, a.cfg.MaxPDULength))
	a.assoc = ac
	a.peerMaxPDU = ac.MaxPDULength
	a.setState(Connected)
	metrics.RecordAssociation("requestor", "accepted")

	a.logger.Info().
		Str(log.FieldRemoteAddr, a.params.RemoteAddress()).
		Str(log.FieldCallingAE, a.params.LocalAETitle).
		Str(log.FieldCalledAE, a.params.RemoteAETitle).
		Msg("DICOM association established")
	a.notifier.Notify(events.Connected(a.params.RemoteAETitle))
	return nil
}

// establish dials and runs the A-ASSOCIATE exchange within ConnectTimeout.
func (a *Association) establish(ctx context.Context) (net.Conn, *types.AssociationContext, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	conn, err := a.cfg.DialContext(ctx, "tcp", a.params.RemoteAddress())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	ac, err := a.negotiate(conn)
	if !stop() {
		// the deadline or the caller fired while negotiating
		conn.Close()
		if err == nil {
			err = net.ErrClosed
		}
		return nil, nil, fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ac, nil
}

func (a *Association) negotiate(conn net.Conn) (*types.AssociationContext, error) {
	rq := &pdu.Associate{
		CalledAETitle:  a.params.RemoteAETitle,
		CallingAETitle: a.params.LocalAETitle,
		MaxPDULength:   a.cfg.MaxPDULength,
	}

	proposed := make(map[byte]*types.PresentationContext)
	id := byte(1)
	propose := func(abstract string) {
		pc := &types.PresentationContext{ID: id, AbstractSyntax: abstract, Proposed: a.cfg.TransferSyntaxes}
		rq.PresentationContexts = append(rq.PresentationContexts, pc)
		proposed[id] = pc
		id += 2
	}
	for _, uid := range queryRetrieveClasses {
		propose(uid)
	}
	for _, uid := range a.cfg.StorageSOPClasses {
		if id > 255-2 {
			break
		}
		propose(uid)
		rq.RoleSelections = append(rq.RoleSelections, pdu.RoleSelection{SOPClassUID: uid, SCU: true, SCP: true})
	}

	data, err := rq.EncodeRQ()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("failed to send A-ASSOCIATE-RQ: %w", err)
	}

	rsp, err := pdu.ReadPDU(conn, a.cfg.MaxPDULength)
	if err != nil {
		return nil, fmt.Errorf("failed to receive A-ASSOCIATE-AC: %w", err)
	}

	switch rsp.Type {
	case pdu.TypeAssociateAC:
	case pdu.TypeAssociateRJ:
		return nil, pdu.ParseAssociateRJ(rsp.Data)
	case pdu.TypeAbort:
		return nil, pdu.ParseAbort(rsp.Data)
	default:
		return nil, dicomerrors.NewPDUError(rsp.Type, "expected A-ASSOCIATE-AC")
	}

	ac, err := pdu.ParseAssociateAC(rsp.Data)
	if err != nil {
		return nil, err
	}

	assoc := &types.AssociationContext{
		CallingAETitle:   a.params.LocalAETitle,
		CalledAETitle:    a.params.RemoteAETitle,
		MaxPDULength:     ac.MaxPDULength,
		PresentationCtxs: make(map[byte]*types.PresentationContext),
	}
	accepted := 0
	for _, result := range ac.PresentationContexts {
		pc, ok := proposed[result.ID]
		if !ok {
			continue
		}
		negotiated := *pc
		negotiated.Result = result.Result
		negotiated.TransferSyntax = result.TransferSyntax
		assoc.PresentationCtxs[pc.ID] = &negotiated
		if negotiated.Accepted() {
			accepted++
		}
		a.logger.Debug().
			Uint8(log.FieldContextID, pc.ID).
			Str(log.FieldAbstract, types.SOPClassName(pc.AbstractSyntax)).
			Uint8("result", result.Result).
			Str(log.FieldTransfer, negotiated.TransferSyntax).
			Msg("Presentation context negotiation")
	}
	if accepted == 0 {
		_, _ = conn.Write(pdu.EncodeAbort(0x00, 0x00))
		return nil, dicomerrors.ErrNoPresentationCtx
	}
	return assoc, nil
}

// Ping sends C-ECHO. It returns false when the peer answers with a
// non-success status; an error means the association is not usable.
func (a *Association) Ping(ctx context.Context) (bool, error) {
	rsp, err := a.SendCEcho(ctx)
	if err != nil {
		return false, err
	}
	return types.IsSuccessStatus(rsp.Status), nil
}

// Disconnect releases the association, waiting at most ReleaseTimeout for
// A-RELEASE-RP before aborting. It is a no-op when Disconnected and always
// leaves the association Disconnected. An operation still in progress is
// aborted instead.
func (a *Association) Disconnect() error {
	if !a.opMu.TryLock() {
		a.logger.Warn().Msg("Disconnect during an operation, aborting")
		return a.Abort()
	}
	defer a.opMu.Unlock()

	a.mu.Lock()
	conn, w := a.conn, a.io
	if a.state != Connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	err := a.release(conn, w)

	a.mu.Lock()
	if a.conn == conn {
		a.closeLocked()
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn().Err(err).Msg("Release failed, association aborted")
		return err
	}
	a.logger.Info().Str(log.FieldCalledAE, a.params.RemoteAETitle).Msg("DICOM association released")
	return nil
}

func (a *Association) release(conn net.Conn, w *pdu.TimedConn) error {
	var timedOut atomic.Bool
	timer := time.AfterFunc(a.cfg.ReleaseTimeout, func() {
		timedOut.Store(true)
		conn.Close()
	})
	defer timer.Stop()

	fail := func(err error) error {
		_, _ = w.Write(pdu.EncodeAbort(0x00, 0x00))
		if timedOut.Load() {
			return dicomerrors.NewTimeoutError("A-RELEASE", a.cfg.ReleaseTimeout)
		}
		return err
	}

	if _, err := w.Write(pdu.EncodeReleaseRQ()); err != nil {
		return fail(fmt.Errorf("failed to send A-RELEASE-RQ: %w", err))
	}
	for {
		p, err := pdu.ReadPDU(w, a.cfg.MaxPDULength)
		if err != nil {
			return fail(fmt.Errorf("failed to receive A-RELEASE-RP: %w", err))
		}
		switch p.Type {
		case pdu.TypeReleaseRP:
			return nil
		case pdu.TypeAbort:
			return pdu.ParseAbort(p.Data)
		case pdu.TypeReleaseRQ:
			// release collision: answer and stop waiting
			_, _ = w.Write(pdu.EncodeReleaseRP())
			return nil
		case pdu.TypePDataTF:
			// late responses to an abandoned operation
			continue
		default:
			return fail(dicomerrors.NewPDUError(p.Type, "unexpected PDU while releasing"))
		}
	}
}

// Abort sends A-ABORT and closes the connection. It may be called from any
// goroutine, including while an operation is blocked on the network.
func (a *Association) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		a.setState(Disconnected)
		return nil
	}
	a.abortLocked()
	a.logger.Info().Str(log.FieldCalledAE, a.params.RemoteAETitle).Msg("DICOM association aborted")
	return nil
}

func (a *Association) abortLocked() {
	_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = a.conn.Write(pdu.EncodeAbort(0x00, 0x00))
	a.closeLocked()
}

func (a *Association) closeLocked() {
	a.conn.Close()
	a.conn = nil
	a.io = nil
	a.reader = nil
	a.assoc = nil
	a.setState(Disconnected)
}

// lost tears the association down after a transport failure on conn and
// reports it. It does nothing when conn was already replaced or closed.
func (a *Association) lost(conn net.Conn, op string, cause error) error {
	a.mu.Lock()
	current := a.conn == conn
	if current {
		a.abortLocked()
	}
	a.mu.Unlock()

	if current {
		a.logger.Error().Err(cause).Str("op", op).Msg("Association lost")
		a.notifier.Notify(events.Lost(a.params.RemoteAETitle, cause))
	}
	return dicomerrors.NewConnectionError(op, a.params.RemoteAddress(), cause)
}

func (a *Association) messageID() uint16 {
	for {
		id := uint16(a.nextID.Add(1))
		if id != 0 {
			return id
		}
	}
}
