package pdu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/types"
)

// AcceptorConfig controls how the acceptor negotiates associations.
type AcceptorConfig struct {
	// AETitle is the acceptor's own title.
	AETitle string
	// RequireCalledAETitle rejects requests addressed to another title.
	RequireCalledAETitle bool
	// AbstractSyntaxes decides which abstract syntaxes are accepted. Nil
	// accepts verification, query/retrieve and storage classes.
	AbstractSyntaxes func(uid string) bool
	// TransferSyntaxes lists acceptable transfer syntaxes. The first one the
	// requestor proposed wins.
	TransferSyntaxes []string
	// MaxPDULength is the largest PDU this side will receive.
	MaxPDULength uint32
}

func (c AcceptorConfig) acceptsAbstract(uid string) bool {
	if c.AbstractSyntaxes != nil {
		return c.AbstractSyntaxes(uid)
	}
	return uid == types.VerificationSOPClass || types.IsQueryRetrieveSOPClass(uid) || types.IsStorageSOPClass(uid)
}

func (c AcceptorConfig) acceptsTransfer(uid string) bool {
	syntaxes := c.TransferSyntaxes
	if len(syntaxes) == 0 {
		syntaxes = types.DefaultTransferSyntaxes
	}
	for _, ts := range syntaxes {
		if ts == uid {
			return true
		}
	}
	return false
}

// Negotiate answers an A-ASSOCIATE-RQ. A non-nil rejection means the whole
// association must be refused with A-ASSOCIATE-RJ.
func (c AcceptorConfig) Negotiate(rq *Associate) (*Associate, *dicomerrors.AssociationError) {
	if c.RequireCalledAETitle && rq.CalledAETitle != c.AETitle {
		return nil, dicomerrors.NewAssociationError(dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonCalledAETitleNotRecognized,
			fmt.Sprintf("called AE %q is not %q", rq.CalledAETitle, c.AETitle))
	}
	if rq.ApplicationContext != "" && rq.ApplicationContext != types.ApplicationContextUID {
		return nil, dicomerrors.NewAssociationError(dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonApplicationContextNotSupported,
			"unsupported application context "+rq.ApplicationContext)
	}

	ac := &Associate{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   c.MaxPDULength,
	}

	for _, proposed := range rq.PresentationContexts {
		pc := &types.PresentationContext{
			ID:             proposed.ID,
			AbstractSyntax: proposed.AbstractSyntax,
			Proposed:       proposed.Proposed,
			Result:         types.PresentationAbstractSyntaxRejected,
		}
		if c.acceptsAbstract(proposed.AbstractSyntax) {
			pc.Result = types.PresentationTransferSyntaxRejected
			for _, ts := range proposed.Proposed {
				if c.acceptsTransfer(ts) {
					pc.Result = types.PresentationAcceptance
					pc.TransferSyntax = ts
					break
				}
			}
		}
		ac.PresentationContexts = append(ac.PresentationContexts, pc)
	}

	// grant the SCP role for storage classes so C-GET sub-operations can flow
	for _, rs := range rq.RoleSelections {
		if types.IsStorageSOPClass(rs.SOPClassUID) && c.acceptsAbstract(rs.SOPClassUID) {
			ac.RoleSelections = append(ac.RoleSelections, rs)
		}
	}

	return ac, nil
}

// Layer handles the acceptor side of the DICOM Upper Layer Protocol.
type Layer struct {
	conn           net.Conn
	config         AcceptorConfig
	associationCtx *types.AssociationContext
	dimseHandler   interfaces.DIMSEHandler
	peerMaxPDU     uint32
	writeMu        sync.Mutex
	logger         zerolog.Logger
}

// NewLayer creates a new PDU layer handler
func NewLayer(conn net.Conn, dimseHandler interfaces.DIMSEHandler, config AcceptorConfig, logger *zerolog.Logger) *Layer {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = types.DefaultMaxPDULength
	}
	return &Layer{
		conn:         conn,
		config:       config,
		dimseHandler: dimseHandler,
		logger:       log.Or(logger, "pdu"),
	}
}

// HandleConnection manages the complete DICOM connection lifecycle. It
// returns nil after an orderly release, an abort from the peer or a close.
func (p *Layer) HandleConnection(ctx context.Context) error {
	defer p.conn.Close()
	p.logger = p.logger.With().Str(log.FieldRemoteAddr, p.RemoteAddr()).Logger()

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}

	p.logger.Info().
		Str(log.FieldCallingAE, p.associationCtx.CallingAETitle).
		Str(log.FieldCalledAE, p.associationCtx.CalledAETitle).
		Msg("Association accepted")

	for {
		pdu, err := p.ReadPDU()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				p.logger.Debug().Msg("Connection closed")
				return nil
			}
			return fmt.Errorf("read PDU: %w", err)
		}

		done, err := p.handlePDU(ctx, pdu)
		if err != nil {
			p.Abort()
			return err
		}
		if done {
			return nil
		}
	}
}

// handlePDU routes PDUs to appropriate handlers
func (p *Layer) handlePDU(ctx context.Context, pdu *types.PDU) (bool, error) {
	switch pdu.Type {
	case TypePDataTF:
		return false, p.handlePDataTF(ctx, pdu)
	case TypeReleaseRQ:
		p.logger.Debug().Msg("Association released")
		return true, p.write(EncodeReleaseRP())
	case TypeAbort:
		p.logger.Info().Err(ParseAbort(pdu.Data)).Msg("Received A-ABORT")
		return true, nil
	default:
		return false, dicomerrors.NewPDUError(pdu.Type, "unexpected PDU on an established association")
	}
}

// handleAssociationPhase handles the association establishment
func (p *Layer) handleAssociationPhase() error {
	pdu, err := p.ReadPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %w", err)
	}
	if pdu.Type != TypeAssociateRQ {
		return dicomerrors.NewPDUError(pdu.Type, "expected A-ASSOCIATE-RQ")
	}

	rq, err := ParseAssociateRQ(pdu.Data)
	if err != nil {
		p.Abort()
		return err
	}

	ac, reject := p.config.Negotiate(rq)
	if reject != nil {
		p.logger.Warn().
			Str(log.FieldCallingAE, rq.CallingAETitle).
			Str(log.FieldCalledAE, rq.CalledAETitle).
			Str("reason", reject.Reason.String()).
			Msg("Rejecting association")
		if err := p.write(EncodeAssociateRJ(reject)); err != nil {
			return err
		}
		return reject
	}

	p.peerMaxPDU = rq.MaxPDULength
	p.associationCtx = &types.AssociationContext{
		CalledAETitle:    rq.CalledAETitle,
		CallingAETitle:   rq.CallingAETitle,
		MaxPDULength:     rq.MaxPDULength,
		PresentationCtxs: make(map[byte]*types.PresentationContext),
	}
	accepted := 0
	for _, pc := range ac.PresentationContexts {
		p.associationCtx.PresentationCtxs[pc.ID] = pc
		if pc.Accepted() {
			accepted++
		}
	}
	p.logger.Debug().
		Int("proposed", len(ac.PresentationContexts)).
		Int("accepted", accepted).
		Uint32("max_pdu_length", rq.MaxPDULength).
		Msg("Negotiated presentation contexts")

	return p.write(ac.EncodeAC())
}

// handlePDataTF forwards every PDV of the PDU to the DIMSE layer.
func (p *Layer) handlePDataTF(ctx context.Context, pdu *types.PDU) error {
	pdvs, err := ParsePDVs(pdu.Data)
	if err != nil {
		return err
	}
	for _, pdv := range pdvs {
		if _, ok := p.associationCtx.PresentationCtxs[pdv.ContextID]; !ok {
			return dicomerrors.NewPDUError(TypePDataTF, fmt.Sprintf("unknown presentation context %d", pdv.ContextID))
		}
		if err := p.dimseHandler.HandleDIMSEMessage(ctx, pdv.ContextID, pdv.Control, pdv.Data, p); err != nil {
			return err
		}
	}
	return nil
}

// ReadPDU reads the next PDU from the peer.
func (p *Layer) ReadPDU() (*types.PDU, error) {
	return ReadPDU(p.conn, p.config.MaxPDULength)
}

// SendDIMSEResponse sends a command without a data set.
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a command and optional data set,
// fragmented to the peer's maximum PDU length.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := WritePDataTF(p.conn, presContextID, true, commandData, p.peerMaxPDU); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	if len(datasetData) > 0 {
		if err := WritePDataTF(p.conn, presContextID, false, datasetData, p.peerMaxPDU); err != nil {
			return fmt.Errorf("failed to send data set: %w", err)
		}
	}
	return nil
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}
	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok || !ctx.Accepted() {
		return "", fmt.Errorf("presentation context %d not accepted", presContextID)
	}
	return ctx.TransferSyntax, nil
}

// Association returns the negotiated association, nil before negotiation.
func (p *Layer) Association() *types.AssociationContext {
	return p.associationCtx
}

// RemoteAddr returns the peer address.
func (p *Layer) RemoteAddr() string {
	if addr := p.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Abort sends A-ABORT and closes the connection.
func (p *Layer) Abort() {
	_ = p.write(EncodeAbort(0x02, 0x00))
	_ = p.conn.Close()
}

func (p *Layer) write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(b)
	return err
}
