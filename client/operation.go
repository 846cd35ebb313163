package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/dicom"
	"github.com/caio-sobreiro/dicomqr/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/pdu"
	"github.com/caio-sobreiro/dicomqr/types"
)

// operation is one DIMSE exchange holding the association. Cancelling its
// context closes the socket, which unblocks any pending read.
type operation struct {
	a      *Association
	ctx    context.Context
	name   string
	conn   net.Conn
	w      *pdu.TimedConn
	reader *dimse.Reader
	assoc  *types.AssociationContext
	maxPDU uint32
	stop   func() bool
	logger zerolog.Logger
}

func (a *Association) begin(ctx context.Context, name string) (*operation, error) {
	if !a.opMu.TryLock() {
		return nil, dicomerrors.ErrAssociationBusy
	}

	a.mu.Lock()
	op := &operation{
		a:      a,
		ctx:    ctx,
		name:   name,
		conn:   a.conn,
		w:      a.io,
		reader: a.reader,
		assoc:  a.assoc,
		maxPDU: a.peerMaxPDU,
		logger: a.logger.With().Str("op", name).Logger(),
	}
	connected := a.state == Connected
	a.mu.Unlock()

	if !connected {
		a.opMu.Unlock()
		return nil, dicomerrors.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		a.opMu.Unlock()
		return nil, fmt.Errorf("%w: %w", dicomerrors.ErrOperationCanceled, err)
	}

	conn := op.conn
	op.stop = context.AfterFunc(ctx, func() { conn.Close() })
	return op, nil
}

// end releases the association. A cancellation that fired after the last
// read still closed the socket, so the association is torn down.
func (op *operation) end() {
	if !op.stop() {
		_ = op.a.lost(op.conn, op.name, op.ctx.Err())
	}
	op.a.opMu.Unlock()
}

// fail converts a transport error into a ConnectionError and aborts.
func (op *operation) fail(err error) error {
	if cerr := op.ctx.Err(); cerr != nil {
		err = fmt.Errorf("%w: %w: %v", dicomerrors.ErrOperationCanceled, cerr, err)
	}
	return op.a.lost(op.conn, op.name, err)
}

// context returns the accepted presentation context for abstract.
func (op *operation) context(abstract string) (*types.PresentationContext, error) {
	pc, ok := op.assoc.FindContext(abstract)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dicomerrors.ErrNoPresentationCtx, types.SOPClassName(abstract))
	}
	return pc, nil
}

func (op *operation) send(pc *types.PresentationContext, msg *types.Message, data []byte) error {
	if err := dimse.WriteMessage(op.w, pc.ID, op.maxPDU, msg, data); err != nil {
		return op.fail(err)
	}
	op.logger.Debug().
		Str(log.FieldCommand, types.CommandName(msg.CommandField)).
		Uint16(log.FieldMessageID, msg.MessageID).
		Uint8(log.FieldContextID, pc.ID).
		Int("data_size", len(data)).
		Msg("Sent DIMSE message")
	return nil
}

// encode serializes an identifier in the context's transfer syntax.
func (op *operation) encode(pc *types.PresentationContext, ds *dicom.Dataset) ([]byte, error) {
	return dicom.EncodeDatasetWithTransferSyntax(ds, pc.TransferSyntax)
}

// receive returns the next well-formed DIMSE message. Malformed command sets
// are logged, counted and skipped.
func (op *operation) receive() (*types.Message, []byte, error) {
	for {
		msg, data, err := op.reader.ReadMessage()
		if err == nil {
			if pc, ok := op.assoc.PresentationCtxs[msg.PresentationContextID]; ok {
				msg.TransferSyntaxUID = pc.TransferSyntax
			}
			return msg, data, nil
		}
		if errors.Is(err, dicomerrors.ErrInvalidMessage) {
			op.discard(dicomerrors.NewProtocolError(op.name, "malformed message", err))
			continue
		}
		return nil, nil, op.fail(err)
	}
}

// response waits for the response to messageID, discarding anything else.
func (op *operation) response(command, messageID uint16) (*types.Message, []byte, error) {
	for {
		msg, data, err := op.receive()
		if err != nil {
			return nil, nil, err
		}
		if perr := op.check(msg, command, messageID); perr != nil {
			op.discard(perr)
			continue
		}
		metrics.RecordDIMSEResponse(msg.CommandField, msg.Status)
		return msg, data, nil
	}
}

func (op *operation) check(msg *types.Message, command, messageID uint16) error {
	if msg.CommandField != command {
		return dicomerrors.NewProtocolError(op.name,
			fmt.Sprintf("unexpected %s (expected %s)", types.CommandName(msg.CommandField), types.CommandName(command)), nil)
	}
	if msg.MessageIDBeingRespondedTo != messageID {
		return dicomerrors.NewProtocolError(op.name,
			fmt.Sprintf("response to message %d while awaiting %d", msg.MessageIDBeingRespondedTo, messageID), nil)
	}
	return nil
}

func (op *operation) discard(err error) {
	metrics.IncProtocolError(op.name)
	op.logger.Warn().Err(err).Msg("Discarding response")
}
