package client

import (
	"context"
	"fmt"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

// SendCCancel sends a C-CANCEL-RQ for a pending C-FIND, C-MOVE or C-GET.
// The messageID parameter must match the MessageID of the operation being canceled.
// C-CANCEL has no response; the SCP ends the operation with a Cancel status.
// It does not take the operation lock so it can be sent while another
// goroutine waits for responses.
func (a *Association) SendCCancel(messageID uint16, sopClassUID string) error {
	if messageID == 0 {
		return fmt.Errorf("messageID must be non-zero for C-CANCEL")
	}
	if sopClassUID == "" {
		return fmt.Errorf("sopClassUID must be provided for C-CANCEL")
	}

	a.mu.Lock()
	conn, assoc, w, state, maxPDU := a.conn, a.assoc, a.io, a.state, a.peerMaxPDU
	a.mu.Unlock()
	if state != Connected {
		return dicomerrors.ErrNotConnected
	}

	pc, ok := assoc.FindContext(sopClassUID)
	if !ok {
		return fmt.Errorf("%w: %s", dicomerrors.ErrNoPresentationCtx, types.SOPClassName(sopClassUID))
	}

	op := &operation{
		a:      a,
		ctx:    context.Background(),
		name:   "C-CANCEL",
		conn:   conn,
		w:      w,
		assoc:  assoc,
		maxPDU: maxPDU,
		logger: a.logger,
	}
	return op.cancel(pc, messageID)
}

func (op *operation) cancel(pc *types.PresentationContext, messageID uint16) error {
	rq := &types.Message{
		CommandField:              types.CCancelRQ,
		MessageIDBeingRespondedTo: messageID,
	}
	if err := op.send(pc, rq, nil); err != nil {
		return err
	}
	op.logger.Debug().Uint16("canceled_message_id", messageID).Msg("C-CANCEL sent")
	return nil
}
