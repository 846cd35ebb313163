package dimse

import (
	"fmt"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/pdu"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Assembler rebuilds DIMSE messages from PDV fragments. Fragments of one
// message must share a presentation context, and the command set always
// precedes its data set.
type Assembler struct {
	contextID byte
	command   []byte
	msg       *types.Message
	dataset   []byte
}

// Add consumes one PDV. It returns the message and its data set once both
// are complete; a nil message means more fragments are needed.
func (a *Assembler) Add(contextID, control byte, data []byte) (*types.Message, []byte, error) {
	isCommand := control&pdu.ControlCommand != 0
	isLast := control&pdu.ControlLast != 0

	if a.started() && contextID != a.contextID {
		a.Reset()
		return nil, nil, fmt.Errorf("%w: fragment on context %d while assembling context %d",
			dicomerrors.ErrInvalidMessage, contextID, a.contextID)
	}
	a.contextID = contextID

	if a.msg == nil {
		if !isCommand {
			a.Reset()
			return nil, nil, fmt.Errorf("%w: data set fragment before command", dicomerrors.ErrInvalidMessage)
		}
		a.command = append(a.command, data...)
		if !isLast {
			return nil, nil, nil
		}

		msg, err := DecodeCommand(a.command)
		if err != nil {
			a.Reset()
			return nil, nil, err
		}
		msg.PresentationContextID = contextID
		a.command = nil
		if !msg.HasDataset() {
			a.Reset()
			return msg, nil, nil
		}
		a.msg = msg
		return nil, nil, nil
	}

	if isCommand {
		a.Reset()
		return nil, nil, fmt.Errorf("%w: command fragment while awaiting data set", dicomerrors.ErrInvalidMessage)
	}
	a.dataset = append(a.dataset, data...)
	if !isLast {
		return nil, nil, nil
	}

	msg, dataset := a.msg, a.dataset
	a.Reset()
	return msg, dataset, nil
}

// Reset drops any partially assembled message.
func (a *Assembler) Reset() {
	*a = Assembler{}
}

func (a *Assembler) started() bool {
	return a.command != nil || a.msg != nil
}
