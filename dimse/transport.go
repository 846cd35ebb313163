package dimse

import (
	"fmt"
	"io"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/pdu"
	"github.com/caio-sobreiro/dicomqr/types"
)

// ErrPeerReleased is returned when the peer asks to release the association
// while a DIMSE message is expected.
var ErrPeerReleased = fmt.Errorf("%w: peer requested release", dicomerrors.ErrConnectionClosed)

// Reader reads complete DIMSE messages from a PDU source.
type Reader struct {
	src     pdu.Source
	asm     Assembler
	pending []pdu.PDV
}

// NewReader creates a reader over src.
func NewReader(src pdu.Source) *Reader {
	return &Reader{src: src}
}

// ReadMessage blocks until a command set, and its data set when one is
// announced, has been received. An A-ABORT from the peer is returned as
// *errors.AbortError.
func (r *Reader) ReadMessage() (*types.Message, []byte, error) {
	for {
		for len(r.pending) > 0 {
			pdv := r.pending[0]
			r.pending = r.pending[1:]

			msg, data, err := r.asm.Add(pdv.ContextID, pdv.Control, pdv.Data)
			if err != nil {
				r.pending = nil
				return nil, nil, err
			}
			if msg != nil {
				return msg, data, nil
			}
		}

		p, err := r.src.ReadPDU()
		if err != nil {
			return nil, nil, err
		}

		switch p.Type {
		case pdu.TypePDataTF:
			pdvs, err := pdu.ParsePDVs(p.Data)
			if err != nil {
				return nil, nil, err
			}
			r.pending = pdvs
		case pdu.TypeAbort:
			return nil, nil, pdu.ParseAbort(p.Data)
		case pdu.TypeReleaseRQ:
			return nil, nil, ErrPeerReleased
		default:
			return nil, nil, dicomerrors.NewPDUError(p.Type, "unexpected PDU while awaiting a DIMSE message")
		}
	}
}

// WriteMessage sends msg and its optional data set on a presentation
// context, fragmented to maxPDULength. CommandDataSetType is derived from
// the presence of data.
func WriteMessage(w io.Writer, contextID byte, maxPDULength uint32, msg *types.Message, data []byte) error {
	command := EncodeCommand(withDatasetType(msg, data))
	if err := pdu.WritePDataTF(w, contextID, true, command, maxPDULength); err != nil {
		return fmt.Errorf("failed to send %s: %w", types.CommandName(msg.CommandField), err)
	}
	if len(data) > 0 {
		if err := pdu.WritePDataTF(w, contextID, false, data, maxPDULength); err != nil {
			return fmt.Errorf("failed to send %s data set: %w", types.CommandName(msg.CommandField), err)
		}
	}
	return nil
}
