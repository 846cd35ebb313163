// Package pdu implements the DICOM upper layer: PDU framing, association
// negotiation items and the acceptor side of an association.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

// PDU types
const (
	TypeAssociateRQ = types.TypeAssociateRQ
	TypeAssociateAC = types.TypeAssociateAC
	TypeAssociateRJ = types.TypeAssociateRJ
	TypePDataTF     = types.TypePDataTF
	TypeReleaseRQ   = types.TypeReleaseRQ
	TypeReleaseRP   = types.TypeReleaseRP
	TypeAbort       = types.TypeAbort
)

// Message control header bits of a PDV.
const (
	ControlCommand byte = 0x01
	ControlLast    byte = 0x02
)

const (
	headerLength = 6
	// pdvOverhead is the PDV item length field plus context id and control byte.
	pdvOverhead = 6
	// maxReadLength bounds a single PDU when the peer advertised no limit.
	maxReadLength = 64 << 20
)

// PDV is one presentation data value item of a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	Control   byte
	Data      []byte
}

// IsCommand reports whether the fragment belongs to a command set.
func (p PDV) IsCommand() bool { return p.Control&ControlCommand != 0 }

// IsLast reports whether the fragment completes its command set or data set.
func (p PDV) IsLast() bool { return p.Control&ControlLast != 0 }

// Source yields PDUs one at a time.
type Source interface {
	ReadPDU() (*types.PDU, error)
}

type streamSource struct {
	r         io.Reader
	maxLength uint32
}

// NewSource reads PDUs from r, rejecting any longer than maxLength (0 uses a
// generous default).
func NewSource(r io.Reader, maxLength uint32) Source {
	return &streamSource{r: r, maxLength: maxLength}
}

func (s *streamSource) ReadPDU() (*types.PDU, error) {
	return ReadPDU(s.r, s.maxLength)
}

// ReadPDU reads a complete PDU.
func ReadPDU(r io.Reader, maxLength uint32) (*types.PDU, error) {
	header := make([]byte, headerLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	length := binary.BigEndian.Uint32(header[2:6])
	if pduType < TypeAssociateRQ || pduType > TypeAbort {
		return nil, dicomerrors.NewPDUError(pduType, "unknown PDU type")
	}

	limit := maxLength
	if limit == 0 || limit > maxReadLength {
		limit = maxReadLength
	}
	// a P-DATA-TF may carry the header overhead on top of the negotiated size
	if length > limit+headerLength {
		return nil, dicomerrors.NewPDUError(pduType, fmt.Sprintf("length %d exceeds limit %d", length, limit))
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return &types.PDU{Type: pduType, Length: length, Data: data}, nil
}

// EncodePDU frames data with a PDU header.
func EncodePDU(pduType byte, data []byte) []byte {
	out := make([]byte, headerLength, headerLength+len(data))
	out[0] = pduType
	binary.BigEndian.PutUint32(out[2:6], uint32(len(data)))
	return append(out, data...)
}

// WritePDU writes a framed PDU in a single call.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	_, err := w.Write(EncodePDU(pduType, data))
	return err
}

// ParsePDVs splits the body of a P-DATA-TF PDU into its PDV items.
func ParsePDVs(data []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, dicomerrors.NewPDUError(TypePDataTF, "truncated PDV length")
		}
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		if length < 2 || offset+4+length > len(data) {
			return nil, dicomerrors.NewPDUError(TypePDataTF, fmt.Sprintf("PDV length %d does not fit", length))
		}
		item := data[offset+4 : offset+4+length]
		pdvs = append(pdvs, PDV{ContextID: item[0], Control: item[1], Data: item[2:]})
		offset += 4 + length
	}
	if len(pdvs) == 0 {
		return nil, dicomerrors.NewPDUError(TypePDataTF, "P-DATA-TF without PDV items")
	}
	return pdvs, nil
}

// WritePDataTF sends payload as one or more P-DATA-TF PDUs, each carrying a
// single PDV that fits within maxPDULength. The last fragment carries the
// last-fragment bit.
func WritePDataTF(w io.Writer, contextID byte, isCommand bool, payload []byte, maxPDULength uint32) error {
	if maxPDULength == 0 {
		maxPDULength = types.DefaultMaxPDULength
	}
	chunk := int(maxPDULength) - pdvOverhead
	if chunk <= 0 {
		return fmt.Errorf("max PDU length %d too small", maxPDULength)
	}

	control := byte(0)
	if isCommand {
		control = ControlCommand
	}

	for {
		n := len(payload)
		if n > chunk {
			n = chunk
		}
		last := n == len(payload)
		c := control
		if last {
			c |= ControlLast
		}

		body := make([]byte, 4, 4+2+n)
		binary.BigEndian.PutUint32(body, uint32(2+n))
		body = append(body, contextID, c)
		body = append(body, payload[:n]...)
		if err := WritePDU(w, TypePDataTF, body); err != nil {
			return err
		}

		payload = payload[n:]
		if last {
			return nil
		}
	}
}

// EncodeReleaseRQ returns an A-RELEASE-RQ PDU.
func EncodeReleaseRQ() []byte { return EncodePDU(TypeReleaseRQ, make([]byte, 4)) }

// EncodeReleaseRP returns an A-RELEASE-RP PDU.
func EncodeReleaseRP() []byte { return EncodePDU(TypeReleaseRP, make([]byte, 4)) }

// EncodeAbort returns an A-ABORT PDU.
func EncodeAbort(source, reason byte) []byte {
	return EncodePDU(TypeAbort, []byte{0x00, 0x00, source, reason})
}

// ParseAbort extracts source and reason from an A-ABORT body.
func ParseAbort(data []byte) *dicomerrors.AbortError {
	if len(data) < 4 {
		return dicomerrors.NewAbortError(0, 0)
	}
	return dicomerrors.NewAbortError(data[2], data[3])
}

// EncodeAssociateRJ returns the A-ASSOCIATE-RJ PDU for reject.
func EncodeAssociateRJ(reject *dicomerrors.AssociationError) []byte {
	return EncodePDU(TypeAssociateRJ, []byte{0x00, byte(reject.Result), byte(reject.Source), byte(reject.Reason)})
}

// ParseAssociateRJ converts an A-ASSOCIATE-RJ body into an error.
func ParseAssociateRJ(data []byte) *dicomerrors.AssociationError {
	if len(data) < 4 {
		return dicomerrors.NewAssociationError(0, 0, "malformed A-ASSOCIATE-RJ")
	}
	rj := &dicomerrors.AssociationError{
		Result: dicomerrors.RejectResult(data[1]),
		Source: dicomerrors.AssociationRejectSource(data[2]),
		Reason: dicomerrors.AssociationRejectReason(data[3]),
		Msg:    "permanent rejection",
	}
	if rj.Transient() {
		rj.Msg = "transient rejection"
	}
	return rj
}
