package types

// PDU type constants
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Presentation context negotiation results
const (
	PresentationAcceptance             byte = 0x00
	PresentationUserRejection          byte = 0x01
	PresentationNoReason               byte = 0x02
	PresentationAbstractSyntaxRejected byte = 0x03
	PresentationTransferSyntaxRejected byte = 0x04
)

// DefaultMaxPDULength is proposed when no maximum is configured.
const DefaultMaxPDULength = 16384

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// AssociationContext holds negotiated association state
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
}

// PresentationContext represents a proposed or negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string

	// Proposed transfer syntaxes, in preference order (requestor side)
	Proposed []string
}

// Accepted reports whether the peer accepted the context.
func (pc *PresentationContext) Accepted() bool {
	return pc.Result == PresentationAcceptance && pc.TransferSyntax != ""
}

// FindContext returns the accepted context for an abstract syntax.
func (a *AssociationContext) FindContext(abstractSyntax string) (*PresentationContext, bool) {
	if a == nil {
		return nil, false
	}
	var best *PresentationContext
	for _, pc := range a.PresentationCtxs {
		if pc.AbstractSyntax != abstractSyntax || !pc.Accepted() {
			continue
		}
		// lowest id wins so the choice is stable across map iteration
		if best == nil || pc.ID < best.ID {
			best = pc
		}
	}
	return best, best != nil
}
