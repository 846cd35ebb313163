package pdu

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Variable item types of A-ASSOCIATE-RQ/AC
const (
	ItemApplicationContext  byte = 0x10
	ItemPresentationContext byte = 0x20
	ItemPresentationResult  byte = 0x21
	ItemAbstractSyntax      byte = 0x30
	ItemTransferSyntax      byte = 0x40
	ItemUserInformation     byte = 0x50
	ItemMaxLength           byte = 0x51
	ItemImplementationClass byte = 0x52
	ItemRoleSelection       byte = 0x54
	ItemImplementationVer   byte = 0x55
)

// fixedFieldsLength covers protocol version, AE titles and reserved bytes.
const fixedFieldsLength = 68

// RoleSelection is the SCU/SCP role selection sub-item. A C-GET requestor
// proposes SCP for each storage class it wants to receive.
type RoleSelection struct {
	SOPClassUID string
	SCU         bool
	SCP         bool
}

// Associate is the content shared by A-ASSOCIATE-RQ and A-ASSOCIATE-AC.
type Associate struct {
	CalledAETitle             string
	CallingAETitle            string
	ApplicationContext        string
	PresentationContexts      []*types.PresentationContext
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
	RoleSelections            []RoleSelection
}

// EncodeRQ builds an A-ASSOCIATE-RQ. Each presentation context proposes its
// Proposed transfer syntaxes in order.
func (a *Associate) EncodeRQ() ([]byte, error) {
	body := a.fixedFields()
	body = appendItem(body, ItemApplicationContext, []byte(a.applicationContext()))

	for _, pc := range a.PresentationContexts {
		if pc.ID%2 == 0 {
			return nil, fmt.Errorf("presentation context id %d must be odd", pc.ID)
		}
		if len(pc.Proposed) == 0 {
			return nil, fmt.Errorf("presentation context %d proposes no transfer syntax", pc.ID)
		}
		sub := []byte{pc.ID, 0x00, 0x00, 0x00}
		sub = appendItem(sub, ItemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.Proposed {
			sub = appendItem(sub, ItemTransferSyntax, []byte(ts))
		}
		body = appendItem(body, ItemPresentationContext, sub)
	}

	body = appendItem(body, ItemUserInformation, a.userInformation())
	return EncodePDU(TypeAssociateRQ, body), nil
}

// EncodeAC builds an A-ASSOCIATE-AC answering every proposed context.
// Rejected contexts carry no transfer syntax sub-item.
func (a *Associate) EncodeAC() []byte {
	body := a.fixedFields()
	body = appendItem(body, ItemApplicationContext, []byte(a.applicationContext()))

	contexts := append([]*types.PresentationContext(nil), a.PresentationContexts...)
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].ID < contexts[j].ID })

	for _, pc := range contexts {
		sub := []byte{pc.ID, 0x00, pc.Result, 0x00}
		if pc.Result == types.PresentationAcceptance {
			sub = appendItem(sub, ItemTransferSyntax, []byte(pc.TransferSyntax))
		}
		body = appendItem(body, ItemPresentationResult, sub)
	}

	body = appendItem(body, ItemUserInformation, a.userInformation())
	return EncodePDU(TypeAssociateAC, body)
}

func (a *Associate) applicationContext() string {
	if a.ApplicationContext == "" {
		return types.ApplicationContextUID
	}
	return a.ApplicationContext
}

func (a *Associate) fixedFields() []byte {
	fixed := make([]byte, fixedFieldsLength)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAETitle(a.CalledAETitle))
	copy(fixed[20:36], padAETitle(a.CallingAETitle))
	return fixed
}

func (a *Associate) userInformation() []byte {
	maxLength := a.MaxPDULength
	if maxLength == 0 {
		maxLength = types.DefaultMaxPDULength
	}
	var ui []byte
	ui = appendItem(ui, ItemMaxLength, binary.BigEndian.AppendUint32(nil, maxLength))

	classUID := a.ImplementationClassUID
	if classUID == "" {
		classUID = types.ImplementationClassUID
	}
	ui = appendItem(ui, ItemImplementationClass, []byte(classUID))

	for _, rs := range a.RoleSelections {
		sub := binary.BigEndian.AppendUint16(nil, uint16(len(rs.SOPClassUID)))
		sub = append(sub, rs.SOPClassUID...)
		sub = append(sub, boolByte(rs.SCU), boolByte(rs.SCP))
		ui = appendItem(ui, ItemRoleSelection, sub)
	}

	version := a.ImplementationVersionName
	if version == "" {
		version = types.ImplementationVersionName
	}
	return appendItem(ui, ItemImplementationVer, []byte(version))
}

// ParseAssociateRQ decodes the body of an A-ASSOCIATE-RQ.
func ParseAssociateRQ(data []byte) (*Associate, error) {
	return parseAssociate(TypeAssociateRQ, data)
}

// ParseAssociateAC decodes the body of an A-ASSOCIATE-AC. Presentation
// contexts carry the peer's result and the selected transfer syntax.
func ParseAssociateAC(data []byte) (*Associate, error) {
	return parseAssociate(TypeAssociateAC, data)
}

func parseAssociate(pduType byte, data []byte) (*Associate, error) {
	if len(data) < fixedFieldsLength {
		return nil, dicomerrors.NewPDUError(pduType, fmt.Sprintf("association PDU too short: %d bytes", len(data)))
	}

	a := &Associate{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}

	err := walkItems(data[fixedFieldsLength:], func(itemType byte, value []byte) error {
		switch itemType {
		case ItemApplicationContext:
			a.ApplicationContext = normalizeUID(value)
		case ItemPresentationContext, ItemPresentationResult:
			pc, err := parsePresentationContext(itemType, value)
			if err != nil {
				return err
			}
			a.PresentationContexts = append(a.PresentationContexts, pc)
		case ItemUserInformation:
			return a.parseUserInformation(value)
		}
		return nil
	})
	if err != nil {
		return nil, dicomerrors.NewPDUError(pduType, err.Error())
	}
	return a, nil
}

func parsePresentationContext(itemType byte, data []byte) (*types.PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}

	pc := &types.PresentationContext{ID: data[0]}
	if itemType == ItemPresentationResult {
		pc.Result = data[2]
	}

	err := walkItems(data[4:], func(subType byte, value []byte) error {
		switch subType {
		case ItemAbstractSyntax:
			pc.AbstractSyntax = normalizeUID(value)
		case ItemTransferSyntax:
			ts := normalizeUID(value)
			pc.Proposed = append(pc.Proposed, ts)
			if itemType == ItemPresentationResult {
				pc.TransferSyntax = ts
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presentation context %d: %w", pc.ID, err)
	}
	if itemType == ItemPresentationContext && pc.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", pc.ID)
	}
	return pc, nil
}

func (a *Associate) parseUserInformation(data []byte) error {
	return walkItems(data, func(subType byte, value []byte) error {
		switch subType {
		case ItemMaxLength:
			if len(value) == 4 {
				a.MaxPDULength = binary.BigEndian.Uint32(value)
			}
		case ItemImplementationClass:
			a.ImplementationClassUID = normalizeUID(value)
		case ItemImplementationVer:
			a.ImplementationVersionName = strings.TrimSpace(string(value))
		case ItemRoleSelection:
			if len(value) < 2 {
				return fmt.Errorf("role selection too short")
			}
			n := int(binary.BigEndian.Uint16(value[0:2]))
			if 2+n+2 > len(value) {
				return fmt.Errorf("role selection exceeds item")
			}
			a.RoleSelections = append(a.RoleSelections, RoleSelection{
				SOPClassUID: normalizeUID(value[2 : 2+n]),
				SCU:         value[2+n] == 1,
				SCP:         value[2+n+1] == 1,
			})
		}
		return nil
	})
}

// walkItems iterates type/reserved/length(2)/value items.
func walkItems(data []byte, fn func(itemType byte, value []byte) error) error {
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return fmt.Errorf("truncated item header at offset %d", offset)
		}
		itemType := data[offset]
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		end := offset + 4 + length
		if end > len(data) {
			return fmt.Errorf("item 0x%02x exceeds enclosing length", itemType)
		}
		if err := fn(itemType, data[offset+4:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func appendItem(dst []byte, itemType byte, value []byte) []byte {
	dst = append(dst, itemType, 0x00)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(value)))
	return append(dst, value...)
}

func padAETitle(ae string) []byte {
	if len(ae) > types.MaxAETitleLength {
		ae = ae[:types.MaxAETitleLength]
	}
	return []byte(fmt.Sprintf("%-16s", ae))
}

func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
