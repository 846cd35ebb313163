package dicom

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

const undefinedLength = 0xFFFFFFFF

// Common transfer syntax UIDs
const (
	TransferSyntaxImplicitVRLittleEndian = types.ImplicitVRLittleEndian
	TransferSyntaxExplicitVRLittleEndian = types.ExplicitVRLittleEndian
)

// ParseDataset parses an Explicit VR Little Endian data set.
func ParseDataset(data []byte) (*Dataset, error) {
	return parse(data, true)
}

// ParseDatasetWithTransferSyntax parses a data set encoded with the given
// transfer syntax. An empty syntax means explicit VR little endian.
//
// The parser is strict: an element whose header or value runs past the end of
// data yields an error wrapping errors.ErrInvalidDataset.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian:
		return parse(data, true)
	case TransferSyntaxImplicitVRLittleEndian:
		return parse(data, false)
	default:
		return nil, fmt.Errorf("%w: unsupported transfer syntax %s", dicomerrors.ErrInvalidDataset, transferSyntaxUID)
	}
}

// ParseCommand parses a command set, which is always implicit VR little endian.
func ParseCommand(data []byte) (*Dataset, error) {
	return parse(data, false)
}

func parse(data []byte, explicit bool) (*Dataset, error) {
	dataset := NewDataset()

	offset := 0
	for offset < len(data) {
		h, err := readHeader(data, offset, explicit)
		if err != nil {
			return nil, err
		}

		var value []byte
		next := h.valueOffset + int(h.length)
		if h.length == undefinedLength {
			end, err := skipUndefined(data, h.valueOffset, explicit)
			if err != nil {
				return nil, fmt.Errorf("element %s: %w", h.tag, err)
			}
			value = data[h.valueOffset:end]
			next = end
		} else {
			if next > len(data) || next < h.valueOffset {
				return nil, fmt.Errorf("%w: element %s declares %d bytes, %d remain",
					dicomerrors.ErrInvalidDataset, h.tag, h.length, len(data)-h.valueOffset)
			}
			value = data[h.valueOffset:next]
			// tolerate odd lengths followed by a pad byte
			if h.length%2 == 1 && next < len(data) {
				next++
			}
		}

		dataset.Elements[h.tag] = &Element{
			Tag:    h.tag,
			VR:     h.vr,
			Length: h.length,
			Value:  decodeValue(h.vr, value),
		}
		offset = next
	}

	return dataset, nil
}

type elementHeader struct {
	tag         Tag
	vr          string
	length      uint32
	valueOffset int
}

func readHeader(data []byte, offset int, explicit bool) (elementHeader, error) {
	var h elementHeader
	if offset+8 > len(data) {
		return h, fmt.Errorf("%w: truncated element header at offset %d", dicomerrors.ErrInvalidDataset, offset)
	}

	h.tag = Tag{
		Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
		Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
	}

	// items and delimiters carry no VR in either encoding
	if h.tag.Group == 0xFFFE || !explicit {
		h.vr = LookupVR(h.tag)
		h.length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		h.valueOffset = offset + 8
		return h, nil
	}

	h.vr = string(data[offset+4 : offset+6])
	if isLongVR(h.vr) {
		if offset+12 > len(data) {
			return h, fmt.Errorf("%w: truncated element header at offset %d", dicomerrors.ErrInvalidDataset, offset)
		}
		h.length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
		h.valueOffset = offset + 12
		return h, nil
	}

	h.length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
	h.valueOffset = offset + 8
	return h, nil
}

// skipUndefined walks an undefined-length sequence or encapsulated value that
// starts at offset and returns the offset just past its delimiter.
func skipUndefined(data []byte, offset int, explicit bool) (int, error) {
	for {
		if offset+8 > len(data) {
			return 0, fmt.Errorf("%w: missing sequence delimiter", dicomerrors.ErrInvalidDataset)
		}
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		offset += 8

		switch tag {
		case TagSequenceDelimitation:
			return offset, nil
		case TagItem:
			if length != undefinedLength {
				offset += int(length)
				if offset > len(data) {
					return 0, fmt.Errorf("%w: item overruns data", dicomerrors.ErrInvalidDataset)
				}
				continue
			}
			end, err := skipItem(data, offset, explicit)
			if err != nil {
				return 0, err
			}
			offset = end
		default:
			return 0, fmt.Errorf("%w: unexpected %s inside sequence", dicomerrors.ErrInvalidDataset, tag)
		}
	}
}

// skipItem walks the elements of an undefined-length item.
func skipItem(data []byte, offset int, explicit bool) (int, error) {
	for {
		h, err := readHeader(data, offset, explicit)
		if err != nil {
			return 0, err
		}
		if h.tag == TagItemDelimitation {
			return h.valueOffset, nil
		}
		if h.length == undefinedLength {
			end, err := skipUndefined(data, h.valueOffset, explicit)
			if err != nil {
				return 0, err
			}
			offset = end
			continue
		}
		offset = h.valueOffset + int(h.length)
		if offset > len(data) {
			return 0, fmt.Errorf("%w: element %s overruns item", dicomerrors.ErrInvalidDataset, h.tag)
		}
	}
}

func decodeValue(vr string, data []byte) interface{} {
	switch vr {
	case VR_US:
		if len(data) == 2 {
			return binary.LittleEndian.Uint16(data)
		}
	case VR_UL:
		if len(data) == 4 {
			return binary.LittleEndian.Uint32(data)
		}
	}
	if isBinaryVR(vr) {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	return trimValue(string(data))
}

// EncodeDataset encodes a dataset to bytes (Explicit VR Little Endian)
func (d *Dataset) EncodeDataset() []byte {
	out, _ := d.encode(true)
	return out
}

// EncodeDatasetWithTransferSyntax encodes a dataset using the provided transfer syntax.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}

	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian:
		return dataset.encode(true)
	case TransferSyntaxImplicitVRLittleEndian:
		return dataset.encode(false)
	default:
		return nil, fmt.Errorf("cannot encode data set as %s", types.TransferSyntaxName(transferSyntaxUID))
	}
}

// EncodeCommand encodes a command set in implicit VR little endian with a
// leading (0000,0000) group length.
func EncodeCommand(dataset *Dataset) []byte {
	body := dataset.Clone()
	body.Remove(TagCommandGroupLength)
	encoded, _ := body.encode(false)

	out := make([]byte, 0, len(encoded)+12)
	out = appendHeader(out, TagCommandGroupLength, VR_UL, 4, false)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(encoded)))
	return append(out, encoded...)
}

func (d *Dataset) encode(explicit bool) ([]byte, error) {
	var result []byte

	for _, tag := range d.Tags() {
		element := d.Elements[tag]
		vr := element.VR
		if vr == "" {
			vr = LookupVR(tag)
		}

		valueBytes := encodeElementValue(element)
		if len(valueBytes)%2 == 1 {
			valueBytes = append(valueBytes, padByte(vr))
		}

		if explicit && !isLongVR(vr) && len(valueBytes) > 0xFFFF {
			return nil, fmt.Errorf("value of %s too long for VR %s", tag, vr)
		}

		result = appendHeader(result, tag, vr, uint32(len(valueBytes)), explicit)
		result = append(result, valueBytes...)
	}

	return result, nil
}

func appendHeader(dst []byte, tag Tag, vr string, length uint32, explicit bool) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, tag.Group)
	dst = binary.LittleEndian.AppendUint16(dst, tag.Element)
	if !explicit {
		return binary.LittleEndian.AppendUint32(dst, length)
	}
	dst = append(dst, vr[0], vr[1])
	if isLongVR(vr) {
		dst = append(dst, 0x00, 0x00)
		return binary.LittleEndian.AppendUint32(dst, length)
	}
	return binary.LittleEndian.AppendUint16(dst, uint16(length))
}

// UIDs pad with NUL, binary values with zero, text with space.
func padByte(vr string) byte {
	if vr == VR_UI || isBinaryVR(vr) {
		return 0x00
	}
	return 0x20
}

// encodeElementValue encodes an element value to bytes
func encodeElementValue(element *Element) []byte {
	switch v := element.Value.(type) {
	case nil:
		return nil
	case string:
		return []byte(strings.TrimRight(v, "\x00"))
	case []string:
		return []byte(strings.TrimRight(strings.Join(v, "\\"), "\x00"))
	case []byte:
		return v
	case int:
		if element.VR == VR_US {
			return binary.LittleEndian.AppendUint16(nil, uint16(v))
		}
		if element.VR == VR_UL {
			return binary.LittleEndian.AppendUint32(nil, uint32(v))
		}
		return []byte(strconv.Itoa(v))
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	case []float64:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return []byte(strings.Join(parts, "\\"))
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
