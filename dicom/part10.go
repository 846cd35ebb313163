package dicom

import (
	"encoding/binary"
	"fmt"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

const (
	preambleLength = 128
	part10Prefix   = "DICM"
)

// StripPart10Header removes the DICOM Part 10 preamble and File Meta Information
// to extract just the dataset.
//
// C-STORE carries the bare data set, so files read from disk go through here
// before being pushed.
func StripPart10Header(data []byte) ([]byte, error) {
	dataset, _, err := ReadPart10(data)
	return dataset, err
}

// ReadPart10 splits a Part 10 file into its data set and the transfer syntax
// recorded in the file meta information.
func ReadPart10(data []byte) ([]byte, string, error) {
	if len(data) < preambleLength+4 {
		return nil, "", fmt.Errorf("%w: data too short to be DICOM Part 10 (need at least 132 bytes, got %d)",
			dicomerrors.ErrInvalidDataset, len(data))
	}
	if string(data[preambleLength:preambleLength+4]) != part10Prefix {
		return nil, "", fmt.Errorf("%w: missing DICM prefix at offset 128", dicomerrors.ErrInvalidDataset)
	}

	offset := preambleLength + 4
	var transferSyntaxUID string

	// file meta information is always explicit VR little endian
	for offset+8 <= len(data) {
		if binary.LittleEndian.Uint16(data[offset:offset+2]) != 0x0002 {
			break
		}
		h, err := readHeader(data, offset, true)
		if err != nil {
			return nil, "", err
		}
		next := h.valueOffset + int(h.length)
		if next > len(data) {
			return nil, "", fmt.Errorf("%w: meta element %s overruns file", dicomerrors.ErrInvalidDataset, h.tag)
		}
		if h.tag == TagTransferSyntaxUID {
			transferSyntaxUID = trimValue(string(data[h.valueOffset:next]))
		}
		offset = next
	}

	if offset >= len(data) {
		return nil, "", fmt.Errorf("%w: no data set after file meta information", dicomerrors.ErrInvalidDataset)
	}

	return data[offset:], transferSyntaxUID, nil
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
func HasPart10Header(data []byte) bool {
	if len(data) < preambleLength+4 {
		return false
	}
	return string(data[preambleLength:preambleLength+4]) == part10Prefix
}

// WrapPart10 builds a Part 10 file around a bare data set so that file-level
// parsers can read objects received over the network.
func WrapPart10(dataset []byte, sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	if transferSyntaxUID == "" {
		transferSyntaxUID = types.ExplicitVRLittleEndian
	}

	meta := NewDataset()
	meta.AddElement(TagFileMetaInformationVersion, VR_OB, []byte{0x00, 0x01})
	meta.AddElement(TagMediaStorageSOPClassUID, VR_UI, sopClassUID)
	meta.AddElement(TagMediaStorageSOPInstanceUID, VR_UI, sopInstanceUID)
	meta.AddElement(TagTransferSyntaxUID, VR_UI, transferSyntaxUID)
	meta.AddElement(TagImplementationClassUID, VR_UI, types.ImplementationClassUID)
	meta.AddElement(TagImplementationVersionName, VR_SH, types.ImplementationVersionName)
	body := meta.EncodeDataset()

	out := make([]byte, preambleLength, preambleLength+4+12+len(body)+len(dataset))
	out = append(out, part10Prefix...)
	out = appendHeader(out, TagFileMetaInformationGroupLength, VR_UL, 4, true)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return append(out, dataset...)
}
