package dicom

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	sdicom "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Object is a composite instance received over C-STORE, decoded far enough
// to route it and to hand its payload to a consumer.
type Object struct {
	SOPClassUID       string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	InstanceNumber    int
	Dataset           *Dataset
	Payload           types.Payload
}

var transformationMatrixTag = tag.Tag{Group: 0x3006, Element: 0x00C6}

// DecodeObject decodes a C-STORE data set.
//
// Native images become *types.Image, spatial registrations become a 4x4
// *types.Matrix and everything else is carried as *types.Generic. Element
// attributes are read through a Part 10 wrapper by the file parser, pixel
// bytes come straight from the wire data set.
func DecodeObject(data []byte, transferSyntaxUID, sopClassUID, sopInstanceUID string) (*Object, error) {
	ds, err := ParseDatasetWithTransferSyntax(data, transferSyntaxUID)
	if err != nil {
		return nil, err
	}

	obj := &Object{
		SOPClassUID:       firstNonEmpty(sopClassUID, ds.GetString(TagSOPClassUID)),
		SOPInstanceUID:    firstNonEmpty(sopInstanceUID, ds.GetString(TagSOPInstanceUID)),
		StudyInstanceUID:  ds.GetString(TagStudyInstanceUID),
		SeriesInstanceUID: ds.GetString(TagSeriesInstanceUID),
		Modality:          ds.GetString(TagModality),
		Dataset:           ds,
	}
	obj.InstanceNumber, _ = ds.GetInt(TagInstanceNumber)

	generic := &types.Generic{Dataset: data, TransferSyntaxUID: transferSyntaxUID}

	isRegistration := obj.SOPClassUID == types.SpatialRegistrationStorage
	hasPixels := ds.Has(TagPixelData) && ds.Has(TagRows) && ds.Has(TagColumns)
	if !isRegistration && !hasPixels {
		obj.Payload = generic
		return obj, nil
	}

	file := WrapPart10(data, obj.SOPClassUID, obj.SOPInstanceUID, transferSyntaxUID)
	parsed, err := sdicom.Parse(bytes.NewReader(file), int64(len(file)), nil, sdicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dicomerrors.ErrInvalidDataset, err)
	}

	if isRegistration {
		m, err := registrationMatrix(parsed)
		if err != nil {
			return nil, err
		}
		if m == nil {
			obj.Payload = generic
		} else {
			obj.Payload = m
		}
		return obj, nil
	}

	img, err := nativeImage(parsed, ds.GetBytes(TagPixelData))
	if err != nil {
		return nil, err
	}
	obj.Payload = img
	return obj, nil
}

func nativeImage(parsed sdicom.Dataset, pixels []byte) (*types.Image, error) {
	rows, err := intAttribute(parsed, tag.Rows)
	if err != nil {
		return nil, err
	}
	cols, err := intAttribute(parsed, tag.Columns)
	if err != nil {
		return nil, err
	}
	bits, err := intAttribute(parsed, tag.BitsAllocated)
	if err != nil {
		return nil, err
	}
	samples, err := intAttribute(parsed, tag.SamplesPerPixel)
	if err != nil {
		samples = 1
	}
	signed, err := intAttribute(parsed, tag.PixelRepresentation)
	if err != nil {
		signed = 0
	}

	if rows <= 0 || cols <= 0 || bits <= 0 || bits%8 != 0 {
		return nil, fmt.Errorf("%w: image geometry %dx%d with %d bits", dicomerrors.ErrInvalidDataset, cols, rows, bits)
	}
	want := rows * cols * samples * bits / 8
	if len(pixels) < want {
		return nil, fmt.Errorf("%w: pixel data has %d bytes, geometry needs %d", dicomerrors.ErrInvalidDataset, len(pixels), want)
	}

	return &types.Image{
		Width:  cols,
		Height: rows,
		PixelType: types.PixelType{
			Components:    samples,
			BitsAllocated: bits,
			Signed:        signed == 1,
		},
		Pixels: pixels[:want],
	}, nil
}

// registrationMatrix returns the first frame of reference transformation
// found in the registration sequence, or nil when none is present.
func registrationMatrix(parsed sdicom.Dataset) (*types.Matrix, error) {
	elem, err := parsed.FindElementByTagNested(transformationMatrixTag)
	if err != nil {
		return nil, nil
	}
	raw, ok := elem.Value.GetValue().([]string)
	if !ok {
		return nil, fmt.Errorf("%w: transformation matrix is not a decimal string", dicomerrors.ErrInvalidDataset)
	}
	if len(raw) == 1 && strings.Contains(raw[0], "\\") {
		raw = strings.Split(raw[0], "\\")
	}
	if len(raw) != 16 {
		return nil, fmt.Errorf("%w: transformation matrix has %d values, want 16", dicomerrors.ErrInvalidDataset, len(raw))
	}

	m := &types.Matrix{Rows: 4, Cols: 4, Values: make([]float64, 16)}
	for i, s := range raw {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: matrix value %q: %v", dicomerrors.ErrInvalidDataset, s, err)
		}
		m.Values[i] = v
	}
	return m, nil
}

func intAttribute(parsed sdicom.Dataset, t tag.Tag) (int, error) {
	elem, err := parsed.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("%w: missing %v", dicomerrors.ErrInvalidDataset, t)
	}
	values, ok := elem.Value.GetValue().([]int)
	if !ok || len(values) == 0 {
		return 0, fmt.Errorf("%w: %v is not an integer", dicomerrors.ErrInvalidDataset, t)
	}
	return values[0], nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
