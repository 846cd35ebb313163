package types

import (
	"fmt"
	"time"
)

// PayloadKind distinguishes the payload carried by an IncomingObject.
type PayloadKind int

const (
	KindGeneric PayloadKind = iota
	KindImage
	KindMatrix
)

func (k PayloadKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindMatrix:
		return "matrix"
	default:
		return "generic"
	}
}

// Shape is the comparable footprint a timeline locks onto.
type Shape struct {
	Kind          PayloadKind
	Width         int // image columns or matrix columns
	Height        int // image rows or matrix rows
	Components    int
	BitsAllocated int
	Signed        bool
}

func (s Shape) String() string {
	switch s.Kind {
	case KindImage:
		sign := "u"
		if s.Signed {
			sign = "s"
		}
		return fmt.Sprintf("image %dx%d %s%d c%d", s.Width, s.Height, sign, s.BitsAllocated, s.Components)
	case KindMatrix:
		return fmt.Sprintf("matrix %dx%d", s.Height, s.Width)
	default:
		return "generic"
	}
}

// Payload is the decoded content of a received object.
type Payload interface {
	Kind() PayloadKind
	Shape() Shape
}

// PixelType describes how pixel samples are stored.
type PixelType struct {
	Components    int
	BitsAllocated int
	Signed        bool
}

// Image is a single frame with native pixel bytes.
type Image struct {
	Width     int
	Height    int
	PixelType PixelType
	Pixels    []byte
}

func (i *Image) Kind() PayloadKind { return KindImage }

func (i *Image) Shape() Shape {
	return Shape{
		Kind:          KindImage,
		Width:         i.Width,
		Height:        i.Height,
		Components:    i.PixelType.Components,
		BitsAllocated: i.PixelType.BitsAllocated,
		Signed:        i.PixelType.Signed,
	}
}

// Matrix is a row-major transform, typically 4x4.
type Matrix struct {
	Rows   int
	Cols   int
	Values []float64
}

func (m *Matrix) Kind() PayloadKind { return KindMatrix }

func (m *Matrix) Shape() Shape {
	return Shape{Kind: KindMatrix, Width: m.Cols, Height: m.Rows}
}

// At returns the value at row r, column c.
func (m *Matrix) At(r, c int) float64 {
	return m.Values[r*m.Cols+c]
}

// Generic carries an undecoded dataset.
type Generic struct {
	Dataset           []byte
	TransferSyntaxUID string
}

func (g *Generic) Kind() PayloadKind { return KindGeneric }

func (g *Generic) Shape() Shape { return Shape{Kind: KindGeneric} }

// IncomingObject is one object received from a device, either pushed to the
// move listener or delivered by a C-GET sub-operation.
type IncomingObject struct {
	DeviceName        string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	Payload           Payload
	ReceivedAt        time.Time
}

// Shape returns the payload shape, generic when there is no payload.
func (o IncomingObject) Shape() Shape {
	if o.Payload == nil {
		return Shape{Kind: KindGeneric}
	}
	return o.Payload.Shape()
}
