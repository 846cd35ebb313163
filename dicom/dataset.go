// Package dicom implements the small data set codec used on the DIMSE wire:
// command sets, query identifiers and the native-pixel objects pushed back
// during retrieve.
package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_SV = "SV" // Signed Very Long
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
	VR_UV = "UV" // Unsigned Very Long
)

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Less orders tags by group, then element.
func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// Element represents a DICOM data element.
//
// Value holds a string for text VRs, []string for multi-valued text, uint16 or
// uint32 for single binary integers and []byte for everything else.
type Element struct {
	Tag    Tag
	VR     string
	Length uint32
	Value  interface{}
}

// Dataset represents a collection of DICOM elements
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// AddElement adds or replaces an element.
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{
		Tag:   tag,
		VR:    vr,
		Value: value,
	}
}

// Set adds an element using the dictionary VR for the tag.
func (d *Dataset) Set(tag Tag, value interface{}) {
	d.AddElement(tag, LookupVR(tag), value)
}

// Remove deletes an element if present.
func (d *Dataset) Remove(tag Tag) {
	delete(d.Elements, tag)
}

// Has reports whether the tag is present, even with an empty value.
func (d *Dataset) Has(tag Tag) bool {
	_, ok := d.Elements[tag]
	return ok
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Elements)
}

// Tags returns the element tags in ascending order.
func (d *Dataset) Tags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Less(tags[j]) })
	return tags
}

// Clone returns a copy whose element map can be modified independently.
func (d *Dataset) Clone() *Dataset {
	out := NewDataset()
	for tag, e := range d.Elements {
		cp := *e
		out.Elements[tag] = &cp
	}
	return out
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	if d == nil {
		return nil, false
	}
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns the value of a text element with padding removed.
// Multi-valued elements are joined with a backslash.
func (d *Dataset) GetString(tag Tag) string {
	element, exists := d.GetElement(tag)
	if !exists {
		return ""
	}
	switch v := element.Value.(type) {
	case string:
		return trimValue(v)
	case []string:
		return strings.Join(v, "\\")
	case []byte:
		return trimValue(string(v))
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetStrings returns a slice of string values for a tag
func (d *Dataset) GetStrings(tag Tag) []string {
	element, exists := d.GetElement(tag)
	if !exists {
		return nil
	}
	switch v := element.Value.(type) {
	case string:
		parts := strings.Split(v, "\\")
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = trimValue(part)
		}
		return result
	case []string:
		return v
	}
	return nil
}

// GetInt parses an IS element. ok is false when missing or not numeric.
func (d *Dataset) GetInt(tag Tag) (int, bool) {
	s := d.GetString(tag)
	if s == "" {
		return 0, false
	}
	if i := strings.IndexByte(s, '\\'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetUint16 returns a US value.
func (d *Dataset) GetUint16(tag Tag) (uint16, bool) {
	element, exists := d.GetElement(tag)
	if !exists {
		return 0, false
	}
	switch v := element.Value.(type) {
	case uint16:
		return v, true
	case []byte:
		if len(v) >= 2 {
			return binary.LittleEndian.Uint16(v), true
		}
	}
	return 0, false
}

// GetUint32 returns a UL value.
func (d *Dataset) GetUint32(tag Tag) (uint32, bool) {
	element, exists := d.GetElement(tag)
	if !exists {
		return 0, false
	}
	switch v := element.Value.(type) {
	case uint32:
		return v, true
	case uint16:
		return uint32(v), true
	case []byte:
		if len(v) >= 4 {
			return binary.LittleEndian.Uint32(v), true
		}
	}
	return 0, false
}

// GetBytes returns the raw value of a binary element.
func (d *Dataset) GetBytes(tag Tag) []byte {
	element, exists := d.GetElement(tag)
	if !exists {
		return nil
	}
	switch v := element.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func trimValue(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}
