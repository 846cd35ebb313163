package retrieve

import (
	"fmt"
	"strings"

	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Method selects how instances travel back.
type Method int

const (
	// Move asks the PACS to push instances to the move listener.
	Move Method = iota
	// Get receives instances on the requesting association.
	Get
)

func (m Method) String() string {
	if m == Get {
		return "get"
	}
	return "move"
}

// ParseMethod accepts "move" or "get", case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "move", "c-move":
		return Move, nil
	case "get", "c-get":
		return Get, nil
	}
	return Move, fmt.Errorf("%w: unknown retrieve method %q", dicomerrors.ErrInvalidRequest, s)
}

// Identifier names a series, or one instance of it when SOPInstanceUID is
// set. StudyInstanceUID is optional.
type Identifier struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// Level is SERIES for a whole series and IMAGE for a single instance.
func (id Identifier) Level() types.QueryLevel {
	if id.SOPInstanceUID != "" {
		return types.QueryLevelImage
	}
	return types.QueryLevelSeries
}

func (id Identifier) String() string {
	if id.SOPInstanceUID != "" {
		return id.SeriesInstanceUID + "/" + id.SOPInstanceUID
	}
	return id.SeriesInstanceUID
}

func (id Identifier) dataset() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagQueryRetrieveLevel, string(id.Level()))
	if id.StudyInstanceUID != "" {
		ds.Set(dicom.TagStudyInstanceUID, id.StudyInstanceUID)
	}
	ds.Set(dicom.TagSeriesInstanceUID, id.SeriesInstanceUID)
	if id.SOPInstanceUID != "" {
		ds.Set(dicom.TagSOPInstanceUID, id.SOPInstanceUID)
	}
	return ds
}

// Request is a batch of identifiers retrieved with one method.
type Request struct {
	Identifiers []Identifier
	Method      Method
}

// Validate checks that the batch is non-empty and names a series everywhere.
func (r Request) Validate() error {
	if len(r.Identifiers) == 0 {
		return fmt.Errorf("%w: no identifiers", dicomerrors.ErrInvalidRequest)
	}
	for i, id := range r.Identifiers {
		if id.SeriesInstanceUID == "" {
			return fmt.Errorf("%w: identifier %d has no SeriesInstanceUID", dicomerrors.ErrInvalidRequest, i)
		}
	}
	if r.Method != Move && r.Method != Get {
		return fmt.Errorf("%w: unknown method %d", dicomerrors.ErrInvalidRequest, r.Method)
	}
	return nil
}

// SeriesRequest retrieves whole series.
func SeriesRequest(method Method, seriesUIDs ...string) Request {
	r := Request{Method: method}
	for _, uid := range seriesUIDs {
		r.Identifiers = append(r.Identifiers, Identifier{SeriesInstanceUID: uid})
	}
	return r
}

// InstanceRequest retrieves a single instance.
func InstanceRequest(method Method, seriesUID, sopInstanceUID string) Request {
	return Request{
		Method:      method,
		Identifiers: []Identifier{{SeriesInstanceUID: seriesUID, SOPInstanceUID: sopInstanceUID}},
	}
}
