package types

import "fmt"

// QueryLevel represents the level of C-FIND query
type QueryLevel string

const (
	QueryLevelPatient QueryLevel = "PATIENT"
	QueryLevelStudy   QueryLevel = "STUDY"
	QueryLevelSeries  QueryLevel = "SERIES"
	QueryLevelImage   QueryLevel = "IMAGE"
)

// SeriesDescriptor is the lightweight result of a series-level query.
type SeriesDescriptor struct {
	SeriesInstanceUID string
	StudyInstanceUID  string
	PatientName       string
	PatientID         string
	PatientBirthDate  string
	PatientSex        string
	StudyDate         string
	StudyTime         string
	StudyDescription  string
	Modality          string
	SeriesNumber      string
	SeriesDescription string
	NumberOfInstances int

	// Populated on demand, ordered by instance number.
	SOPInstanceUIDs []string

	// 0 when the PACS numbers instances from 0, 1 when it starts at 1.
	FirstInstanceNumberOffset int

	// AE title of the PACS that answered the query.
	SourceAETitle string
}

// InstanceNumber converts a zero-based position in the series into the
// instance number the source PACS uses.
func (s SeriesDescriptor) InstanceNumber(index int) int {
	return index + s.FirstInstanceNumberOffset
}

func (s SeriesDescriptor) String() string {
	return fmt.Sprintf("series %s (%s, %s, %d instances)", s.SeriesInstanceUID, s.Modality, s.PatientName, s.NumberOfInstances)
}
