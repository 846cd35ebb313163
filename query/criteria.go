package query

import (
	"fmt"
	"strings"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
)

// DateLayout is the DICOM DA format.
const DateLayout = "20060102"

// Criteria are the matching keys of a series-level query. Empty fields are
// universal matches. Values are sent unchanged, so DICOM wildcards ("*",
// "?") and ranges ("from-to") keep their PACS-defined meaning.
type Criteria struct {
	PatientName       string
	PatientID         string
	PatientBirthDate  string
	StudyDate         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	SeriesDescription string
}

// Validate checks the date keys. A date key is either a single date or an
// inclusive range with both bounds present.
func (c Criteria) Validate() error {
	if err := validateDateKey("StudyDate", c.StudyDate); err != nil {
		return err
	}
	return validateDateKey("PatientBirthDate", c.PatientBirthDate)
}

func validateDateKey(name, value string) error {
	if value == "" {
		return nil
	}
	from, to, isRange := strings.Cut(value, "-")
	if !isRange {
		return validateDate(name, value)
	}
	return validateRange(name, from, to)
}

func validateDate(name, value string) error {
	if len(value) != len(DateLayout) {
		return fmt.Errorf("%w: %s %q is not YYYYMMDD", dicomerrors.ErrInvalidQuery, name, value)
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		return fmt.Errorf("%w: %s %q is not a valid date", dicomerrors.ErrInvalidQuery, name, value)
	}
	return nil
}

func validateRange(name, from, to string) error {
	if err := validateDate(name, from); err != nil {
		return err
	}
	if err := validateDate(name, to); err != nil {
		return err
	}
	// YYYYMMDD compares lexically in date order
	if from > to {
		return fmt.Errorf("%w: %s range %s-%s ends before it starts", dicomerrors.ErrInvalidQuery, name, from, to)
	}
	return nil
}

// FormatDate renders t as a DICOM date.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DateRange renders the bounds of an inclusive date range.
func DateRange(from, to time.Time) (string, string) {
	return FormatDate(from), FormatDate(to)
}

// Contains builds a wildcard key matching values that contain s.
func Contains(s string) string {
	return "*" + s + "*"
}
