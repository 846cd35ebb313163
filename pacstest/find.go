package pacstest

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/caio-sobreiro/dicomqr/dicom"
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/services"
	"github.com/caio-sobreiro/dicomqr/types"
)

// findService answers SERIES and IMAGE level C-FIND requests.
type findService struct {
	pacs *PACS
}

func (s *findService) HandleDIMSE(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return services.NewCFindErrorResponse(msg, types.StatusUnableToProcess), nil, nil
}

func (s *findService) HandleDIMSEStreaming(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	identifier, err := dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
	if err != nil {
		s.pacs.logger.Warn().Err(err).Msg("Unreadable C-FIND identifier")
		return responder.SendResponse(services.NewCFindErrorResponse(msg, types.StatusUnableToProcess), nil)
	}

	level := identifier.GetString(dicom.TagQueryRetrieveLevel)
	s.pacs.record(Request{
		Command:        "C-FIND",
		Level:          level,
		SeriesUID:      identifier.GetString(dicom.TagSeriesInstanceUID),
		InstanceNumber: identifier.GetString(dicom.TagInstanceNumber),
	})

	var matches []*dicom.Dataset
	switch types.QueryLevel(level) {
	case types.QueryLevelSeries:
		matches = s.matchSeries(identifier)
	case types.QueryLevelImage:
		matches = s.matchInstances(identifier)
	default:
		return responder.SendResponse(services.NewCFindErrorResponse(msg, types.StatusIdentifierMismatch), nil)
	}

	for _, ds := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := dicom.EncodeDatasetWithTransferSyntax(ds, meta.TransferSyntaxUID)
		if err != nil {
			return err
		}
		if err := responder.SendResponse(services.NewCFindPendingResponse(msg), payload); err != nil {
			return err
		}
	}
	return responder.SendResponse(services.NewCFindSuccessResponse(msg), nil)
}

func (s *findService) matchSeries(q *dicom.Dataset) []*dicom.Dataset {
	var out []*dicom.Dataset
	for _, series := range s.pacs.allSeries() {
		if !matchWildcard(q.GetString(dicom.TagPatientName), series.PatientName) ||
			!matchWildcard(q.GetString(dicom.TagPatientID), series.PatientID) ||
			!matchDate(q.GetString(dicom.TagPatientBirthDate), series.PatientBirthDate) ||
			!matchDate(q.GetString(dicom.TagStudyDate), series.StudyDate) ||
			!matchExact(q.GetString(dicom.TagStudyInstanceUID), series.StudyInstanceUID) ||
			!matchExact(q.GetString(dicom.TagSeriesInstanceUID), series.SeriesInstanceUID) ||
			!matchWildcard(q.GetString(dicom.TagModality), series.Modality) ||
			!matchWildcard(q.GetString(dicom.TagSeriesDescription), series.SeriesDescription) {
			continue
		}

		ds := dicom.NewDataset()
		ds.Set(dicom.TagQueryRetrieveLevel, string(types.QueryLevelSeries))
		ds.Set(dicom.TagPatientName, series.PatientName)
		ds.Set(dicom.TagPatientID, series.PatientID)
		ds.Set(dicom.TagPatientBirthDate, series.PatientBirthDate)
		ds.Set(dicom.TagPatientSex, series.PatientSex)
		ds.Set(dicom.TagStudyDate, series.StudyDate)
		ds.Set(dicom.TagStudyTime, series.StudyTime)
		ds.Set(dicom.TagStudyDescription, series.StudyDescription)
		ds.Set(dicom.TagStudyInstanceUID, series.StudyInstanceUID)
		ds.Set(dicom.TagSeriesInstanceUID, series.SeriesInstanceUID)
		ds.Set(dicom.TagModality, series.Modality)
		ds.Set(dicom.TagSeriesNumber, series.SeriesNumber)
		ds.Set(dicom.TagSeriesDescription, series.SeriesDescription)
		ds.Set(dicom.TagNumberOfSeriesRelatedInstances, strconv.Itoa(len(series.Instances)))
		out = append(out, ds)
	}
	return out
}

func (s *findService) matchInstances(q *dicom.Dataset) []*dicom.Dataset {
	series, ok := s.pacs.lookupSeries(q.GetString(dicom.TagSeriesInstanceUID))
	if !ok || !matchExact(q.GetString(dicom.TagStudyInstanceUID), series.StudyInstanceUID) {
		return nil
	}

	number := strings.TrimSpace(q.GetString(dicom.TagInstanceNumber))
	sopUID := q.GetString(dicom.TagSOPInstanceUID)

	var out []*dicom.Dataset
	for _, inst := range series.Instances {
		if number != "" && number != strconv.Itoa(inst.InstanceNumber) {
			continue
		}
		if !matchExact(sopUID, inst.SOPInstanceUID) {
			continue
		}
		ds := dicom.NewDataset()
		ds.Set(dicom.TagQueryRetrieveLevel, string(types.QueryLevelImage))
		ds.Set(dicom.TagStudyInstanceUID, series.StudyInstanceUID)
		ds.Set(dicom.TagSeriesInstanceUID, series.SeriesInstanceUID)
		ds.Set(dicom.TagSOPClassUID, inst.SOPClassUID)
		ds.Set(dicom.TagSOPInstanceUID, inst.SOPInstanceUID)
		ds.Set(dicom.TagInstanceNumber, strconv.Itoa(inst.InstanceNumber))
		out = append(out, ds)
	}
	return out
}

func matchExact(key, value string) bool {
	return key == "" || key == value
}

// matchWildcard applies DICOM "*" and "?" matching, case-insensitively.
func matchWildcard(key, value string) bool {
	if key == "" || key == "*" {
		return true
	}
	if !strings.ContainsAny(key, "*?") {
		return strings.EqualFold(key, value)
	}
	pattern := regexp.QuoteMeta(key)
	pattern = strings.ReplaceAll(pattern, `\*`, ".*")
	pattern = strings.ReplaceAll(pattern, `\?`, ".")
	re, err := regexp.Compile("(?i)^" + pattern + "$")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// matchDate handles single dates and "from-to" ranges with open ends.
func matchDate(key, value string) bool {
	if key == "" {
		return true
	}
	from, to, isRange := strings.Cut(key, "-")
	if !isRange {
		return key == value
	}
	if value == "" {
		return false
	}
	return (from == "" || value >= from) && (to == "" || value <= to)
}
