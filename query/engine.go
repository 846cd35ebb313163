// Package query finds series on a PACS with C-FIND and works around PACS
// that number instances from 0 instead of 1.
package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/client"
	"github.com/caio-sobreiro/dicomqr/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/events"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/metrics"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Association is the part of a client association the engine needs.
type Association interface {
	StreamCFind(ctx context.Context, req *client.CFindRequest, fn func(*client.CFindResponse) error) error
	CalledAETitle() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(e *Engine) { e.logger = log.Or(l, "query") }
}

// WithNotifier receives a SeriesAvailable event per descriptor.
func WithNotifier(n events.Notifier) Option {
	return func(e *Engine) { e.notifier = events.OrNop(n) }
}

// WithOffsetProbe enables or disables the instance numbering probe.
func WithOffsetProbe(enabled bool) Option {
	return func(e *Engine) { e.probe = enabled }
}

// WithInformationModel selects the C-FIND SOP class.
func WithInformationModel(sopClassUID string) Option {
	return func(e *Engine) { e.model = sopClassUID }
}

// Engine runs series-level queries. It keeps no state between calls and may
// be shared; the associations passed to it may not.
type Engine struct {
	model    string
	probe    bool
	notifier events.Notifier
	logger   zerolog.Logger
}

// NewEngine creates a query engine. The offset probe is enabled by default.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		model:    types.StudyRootQueryRetrieveInformationModelFind,
		probe:    true,
		notifier: events.Nop,
		logger:   log.Or(nil, "query"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FindByPatientName finds series whose PatientName matches name.
func (e *Engine) FindByPatientName(ctx context.Context, assoc Association, name string) ([]types.SeriesDescriptor, error) {
	return e.Find(ctx, assoc, Criteria{PatientName: name})
}

// FindByDateRange finds series with a StudyDate between from and to, both
// YYYYMMDD and inclusive. Bad dates fail before any network I/O.
func (e *Engine) FindByDateRange(ctx context.Context, assoc Association, from, to string) ([]types.SeriesDescriptor, error) {
	if err := validateRange("StudyDate", from, to); err != nil {
		return nil, err
	}
	return e.Find(ctx, assoc, Criteria{StudyDate: from + "-" + to})
}

// FindByPatientID finds series of one patient.
func (e *Engine) FindByPatientID(ctx context.Context, assoc Association, id string) ([]types.SeriesDescriptor, error) {
	return e.Find(ctx, assoc, Criteria{PatientID: id})
}

// FindByBirthDate finds series of patients born on date (YYYYMMDD).
func (e *Engine) FindByBirthDate(ctx context.Context, assoc Association, date string) ([]types.SeriesDescriptor, error) {
	return e.Find(ctx, assoc, Criteria{PatientBirthDate: date})
}

// FindBySeriesUID finds a single series.
func (e *Engine) FindBySeriesUID(ctx context.Context, assoc Association, seriesUID string) ([]types.SeriesDescriptor, error) {
	return e.Find(ctx, assoc, Criteria{SeriesInstanceUID: seriesUID})
}

// FindByModality finds series of one modality.
func (e *Engine) FindByModality(ctx context.Context, assoc Association, modality string) ([]types.SeriesDescriptor, error) {
	return e.Find(ctx, assoc, Criteria{Modality: modality})
}

// FindBySeriesDescription finds series whose description matches.
func (e *Engine) FindBySeriesDescription(ctx context.Context, assoc Association, description string) ([]types.SeriesDescriptor, error) {
	return e.Find(ctx, assoc, Criteria{SeriesDescription: description})
}

// Find runs a SERIES level C-FIND. Malformed responses are logged and
// skipped. If the association fails the error is returned and the
// association is already disconnected. An empty result is not an error.
func (e *Engine) Find(ctx context.Context, assoc Association, c Criteria) ([]types.SeriesDescriptor, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	source := assoc.CalledAETitle()
	logger := e.logger.With().Str(log.FieldCalledAE, source).Logger()

	var found []types.SeriesDescriptor
	err := assoc.StreamCFind(ctx, &client.CFindRequest{
		SOPClassUID: e.model,
		Dataset:     seriesIdentifier(c),
	}, func(rsp *client.CFindResponse) error {
		if !types.IsPendingStatus(rsp.Status) {
			return nil
		}
		d, err := descriptorFrom(rsp)
		if err != nil {
			e.discard(logger, err)
			return nil
		}
		d.SourceAETitle = source
		found = append(found, d)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range found {
		if e.probe {
			if err := e.resolveOffset(ctx, assoc, &found[i]); err != nil {
				return nil, err
			}
		}
		e.notifier.Notify(events.Series(found[i]))
	}

	metrics.AddQueryResults(len(found))
	logger.Debug().Int("series", len(found)).Msg("Query complete")
	return found, nil
}

func (e *Engine) discard(logger zerolog.Logger, err error) {
	var perr *dicomerrors.ProtocolError
	op := "C-FIND"
	if errors.As(err, &perr) {
		op = perr.Op
	}
	metrics.IncProtocolError(op)
	logger.Warn().Err(err).Msg("Discarding malformed C-FIND response")
}

// resolveOffset applies the numbering probe: a PACS that has no instance
// number 0 is taken to count from 1. This only tells apart the two schemes
// seen in practice; a PACS numbering from any other base, or with gaps at
// the start of a series, gets offset 1 and wrong positions.
func (e *Engine) resolveOffset(ctx context.Context, assoc Association, d *types.SeriesDescriptor) error {
	_, found, err := e.resolve(ctx, assoc, d.StudyInstanceUID, d.SeriesInstanceUID, 0)
	var refused *dicomerrors.DIMSEError
	switch {
	case errors.As(err, &refused):
		e.logger.Warn().Err(err).Str(log.FieldSeriesUID, d.SeriesInstanceUID).Msg("Offset probe refused, assuming numbering from 1")
		found = false
	case err != nil:
		return err
	}
	if found {
		d.FirstInstanceNumberOffset = 0
	} else {
		d.FirstInstanceNumberOffset = 1
	}
	return nil
}

// ResolveSOPInstanceUID looks up the SOP instance UID carrying
// instanceNumber in a series. A missing instance is reported through found,
// not as an error.
func (e *Engine) ResolveSOPInstanceUID(ctx context.Context, assoc Association, seriesUID string, instanceNumber int) (uid string, found bool, err error) {
	return e.resolve(ctx, assoc, "", seriesUID, instanceNumber)
}

func (e *Engine) resolve(ctx context.Context, assoc Association, studyUID, seriesUID string, instanceNumber int) (string, bool, error) {
	ds := imageIdentifier(studyUID, seriesUID)
	ds.Set(dicom.TagInstanceNumber, strconv.Itoa(instanceNumber))

	var uid string
	err := assoc.StreamCFind(ctx, &client.CFindRequest{SOPClassUID: e.model, Dataset: ds}, func(rsp *client.CFindResponse) error {
		if !types.IsPendingStatus(rsp.Status) || uid != "" {
			return nil
		}
		if rsp.Err != nil || rsp.Dataset == nil {
			e.discard(e.logger, orMissing(rsp.Err, "identifier"))
			return nil
		}
		uid = rsp.Dataset.GetString(dicom.TagSOPInstanceUID)
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return uid, uid != "", nil
}

func orMissing(err error, what string) error {
	if err != nil {
		return err
	}
	return dicomerrors.NewProtocolError("C-FIND", "missing "+what, nil)
}

// seriesIdentifier builds the SERIES level identifier: matching keys from c
// and empty return keys for the rest of the descriptor.
func seriesIdentifier(c Criteria) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagQueryRetrieveLevel, string(types.QueryLevelSeries))
	ds.Set(dicom.TagPatientName, c.PatientName)
	ds.Set(dicom.TagPatientID, c.PatientID)
	ds.Set(dicom.TagPatientBirthDate, c.PatientBirthDate)
	ds.Set(dicom.TagPatientSex, "")
	ds.Set(dicom.TagStudyDate, c.StudyDate)
	ds.Set(dicom.TagStudyTime, "")
	ds.Set(dicom.TagStudyDescription, "")
	ds.Set(dicom.TagStudyInstanceUID, c.StudyInstanceUID)
	ds.Set(dicom.TagSeriesInstanceUID, c.SeriesInstanceUID)
	ds.Set(dicom.TagModality, c.Modality)
	ds.Set(dicom.TagSeriesNumber, "")
	ds.Set(dicom.TagSeriesDescription, c.SeriesDescription)
	ds.Set(dicom.TagNumberOfSeriesRelatedInstances, "")
	return ds
}

func imageIdentifier(studyUID, seriesUID string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagQueryRetrieveLevel, string(types.QueryLevelImage))
	ds.Set(dicom.TagStudyInstanceUID, studyUID)
	ds.Set(dicom.TagSeriesInstanceUID, seriesUID)
	ds.Set(dicom.TagSOPInstanceUID, "")
	ds.Set(dicom.TagInstanceNumber, "")
	return ds
}

func descriptorFrom(rsp *client.CFindResponse) (types.SeriesDescriptor, error) {
	if rsp.Err != nil {
		return types.SeriesDescriptor{}, rsp.Err
	}
	ds := rsp.Dataset
	if ds == nil {
		return types.SeriesDescriptor{}, dicomerrors.NewProtocolError("C-FIND", "pending response without identifier", nil)
	}
	d := types.SeriesDescriptor{
		SeriesInstanceUID: ds.GetString(dicom.TagSeriesInstanceUID),
		StudyInstanceUID:  ds.GetString(dicom.TagStudyInstanceUID),
		PatientName:       ds.GetString(dicom.TagPatientName),
		PatientID:         ds.GetString(dicom.TagPatientID),
		PatientBirthDate:  ds.GetString(dicom.TagPatientBirthDate),
		PatientSex:        ds.GetString(dicom.TagPatientSex),
		StudyDate:         ds.GetString(dicom.TagStudyDate),
		StudyTime:         ds.GetString(dicom.TagStudyTime),
		StudyDescription:  ds.GetString(dicom.TagStudyDescription),
		Modality:          ds.GetString(dicom.TagModality),
		SeriesNumber:      ds.GetString(dicom.TagSeriesNumber),
		SeriesDescription: ds.GetString(dicom.TagSeriesDescription),
	}
	if d.SeriesInstanceUID == "" {
		return d, dicomerrors.NewProtocolError("C-FIND", "response without SeriesInstanceUID", nil)
	}
	if n, ok := ds.GetInt(dicom.TagNumberOfSeriesRelatedInstances); ok {
		d.NumberOfInstances = n
	} else if raw := ds.GetString(dicom.TagNumberOfSeriesRelatedInstances); raw != "" {
		return d, dicomerrors.NewProtocolError("C-FIND", fmt.Sprintf("bad NumberOfSeriesRelatedInstances %q", raw), nil)
	}
	return d, nil
}
