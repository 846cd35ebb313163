package pacstest

import (
	"encoding/binary"
	"strconv"

	"github.com/caio-sobreiro/dicomqr/dicom"
	"github.com/caio-sobreiro/dicomqr/types"
)

// SeriesTemplate describes a synthetic CT series.
type SeriesTemplate struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	PatientName       string
	PatientID         string
	StudyDate         string
	SeriesDescription string
	// Instances is the number of images; FirstInstanceNumber is 0 or 1.
	Instances           int
	FirstInstanceNumber int
	// Rows and Columns default to 4.
	Rows, Columns int
}

// SyntheticSeries builds a CT series of small 16-bit images whose pixel
// values encode the instance number.
func SyntheticSeries(t SeriesTemplate) Series {
	if t.Rows == 0 {
		t.Rows = 4
	}
	if t.Columns == 0 {
		t.Columns = 4
	}
	s := Series{
		StudyInstanceUID:  t.StudyInstanceUID,
		SeriesInstanceUID: t.SeriesInstanceUID,
		PatientName:       t.PatientName,
		PatientID:         t.PatientID,
		PatientBirthDate:  "19700101",
		PatientSex:        "O",
		StudyDate:         t.StudyDate,
		StudyTime:         "120000",
		StudyDescription:  "Synthetic study",
		Modality:          "CT",
		SeriesNumber:      "1",
		SeriesDescription: t.SeriesDescription,
	}
	for i := 0; i < t.Instances; i++ {
		number := t.FirstInstanceNumber + i
		uid := t.SeriesInstanceUID + "." + strconv.Itoa(i+1)
		s.Instances = append(s.Instances, Instance{
			SOPClassUID:    types.CTImageStorage,
			SOPInstanceUID: uid,
			InstanceNumber: number,
			Data:           ctImage(s, uid, number, t.Rows, t.Columns),
		})
	}
	return s
}

func ctImage(s Series, sopInstanceUID string, number, rows, cols int) []byte {
	pixels := make([]byte, 0, rows*cols*2)
	for i := 0; i < rows*cols; i++ {
		pixels = binary.LittleEndian.AppendUint16(pixels, uint16(number*100+i))
	}

	ds := dicom.NewDataset()
	ds.Set(dicom.TagSOPClassUID, types.CTImageStorage)
	ds.Set(dicom.TagSOPInstanceUID, sopInstanceUID)
	ds.Set(dicom.TagStudyDate, s.StudyDate)
	ds.Set(dicom.TagModality, s.Modality)
	ds.Set(dicom.TagPatientName, s.PatientName)
	ds.Set(dicom.TagPatientID, s.PatientID)
	ds.Set(dicom.TagStudyInstanceUID, s.StudyInstanceUID)
	ds.Set(dicom.TagSeriesInstanceUID, s.SeriesInstanceUID)
	ds.Set(dicom.TagInstanceNumber, strconv.Itoa(number))
	ds.Set(dicom.TagSamplesPerPixel, uint16(1))
	ds.Set(dicom.TagPhotometricInterpretation, "MONOCHROME2")
	ds.Set(dicom.TagRows, uint16(rows))
	ds.Set(dicom.TagColumns, uint16(cols))
	ds.Set(dicom.TagBitsAllocated, uint16(16))
	ds.Set(dicom.TagBitsStored, uint16(12))
	ds.Set(dicom.TagHighBit, uint16(11))
	ds.Set(dicom.TagPixelRepresentation, uint16(0))
	ds.AddElement(dicom.TagPixelData, dicom.VR_OW, pixels)
	return ds.EncodeDataset()
}
