package types

import "strings"

// ApplicationContextUID is the DICOM application context name.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Implementation identification sent in A-ASSOCIATE user information.
const (
	ImplementationClassUID    = "2.25.264999831443914497833524566486517924572"
	ImplementationVersionName = "DICOMQR_1_0"
)

// VerificationSOPClass is used by C-ECHO.
const VerificationSOPClass = "1.2.840.10008.1.1"

// Query/Retrieve information models
const (
	StudyRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.2.3"

	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.1.3"
)

// Storage SOP classes proposed for retrieve sub-operations
const (
	ComputedRadiographyImageStorage        = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.1"
	CTImageStorage                         = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage                 = "1.2.840.10008.5.1.4.1.1.2.1"
	UltrasoundMultiFrameImageStorage       = "1.2.840.10008.5.1.4.1.1.3.1"
	MRImageStorage                         = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage                 = "1.2.840.10008.5.1.4.1.1.4.1"
	UltrasoundImageStorage                 = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage           = "1.2.840.10008.5.1.4.1.1.7"
	MultiFrameGrayscaleByteSCImageStorage  = "1.2.840.10008.5.1.4.1.1.7.2"
	MultiFrameTrueColorSCImageStorage      = "1.2.840.10008.5.1.4.1.1.7.4"
	XRayAngiographicImageStorage           = "1.2.840.10008.5.1.4.1.1.12.1"
	XRayRadiofluoroscopicImageStorage      = "1.2.840.10008.5.1.4.1.1.12.2"
	NuclearMedicineImageStorage            = "1.2.840.10008.5.1.4.1.1.20"
	RawDataStorage                         = "1.2.840.10008.5.1.4.1.1.66"
	SpatialRegistrationStorage             = "1.2.840.10008.5.1.4.1.1.66.1"
	VLEndoscopicImageStorage               = "1.2.840.10008.5.1.4.1.1.77.1.1"
	VLPhotographicImageStorage             = "1.2.840.10008.5.1.4.1.1.77.1.4"
	PETImageStorage                        = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                         = "1.2.840.10008.5.1.4.1.1.481.1"
	SurfaceSegmentationStorage             = "1.2.840.10008.5.1.4.1.1.66.5"
	SegmentationStorage                    = "1.2.840.10008.5.1.4.1.1.66.4"
)

const storageSOPClassPrefix = "1.2.840.10008.5.1.4.1.1."

// RetrieveStorageSOPClasses lists the storage classes proposed so a PACS can
// push objects back during C-GET, and accepted by the move listener.
var RetrieveStorageSOPClasses = []string{
	CTImageStorage,
	MRImageStorage,
	SecondaryCaptureImageStorage,
	ComputedRadiographyImageStorage,
	DigitalXRayImageStorageForPresentation,
	EnhancedCTImageStorage,
	EnhancedMRImageStorage,
	UltrasoundImageStorage,
	UltrasoundMultiFrameImageStorage,
	MultiFrameGrayscaleByteSCImageStorage,
	MultiFrameTrueColorSCImageStorage,
	XRayAngiographicImageStorage,
	XRayRadiofluoroscopicImageStorage,
	NuclearMedicineImageStorage,
	PETImageStorage,
	RTImageStorage,
	VLEndoscopicImageStorage,
	VLPhotographicImageStorage,
	RawDataStorage,
	SpatialRegistrationStorage,
	SegmentationStorage,
	SurfaceSegmentationStorage,
}

// IsStorageSOPClass returns true if the UID is a composite storage SOP class.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, storageSOPClassPrefix)
}

// IsQueryRetrieveSOPClass returns true for the information models above.
func IsQueryRetrieveSOPClass(uid string) bool {
	switch uid {
	case StudyRootQueryRetrieveInformationModelFind,
		StudyRootQueryRetrieveInformationModelMove,
		StudyRootQueryRetrieveInformationModelGet,
		PatientRootQueryRetrieveInformationModelFind,
		PatientRootQueryRetrieveInformationModelMove,
		PatientRootQueryRetrieveInformationModelGet:
		return true
	}
	return false
}

// SOPClassName returns a short display name for logging.
func SOPClassName(uid string) string {
	switch uid {
	case VerificationSOPClass:
		return "Verification"
	case StudyRootQueryRetrieveInformationModelFind:
		return "StudyRootFind"
	case StudyRootQueryRetrieveInformationModelMove:
		return "StudyRootMove"
	case StudyRootQueryRetrieveInformationModelGet:
		return "StudyRootGet"
	case PatientRootQueryRetrieveInformationModelFind:
		return "PatientRootFind"
	case PatientRootQueryRetrieveInformationModelMove:
		return "PatientRootMove"
	case PatientRootQueryRetrieveInformationModelGet:
		return "PatientRootGet"
	case SpatialRegistrationStorage:
		return "SpatialRegistration"
	}
	if IsStorageSOPClass(uid) {
		return "Storage"
	}
	return "Unknown"
}
