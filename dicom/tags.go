package dicom

// Command set elements (group 0000)
var (
	TagCommandGroupLength        = Tag{0x0000, 0x0000}
	TagAffectedSOPClassUID       = Tag{0x0000, 0x0002}
	TagRequestedSOPClassUID      = Tag{0x0000, 0x0003}
	TagCommandField              = Tag{0x0000, 0x0100}
	TagMessageID                 = Tag{0x0000, 0x0110}
	TagMessageIDBeingRespondedTo = Tag{0x0000, 0x0120}
	TagMoveDestination           = Tag{0x0000, 0x0600}
	TagPriority                  = Tag{0x0000, 0x0700}
	TagCommandDataSetType        = Tag{0x0000, 0x0800}
	TagStatus                    = Tag{0x0000, 0x0900}
	TagErrorComment              = Tag{0x0000, 0x0902}
	TagAffectedSOPInstanceUID    = Tag{0x0000, 0x1000}
	TagRequestedSOPInstanceUID   = Tag{0x0000, 0x1001}
	TagNumberOfRemainingSubOps   = Tag{0x0000, 0x1020}
	TagNumberOfCompletedSubOps   = Tag{0x0000, 0x1021}
	TagNumberOfFailedSubOps      = Tag{0x0000, 0x1022}
	TagNumberOfWarningSubOps     = Tag{0x0000, 0x1023}
	TagMoveOriginatorAETitle     = Tag{0x0000, 0x1030}
	TagMoveOriginatorMessageID   = Tag{0x0000, 0x1031}
)

// File meta elements (group 0002)
var (
	TagFileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	TagFileMetaInformationVersion     = Tag{0x0002, 0x0001}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
	TagImplementationVersionName      = Tag{0x0002, 0x0013}
)

// Identifier and object elements
var (
	TagSpecificCharacterSet                 = Tag{0x0008, 0x0005}
	TagSOPClassUID                          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID                       = Tag{0x0008, 0x0018}
	TagStudyDate                            = Tag{0x0008, 0x0020}
	TagSeriesDate                           = Tag{0x0008, 0x0021}
	TagStudyTime                            = Tag{0x0008, 0x0030}
	TagAccessionNumber                      = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel                   = Tag{0x0008, 0x0052}
	TagRetrieveAETitle                      = Tag{0x0008, 0x0054}
	TagFailedSOPInstanceUIDList             = Tag{0x0008, 0x0058}
	TagModality                             = Tag{0x0008, 0x0060}
	TagStudyDescription                     = Tag{0x0008, 0x1030}
	TagSeriesDescription                    = Tag{0x0008, 0x103E}
	TagPatientName                          = Tag{0x0010, 0x0010}
	TagPatientID                            = Tag{0x0010, 0x0020}
	TagPatientBirthDate                     = Tag{0x0010, 0x0030}
	TagPatientSex                           = Tag{0x0010, 0x0040}
	TagStudyInstanceUID                     = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID                    = Tag{0x0020, 0x000E}
	TagStudyID                              = Tag{0x0020, 0x0010}
	TagSeriesNumber                         = Tag{0x0020, 0x0011}
	TagInstanceNumber                       = Tag{0x0020, 0x0013}
	TagNumberOfSeriesRelatedInstances       = Tag{0x0020, 0x1209}
	TagSamplesPerPixel                      = Tag{0x0028, 0x0002}
	TagPhotometricInterpretation            = Tag{0x0028, 0x0004}
	TagRows                                 = Tag{0x0028, 0x0010}
	TagColumns                              = Tag{0x0028, 0x0011}
	TagBitsAllocated                        = Tag{0x0028, 0x0100}
	TagBitsStored                           = Tag{0x0028, 0x0101}
	TagHighBit                              = Tag{0x0028, 0x0102}
	TagPixelRepresentation                  = Tag{0x0028, 0x0103}
	TagRegistrationSequence                 = Tag{0x0070, 0x0308}
	TagFrameOfReferenceTransformationMatrix = Tag{0x3006, 0x00C6}
	TagPixelData                            = Tag{0x7FE0, 0x0010}
)

// Item and delimiter tags used inside sequences and encapsulated values.
var (
	TagItem                 = Tag{0xFFFE, 0xE000}
	TagItemDelimitation     = Tag{0xFFFE, 0xE00D}
	TagSequenceDelimitation = Tag{0xFFFE, 0xE0DD}
)

// dictionary holds the VR for every element this module reads or writes in
// implicit VR.
var dictionary = map[Tag]string{
	TagCommandGroupLength:        VR_UL,
	TagAffectedSOPClassUID:       VR_UI,
	TagRequestedSOPClassUID:      VR_UI,
	TagCommandField:              VR_US,
	TagMessageID:                 VR_US,
	TagMessageIDBeingRespondedTo: VR_US,
	TagMoveDestination:           VR_AE,
	TagPriority:                  VR_US,
	TagCommandDataSetType:        VR_US,
	TagStatus:                    VR_US,
	TagErrorComment:              VR_LO,
	TagAffectedSOPInstanceUID:    VR_UI,
	TagRequestedSOPInstanceUID:   VR_UI,
	TagNumberOfRemainingSubOps:   VR_US,
	TagNumberOfCompletedSubOps:   VR_US,
	TagNumberOfFailedSubOps:      VR_US,
	TagNumberOfWarningSubOps:     VR_US,
	TagMoveOriginatorAETitle:     VR_AE,
	TagMoveOriginatorMessageID:   VR_US,

	TagFileMetaInformationGroupLength: VR_UL,
	TagFileMetaInformationVersion:     VR_OB,
	TagMediaStorageSOPClassUID:        VR_UI,
	TagMediaStorageSOPInstanceUID:     VR_UI,
	TagTransferSyntaxUID:              VR_UI,
	TagImplementationClassUID:         VR_UI,
	TagImplementationVersionName:      VR_SH,

	TagSpecificCharacterSet:                 VR_CS,
	TagSOPClassUID:                          VR_UI,
	TagSOPInstanceUID:                       VR_UI,
	TagStudyDate:                            VR_DA,
	TagSeriesDate:                           VR_DA,
	TagStudyTime:                            VR_TM,
	TagAccessionNumber:                      VR_SH,
	TagQueryRetrieveLevel:                   VR_CS,
	TagRetrieveAETitle:                      VR_AE,
	TagFailedSOPInstanceUIDList:             VR_UI,
	TagModality:                             VR_CS,
	{0x0008, 0x0080}:                        VR_LO, // Institution Name
	{0x0008, 0x0090}:                        VR_PN, // Referring Physician's Name
	TagStudyDescription:                     VR_LO,
	TagSeriesDescription:                    VR_LO,
	TagPatientName:                          VR_PN,
	TagPatientID:                            VR_LO,
	TagPatientBirthDate:                     VR_DA,
	TagPatientSex:                           VR_CS,
	{0x0010, 0x1010}:                        VR_AS, // Patient's Age
	{0x0018, 0x0015}:                        VR_CS, // Body Part Examined
	TagStudyInstanceUID:                     VR_UI,
	TagSeriesInstanceUID:                    VR_UI,
	TagStudyID:                              VR_SH,
	TagSeriesNumber:                         VR_IS,
	TagInstanceNumber:                       VR_IS,
	{0x0020, 0x0020}:                        VR_CS, // Patient Orientation
	{0x0020, 0x0052}:                        VR_UI, // Frame of Reference UID
	TagNumberOfSeriesRelatedInstances:       VR_IS,
	TagSamplesPerPixel:                      VR_US,
	TagPhotometricInterpretation:            VR_CS,
	TagRows:                                 VR_US,
	TagColumns:                              VR_US,
	TagBitsAllocated:                        VR_US,
	TagBitsStored:                           VR_US,
	TagHighBit:                              VR_US,
	TagPixelRepresentation:                  VR_US,
	TagRegistrationSequence:                 VR_SQ,
	{0x0070, 0x0309}:                        VR_SQ, // Matrix Registration Sequence
	{0x0070, 0x030A}:                        VR_SQ, // Matrix Sequence
	TagFrameOfReferenceTransformationMatrix: VR_DS,
	TagPixelData:                            VR_OW,
}

// LookupVR returns the dictionary VR for a tag, or UN.
func LookupVR(tag Tag) string {
	if vr, ok := dictionary[tag]; ok {
		return vr
	}
	if tag.Element == 0x0000 {
		return VR_UL
	}
	return VR_UN
}

// isLongVR reports VRs whose explicit encoding uses 2 reserved bytes and a
// 32-bit length.
func isLongVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW, VR_SQ, VR_SV,
		VR_UC, VR_UN, VR_UR, VR_UT, VR_UV:
		return true
	}
	return false
}

// isBinaryVR reports VRs whose value is not character data.
func isBinaryVR(vr string) bool {
	switch vr {
	case VR_AT, VR_FL, VR_FD, VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW,
		VR_SL, VR_SQ, VR_SS, VR_SV, VR_UL, VR_UN, VR_US, VR_UV:
		return true
	}
	return false
}
