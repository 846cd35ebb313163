package types

// Uncompressed transfer syntaxes
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
)

// DefaultTransferSyntaxes is the negotiation order used when none is configured.
// Explicit VR comes first so string values keep their VR on the wire.
var DefaultTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}

// IsSupportedTransferSyntax reports whether the dataset codec can read and
// write the syntax.
func IsSupportedTransferSyntax(uid string) bool {
	return uid == ExplicitVRLittleEndian || uid == ImplicitVRLittleEndian
}

// IsExplicitVR reports whether the syntax carries VRs on the wire.
func IsExplicitVR(uid string) bool {
	return uid != ImplicitVRLittleEndian
}

// TransferSyntaxName returns a short display name for logging.
func TransferSyntaxName(uid string) string {
	switch uid {
	case ImplicitVRLittleEndian:
		return "ImplicitVRLittleEndian"
	case ExplicitVRLittleEndian:
		return "ExplicitVRLittleEndian"
	case DeflatedExplicitVRLittleEndian:
		return "DeflatedExplicitVRLittleEndian"
	case ExplicitVRBigEndian:
		return "ExplicitVRBigEndian"
	default:
		return "Unknown"
	}
}
