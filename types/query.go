package types

// QueryLevel is the DICOM Query/Retrieve level a C-FIND or C-MOVE operates at.
type QueryLevel string

const (
	QueryLevelPatient QueryLevel = "PATIENT"
	QueryLevelStudy   QueryLevel = "STUDY"
	QueryLevelSeries  QueryLevel = "SERIES"
	QueryLevelImage   QueryLevel = "IMAGE"
)

// ParseQueryLevel maps a QueryRetrieveLevel attribute value to a QueryLevel,
// defaulting to STUDY when the value is empty or unrecognized.
func ParseQueryLevel(value string) QueryLevel {
	switch QueryLevel(value) {
	case QueryLevelPatient, QueryLevelStudy, QueryLevelSeries, QueryLevelImage:
		return QueryLevel(value)
	default:
		return QueryLevelStudy
	}
}
