// Package phi implements the anonymization/de-anonymization engine: tag
// classification, deterministic pseudonymization, and reversible restoration
// of protected health information on a dicom.Dataset.
package phi

import "github.com/imaging-tech-hub/dicom-proxy/dicom"

// Level identifies which entity a PHI tag's value is persisted against.
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
)

// tagName names a classified tag for map keys in the extracted PHI sets;
// keys match the DICOM keyword, not the raw (group,element) string, so
// PatientMapping.patientLevelPhi etc. read naturally once persisted.
type tagName struct {
	tag  dicom.Tag
	name string
}

// patientLevelTags is the authoritative patient-level PHI set.
var patientLevelTags = []tagName{
	{dicom.Tag{Group: 0x0010, Element: 0x0030}, "PatientBirthDate"},
	{dicom.Tag{Group: 0x0010, Element: 0x1005}, "PatientBirthName"},
	{dicom.Tag{Group: 0x0010, Element: 0x1020}, "PatientSize"},
	{dicom.Tag{Group: 0x0010, Element: 0x1030}, "PatientWeight"},
	{dicom.Tag{Group: 0x0010, Element: 0x0040}, "PatientSex"},
	{dicom.Tag{Group: 0x0010, Element: 0x1000}, "OtherPatientIDs"},
	{dicom.Tag{Group: 0x0010, Element: 0x1001}, "OtherPatientNames"},
	{dicom.Tag{Group: 0x0010, Element: 0x2160}, "EthnicGroup"},
	{dicom.Tag{Group: 0x0010, Element: 0x2180}, "Occupation"},
	{dicom.Tag{Group: 0x0010, Element: 0x21B0}, "AdditionalPatientHistory"},
	{dicom.Tag{Group: 0x0010, Element: 0x4000}, "PatientComments"},
	{dicom.Tag{Group: 0x0010, Element: 0x1090}, "MedicalRecordLocator"},
	{dicom.Tag{Group: 0x0010, Element: 0x0021}, "IssuerOfPatientID"},
}

// studyLevelTags is the authoritative study-level PHI set.
var studyLevelTags = []tagName{
	{dicom.Tag{Group: 0x0008, Element: 0x0020}, "StudyDate"},
	{dicom.Tag{Group: 0x0008, Element: 0x0030}, "StudyTime"},
	{dicom.Tag{Group: 0x0020, Element: 0x0010}, "StudyID"},
	{dicom.Tag{Group: 0x0008, Element: 0x0080}, "InstitutionName"},
	{dicom.Tag{Group: 0x0008, Element: 0x0081}, "InstitutionAddress"},
	{dicom.Tag{Group: 0x0008, Element: 0x1040}, "InstitutionalDepartmentName"},
	{dicom.Tag{Group: 0x0008, Element: 0x1010}, "StationName"},
	{dicom.Tag{Group: 0x0008, Element: 0x0090}, "ReferringPhysicianName"},
	{dicom.Tag{Group: 0x0008, Element: 0x0092}, "ReferringPhysicianAddress"},
	{dicom.Tag{Group: 0x0008, Element: 0x0094}, "ReferringPhysicianTelephoneNumbers"},
	{dicom.Tag{Group: 0x0008, Element: 0x1048}, "PhysiciansOfRecord"},
	{dicom.Tag{Group: 0x0008, Element: 0x1050}, "PerformingPhysicianName"},
	{dicom.Tag{Group: 0x0008, Element: 0x1060}, "NameOfPhysiciansReadingStudy"},
	{dicom.Tag{Group: 0x0008, Element: 0x1070}, "OperatorsName"},
}

// seriesLevelTags is the authoritative series-level PHI set.
var seriesLevelTags = []tagName{
	{dicom.Tag{Group: 0x0008, Element: 0x0021}, "SeriesDate"},
	{dicom.Tag{Group: 0x0008, Element: 0x0031}, "SeriesTime"},
	{dicom.Tag{Group: 0x0008, Element: 0x0022}, "AcquisitionDate"},
	{dicom.Tag{Group: 0x0008, Element: 0x0032}, "AcquisitionTime"},
	{dicom.Tag{Group: 0x0008, Element: 0x0023}, "ContentDate"},
	{dicom.Tag{Group: 0x0008, Element: 0x0033}, "ContentTime"},
	{dicom.Tag{Group: 0x0018, Element: 0x1000}, "DeviceSerialNumber"},
	{dicom.Tag{Group: 0x0020, Element: 0x4000}, "ImageComments"},
}

// dateClassNames and timeClassNames select the blanking value used for an
// anonymize-set tag: "19700101" for dates, "000000" for times, empty string
// for everything else.
var dateClassNames = map[string]bool{
	"PatientBirthDate": true, "StudyDate": true, "SeriesDate": true,
	"AcquisitionDate": true, "ContentDate": true,
}

var timeClassNames = map[string]bool{
	"StudyTime": true, "SeriesTime": true, "AcquisitionTime": true, "ContentTime": true,
}

const (
	blankDate = "19700101"
	blankTime = "000000"
)

func blankValueFor(name string) string {
	switch {
	case dateClassNames[name]:
		return blankDate
	case timeClassNames[name]:
		return blankTime
	default:
		return ""
	}
}

var patientNameTag = dicom.Tag{Group: 0x0010, Element: 0x0010}
var patientIDTag = dicom.Tag{Group: 0x0010, Element: 0x0020}

// removeTags is the set of tags removed outright rather than blanked.
var removeTags = []dicom.Tag{
	{Group: 0x0020, Element: 0x0052}, // FrameOfReferenceUID
	{Group: 0x0020, Element: 0x0200}, // SynchronizationFrameOfReferenceUID
	{Group: 0x0040, Element: 0x0275}, // RequestAttributesSequence
	{Group: 0x0088, Element: 0x0140}, // StorageMediaFileSetUID
	{Group: 0x3006, Element: 0x0024}, // ReferencedFrameOfReferenceUID
	{Group: 0x3006, Element: 0x00C2}, // RelatedFrameOfReferenceUID
}

// isPrivateTag reports whether a tag's group number is odd, the DICOM
// convention for private (non-standard) data elements.
func isPrivateTag(tag dicom.Tag) bool {
	return tag.Group%2 == 1
}
