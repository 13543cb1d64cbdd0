package scp

import "github.com/imaging-tech-hub/dicom-proxy/dicom"

// Tags shared across the store/find/get/move handlers. Kept local to this
// package rather than exported from dicom, since the set each handler needs
// differs slightly (store cares about identity + modality, find cares about
// query-level filters).
var (
	tagQueryRetrieveLevel = dicom.Tag{Group: 0x0008, Element: 0x0052}
	tagPatientName        = dicom.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID          = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagStudyInstanceUID   = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagStudyDate          = dicom.Tag{Group: 0x0008, Element: 0x0020}
	tagStudyTime          = dicom.Tag{Group: 0x0008, Element: 0x0030}
	tagStudyDescription   = dicom.Tag{Group: 0x0008, Element: 0x1030}
	tagAccessionNumber    = dicom.Tag{Group: 0x0008, Element: 0x0050}
	tagSeriesInstanceUID  = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagSeriesNumber       = dicom.Tag{Group: 0x0020, Element: 0x0011}
	tagSeriesDescription  = dicom.Tag{Group: 0x0008, Element: 0x103E}
	tagModality           = dicom.Tag{Group: 0x0008, Element: 0x0060}
	tagSOPInstanceUID     = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagSOPClassUID        = dicom.Tag{Group: 0x0008, Element: 0x0016}
)

// parseOrUse returns meta.Dataset if already parsed by the DIMSE layer,
// falling back to parsing data with the negotiated transfer syntax.
func parseOrUse(existing *dicom.Dataset, data []byte, transferSyntaxUID string) (*dicom.Dataset, error) {
	if existing != nil {
		return existing, nil
	}
	return dicom.ParseDatasetWithTransferSyntax(data, transferSyntaxUID)
}
