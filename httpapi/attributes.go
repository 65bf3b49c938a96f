package httpapi

import (
	"strconv"
	"strings"

	"github.com/dicomnet/gateway/dicom"
)

// keywordTags maps the DICOM attribute keywords QIDO-RS clients commonly
// query by to their tag and VR. A query parameter may also name a tag
// directly as 8 hex digits ("00100020"), which dicomTagForKeyword also
// accepts without needing an entry here.
var keywordTags = map[string]struct {
	tag dicom.Tag
	vr  string
}{
	"PatientID":            {dicom.Tag{Group: 0x0010, Element: 0x0020}, "LO"},
	"PatientName":          {dicom.Tag{Group: 0x0010, Element: 0x0010}, "PN"},
	"PatientBirthDate":     {dicom.Tag{Group: 0x0010, Element: 0x0030}, "DA"},
	"StudyInstanceUID":     {dicom.Tag{Group: 0x0020, Element: 0x000D}, "UI"},
	"SeriesInstanceUID":    {dicom.Tag{Group: 0x0020, Element: 0x000E}, "UI"},
	"SOPInstanceUID":       {dicom.Tag{Group: 0x0008, Element: 0x0018}, "UI"},
	"StudyDate":            {dicom.Tag{Group: 0x0008, Element: 0x0020}, "DA"},
	"StudyTime":            {dicom.Tag{Group: 0x0008, Element: 0x0030}, "TM"},
	"AccessionNumber":      {dicom.Tag{Group: 0x0008, Element: 0x0050}, "SH"},
	"ModalitiesInStudy":    {dicom.Tag{Group: 0x0008, Element: 0x0061}, "CS"},
	"Modality":             {dicom.Tag{Group: 0x0008, Element: 0x0060}, "CS"},
	"ReferringPhysicianName": {dicom.Tag{Group: 0x0008, Element: 0x0090}, "PN"},
	"SeriesNumber":         {dicom.Tag{Group: 0x0020, Element: 0x0011}, "IS"},
	"InstanceNumber":       {dicom.Tag{Group: 0x0020, Element: 0x0013}, "IS"},
}

// dicomTagForKeyword resolves a QIDO-RS query parameter name to a tag and
// VR, accepting either a known keyword or a bare "GGGGEEEE" tag.
func dicomTagForKeyword(name string) (dicom.Tag, string, bool) {
	if entry, ok := keywordTags[name]; ok {
		return entry.tag, entry.vr, true
	}
	if len(name) == 8 {
		group, err1 := strconv.ParseUint(strings.ToUpper(name[0:4]), 16, 16)
		elem, err2 := strconv.ParseUint(strings.ToUpper(name[4:8]), 16, 16)
		if err1 == nil && err2 == nil {
			return dicom.Tag{Group: uint16(group), Element: uint16(elem)}, "LO", true
		}
	}
	return dicom.Tag{}, "", false
}
