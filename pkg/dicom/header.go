package dicom

import (
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Elements the reader looks up; the private ones are GE and Siemens.
var (
	tagImageType                 = tag.Tag{Group: 0x0008, Element: 0x0008}
	tagSOPClassUID               = tag.Tag{Group: 0x0008, Element: 0x0016}
	tagSpecificCharacterSet      = tag.Tag{Group: 0x0008, Element: 0x0005}
	tagAcquisitionDate           = tag.Tag{Group: 0x0008, Element: 0x0022}
	tagAcquisitionTime           = tag.Tag{Group: 0x0008, Element: 0x0032}
	tagInstitutionName           = tag.Tag{Group: 0x0008, Element: 0x0080}
	tagStationName               = tag.Tag{Group: 0x0008, Element: 0x1010}
	tagOperatorsName             = tag.Tag{Group: 0x0008, Element: 0x1070}
	tagPatientBirthDate          = tag.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex                = tag.Tag{Group: 0x0010, Element: 0x0040}
	tagPatientAge                = tag.Tag{Group: 0x0010, Element: 0x1010}
	tagMRAcquisitionType         = tag.Tag{Group: 0x0018, Element: 0x0023}
	tagSliceThickness            = tag.Tag{Group: 0x0018, Element: 0x0050}
	tagRepetitionTime            = tag.Tag{Group: 0x0018, Element: 0x0080}
	tagEchoTime                  = tag.Tag{Group: 0x0018, Element: 0x0081}
	tagInversionTime             = tag.Tag{Group: 0x0018, Element: 0x0082}
	tagNumberOfAverages          = tag.Tag{Group: 0x0018, Element: 0x0083}
	tagEchoNumbers               = tag.Tag{Group: 0x0018, Element: 0x0086}
	tagSpacingBetweenSlices      = tag.Tag{Group: 0x0018, Element: 0x0088}
	tagPercentPhaseFieldOfView   = tag.Tag{Group: 0x0018, Element: 0x0094}
	tagPixelBandwidth            = tag.Tag{Group: 0x0018, Element: 0x0095}
	tagProtocolName              = tag.Tag{Group: 0x0018, Element: 0x1030}
	tagTriggerTime               = tag.Tag{Group: 0x0018, Element: 0x1060}
	tagCardiacNumberOfImages     = tag.Tag{Group: 0x0018, Element: 0x1090}
	tagReconstructionDiameter    = tag.Tag{Group: 0x0018, Element: 0x1100}
	tagReceiveCoilName           = tag.Tag{Group: 0x0018, Element: 0x1250}
	tagAcquisitionMatrix         = tag.Tag{Group: 0x0018, Element: 0x1310}
	tagPhaseEncodingDirection    = tag.Tag{Group: 0x0018, Element: 0x1312}
	tagFlipAngle                 = tag.Tag{Group: 0x0018, Element: 0x1314}
	tagStudyID                   = tag.Tag{Group: 0x0020, Element: 0x0010}
	tagAcquisitionNumber         = tag.Tag{Group: 0x0020, Element: 0x0012}
	tagInstanceNumber            = tag.Tag{Group: 0x0020, Element: 0x0013}
	tagImagePositionPatient      = tag.Tag{Group: 0x0020, Element: 0x0032}
	tagImageOrientationPatient   = tag.Tag{Group: 0x0020, Element: 0x0037}
	tagNumberOfTemporalPositions = tag.Tag{Group: 0x0020, Element: 0x0105}
	tagSliceLocation             = tag.Tag{Group: 0x0020, Element: 0x1041}
	tagImagesInAcquisition       = tag.Tag{Group: 0x0020, Element: 0x1002}
	tagSamplesPerPixel           = tag.Tag{Group: 0x0028, Element: 0x0002}
	tagRows                      = tag.Tag{Group: 0x0028, Element: 0x0010}
	tagColumns                   = tag.Tag{Group: 0x0028, Element: 0x0011}
	tagPixelSpacing              = tag.Tag{Group: 0x0028, Element: 0x0030}
	tagBitsAllocated             = tag.Tag{Group: 0x0028, Element: 0x0100}
	tagPixelRepresentation       = tag.Tag{Group: 0x0028, Element: 0x0103}

	// private
	tagPulseSequenceName      = tag.Tag{Group: 0x0019, Element: 0x109c}
	tagInternalPulseSequence  = tag.Tag{Group: 0x0019, Element: 0x109e}
	tagBvecX                  = tag.Tag{Group: 0x0019, Element: 0x10bb}
	tagBvecY                  = tag.Tag{Group: 0x0019, Element: 0x10bc}
	tagBvecZ                  = tag.Tag{Group: 0x0019, Element: 0x10bd}
	tagDTIDiffusionDirections = tag.Tag{Group: 0x0019, Element: 0x10e0}
	tagVelocityEncoding       = tag.Tag{Group: 0x0019, Element: 0x10cc}
	tagVelocityEncodeScale    = tag.Tag{Group: 0x0019, Element: 0x10e2}
	tagLocationsInAcquisition = tag.Tag{Group: 0x0021, Element: 0x104f}
	tagBValue                 = tag.Tag{Group: 0x0043, Element: 0x1039}
	tagOffsetFrequency        = tag.Tag{Group: 0x0043, Element: 0x102a}
	tagEffectiveEchoSpacing   = tag.Tag{Group: 0x0043, Element: 0x102c}
	tagAssetRFactors          = tag.Tag{Group: 0x0043, Element: 0x1083}
	tagSiemensCSAImageHeader  = tag.Tag{Group: 0x0029, Element: 0x1010}
	tagSiemensCSASeriesHeader = tag.Tag{Group: 0x0029, Element: 0x1020}
	tagSiemensImagesInMosaic  = tag.Tag{Group: 0x0019, Element: 0x100a}
)

// Header is read access to the elements of one DICOM file. Values are
// exposed as strings so that numeric strings (IS, DS), binary numbers and
// raw private bytes all go through the same conversions.
type Header interface {
	// Strings returns the element's values, false when it is absent
	Strings(t tag.Tag) ([]string, bool)

	// Bytes returns the raw value of a binary element, false otherwise
	Bytes(t tag.Tag) ([]byte, bool)
}

// datasetHeader adapts a parsed dicom.Dataset.
type datasetHeader struct {
	ds     dicom.Dataset
	decode *encoding.Decoder
}

// charsets maps SpecificCharacterSet terms to single-byte decoders used for
// text the parser handed back as raw bytes.
var charsets = map[string]*charmap.Charmap{
	"ISO_IR 100": charmap.ISO8859_1,
	"ISO_IR 101": charmap.ISO8859_2,
	"ISO_IR 109": charmap.ISO8859_3,
	"ISO_IR 110": charmap.ISO8859_4,
	"ISO_IR 144": charmap.ISO8859_5,
	"ISO_IR 127": charmap.ISO8859_6,
	"ISO_IR 126": charmap.ISO8859_7,
	"ISO_IR 138": charmap.ISO8859_8,
	"ISO_IR 148": charmap.ISO8859_9,
	"ISO_IR 166": charmap.Windows874,
}

func newDatasetHeader(ds dicom.Dataset) *datasetHeader {
	h := &datasetHeader{ds: ds}
	if cs, ok := h.Strings(tagSpecificCharacterSet); ok && len(cs) > 0 {
		if cm, ok := charsets[strings.TrimSpace(cs[len(cs)-1])]; ok {
			h.decode = cm.NewDecoder()
		}
	}
	return h
}

func (h *datasetHeader) element(t tag.Tag) (*dicom.Element, bool) {
	e, err := h.ds.FindElementByTag(t)
	if err != nil || e == nil || e.Value == nil {
		return nil, false
	}
	return e, true
}

func (h *datasetHeader) Strings(t tag.Tag) ([]string, bool) {
	e, ok := h.element(t)
	if !ok {
		return nil, false
	}
	switch e.Value.ValueType() {
	case dicom.Strings:
		v, _ := e.Value.GetValue().([]string)
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = strings.Trim(s, " \x00")
		}
		return out, true
	case dicom.Ints:
		v, _ := e.Value.GetValue().([]int)
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out, true
	case dicom.Floats:
		v, _ := e.Value.GetValue().([]float64)
		out := make([]string, len(v))
		for i, f := range v {
			out[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return out, true
	case dicom.Bytes:
		// private elements of unknown VR come back raw
		b, _ := e.Value.GetValue().([]byte)
		s := string(b)
		if h.decode != nil {
			if d, err := h.decode.String(s); err == nil {
				s = d
			}
		}
		s = strings.Trim(s, " \x00")
		if s == "" {
			return nil, false
		}
		return strings.Split(s, `\`), true
	}
	return nil, false
}

func (h *datasetHeader) Bytes(t tag.Tag) ([]byte, bool) {
	e, ok := h.element(t)
	if !ok || e.Value.ValueType() != dicom.Bytes {
		return nil, false
	}
	b, ok := e.Value.GetValue().([]byte)
	return b, ok
}

func getStrings(h Header, t tag.Tag) []string {
	v, _ := h.Strings(t)
	return v
}

// getString returns all values joined with a backslash, as they appear in
// the file.
func getString(h Header, t tag.Tag) string {
	return strings.Join(getStrings(h, t), `\`)
}

func getFloats(h Header, t tag.Tag) ([]float64, bool) {
	v, ok := h.Strings(t)
	if !ok || len(v) == 0 {
		return nil, false
	}
	out := make([]float64, len(v))
	for i, s := range v {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func getFloat(h Header, t tag.Tag) (float64, bool) {
	v, ok := getFloats(h, t)
	if !ok {
		return 0, false
	}
	return v[0], true
}

// getInt accepts integer strings and whole-valued decimal strings.
func getInt(h Header, t tag.Tag) (int, bool) {
	f, ok := getFloat(h, t)
	if !ok {
		return 0, false
	}
	return int(f), true
}
