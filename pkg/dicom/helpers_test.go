package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"nimsdata/internal/models"
	"nimsdata/pkg/config"
)

const (
	sopMR = "1.2.840.10008.5.1.4.1.1.4"
	sopSC = "1.2.840.10008.5.1.4.1.1.7"
)

// fakeHeader is an in-memory Header.
type fakeHeader struct {
	values map[tag.Tag][]string
	raw    map[tag.Tag][]byte
}

func newFakeHeader() *fakeHeader {
	return &fakeHeader{values: map[tag.Tag][]string{}, raw: map[tag.Tag][]byte{}}
}

func (h *fakeHeader) set(t tag.Tag, v ...string) *fakeHeader {
	h.values[t] = v
	return h
}

func (h *fakeHeader) setBytes(t tag.Tag, b []byte) *fakeHeader {
	h.raw[t] = b
	return h
}

func (h *fakeHeader) clone() *fakeHeader {
	c := newFakeHeader()
	for k, v := range h.values {
		c.values[k] = append([]string(nil), v...)
	}
	for k, v := range h.raw {
		c.raw[k] = v
	}
	return c
}

func (h *fakeHeader) Strings(t tag.Tag) ([]string, bool) {
	v, ok := h.values[t]
	return v, ok
}

func (h *fakeHeader) Bytes(t tag.Tag) ([]byte, bool) {
	b, ok := h.raw[t]
	return b, ok
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	return cfg
}

func testSeries(h *fakeHeader) *series {
	return newSeries("series.tgz", h, models.ReadOptions{Config: testConfig()})
}

// mrHeader is an axial 4x3 GE MR header.
func mrHeader() *fakeHeader {
	return newFakeHeader().
		set(tag.Manufacturer, "GE MEDICAL SYSTEMS").
		set(tag.ManufacturerModelName, "DISCOVERY MR750").
		set(tagSOPClassUID, sopMR).
		set(tagImageType, "ORIGINAL", "PRIMARY", "OTHER").
		set(tagStudyID, "4321").
		set(tag.StudyInstanceUID, "1.2.3.4").
		set(tag.SeriesInstanceUID, "1.2.3.4.5").
		set(tag.SeriesNumber, "7").
		set(tag.SeriesDescription, "BOLD EPI").
		set(tag.PatientID, "ab1234@cni/study").
		set(tag.PatientName, "DOE^JANE").
		set(tagPatientBirthDate, "19800115").
		set(tagPatientSex, "F").
		set(tag.StudyDate, "20140305").
		set(tag.StudyTime, "101530.250").
		set(tagAcquisitionDate, "20140305").
		set(tagAcquisitionTime, "102000").
		set(tagInstitutionName, "Stanford").
		set(tagStationName, "MR750").
		set(tagRepetitionTime, "2000").
		set(tagEchoTime, "30").
		set(tagFlipAngle, "77").
		set(tagPhaseEncodingDirection, "COL").
		set(tagPixelSpacing, "2", "2").
		set(tagSliceThickness, "3").
		set(tagRows, "3").
		set(tagColumns, "4").
		set(tagAcquisitionMatrix, "0", "64", "64", "0").
		set(tagImageOrientationPatient, "1", "0", "0", "0", "1", "0").
		set(tagImagePositionPatient, "-10", "-20", "0").
		set(tagBitsAllocated, "16").
		set(tagPixelRepresentation, "1")
}

// geInstances builds nt volumes of nz axial frames, ordered time-major by
// InstanceNumber, with pixel (r, c) of slice z at time t = t*1000+z*100+r*10+c.
func geInstances(base *fakeHeader, nz, nt int) []*instance {
	var out []*instance
	n := 0
	for t := 0; t < nt; t++ {
		for z := 0; z < nz; z++ {
			n++
			h := base.clone().
				set(tagInstanceNumber, fmt.Sprint(n)).
				set(tagImagePositionPatient, "-10", "-20", fmt.Sprint(z*3)).
				set(tagSliceLocation, fmt.Sprint(z*3))
			inst := newInstance(fmt.Sprintf("i%03d.dcm", n), n-1, h)
			inst.slice.Pixels = framePixels(inst.slice.Rows, inst.slice.Cols, float64(t*1000+z*100))
			out = append(out, inst)
		}
	}
	return out
}

func framePixels(rows, cols int, offset float64) []float64 {
	px := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			px[r*cols+c] = offset + float64(r*10+c)
		}
	}
	return px
}

// encodeCSA builds an SV10 CSA header from name -> items.
func encodeCSA(tags map[string][]string) []byte {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)

	var b bytes.Buffer
	le := binary.LittleEndian
	b.WriteString("SV10")
	b.Write([]byte{4, 3, 2, 1})
	binary.Write(&b, le, uint32(len(names)))
	binary.Write(&b, le, uint32(77))
	for _, name := range names {
		items := tags[name]
		var field [64]byte
		copy(field[:], name)
		b.Write(field[:])
		binary.Write(&b, le, int32(len(items))) // vm
		b.Write([]byte{'L', 'O', 0, 0})
		binary.Write(&b, le, int32(19))
		binary.Write(&b, le, int32(len(items)))
		binary.Write(&b, le, int32(77))
		for _, it := range items {
			value := append([]byte(it), 0)
			binary.Write(&b, le, int32(len(value)))
			binary.Write(&b, le, int32(len(value)))
			binary.Write(&b, le, int32(77))
			binary.Write(&b, le, int32(len(value)))
			b.Write(value)
			if pad := len(value) % 4; pad != 0 {
				b.Write(make([]byte, 4-pad))
			}
		}
	}
	return b.Bytes()
}

// ascconv wraps protocol assignments in ASCCONV markers.
func ascconv(lines ...string) string {
	return "<XProtocol> junk\n### ASCCONV BEGIN ###\n" + strings.Join(lines, "\n") + "\n### ASCCONV END ###\nmore"
}

// element is one explicit VR little endian data element.
type element struct {
	tag   tag.Tag
	vr    string
	value []byte
}

func strElem(t tag.Tag, vr, s string) element {
	b := []byte(s)
	if len(b)%2 == 1 {
		pad := byte(' ')
		if vr == "UI" {
			pad = 0
		}
		b = append(b, pad)
	}
	return element{tag: t, vr: vr, value: b}
}

func usElem(t tag.Tag, v uint16) element {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return element{tag: t, vr: "US", value: b}
}

func (e element) encode(w *bytes.Buffer) {
	le := binary.LittleEndian
	binary.Write(w, le, e.tag.Group)
	binary.Write(w, le, e.tag.Element)
	w.WriteString(e.vr)
	switch e.vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		w.Write([]byte{0, 0})
		binary.Write(w, le, uint32(len(e.value)))
	default:
		binary.Write(w, le, uint16(len(e.value)))
	}
	w.Write(e.value)
}

// encodeDICOM writes a Part 10 file in explicit VR little endian holding a
// single 16-bit signed frame.
func encodeDICOM(elems []element, rows, cols int, pixels []int16) []byte {
	var meta bytes.Buffer
	strElem(tag.Tag{Group: 0x0002, Element: 0x0010}, "UI", "1.2.840.10008.1.2.1").encode(&meta)

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	gl := make([]byte, 4)
	binary.LittleEndian.PutUint32(gl, uint32(meta.Len()))
	element{tag: tag.Tag{Group: 0x0002, Element: 0x0000}, vr: "UL", value: gl}.encode(&out)
	out.Write(meta.Bytes())

	all := append([]element(nil), elems...)
	all = append(all,
		usElem(tagSamplesPerPixel, 1),
		strElem(tag.Tag{Group: 0x0028, Element: 0x0004}, "CS", "MONOCHROME2"),
		strElem(tag.Tag{Group: 0x0028, Element: 0x0008}, "IS", "1"),
		usElem(tagRows, uint16(rows)),
		usElem(tagColumns, uint16(cols)),
		usElem(tagBitsAllocated, 16),
		usElem(tag.Tag{Group: 0x0028, Element: 0x0101}, 16),
		usElem(tag.Tag{Group: 0x0028, Element: 0x0102}, 15),
		usElem(tagPixelRepresentation, 1),
	)
	px := make([]byte, 2*len(pixels))
	for i, v := range pixels {
		binary.LittleEndian.PutUint16(px[2*i:], uint16(v))
	}
	all = append(all, element{tag: tag.PixelData, vr: "OW", value: px})
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].tag.Group != all[j].tag.Group {
			return all[i].tag.Group < all[j].tag.Group
		}
		return all[i].tag.Element < all[j].tag.Element
	})
	for _, e := range all {
		e.encode(&out)
	}
	return out.Bytes()
}
