// Package pfile reads GE raw k-space P-files far enough to sort them: the
// identifying fields of the rdb header, from a bare P?????.7 (optionally
// gzipped) or from the JSON header of an uploaded tgz.
package pfile

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"nimsdata/internal/models"
	"nimsdata/pkg/archive"
	"nimsdata/pkg/medimg"
)

// Filetype is the name this reader is registered under.
const Filetype = "pfile"

var (
	// ErrInvalid is returned for files that are not P-files of a known version
	ErrInvalid = errors.New("not a valid PFile or of an unsupported version")

	// ErrNoHeader is returned for tgz inputs without a JSON header section
	ErrNoHeader = errors.New("no json file with header section found")

	// ErrReconUnavailable is recorded when data is requested: k-space
	// reconstruction runs in external spiral and mux recon tools
	ErrReconUnavailable = errors.New("pfile reconstruction is not available")
)

// headerSize covers the last field read from any supported version.
const headerSize = 149008

var versionMagic = []struct {
	magic   []byte
	version int
}{
	{[]byte{0x00, 0x00, 0xc0, 0x41}, 24},
	{[]byte{0x56, 0x0e, 0xa0, 0x41}, 23},
	{[]byte{0x4a, 0x0c, 0xa0, 0x41}, 22},
	{[]byte{0x00, 0x00, 0x30, 0x41}, 12},
}

// layout holds the offsets of the version dependent fields.
type layout struct {
	examNo, examUID, patientID      int
	seriesNo, seriesDesc, seriesUID int
	imDatetime, tr, acqNo, psdName  int
}

var (
	layoutV2x = layout{
		examNo: 143516, examUID: 144248, patientID: 144409,
		seriesNo: 145622, seriesDesc: 145762, seriesUID: 145875,
		imDatetime: 148388, tr: 148396, acqNo: 148834, psdName: 148972,
	}
	layoutV12 = layout{
		examNo: 61576, examUID: 61966, patientID: 62127,
		seriesNo: 62710, seriesDesc: 62786, seriesUID: 62899,
		imDatetime: 65016, tr: 65024, acqNo: 65328, psdName: 65374,
	}
)

func layoutFor(version int) layout {
	switch version {
	case 22:
		l := layoutV2x
		l.examUID, l.patientID = 144240, 144401
		return l
	case 12:
		return layoutV12
	}
	return layoutV2x
}

// Header is the minimally parsed rdb header.
type Header struct {
	Version int

	ScanDate, ScanTime string
	NumTimepoints      int
	NumEchos           int
	User0              float32
	User6              float32
	User7              float32
	Interleaves        int

	ExamNo     string
	ExamUID    string
	PatientID  string
	SeriesNo   int
	SeriesDesc string
	SeriesUID  string
	ImDatetime int32
	TR         float64
	AcqNo      int
	PSDName    string
}

// UnpackUID expands a packed UID: every nibble n > 0 is the digit n-1, or a
// dot when n > 10.
func UnpackUID(packed []byte) string {
	var b strings.Builder
	for _, c := range packed {
		for _, n := range []byte{c >> 4, c & 15} {
			switch {
			case n == 0:
			case n < 11:
				b.WriteByte('0' + n - 1)
			default:
				b.WriteByte('.')
			}
		}
	}
	return b.String()
}

// Version identifies the P-file version from the magic number and logo.
func Version(buf []byte) (int, error) {
	if len(buf) < 44 {
		return 0, errors.Wrap(ErrInvalid, "file too short")
	}
	version := 0
	for _, vm := range versionMagic {
		if bytes.Equal(buf[:4], vm.magic) {
			version = vm.version
			break
		}
	}
	if version == 0 {
		return 0, ErrInvalid
	}
	if logo := cstring(buf[34:44]); logo != "GE_MED_NMR" && logo != "INVALIDNMR" {
		return 0, errors.Wrapf(ErrInvalid, "logo %q", logo)
	}
	return version, nil
}

// ReadHeader reads the header of a .7 or .7.gz file.
func ReadHeader(filepath string) (*Header, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	gz, err := archive.IsGzip(filepath)
	if err != nil {
		return nil, err
	}
	if gz {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: bad gzip stream", filepath)
		}
		defer zr.Close()
		r = zr
	}
	buf := make([]byte, headerSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrapf(ErrInvalid, "%s: %v", filepath, err)
	}
	return parseHeader(buf[:n])
}

func parseHeader(buf []byte) (*Header, error) {
	version, err := Version(buf)
	if err != nil {
		return nil, err
	}
	l := layoutFor(version)
	if len(buf) < l.psdName+33 {
		return nil, errors.Wrapf(ErrInvalid, "v%d header truncated at %d bytes", version, len(buf))
	}
	le := binary.LittleEndian
	i16 := func(off int) int { return int(int16(le.Uint16(buf[off:]))) }
	f32 := func(off int) float32 { return math.Float32frombits(le.Uint32(buf[off:])) }

	h := &Header{
		Version:       version,
		ScanDate:      cstring(buf[16:26]),
		ScanTime:      cstring(buf[26:34]),
		NumTimepoints: i16(64),
		NumEchos:      i16(70),
		User0:         f32(216),
		User6:         f32(240),
		User7:         f32(244),
		Interleaves:   i16(914),

		ExamNo:     strconv.Itoa(int(le.Uint16(buf[l.examNo:]))),
		ExamUID:    UnpackUID(buf[l.examUID : l.examUID+32]),
		PatientID:  cstring(buf[l.patientID : l.patientID+65]),
		SeriesNo:   i16(l.seriesNo),
		SeriesDesc: cstring(buf[l.seriesDesc : l.seriesDesc+65]),
		SeriesUID:  UnpackUID(buf[l.seriesUID : l.seriesUID+32]),
		ImDatetime: int32(le.Uint32(buf[l.imDatetime:])),
		TR:         float64(int32(le.Uint32(buf[l.tr:]))) / 1e6,
		AcqNo:      i16(l.acqNo),
	}
	if name := cstring(buf[l.psdName : l.psdName+33]); name != "" {
		h.PSDName = strings.ToLower(path.Base(name))
	}
	return h, nil
}

// Timestamp is the image datetime, or the scan date and time when that is
// unset. GE counts years from 1900.
func (h *Header) Timestamp() (time.Time, error) {
	if h.ImDatetime > 0 {
		return time.Unix(int64(h.ImDatetime), 0).UTC(), nil
	}
	date := strings.Split(h.ScanDate, "/")
	clock := strings.Split(h.ScanTime, ":")
	if len(date) != 3 || len(clock) < 2 {
		return time.Time{}, errors.Errorf("bad scan date %q / time %q", h.ScanDate, h.ScanTime)
	}
	// month, day, year, hour, minute
	var v [5]int
	for i, s := range append(date, clock[:2]...) {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "bad scan date %q / time %q", h.ScanDate, h.ScanTime)
		}
		v[i] = n
	}
	return time.Date(v[2]+1900, time.Month(v[0]), v[1], v[3], v[4], 0, 0, time.UTC), nil
}

// PSDType classifies the pulse sequence. Mux scans are sometimes named like
// plain EPI; a positive user6 gives them away.
func (h *Header) PSDType() string {
	psdType := medimg.InferGEPSDType(h.PSDName)
	if psdType == "epi" && int(h.User6) > 0 {
		psdType = "muxepi"
	}
	return psdType
}

// Timepoints corrects the stored timepoint count for sequences that store
// something else in it.
func (h *Header) Timepoints(psdType string) int {
	switch psdType {
	case "spiral":
		return int(h.User0)
	case "basic":
		return (h.NumTimepoints*h.NumEchos - 6) / 2
	case "muxepi":
		return h.NumTimepoints + int(h.User6)*h.Interleaves*(int(h.User7)-1)
	}
	return h.NumTimepoints
}

// Parse reads the sorting information of a P-file. LoadData always records
// ErrReconUnavailable.
func Parse(filepath string, opts models.ReadOptions) (*models.Dataset, error) {
	ds := models.NewDataset(filepath, Filetype, "mr")
	ds.Timezone = opts.Timezone
	log.Debugf("parsing %s", filepath)

	if archive.IsTar(filepath) {
		if err := parseTgz(ds); err != nil {
			return nil, err
		}
	} else {
		h, err := ReadHeader(filepath)
		if err != nil {
			return nil, errors.Wrapf(err, "not a PFile? %s", filepath)
		}
		if err := apply(ds, h); err != nil {
			return nil, err
		}
	}

	ds.SetLoader(models.LoaderFunc(func(ds *models.Dataset) error {
		return errors.Wrapf(ErrReconUnavailable, "%s", ds.Filepath)
	}))
	if opts.LoadData {
		if err := ds.LoadData(); err != nil {
			log.WithError(err).Warn("pfile data not loaded")
		}
	}
	return ds, nil
}

// parseTgz reads the uploader's JSON header.
func parseTgz(ds *models.Dataset) error {
	sc, err := archive.FindHeader(ds.Filepath)
	if errors.Is(err, archive.ErrNoHeader) {
		return errors.Wrapf(ErrNoHeader, "%s", ds.Filepath)
	}
	if err != nil {
		return err
	}
	hdr := sc.Header
	ds.ExamUID = hdr.Get("session").String()
	ds.AcquisitionID = hdr.Get("acquisition").String()
	ds.GroupName = hdr.Get("group").String()
	ds.ProjectName = hdr.Get("project").String()
	if ds.Timestamp, err = archive.Timestamp(hdr.Get("timestamp")); err != nil {
		return errors.Wrapf(err, "%s", ds.Filepath)
	}
	ds.MetadataStatus = models.StatusPending
	return nil
}

func apply(ds *models.Dataset, h *Header) error {
	ts, err := h.Timestamp()
	if err != nil {
		return errors.Wrapf(err, "%s", ds.Filepath)
	}
	ds.Timestamp = ts
	ds.ExamNo = h.ExamNo
	ds.ExamUID = h.ExamUID
	ds.PatientID = h.PatientID
	ds.SeriesNo = h.SeriesNo
	ds.SeriesDesc = h.SeriesDesc
	ds.SeriesUID = h.SeriesUID
	acqNo := h.AcqNo
	ds.AcqNo = &acqNo
	ds.TR = h.TR
	ds.NumEchos = h.NumEchos
	ds.PSDName = h.PSDName
	ds.PSDType = h.PSDType()
	ds.NumTimepoints = h.Timepoints(ds.PSDType)
	ds.PrescribedDuration = float64(ds.NumTimepoints) * ds.TR
	ds.SubjCode, ds.GroupName, ds.ProjectName = medimg.ParsePatientID(h.PatientID, "ex"+h.ExamNo)
	ds.MetadataStatus = models.StatusPending

	log.WithFields(log.Fields{
		"version":  h.Version,
		"psd_name": ds.PSDName,
		"psd_type": ds.PSDType,
	}).Debug("parsed pfile header")
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
