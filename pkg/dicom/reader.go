// Package dicom reads DICOM series stored as tgz archives. A composer picked
// by SOP class and manufacturer turns the headers into dataset metadata and
// stacks the frames into volumes.
package dicom

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mkmik/argsort"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"nimsdata/internal/models"
	"nimsdata/pkg/archive"
	"nimsdata/pkg/config"
	"nimsdata/pkg/medimg"
	"nimsdata/pkg/reconstruction"
)

// Filetype is the name this reader is registered under.
const Filetype = "dicom"

var (
	// ErrNoHeader is returned when no archive member parses as DICOM
	ErrNoHeader = errors.New("no header could be extracted")

	// ErrNoDicoms is returned when loading finds no DICOM files
	ErrNoDicoms = errors.New("no dicoms loaded?")

	// ErrReconstruct is returned when frames cannot be stacked into a volume
	ErrReconstruct = errors.New("cannot reconstruct")
)

// series is the working state for one acquisition while it is parsed and
// converted.
type series struct {
	ds   *models.Dataset
	hdr  Header
	conf *config.Config
	comp composer

	// instances are the loaded files in InstanceNumber order
	instances []*instance

	// groups splits instances per receive coil for multicoil acquisitions
	groups [][]*instance

	// csa holds Siemens private fields of the header file
	csa fields

	// mosaic is the number of tiles per mosaic row, 0 when not a mosaic
	mosaic int
}

// instance is one DICOM file of the series.
type instance struct {
	hdr   Header
	slice *models.Slice
}

func newSeries(path string, hdr Header, opts models.ReadOptions) *series {
	ds := models.NewDataset(path, Filetype, "mr")
	ds.Timezone = opts.Timezone
	return &series{ds: ds, hdr: hdr, conf: opts.Conf()}
}

// Parse reads the header of the first DICOM in the archive at path. With
// opts.LoadData the whole series is loaded and converted; conversion
// failures are recorded on the dataset rather than returned.
func Parse(path string, opts models.ReadOptions) (*models.Dataset, error) {
	hdr, err := firstHeader(path)
	if err != nil {
		return nil, err
	}
	s := newSeries(path, hdr, opts)
	if err := s.parseHeader(); err != nil {
		return nil, err
	}
	s.ds.SetLoader(models.LoaderFunc(func(*models.Dataset) error {
		return s.load(path)
	}))
	if opts.LoadData {
		if err := s.ds.LoadData(); err != nil {
			log.WithError(err).Warnf("%s: loading data failed", path)
		}
	}
	return s.ds, nil
}

// firstHeader returns the header of the first member that parses as DICOM.
func firstHeader(path string) (Header, error) {
	var hdr Header
	err := archive.Walk(path, func(m archive.Member) error {
		ds, err := dicom.Parse(bytes.NewReader(m.Data), int64(len(m.Data)), nil, dicom.SkipPixelData())
		if err != nil {
			return nil
		}
		hdr = newDatasetHeader(ds)
		log.Debugf("header from %s", m.Name)
		return archive.ErrStop
	})
	if err != nil {
		return nil, err
	}
	if hdr == nil {
		return nil, errors.Wrap(ErrNoHeader, path)
	}
	return hdr, nil
}

// parseHeader fills the metadata every DICOM carries, picks the composer and
// lets it parse what it can from the one header.
func (s *series) parseHeader() error {
	ds, h := s.ds, s.hdr

	ds.ImageType = getStrings(h, tagImageType)
	ds.Manufacturer = getString(h, tag.Manufacturer)
	if ds.Manufacturer == "" {
		for _, it := range ds.ImageType {
			if strings.HasPrefix(it, "CSA") {
				ds.Manufacturer = "SIEMENS"
				break
			}
		}
	}
	ds.SOPClassUID = getString(h, tagSOPClassUID)
	if ds.Manufacturer == "" {
		log.Warn("could not determine manufacturer from dicom header")
	}
	if ds.SOPClassUID == "" {
		log.Warn("SOP Class UID not set in dicom header")
	}
	s.comp = lookupComposer(ds.SOPClassUID, ds.Manufacturer)

	ds.ExamNo = getString(h, tagStudyID)
	ds.ExamUID = getString(h, tag.StudyInstanceUID)
	ds.PatientID = getString(h, tag.PatientID)
	ds.SeriesNo, _ = getInt(h, tag.SeriesNumber)
	ds.SeriesDesc = getString(h, tag.SeriesDescription)
	ds.SeriesUID = getString(h, tag.SeriesInstanceUID)
	ds.SubjCode, ds.GroupName, ds.ProjectName = medimg.ParsePatientID(ds.PatientID, "ex"+ds.ExamNo)

	acqNo := 1
	if n, ok := getInt(h, tagAcquisitionNumber); ok {
		acqNo = n
	}
	ds.AcqNo = &acqNo

	ds.StudyDatetime = dicomDatetime(getString(h, tag.StudyDate), getString(h, tag.StudyTime))
	ds.AcqDatetime = dicomDatetime(getString(h, tagAcquisitionDate), getString(h, tagAcquisitionTime))
	ds.Timestamp = ds.AcqDatetime
	if ds.Timestamp.IsZero() {
		ds.Timestamp = ds.StudyDatetime
	}

	ds.SubjFirstname, ds.SubjLastname = medimg.ParsePatientName(getString(h, tag.PatientName))
	ds.SubjDOB = medimg.ParsePatientDOB(getString(h, tagPatientBirthDate))
	switch getString(h, tagPatientSex) {
	case "M":
		ds.SubjSex = "male"
	case "F":
		ds.SubjSex = "female"
	}
	ds.SubjAge = getString(h, tagPatientAge)

	ds.ManufacturerModel = getString(h, tag.ManufacturerModelName)
	ds.ScannerName = joinNonEmpty(getString(h, tagInstitutionName), getString(h, tagStationName))
	ds.ScannerType = joinNonEmpty(ds.Manufacturer, ds.ManufacturerModel)
	ds.Operator = getString(h, tagOperatorsName)
	ds.PhaseEncodeDirection = nil
	ds.MetadataStatus = models.StatusPending

	log.WithFields(log.Fields{
		"composer": s.comp.name(),
		"series":   ds.SeriesUID,
		"exam":     ds.ExamNo,
	}).Debug("parsing dicom header")
	return s.comp.parseOne(s)
}

// dicomDatetime joins a DA and a TM value; fractional seconds are dropped.
// An unparsable pair yields the zero time.
func dicomDatetime(date, tm string) time.Time {
	if date == "" {
		return time.Time{}
	}
	if len(tm) > 6 {
		tm = tm[:6]
	}
	tm += strings.Repeat("0", 6-len(tm))
	t, err := time.Parse("20060102150405", date+tm)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// load reads every DICOM in the archive, then runs the composer's whole
// series parse and conversion.
func (s *series) load(path string) error {
	members, err := archive.ReadAll(path, s.conf.Processing.MemoryFraction)
	if err != nil {
		return err
	}
	var instances []*instance
	for _, m := range members {
		ds, err := dicom.Parse(bytes.NewReader(m.Data), int64(len(m.Data)), nil, dicom.SkipPixelData())
		if err != nil {
			log.WithError(err).Debugf("%s is not a dicom", m.Name)
			continue
		}
		h := newDatasetHeader(ds)
		if getString(h, tagSOPClassUID) != s.ds.SOPClassUID {
			log.Error("dicoms have inconsistent SOP Class UIDs")
			s.ds.IsNonImage = true
		}
		inst := newInstance(m.Base(), len(instances), h)
		data := m.Data
		inst.slice.Decode = func(sl *models.Slice) error {
			return decodeFrame(data, sl)
		}
		instances = append(instances, inst)
	}
	return s.loadInstances(instances)
}

// loadInstances sorts the instances and converts them.
func (s *series) loadInstances(instances []*instance) error {
	if len(instances) == 0 {
		return errors.Wrap(ErrNoDicoms, s.ds.Filepath)
	}
	idx := argsort.SortSlice(instances, func(i, j int) bool {
		return instances[i].slice.InstanceNumber < instances[j].slice.InstanceNumber
	})
	s.instances = make([]*instance, len(instances))
	for k, i := range idx {
		s.instances[k] = instances[i]
		s.instances[k].slice.Index = k
	}

	if err := s.comp.parseAll(s); err != nil {
		return err
	}
	s.ds.MetadataStatus = models.StatusComplete

	if err := s.comp.convert(s); err != nil {
		s.ds.Data = nil
		return err
	}
	return nil
}

// newInstance reads the frame geometry of one file. Pixels are decoded
// later.
func newInstance(name string, index int, h Header) *instance {
	sl := &models.Slice{
		Filename: name,
		Index:    index,
		Channels: 1,
	}
	sl.Rows, _ = getInt(h, tagRows)
	sl.Cols, _ = getInt(h, tagColumns)
	sl.InstanceNumber, _ = getInt(h, tagInstanceNumber)
	if v, ok := getFloats(h, tagImagePositionPatient); ok && len(v) >= 3 {
		copy(sl.Position[:], v)
	}
	if v, ok := getFloats(h, tagImageOrientationPatient); ok && len(v) >= 6 {
		copy(sl.Orientation[:], v)
	}
	if v, ok := getFloats(h, tagPixelSpacing); ok && len(v) >= 2 {
		copy(sl.PixelSpacing[:], v)
	}
	sl.Thickness, _ = getFloat(h, tagSliceThickness)
	sl.SliceLocation, _ = getFloat(h, tagSliceLocation)
	sl.TriggerTime, _ = getFloat(h, tagTriggerTime)
	sl.Type = sampleType(h)
	if n, ok := getInt(h, tagSamplesPerPixel); ok && n > 1 {
		sl.Channels = n
	}
	return &instance{hdr: h, slice: sl}
}

// sampleType maps BitsAllocated and PixelRepresentation to a data type.
func sampleType(h Header) models.DataType {
	bits, _ := getInt(h, tagBitsAllocated)
	signed, _ := getInt(h, tagPixelRepresentation)
	if n, _ := getInt(h, tagSamplesPerPixel); n == 3 {
		return models.RGB24
	}
	switch {
	case bits == 8 && signed == 1:
		return models.Int8
	case bits == 8:
		return models.Uint8
	case bits == 32 && signed == 1:
		return models.Int32
	case bits == 32:
		return models.Uint32
	case signed == 1:
		return models.Int16
	}
	return models.Uint16
}

func (s *series) slices() []*models.Slice {
	return slicesOf(s.instances)
}

func slicesOf(instances []*instance) []*models.Slice {
	out := make([]*models.Slice, len(instances))
	for i, inst := range instances {
		out[i] = inst.slice
	}
	return out
}

func (s *series) reconstructor() *reconstruction.Reconstructor {
	return reconstruction.NewReconstructor(&reconstruction.Params{
		NumCores:     s.conf.Processing.NumCores,
		SliceSpacing: s.ds.MMPerVoxZ,
	})
}

// setResult stores a stacked volume as the primary data.
func (s *series) setResult(res *reconstruction.Result) {
	s.ds.Data = models.Primary(res.Volume)
	s.ds.QtoXYZ = res.Affine
}

func reconstructError(path string, err error) error {
	return errors.Wrap(ErrReconstruct, fmt.Sprintf("%s: %v", path, err))
}
