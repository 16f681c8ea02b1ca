package models

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Metadata completeness as reported by readers.
const (
	StatusEmpty    = "empty"
	StatusPending  = "pending"
	StatusComplete = "complete"
)

// Loader loads pixel data and the metadata that needs every file of an
// acquisition. Readers install one on the datasets they build.
type Loader interface {
	LoadData(ds *Dataset) error
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ds *Dataset) error

// LoadData calls f(ds).
func (f LoaderFunc) LoadData(ds *Dataset) error { return f(ds) }

// Dataset carries everything a reader learned about one acquisition.
// Field tags name the attribute as it appears in sidecar overwrite maps.
type Dataset struct {
	Filepath       string    `meta:"filepath"`
	Filetype       string    `meta:"filetype"`
	Domain         string    `meta:"domain"`
	Timezone       string    `meta:"timezone"`
	Timestamp      time.Time `meta:"timestamp"`
	MetadataStatus string    `meta:"metadata_status"`
	IsScreenshot   bool      `meta:"is_screenshot"`

	ExamNo            string   `meta:"exam_no"`
	ExamUID           string   `meta:"exam_uid"`
	PatientID         string   `meta:"patient_id"`
	SeriesNo          int      `meta:"series_no"`
	SeriesDesc        string   `meta:"series_desc"`
	SeriesUID         string   `meta:"series_uid"`
	AcqNo             *int     `meta:"acq_no"`
	AcquisitionID     string   `meta:"acquisition_id"`
	ImageType         []string `meta:"image_type"`
	SOPClassUID       string   `meta:"sop_class_uid"`
	Manufacturer      string   `meta:"manufacturer"`
	ManufacturerModel string   `meta:"manufacturer_model"`
	ScannerName       string   `meta:"scanner_name"`
	ScannerType       string   `meta:"scanner_type"`
	Operator          string   `meta:"operator"`

	SubjCode      string     `meta:"subj_code"`
	GroupName     string     `meta:"group_name"`
	ProjectName   string     `meta:"project_name"`
	SubjFirstname string     `meta:"subj_firstname"`
	SubjLastname  string     `meta:"subj_lastname"`
	SubjDOB       *time.Time `meta:"subj_dob"`
	SubjSex       string     `meta:"subj_sex"`
	SubjAge       string     `meta:"subj_age"`

	StudyDatetime time.Time `meta:"study_datetime"`
	AcqDatetime   time.Time `meta:"acq_datetime"`

	TR                     float64 `meta:"tr"`
	TE                     float64 `meta:"te"`
	TI                     float64 `meta:"ti"`
	FlipAngle              float64 `meta:"flip_angle"`
	PixelBandwidth         float64 `meta:"pixel_bandwidth"`
	PhaseEncode            *int    `meta:"phase_encode"`
	NumAverages            float64 `meta:"num_averages"`
	NumEchos               int     `meta:"num_echos"`
	ProtocolName           string  `meta:"protocol_name"`
	AcquisitionType        string  `meta:"acquisition_type"`
	MMPerVoxX              float64 `meta:"mm_per_vox_x"`
	MMPerVoxY              float64 `meta:"mm_per_vox_y"`
	MMPerVoxZ              float64 `meta:"mm_per_vox_z"`
	SizeX                  int     `meta:"size_x"`
	SizeY                  int     `meta:"size_y"`
	FOVX                   float64 `meta:"fov_x"`
	FOVY                   float64 `meta:"fov_y"`
	AcquisitionMatrixX     float64 `meta:"acquisition_matrix_x"`
	AcquisitionMatrixY     float64 `meta:"acquisition_matrix_y"`
	SliceOrder             int     `meta:"slice_order"`
	SliceDuration          float64 `meta:"slice_duration"`
	NumSlices              int     `meta:"num_slices"`
	TotalNumSlices         int     `meta:"total_num_slices"`
	NumTimepoints          int     `meta:"num_timepoints"`
	NumReceivers           int     `meta:"num_receivers"`
	ReceiveCoilName        string  `meta:"receive_coil_name"`
	PSDName                string  `meta:"psd_name"`
	PSDIName               string  `meta:"psd_iname"`
	PSDType                string  `meta:"psd_type"`
	ScanType               string  `meta:"scan_type"`
	Duration               float64 `meta:"duration"`
	PrescribedDuration     float64 `meta:"prescribed_duration"`
	EffectiveEchoSpacing   float64 `meta:"effective_echo_spacing"`
	PhaseEncodeUndersample float64 `meta:"phase_encode_undersample"`
	SliceEncodeUndersample float64 `meta:"slice_encode_undersample"`
	MTOffsetHz             float64 `meta:"mt_offset_hz"`
	PhaseEncodeDirection   *int    `meta:"phase_encode_direction"`
	DWIDirs                int     `meta:"dwi_dirs"`

	IsDWI             bool `meta:"is_dwi"`
	IsLocalizer       bool `meta:"is_localizer"`
	IsNonImage        bool `meta:"is_non_image"`
	IsMulticoil       bool `meta:"is_multicoil"`
	IsMultiecho       bool `meta:"is_multiecho"`
	IsFastcard        bool `meta:"is_fastcard"`
	ReverseSliceOrder bool `meta:"reverse_slice_order"`

	Bvals               []float64 `meta:"bvals"`
	VelocityEncodeScale float64   `meta:"velocity_encode_scale"`
	VelocityEncoding    int       `meta:"velocity_encoding"`

	// QtoXYZ is the 4x4 voxel to RAS+ patient space affine, nil if unknown
	QtoXYZ *mat.Dense

	// Bvecs holds one unit gradient direction per volume, as three rows
	Bvecs [3][]float64

	// Data is the pixel data, nil until loaded
	Data *DataMap

	// FailureReason records a parse or load failure that did not abort parsing
	FailureReason error

	loader Loader
}

// NewDataset returns an empty dataset for the file at path.
func NewDataset(path, filetype, domain string) *Dataset {
	return &Dataset{
		Filepath:       path,
		Filetype:       filetype,
		Domain:         domain,
		MetadataStatus: StatusEmpty,
	}
}

// SetLoader installs the function LoadData delegates to.
func (ds *Dataset) SetLoader(l Loader) { ds.loader = l }

// LoadData loads pixel data through the reader's loader. Failures are kept in
// FailureReason and also returned.
func (ds *Dataset) LoadData() error {
	if ds.loader == nil {
		return errors.Errorf("%s: no loader for filetype %s", ds.Filepath, ds.Filetype)
	}
	if err := ds.loader.LoadData(ds); err != nil {
		ds.FailureReason = err
		return err
	}
	return nil
}

// MMPerVox returns the voxel size in mm.
func (ds *Dataset) MMPerVox() [3]float64 {
	return [3]float64{ds.MMPerVoxX, ds.MMPerVoxY, ds.MMPerVoxZ}
}

// SetMMPerVox sets the voxel size in mm.
func (ds *Dataset) SetMMPerVox(v [3]float64) {
	ds.MMPerVoxX, ds.MMPerVoxY, ds.MMPerVoxZ = v[0], v[1], v[2]
}

// FOV returns the field of view in mm.
func (ds *Dataset) FOV() [2]float64 { return [2]float64{ds.FOVX, ds.FOVY} }

// AcquisitionMatrix returns the acquisition matrix, zero when unknown.
func (ds *Dataset) AcquisitionMatrix() [2]float64 {
	return [2]float64{ds.AcquisitionMatrixX, ds.AcquisitionMatrixY}
}

// AcquisitionUID identifies the acquisition. Screenshots are filed with the
// series they were captured from, one UID component below their own.
func (ds *Dataset) AcquisitionUID() string {
	if ds.AcquisitionID != "" {
		return ds.AcquisitionID
	}
	uid := ds.SeriesUID
	if ds.IsScreenshot {
		if i := strings.LastIndex(uid, "."); i >= 0 {
			if n, err := strconv.Atoi(uid[i+1:]); err == nil {
				uid = uid[:i+1] + strconv.Itoa(n-1)
			}
		}
	}
	if ds.AcqNo != nil {
		uid += "_" + strconv.Itoa(*ds.AcqNo)
	}
	return uid
}

// AcquisitionLabel is the human readable "series.acquisition" label.
func (ds *Dataset) AcquisitionLabel() string {
	if ds.AcqNo != nil {
		return fmt.Sprintf("%d.%d", ds.SeriesNo, *ds.AcqNo)
	}
	return strconv.Itoa(ds.SeriesNo)
}

// FileName is the storage name of the acquisition's raw file.
func (ds *Dataset) FileName() string {
	if ds.AcquisitionID != "" {
		return ds.AcquisitionID + "_" + ds.Filetype
	}
	name := ds.SeriesUID
	if ds.AcqNo != nil {
		name += "_" + strconv.Itoa(*ds.AcqNo)
	}
	return name + "_" + ds.Filetype
}

// SessionLabel formats the study datetime, empty when unknown.
func (ds *Dataset) SessionLabel() string {
	if ds.StudyDatetime.IsZero() {
		return ""
	}
	return ds.StudyDatetime.Format("2006-01-02 15:04")
}

// UTCTimestamp interprets Timestamp as wall-clock time in Timezone and
// converts it to UTC. Without a timezone the timestamp is returned as is.
func (ds *Dataset) UTCTimestamp() (time.Time, error) {
	if ds.Timestamp.IsZero() || ds.Timezone == "" {
		return ds.Timestamp, nil
	}
	loc, err := time.LoadLocation(ds.Timezone)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "unknown timezone %q", ds.Timezone)
	}
	t := ds.Timestamp
	local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	return local.UTC(), nil
}

// Clone deep copies the metadata. Pixel data is shared.
func (ds *Dataset) Clone() (*Dataset, error) {
	var c Dataset
	if err := copier.Copy(&c, ds); err != nil {
		return nil, errors.Wrap(err, "clone dataset")
	}
	if ds.QtoXYZ != nil {
		c.QtoXYZ = mat.DenseCopyOf(ds.QtoXYZ)
	}
	c.Bvals = append([]float64(nil), ds.Bvals...)
	for i := range ds.Bvecs {
		c.Bvecs[i] = append([]float64(nil), ds.Bvecs[i]...)
	}
	c.ImageType = append([]string(nil), ds.ImageType...)
	c.Data = ds.Data
	c.FailureReason = ds.FailureReason
	c.loader = ds.loader
	return &c, nil
}

// fieldByMeta finds the struct field tagged with name.
func (ds *Dataset) fieldByMeta(name string) (reflect.Value, bool) {
	v := reflect.ValueOf(ds).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("meta") == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// SetField assigns a decoded JSON value to the attribute tagged name.
// Numbers, strings, booleans, string lists and {"$date": ms} objects are
// coerced to the field's type.
func (ds *Dataset) SetField(name string, value interface{}) error {
	f, ok := ds.fieldByMeta(name)
	if !ok {
		return errors.Errorf("unknown dataset attribute %q", name)
	}
	if value == nil {
		f.Set(reflect.Zero(f.Type()))
		return nil
	}
	if err := assign(f, value); err != nil {
		return errors.Wrapf(err, "attribute %q", name)
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

func assign(f reflect.Value, value interface{}) error {
	if f.Kind() == reflect.Ptr {
		elem := reflect.New(f.Type().Elem())
		if err := assign(elem.Elem(), value); err != nil {
			return err
		}
		f.Set(elem)
		return nil
	}
	if f.Type() == timeType {
		t, err := toTime(value)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(t))
		return nil
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(fmt.Sprint(value))
	case reflect.Bool:
		b, ok := value.(bool)
		if !ok {
			return errors.Errorf("expected bool, got %T", value)
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int64, reflect.Int32:
		n, err := toFloat(value)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case reflect.Float64, reflect.Float32:
		n, err := toFloat(value)
		if err != nil {
			return err
		}
		f.SetFloat(n)
	case reflect.Slice:
		items, ok := value.([]interface{})
		if !ok {
			return errors.Errorf("expected list, got %T", value)
		}
		s := reflect.MakeSlice(f.Type(), len(items), len(items))
		for i, item := range items {
			if err := assign(s.Index(i), item); err != nil {
				return err
			}
		}
		f.Set(s)
	default:
		return errors.Errorf("unsupported attribute kind %s", f.Kind())
	}
	return nil
}

func toFloat(value interface{}) (float64, error) {
	switch n := value.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, errors.Errorf("expected number, got %T", value)
}

// toTime accepts RFC3339 strings and {"$date": milliseconds} objects.
func toTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339, v)
	case map[string]interface{}:
		if ms, ok := v["$date"]; ok {
			n, err := toFloat(ms)
			if err != nil {
				return time.Time{}, err
			}
			return time.UnixMilli(int64(n)).UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("expected time, got %T", value)
}

// String lists the tagged attributes, one per line, sorted by name.
func (ds *Dataset) String() string {
	v := reflect.ValueOf(ds).Elem()
	t := v.Type()
	lines := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("meta")
		if name == "" {
			continue
		}
		f := v.Field(i)
		var value interface{} = ""
		if !(f.Kind() == reflect.Ptr && f.IsNil()) {
			value = reflect.Indirect(f).Interface()
		}
		lines = append(lines, fmt.Sprintf("%-30s: %v", name, value))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
