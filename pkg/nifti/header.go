// Package nifti reads and writes single file NIfTI-1 images (.nii, .nii.gz).
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"nimsdata/internal/models"
	"nimsdata/pkg/archive"
)

// ErrNifti is returned for files that are not NIfTI-1 images and for data
// that cannot be stored in one.
var ErrNifti = errors.New("nifti error")

const (
	headerSize = 348
	voxOffset  = 352

	// xformScanner marks an affine to scanner anatomical coordinates
	xformScanner = 1

	unitsMM  = 2
	unitsSec = 8
)

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

// Header is the 348 byte NIfTI-1 header.
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  byte
type Header struct {
	SizeOfHdr    int32
	DataTypeName [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32

	Descrip [80]byte
	AuxFile [24]byte

	QformCode int16
	SformCode int16
	QuaternB  float32
	QuaternC  float32
	QuaternD  float32
	QOffsetX  float32
	QOffsetY  float32
	QOffsetZ  float32
	SRowX     [4]float32
	SRowY     [4]float32
	SRowZ     [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

type datatype struct {
	code, bitpix int16
}

var datatypes = map[models.DataType]datatype{
	models.Uint8:     {2, 8},
	models.Int16:     {4, 16},
	models.Int32:     {8, 32},
	models.Float32:   {16, 32},
	models.Complex64: {32, 64},
	models.Float64:   {64, 64},
	models.RGB24:     {128, 24},
	models.Int8:      {256, 8},
	models.Uint16:    {512, 16},
	models.Uint32:    {768, 32},
}

// DataType maps the header datatype code back to a sample type.
func (h *Header) DataType() (models.DataType, error) {
	for t, dt := range datatypes {
		if dt.code == h.Datatype {
			return t, nil
		}
	}
	return 0, errors.Wrapf(ErrNifti, "unsupported datatype code %d", h.Datatype)
}

// NewHeader returns a header describing vol, with an identity qfac and unit
// voxels unless the volume knows its voxel size.
func NewHeader(vol *models.Volume) (*Header, error) {
	dt, ok := datatypes[vol.Type]
	if !ok {
		return nil, errors.Wrapf(ErrNifti, "cannot store %s samples", vol.Type)
	}
	if n := len(vol.Dims); n < 1 || n > 7 {
		return nil, errors.Wrapf(ErrNifti, "cannot store %d dimensions", n)
	}
	h := &Header{
		SizeOfHdr: headerSize,
		Datatype:  dt.code,
		Bitpix:    dt.bitpix,
		VoxOffset: voxOffset,
		Magic:     magicSingle,
	}
	h.Dim[0] = int16(len(vol.Dims))
	for i := range h.Pixdim {
		h.Pixdim[i] = 1
	}
	for i, d := range vol.Dims {
		if d > math.MaxInt16 {
			return nil, errors.Wrapf(ErrNifti, "axis %d too long: %d", i, d)
		}
		h.Dim[i+1] = int16(d)
	}
	for i, s := range []float64{vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z} {
		if s > 0 {
			h.Pixdim[i+1] = float32(s)
		}
	}
	return h, nil
}

// Dims is the extent of each data axis.
func (h *Header) Dims() []int {
	n := int(h.Dim[0])
	if n < 1 || n > 7 {
		return nil
	}
	dims := make([]int, n)
	for i := range dims {
		dims[i] = int(h.Dim[i+1])
	}
	return dims
}

// SetSForm stores aff in the srow fields.
func (h *Header) SetSForm(aff mat.Matrix, code int16) {
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(aff.At(0, j))
		h.SRowY[j] = float32(aff.At(1, j))
		h.SRowZ[j] = float32(aff.At(2, j))
	}
	h.SformCode = code
}

// SForm is the affine from the srow fields.
func (h *Header) SForm() *mat.Dense {
	aff := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		aff.Set(0, j, float64(h.SRowX[j]))
		aff.Set(1, j, float64(h.SRowY[j]))
		aff.Set(2, j, float64(h.SRowZ[j]))
	}
	aff.Set(3, 3, 1)
	return aff
}

// SetQForm stores aff as voxel sizes, qfac, offset and a rotation
// quaternion. Shears do not survive: the rotation is the closest orthogonal
// matrix, found by polar decomposition.
func (h *Header) SetQForm(aff mat.Matrix, code int16) {
	var zooms [3]float64
	r := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		zooms[j] = math.Sqrt(sq(aff.At(0, j)) + sq(aff.At(1, j)) + sq(aff.At(2, j)))
		if zooms[j] == 0 {
			zooms[j] = 1
		}
		for i := 0; i < 3; i++ {
			r.Set(i, j, aff.At(i, j)/zooms[j])
		}
	}
	qfac := 1.0
	if mat.Det(r) < 0 {
		qfac = -1
		for i := 0; i < 3; i++ {
			r.Set(i, 2, -r.At(i, 2))
		}
	}

	var svd mat.SVD
	if svd.Factorize(r, mat.SVDFull) {
		var u, v mat.Dense
		svd.UTo(&u)
		svd.VTo(&v)
		r.Mul(&u, v.T())
	} else {
		log.Warn("qform rotation did not factorize, storing it as is")
	}

	a, b, c, d := quaternion(r)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	if a < 0 {
		h.QuaternB, h.QuaternC, h.QuaternD = -h.QuaternB, -h.QuaternC, -h.QuaternD
	}
	h.QOffsetX = float32(aff.At(0, 3))
	h.QOffsetY = float32(aff.At(1, 3))
	h.QOffsetZ = float32(aff.At(2, 3))
	h.Pixdim[0] = float32(qfac)
	for j := 0; j < 3; j++ {
		h.Pixdim[j+1] = float32(zooms[j])
	}
	h.QformCode = code
}

// quaternion converts a proper rotation matrix to a unit quaternion.
func quaternion(r mat.Matrix) (a, b, c, d float64) {
	r11, r12, r13 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	r21, r22, r23 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	r31, r32, r33 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	if tr := r11 + r22 + r33 + 1; tr > 0.5 {
		a = 0.5 * math.Sqrt(tr)
		return a, 0.25 * (r32 - r23) / a, 0.25 * (r13 - r31) / a, 0.25 * (r21 - r12) / a
	}
	xd := 1 + r11 - (r22 + r33)
	yd := 1 + r22 - (r11 + r33)
	zd := 1 + r33 - (r11 + r22)
	switch {
	case xd > 1:
		b = 0.5 * math.Sqrt(xd)
		c, d, a = 0.25*(r12+r21)/b, 0.25*(r13+r31)/b, 0.25*(r32-r23)/b
	case yd > 1:
		c = 0.5 * math.Sqrt(yd)
		b, d, a = 0.25*(r12+r21)/c, 0.25*(r23+r32)/c, 0.25*(r13-r31)/c
	default:
		d = 0.5 * math.Sqrt(zd)
		b, c, a = 0.25*(r13+r31)/d, 0.25*(r23+r32)/d, 0.25*(r21-r12)/d
	}
	return a, b, c, d
}

// QForm rebuilds the affine from the quaternion fields.
func (h *Header) QForm() *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// b, c, d is not unit length; renormalize and treat as a 180 degree turn
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d, a = b*n, c*n, d*n, 0
	} else {
		a = math.Sqrt(a)
	}

	zooms := [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])}
	for i, z := range zooms {
		if z <= 0 {
			zooms[i] = 1
		}
	}
	if h.Pixdim[0] < 0 {
		zooms[2] = -zooms[2]
	}
	rot := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			aff.Set(i, j, rot[i][j]*zooms[j])
		}
	}
	aff.Set(0, 3, float64(h.QOffsetX))
	aff.Set(1, 3, float64(h.QOffsetY))
	aff.Set(2, 3, float64(h.QOffsetZ))
	aff.Set(3, 3, 1)
	return aff
}

// Affine is the sform when set, else the qform, else a scaling by the voxel
// sizes.
func (h *Header) Affine() *mat.Dense {
	switch {
	case h.SformCode > 0:
		return h.SForm()
	case h.QformCode > 0:
		return h.QForm()
	}
	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		aff.Set(i, i, float64(h.Pixdim[i+1]))
	}
	aff.Set(3, 3, 1)
	return aff
}

// SetDescrip stores s, truncated to the 80 byte field.
func (h *Header) SetDescrip(s string) {
	h.Descrip = [80]byte{}
	copy(h.Descrip[:], s)
}

// DescripString is the description up to the first NUL.
func (h *Header) DescripString() string {
	return cstring(h.Descrip[:])
}

// WriteTo writes the header followed by an empty extension block, so the
// voxels start at byte 352.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, errors.Wrap(err, "writing nifti header")
	}
	if _, err := w.Write(make([]byte, voxOffset-headerSize)); err != nil {
		return headerSize, errors.Wrap(err, "writing nifti extension flag")
	}
	return voxOffset, nil
}

// ReadHeader reads the header of a .nii or .nii.gz file. Headers written
// big endian are detected by their size field.
func ReadHeader(filepath string) (*Header, binary.ByteOrder, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	gz, err := archive.IsGzip(filepath)
	if err != nil {
		return nil, nil, err
	}
	if gz {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s: bad gzip stream", filepath)
		}
		defer zr.Close()
		r = zr
	}
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, errors.Wrapf(ErrNifti, "%s: short header: %v", filepath, err)
	}
	return parseHeader(buf)
}

func parseHeader(buf []byte) (*Header, binary.ByteOrder, error) {
	var order binary.ByteOrder = binary.LittleEndian
	h := &Header{}
	if err := binary.Read(bytes.NewReader(buf), order, h); err != nil {
		return nil, nil, errors.Wrap(ErrNifti, err.Error())
	}
	if h.SizeOfHdr != headerSize {
		order = binary.BigEndian
		h = &Header{}
		if err := binary.Read(bytes.NewReader(buf), order, h); err != nil {
			return nil, nil, errors.Wrap(ErrNifti, err.Error())
		}
	}
	if h.SizeOfHdr != headerSize {
		return nil, nil, errors.Wrapf(ErrNifti, "header size %d", h.SizeOfHdr)
	}
	if h.Magic != magicSingle && h.Magic != magicPair {
		return nil, nil, errors.Wrapf(ErrNifti, "bad magic %q", h.Magic[:])
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, errors.Wrapf(ErrNifti, "dim[0] = %d", h.Dim[0])
	}
	log.WithFields(log.Fields{"byteOrder": order, "dims": h.Dims()}).Debug("read nifti header")
	return h, order, nil
}

func sq(x float64) float64 { return x * x }

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
