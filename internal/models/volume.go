package models

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// DataType identifies the sample type a volume was decoded from. Samples are
// held as float64 in memory; the type decides how writers encode them.
type DataType int

const (
	Uint8 DataType = iota
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
	Complex64
	RGB24
)

var dataTypeNames = map[DataType]string{
	Uint8:     "uint8",
	Int8:      "int8",
	Uint16:    "uint16",
	Int16:     "int16",
	Uint32:    "uint32",
	Int32:     "int32",
	Float32:   "float32",
	Float64:   "float64",
	Complex64: "complex64",
	RGB24:     "rgb24",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// IsComplex reports whether samples carry an imaginary part.
func (t DataType) IsComplex() bool { return t == Complex64 }

// Volume is an N-dimensional sample array (1 to 7 dimensions) stored in
// Fortran order: the first axis varies fastest, as in a NIfTI file. For
// multi-channel data (RGB) the channel varies faster than the first axis.
type Volume struct {
	// Data holds the real part of every sample
	Data []float64

	// Imag holds the imaginary part for complex volumes, nil otherwise
	Imag []float64

	// Dims is the extent of each axis
	Dims []int

	// Type is the sample type the data was decoded from
	Type DataType

	// Channels is 1 for scalar data and 3 for RGB
	Channels int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zeroed volume.
func NewVolume(t DataType, dims ...int) *Volume {
	v := &Volume{
		Dims:     append([]int(nil), dims...),
		Type:     t,
		Channels: 1,
	}
	if t == RGB24 {
		v.Channels = 3
	}
	n := v.Len() * v.Channels
	v.Data = make([]float64, n)
	if t.IsComplex() {
		v.Imag = make([]float64, n)
	}
	return v
}

// Len is the number of voxels (channels not counted).
func (v *Volume) Len() int {
	if len(v.Dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range v.Dims {
		n *= d
	}
	return n
}

// NDim is the number of axes.
func (v *Volume) NDim() int { return len(v.Dims) }

// Dim returns the extent of axis i, or 1 past the last axis.
func (v *Volume) Dim(i int) int {
	if i < len(v.Dims) {
		return v.Dims[i]
	}
	return 1
}

// Index converts voxel coordinates into an offset into Data (channel 0).
// Missing trailing coordinates are treated as zero.
func (v *Volume) Index(coords ...int) int {
	idx := 0
	stride := v.channels()
	for i, d := range v.Dims {
		if i < len(coords) {
			idx += coords[i] * stride
		}
		stride *= d
	}
	return idx
}

// At returns the real sample at coords.
func (v *Volume) At(coords ...int) float64 {
	return v.Data[v.Index(coords...)]
}

// Set stores a real sample at coords.
func (v *Volume) Set(value float64, coords ...int) {
	v.Data[v.Index(coords...)] = value
}

func (v *Volume) channels() int {
	if v.Channels < 1 {
		return 1
	}
	return v.Channels
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	c := *v
	c.Dims = append([]int(nil), v.Dims...)
	c.Data = append([]float64(nil), v.Data...)
	if v.Imag != nil {
		c.Imag = append([]float64(nil), v.Imag...)
	}
	return &c
}

// Squeeze drops axes of extent one. At least two axes are kept.
func (v *Volume) Squeeze() *Volume {
	c := v.Clone()
	dims := make([]int, 0, len(v.Dims))
	for _, d := range v.Dims {
		if d != 1 {
			dims = append(dims, d)
		}
	}
	for len(dims) < 2 && len(dims) < len(v.Dims) {
		dims = append(dims, 1)
	}
	c.Dims = dims
	return c
}

// Reshape changes the axis extents without moving data.
func (v *Volume) Reshape(dims ...int) (*Volume, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != v.Len() {
		return nil, errors.Errorf("cannot reshape %v into %v", v.Dims, dims)
	}
	c := v.Clone()
	c.Dims = append([]int(nil), dims...)
	return c, nil
}

// Magnitude returns |sample| for complex data and the sample otherwise.
// RGB data yields the channel mean.
func (v *Volume) Magnitude() []float64 {
	out := make([]float64, v.Len())
	ch := v.channels()
	for i := range out {
		switch {
		case v.Imag != nil:
			out[i] = math.Hypot(v.Data[i], v.Imag[i])
		case ch > 1:
			sum := 0.0
			for c := 0; c < ch; c++ {
				sum += v.Data[i*ch+c]
			}
			out[i] = sum / float64(ch)
		default:
			out[i] = v.Data[i]
		}
	}
	return out
}

// Plane copies the 2-D x/y plane selected by the remaining coordinates
// (z, t, ...) into a row-major slice of Dims[1] rows by Dims[0] columns.
func (v *Volume) Plane(rest ...int) []float64 {
	nx, ny := v.Dim(0), v.Dim(1)
	out := make([]float64, nx*ny*v.channels())
	coords := make([]int, 2+len(rest))
	copy(coords[2:], rest)
	base := v.Index(coords...)
	copy(out, v.Data[base:base+len(out)])
	return out
}

// MinMax returns the smallest and largest real sample.
func (v *Volume) MinMax() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	lo, hi = v.Data[0], v.Data[0]
	for _, x := range v.Data[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
