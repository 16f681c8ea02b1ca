// Package visualization renders 2-D planes of a volume as grayscale or RGB
// images. The PNG and montage writers are built on it.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"nimsdata/internal/models"
)

// ErrAxis is returned for axis names other than x, y and z.
var ErrAxis = errors.New("invalid axis (must be x, y, or z)")

// Viewer extracts planes from the first three axes of a volume. Axes past
// the third stay at the coordinates selected with Frame.
type Viewer struct {
	vol *models.Volume

	// values are the samples planes are cut from: the magnitude of
	// complex data, the raw samples otherwise
	values   []float64
	channels int

	// frame holds the coordinates of the axes past z
	frame []int
}

// NewViewer creates a viewer over vol.
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol, values: vol.Data, channels: vol.Channels}
	if vol.Imag != nil {
		v.values = vol.Magnitude()
	}
	if v.channels < 1 {
		v.channels = 1
	}
	return v
}

// Frame returns a viewer positioned at the given coordinates of the axes
// past z (t, ...).
func (v *Viewer) Frame(coords ...int) *Viewer {
	c := *v
	c.frame = append([]int(nil), coords...)
	return &c
}

// Dims is the extent of the first three axes.
func (v *Viewer) Dims() (width, height, depth int) {
	return v.vol.Dim(0), v.vol.Dim(1), v.vol.Dim(2)
}

// Plane is a row-major 2-D cut with channels interleaved.
type Plane struct {
	Width, Height int
	Channels      int
	Data          []float64
}

// At returns channel c of the pixel at column x, row y.
func (p *Plane) At(x, y, c int) float64 {
	return p.Data[(y*p.Width+x)*p.Channels+c]
}

// Max returns the largest sample, ignoring the listed values.
func (p *Plane) Max(ignore ...float64) float64 {
	hi := math.Inf(-1)
outer:
	for _, x := range p.Data {
		for _, skip := range ignore {
			if x == skip {
				continue outer
			}
		}
		if x > hi {
			hi = x
		}
	}
	if math.IsInf(hi, -1) {
		return 0
	}
	return hi
}

func (v *Viewer) at(x, y, z int) int {
	coords := append([]int{x, y, z}, v.frame...)
	return v.vol.Index(coords...)
}

// ExtractSlice cuts the plane at position along axis. An x plane runs z
// across and y down; a y plane x across and z down; a z plane x across and
// y down.
func (v *Viewer) ExtractSlice(axis string, position int) (*Plane, error) {
	if position < 0 {
		return nil, errors.Errorf("position %d must be non-negative", position)
	}
	width, height, depth := v.Dims()

	var cols, rows, limit int
	var index func(col, row int) int
	switch strings.ToLower(axis) {
	case "x":
		cols, rows, limit = depth, height, width
		index = func(col, row int) int { return v.at(position, row, col) }
	case "y":
		cols, rows, limit = width, depth, height
		index = func(col, row int) int { return v.at(col, position, row) }
	case "z":
		cols, rows, limit = width, height, depth
		index = func(col, row int) int { return v.at(col, row, position) }
	default:
		return nil, errors.Wrapf(ErrAxis, "%q", axis)
	}
	if position >= limit {
		return nil, errors.Errorf("position %d exceeds %s extent %d", position, axis, limit)
	}

	// magnitude values hold one sample per voxel
	ch, stride := v.channels, v.channels
	if v.vol.Imag != nil {
		ch, stride = 1, 1
	}
	p := &Plane{Width: cols, Height: rows, Channels: ch, Data: make([]float64, cols*rows*ch)}
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			src := index(col, row) / v.channels * stride
			copy(p.Data[(row*cols+col)*ch:], v.values[src:src+ch])
		}
	}
	return p, nil
}

// ExtractRegion copies the box of the given size starting at start, taken
// from the current frame.
func (v *Viewer) ExtractRegion(start, size [3]int) (*models.Volume, error) {
	dims := [3]int{}
	dims[0], dims[1], dims[2] = v.Dims()
	for i := range start {
		if start[i] < 0 {
			return nil, errors.New("start coordinates must be non-negative")
		}
		if size[i] <= 0 {
			return nil, errors.New("size dimensions must be positive")
		}
		if start[i]+size[i] > dims[i] {
			return nil, errors.Errorf("region %v+%v extends beyond volume %v", start, size, dims)
		}
	}

	region := models.NewVolume(v.vol.Type, size[0], size[1], size[2])
	region.VoxelSize = v.vol.VoxelSize
	ch := region.Channels
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				src := v.at(start[0]+x, start[1]+y, start[2]+z)
				dst := region.Index(x, y, z)
				copy(region.Data[dst:dst+ch], v.vol.Data[src:src+ch])
				if region.Imag != nil {
					region.Imag[dst] = v.vol.Imag[src]
				}
			}
		}
	}
	return region, nil
}

// Window maps samples in [Low, High] onto the full range of an image
// type. Values outside are clipped. Truncate floors instead of rounding.
type Window struct {
	Low, High float64
	Truncate  bool
}

// level scales x into [0, top].
func (w Window) level(x, top float64) float64 {
	span := w.High - w.Low
	if span <= 0 || math.IsNaN(x) {
		return 0
	}
	x = math.Max(w.Low, math.Min(w.High, x))
	scaled := (x - w.Low) * top / span
	if w.Truncate {
		return math.Floor(scaled)
	}
	return math.Round(scaled)
}

// Gray renders the first channel of p as 8-bit gray.
func (w Window) Gray(p *Plane) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(w.level(p.At(x, y, 0), math.MaxUint8))})
		}
	}
	return img
}

// Gray16 renders the first channel of p as 16-bit gray.
func (w Window) Gray16(p *Plane) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(w.level(p.At(x, y, 0), math.MaxUint16))})
		}
	}
	return img
}

// RGB renders a three channel plane, clamping each channel to a byte.
func RGB(p *Plane) (*image.RGBA, error) {
	if p.Channels != 3 {
		return nil, errors.Errorf("expected 3 channels, got %d", p.Channels)
	}
	clamp := func(x float64) uint8 {
		return uint8(math.Max(0, math.Min(255, math.Round(x))))
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: clamp(p.At(x, y, 0)),
				G: clamp(p.At(x, y, 1)),
				B: clamp(p.At(x, y, 2)),
				A: 255,
			})
		}
	}
	return img, nil
}

// SaveSlice encodes img as PNG when filename ends in .png and as JPEG
// otherwise.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "creating %s", filename)
	}
	if strings.EqualFold(filepath.Ext(filename), ".png") {
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(file, img)
	} else {
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		file.Close()
		return errors.Wrapf(err, "encoding %s", filename)
	}
	return file.Close()
}

// SaveSliceSequence writes every plane along axis to outputDir as
// slice_<axis>_NNN.png, windowed over the full range of the current frame.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", outputDir)
	}

	width, height, depth := v.Dims()
	var count int
	switch strings.ToLower(axis) {
	case "x":
		count = width
	case "y":
		count = height
	case "z":
		count = depth
	default:
		return nil, errors.Wrapf(ErrAxis, "%q", axis)
	}

	planes := make([]*Plane, count)
	w := Window{Low: math.Inf(1), High: math.Inf(-1)}
	for pos := range planes {
		p, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return nil, err
		}
		for _, x := range p.Data {
			w.Low, w.High = math.Min(w.Low, x), math.Max(w.High, x)
		}
		planes[pos] = p
	}

	var paths []string
	for pos, p := range planes {
		var img image.Image = w.Gray(p)
		if p.Channels == 3 {
			rgb, err := RGB(p)
			if err != nil {
				return nil, err
			}
			img = rgb
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", strings.ToLower(axis), pos))
		if err := SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	log.WithFields(log.Fields{"axis": axis, "count": count}).Debug("saved slice sequence")
	return paths, nil
}
