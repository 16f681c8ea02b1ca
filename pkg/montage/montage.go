// Package montage tiles the slices of a volume into one large image and cuts
// that image into a multi-resolution pyramid of JPEG tiles, stored in a zip
// archive or a directory. Flat PNG montages are supported as well.
package montage

import (
	"image"
	"math"

	"github.com/pkg/errors"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
	"nimsdata/pkg/visualization"
)

// Filetype is the name this writer is registered under.
const Filetype = "montage"

// ErrMontage is returned for volumes and archives that cannot be montaged
// or read back.
var ErrMontage = errors.New("montage error")

// Default auto-window percentiles.
const (
	DefaultClipLow  = 20.0
	DefaultClipHigh = 99.0
)

// GenerateMontage lays out the slices of vol in a grid and windows the
// result to 8 bits, or 16 with bits16. A single slice makes a single
// column; a volume a roughly square grid; a time series one row per
// timepoint. timepoints, if given, selects the rows of a time series.
func GenerateMontage(vol *models.Volume, timepoints []int, bits16 bool) (image.Image, error) {
	p, err := layout(vol, timepoints)
	if err != nil {
		return nil, err
	}
	return render(p, vol.Type, bits16, DefaultClipLow, DefaultClipHigh), nil
}

// layout copies the slices into a single plane. Images run along rows,
// each image with the volume's y axis down and x across.
func layout(vol *models.Volume, timepoints []int) (*visualization.Plane, error) {
	if vol.NDim() < 2 {
		return nil, errors.Wrapf(ErrMontage, "volume must have at least 2 dimensions, got %d", vol.NDim())
	}
	nx, ny, nz := vol.Dim(0), vol.Dim(1), vol.Dim(2)
	frames := 1
	for i := 3; i < vol.NDim(); i++ {
		frames *= vol.Dims[i]
	}

	// images holds (slice, frame) pairs in display order
	var images [][2]int
	var numCols int
	switch {
	case vol.NDim() == 2:
		numCols = 1
		images = [][2]int{{0, 0}}
	case vol.NDim() == 3:
		ratio := float64(ny) / float64(nx)
		numCols = int(math.Ceil(math.Sqrt(float64(nz)) * math.Sqrt(ratio)))
		for z := 0; z < nz; z++ {
			images = append(images, [2]int{z, 0})
		}
	default:
		numCols = nz
		if len(timepoints) == 0 {
			for t := 0; t < frames; t++ {
				timepoints = append(timepoints, t)
			}
		}
		for _, t := range timepoints {
			if t < 0 || t >= frames {
				return nil, errors.Wrapf(ErrMontage, "timepoint %d out of range [0, %d)", t, frames)
			}
			for z := 0; z < nz; z++ {
				images = append(images, [2]int{z, t})
			}
		}
	}
	if numCols < 1 {
		numCols = 1
	}
	numRows := (len(images) + numCols - 1) / numCols

	out := &visualization.Plane{Width: nx * numCols, Height: ny * numRows, Channels: 1}
	out.Data = make([]float64, out.Width*out.Height)
	viewer := visualization.NewViewer(vol)
	for i, im := range images {
		p, err := viewer.Frame(frameCoords(vol, im[1])...).ExtractSlice("z", im[0])
		if err != nil {
			return nil, err
		}
		r0, c0 := i/numCols*ny, i%numCols*nx
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				out.Data[(r0+y)*out.Width+c0+x] = channelMean(p, x, y)
			}
		}
	}
	return out, nil
}

func channelMean(p *visualization.Plane, x, y int) float64 {
	if p.Channels == 1 {
		return p.At(x, y, 0)
	}
	sum := 0.0
	for c := 0; c < p.Channels; c++ {
		sum += p.At(x, y, c)
	}
	return sum / float64(p.Channels)
}

// frameCoords unravels a frame number over the axes past z.
func frameCoords(vol *models.Volume, frame int) []int {
	var coords []int
	for i := 3; i < vol.NDim(); i++ {
		coords = append(coords, frame%vol.Dims[i])
		frame /= vol.Dims[i]
	}
	return coords
}

// render windows the montage between the clipLow and clipHigh percentiles
// of its pixels. 8-bit input is kept as is.
func render(p *visualization.Plane, t models.DataType, bits16 bool, clipLow, clipHigh float64) image.Image {
	if t == models.Uint8 {
		if bits16 {
			return visualization.Window{Low: 0, High: math.MaxUint16}.Gray16(p)
		}
		return visualization.Window{Low: 0, High: math.MaxUint8}.Gray(p)
	}
	clip := medimg.Percentiles(p.Data, clipLow, clipHigh)
	w := visualization.Window{Low: clip[0], High: clip[1]}
	if bits16 {
		return w.Gray16(p)
	}
	return w.Gray(p)
}
