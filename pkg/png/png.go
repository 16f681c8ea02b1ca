// Package png writes every x/y plane of a volume as its own PNG image.
// Scalar planes become 8-bit gray; RGB screenshots keep their color.
package png

import (
	"fmt"
	"image"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
	"nimsdata/pkg/visualization"
)

// Filetype is the name this writer is registered under.
const Filetype = "png"

// saturated marks clipped pixels; they are rendered at the plane maximum.
const saturated = 1<<15 - 1

// Write creates outbase+label+"_N.png" for every plane, N counting from 1
// over the slices and then the higher axes.
func Write(ds *models.Dataset, data *models.DataMap, outbase string, opts models.WriteOptions) ([]string, error) {
	var results []string
	var err error
	data.Each(func(label string, vol *models.Volume) bool {
		if vol == nil {
			return true
		}
		if opts.VoxelOrder != "" && ds.QtoXYZ != nil {
			if vol, _, err = medimg.ReorderVoxels(vol, ds.QtoXYZ, opts.VoxelOrder); err != nil {
				err = errors.Wrapf(err, "label %q", label)
				return false
			}
		}
		var paths []string
		if paths, err = writePlanes(vol, outbase+label); err != nil {
			err = errors.Wrapf(err, "label %q", label)
			return false
		}
		results = append(results, paths...)
		return true
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func writePlanes(vol *models.Volume, outname string) ([]string, error) {
	viewer := visualization.NewViewer(vol)
	frames := 1
	for i := 3; i < vol.NDim(); i++ {
		frames *= vol.Dims[i]
	}
	nz := vol.Dim(2)

	var results []string
	for i := 0; i < nz*frames; i++ {
		p, err := viewer.Frame(frameCoords(vol, i/nz)...).ExtractSlice("z", i%nz)
		if err != nil {
			return nil, err
		}
		img, err := render(p)
		if err != nil {
			return nil, err
		}
		path := fmt.Sprintf("%s_%d.png", outname, i+1)
		if err := visualization.SaveSlice(img, path); err != nil {
			return nil, err
		}
		log.Debugf("generated %s", filepath.Base(path))
		results = append(results, path)
	}
	return results, nil
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

// render clips negative samples to zero and the saturation marker to the
// plane maximum, then scales onto 0-255.
func render(p *visualization.Plane) (image.Image, error) {
	if p.Channels == 3 {
		return visualization.RGB(p)
	}
	hi := p.Max(saturated)
	if hi < 0 {
		hi = 0
	}
	return visualization.Window{Low: 0, High: hi, Truncate: true}.Gray(p), nil
}
