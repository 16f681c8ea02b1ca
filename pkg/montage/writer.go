package montage

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
	"nimsdata/pkg/visualization"
)

// Options control the writer. Kwargs mtype, tilesize and multi override
// the configured values; timepoints selects the rows of a time series.
type Options struct {
	// Type is zip, dir or png
	Type     string
	TileSize int
	Multi    bool

	// Timepoints lists the frames of a 4-D volume to lay out, all if empty
	Timepoints []int

	Quality           int
	ClipLow, ClipHigh float64
}

// OptionsFrom merges the writer kwargs over the montage configuration.
func OptionsFrom(opts models.WriteOptions) (Options, error) {
	cfg := opts.Conf().Montage
	o := Options{
		Type:     opts.Kwargs.String("mtype", cfg.Type),
		TileSize: opts.Kwargs.Int("tilesize", cfg.TileSize),
		Multi:    opts.Kwargs.Bool("multi", cfg.Multi),
		Quality:  cfg.JPEGQuality,
		ClipLow:  cfg.ClipLow,
		ClipHigh: cfg.ClipHigh,
	}
	var err error
	switch o.Type {
	case "zip", "dir", "png":
	default:
		return o, errors.Wrapf(ErrMontage, "montage mtype must be zip, dir or png, not %q", o.Type)
	}
	if o.Timepoints, err = opts.Kwargs.Ints("timepoints"); err != nil {
		return o, errors.Wrap(ErrMontage, err.Error())
	}
	if o.TileSize < 1 {
		return o, errors.Wrapf(ErrMontage, "tilesize must be positive, got %d", o.TileSize)
	}
	return o, nil
}

// Write creates one montage per label; only the primary volume unless
// Multi is set. It returns the zip files, pyramid directories or PNG files
// it created.
func Write(ds *models.Dataset, data *models.DataMap, outbase string, opts models.WriteOptions) ([]string, error) {
	o, err := OptionsFrom(opts)
	if err != nil {
		return nil, err
	}
	var results []string
	data.Each(func(label string, vol *models.Volume) bool {
		if (!o.Multi && label != models.PrimaryLabel) || vol == nil {
			return true
		}
		if opts.VoxelOrder != "" {
			if ds.QtoXYZ == nil {
				err = errors.Wrapf(ErrMontage, "label %q: cannot reorder voxels without an affine", label)
				return false
			}
			if vol, _, err = medimg.ReorderVoxels(vol, ds.QtoXYZ, opts.VoxelOrder); err != nil {
				err = errors.Wrapf(err, "label %q", label)
				return false
			}
		}
		var result string
		if result, err = o.write(vol, outbase+label); err != nil {
			err = errors.Wrapf(err, "label %q", label)
			return false
		}
		results = append(results, result)
		return true
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (o Options) write(vol *models.Volume, outname string) (string, error) {
	p, err := layout(vol, o.Timepoints)
	if err != nil {
		return "", err
	}
	img := render(p, vol.Type, false, o.ClipLow, o.ClipHigh).(*image.Gray)

	if o.Type == "png" {
		log.Debug("type: flat png")
		return writeFlat(img, outname+".png")
	}
	pyr, err := GeneratePyramid(img, o.TileSize, o.Quality)
	if err != nil {
		return "", err
	}
	if o.Type == "dir" {
		log.Debug("type: directory")
		return writeDir(pyr, outname)
	}
	log.Debug("type: zip of tiles")
	return writeZip(pyr, outname)
}

func writeFlat(img *image.Gray, filename string) (string, error) {
	if err := visualization.SaveSlice(img, filename); err != nil {
		return "", err
	}
	log.Debugf("generated %s", filepath.Base(filename))
	return filename, nil
}

// writeDir stores tiles as <outname>/images/<level>_<x>_<y>.jpg.
func writeDir(pyr *Pyramid, outname string) (string, error) {
	imagePath := filepath.Join(outname, "images")
	if err := os.MkdirAll(imagePath, 0755); err != nil {
		return "", errors.Wrapf(err, "creating %s", imagePath)
	}
	for _, k := range pyr.Keys() {
		name := filepath.Join(imagePath, fmt.Sprintf("%03d_%03d_%03d.jpg", k.Level, k.X, k.Y))
		if err := os.WriteFile(name, pyr.Tiles[k], 0644); err != nil {
			return "", errors.Wrapf(err, "writing %s", name)
		}
	}
	if _, err := os.Stat(filepath.Join(imagePath, "000_000_000.jpg")); err != nil {
		return "", errors.Wrapf(ErrMontage, "pyramid %s not generated", outname)
	}
	log.Debugf("generated %s", outname)
	return outname, nil
}

// writeZip stores <base>/tileinfo.json followed by <base>/z<level>/x<x>_y<y>.jpg
// in <outname>.zip, uncompressed.
func writeZip(pyr *Pyramid, outname string) (string, error) {
	zipName := outname + ".zip"
	meta, err := json.Marshal(pyr.Meta)
	if err != nil {
		return "", errors.Wrap(err, "encoding tileinfo")
	}
	f, err := os.Create(zipName)
	if err != nil {
		return "", errors.Wrapf(err, "creating %s", zipName)
	}
	zw := zip.NewWriter(f)
	base := filepath.Base(outname)
	put := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	if err := put(path.Join(base, "tileinfo.json"), meta); err != nil {
		f.Close()
		return "", errors.Wrapf(err, "writing %s", zipName)
	}
	for _, k := range pyr.Keys() {
		name := path.Join(base, fmt.Sprintf("z%03d/x%03d_y%03d.jpg", k.Level, k.X, k.Y))
		if err := put(name, pyr.Tiles[k]); err != nil {
			f.Close()
			return "", errors.Wrapf(err, "writing %s", zipName)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", errors.Wrapf(err, "closing %s", zipName)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	log.Debugf("generated %s", filepath.Base(zipName))
	return zipName, nil
}
