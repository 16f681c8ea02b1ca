package nifti

import (
	"fmt"
	"strconv"
	"strings"

	hnifti "github.com/henghuang/nifti"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"nimsdata/internal/models"
)

// Filetype is the name this reader and writer are registered under.
const Filetype = "nifti"

// Parse reads the header of a NIfTI-1 file. Acquisition parameters written
// into descrip by Write are recovered.
func Parse(filepath string, opts models.ReadOptions) (*models.Dataset, error) {
	h, _, err := ReadHeader(filepath)
	if err != nil {
		return nil, err
	}
	ds := models.NewDataset(filepath, Filetype, "mr")
	ds.Timezone = opts.Timezone
	ds.ImageType = []string{"derived", "nifti", Filetype}
	applyHeader(ds, h)
	ds.MetadataStatus = models.StatusPending

	ds.SetLoader(models.LoaderFunc(loadData))
	if opts.LoadData {
		if err := ds.LoadData(); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func applyHeader(ds *models.Dataset, h *Header) {
	ds.QtoXYZ = h.Affine()
	dims := h.Dims()
	at := func(i int) int {
		if i < len(dims) {
			return dims[i]
		}
		return 1
	}
	ds.SizeX, ds.SizeY, ds.NumSlices, ds.NumTimepoints = at(0), at(1), at(2), at(3)
	ds.SetMMPerVox([3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])})
	ds.TR = float64(h.Pixdim[4])
	ds.SliceDuration = float64(h.SliceDuration)
	ds.SliceOrder = int(h.SliceCode)
	if phase := int(h.DimInfo>>2&3) - 1; phase >= 0 {
		ds.PhaseEncode = &phase
	}
	applyDescription(ds, h.DescripString())
}

// applyDescription parses the key=value list written by Description. Unknown
// keys and values that do not parse are skipped.
func applyDescription(ds *models.Dataset, descrip string) {
	for _, field := range strings.Split(descrip, ";") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if key == "acq" {
			var x, y float64
			if _, err := fmt.Sscanf(value, "[%g,%g]", &x, &y); err == nil {
				ds.AcquisitionMatrixX, ds.AcquisitionMatrixY = x, y
			}
			continue
		}
		// rs, pe and ve may trail each other without separators
		for _, extra := range []string{"rs=", "pe=", "ve="} {
			if i := strings.Index(value, extra); i >= 0 {
				applyDescription(ds, value[i:])
				value = value[:i]
			}
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		switch key {
		case "te":
			ds.TE = v / 1000
		case "ti":
			ds.TI = v / 1000
		case "fa":
			ds.FlipAngle = v
		case "ec":
			ds.EffectiveEchoSpacing = v / 1000
		case "mt":
			ds.MTOffsetHz = v
		case "rp":
			if v != 0 {
				ds.PhaseEncodeUndersample = 1 / v
			}
		case "rs":
			if v != 0 {
				ds.SliceEncodeUndersample = 1 / v
			}
		case "pe":
			pe := int(v)
			ds.PhaseEncodeDirection = &pe
		case "ve":
			ds.VelocityEncodeScale = v
			ds.IsFastcard = true
		}
	}
}

// loadImage recovers from the panics the nifti library uses for errors.
func loadImage(filepath string) (img *hnifti.Nifti1Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrNifti, "%s: %v", filepath, r)
		}
	}()
	img = &hnifti.Nifti1Image{}
	img.LoadImage(filepath, true)
	return img, nil
}

func loadData(ds *models.Dataset) error {
	h, _, err := ReadHeader(ds.Filepath)
	if err != nil {
		return err
	}
	t, err := h.DataType()
	if err != nil {
		return err
	}
	if t.IsComplex() || t == models.RGB24 {
		return errors.Wrapf(ErrNifti, "%s: loading %s samples is not supported", ds.Filepath, t)
	}
	dims := h.Dims()
	if len(dims) > 4 {
		return errors.Wrapf(ErrNifti, "%s: loading %d dimensions is not supported", ds.Filepath, len(dims))
	}

	img, err := loadImage(ds.Filepath)
	if err != nil {
		return err
	}
	vol := models.NewVolume(t, dims...)
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = ds.MMPerVoxX, ds.MMPerVoxY, ds.MMPerVoxZ
	for ti := 0; ti < vol.Dim(3); ti++ {
		for z := 0; z < vol.Dim(2); z++ {
			for y := 0; y < vol.Dim(1); y++ {
				for x := 0; x < vol.Dim(0); x++ {
					vol.Set(float64(img.GetAt(x, y, z, ti)), x, y, z, ti)
				}
			}
		}
	}
	log.WithFields(log.Fields{"dims": dims, "type": t}).Debug("loaded nifti voxels")

	ds.Data = models.Primary(vol.Squeeze())
	ds.MetadataStatus = models.StatusComplete
	return nil
}
