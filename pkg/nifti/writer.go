package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
)

// Write stores every labeled volume as outbase+label+".nii.gz". DWI datasets
// also get outbase.bval and outbase.bvec. It returns the created paths.
func Write(ds *models.Dataset, data *models.DataMap, outbase string, opts models.WriteOptions) ([]string, error) {
	var results []string
	cfg := opts.Conf()
	var err error
	data.Each(func(label string, vol *models.Volume) bool {
		if vol == nil {
			return true
		}
		qto := ds.QtoXYZ
		if opts.VoxelOrder != "" {
			if qto == nil {
				err = errors.Wrapf(ErrNifti, "label %q: cannot reorder voxels without an affine", label)
				return false
			}
			if vol, qto, err = medimg.ReorderVoxels(vol, ds.QtoXYZ, opts.VoxelOrder); err != nil {
				err = errors.Wrapf(err, "label %q", label)
				return false
			}
		}
		log.Debugf("creating nifti for %q", label)

		if len(results) == 0 && ds.IsDWI && len(ds.Bvals) > 0 && len(ds.Bvecs[0]) > 0 {
			var paths []string
			if paths, err = writeGradients(ds, outbase); err != nil {
				return false
			}
			results = append(results, paths...)
		}

		h, herr := NewHeader(vol)
		if herr != nil {
			err = errors.Wrapf(herr, "label %q", label)
			return false
		}
		fillHeader(h, ds, vol, qto, cfg.Nifti.CalMinPercentile, cfg.Nifti.CalMaxPercentile)

		path := outbase + label + ".nii.gz"
		if err = writeFile(path, h, vol); err != nil {
			return false
		}
		log.Debugf("generated %s", filepath.Base(path))
		results = append(results, path)
		return true
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// fillHeader copies the acquisition parameters that have a home in the
// header. pixdim[4] carries TR even for single volumes.
func fillHeader(h *Header, ds *models.Dataset, vol *models.Volume, qto *mat.Dense, calMin, calMax float64) {
	h.XYZTUnits = unitsMM | unitsSec
	if qto != nil {
		h.SetQForm(qto, xformScanner)
		h.SetSForm(qto, xformScanner)
	}
	if ds.PhaseEncode != nil && *ds.PhaseEncode == 0 {
		h.DimInfo = dimInfo(1, 0, 2)
	} else {
		h.DimInfo = dimInfo(0, 1, 2)
	}
	h.SliceStart = 0
	h.SliceEnd = int16(vol.Dim(2) - 1)
	h.SliceDuration = float32(ds.SliceDuration)
	h.SliceCode = byte(ds.SliceOrder)

	clip := medimg.Percentiles(vol.Magnitude(), calMin, calMax)
	h.CalMin, h.CalMax = float32(clip[0]), float32(clip[1])

	h.SetDescrip(Description(ds))
	h.Pixdim[4] = float32(ds.TR)
}

// dimInfo packs the frequency, phase and slice axes (0-based).
func dimInfo(freq, phase, slice int) byte {
	return byte((freq + 1) | (phase+1)<<2 | (slice+1)<<4)
}

// Description summarizes the acquisition for the 80 byte descrip field.
func Description(ds *models.Dataset) string {
	rp, rs := 1.0, 1.0
	if ds.PhaseEncodeUndersample != 0 {
		rp = 1 / ds.PhaseEncodeUndersample
	}
	if ds.SliceEncodeUndersample != 0 {
		rs = 1 / ds.SliceEncodeUndersample
	}
	acq := formatNumber(ds.AcquisitionMatrixX) + "," + formatNumber(ds.AcquisitionMatrixY)

	var b strings.Builder
	fmt.Fprintf(&b, "te=%.2f;ti=%.0f;fa=%.0f;ec=%.4f;acq=[%s];mt=%.0f;rp=%.1f;",
		ds.TE*1000, ds.TI*1000, ds.FlipAngle, ds.EffectiveEchoSpacing*1000, acq, ds.MTOffsetHz, rp)
	if strings.Contains(ds.AcquisitionType, "3D") {
		fmt.Fprintf(&b, "rs=%.1f", rs)
	}
	if ds.PhaseEncodeDirection != nil {
		fmt.Fprintf(&b, "pe=%d", *ds.PhaseEncodeDirection)
	}
	if ds.IsFastcard {
		fmt.Fprintf(&b, "ve=%f", ds.VelocityEncodeScale)
	}
	return b.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeGradients(ds *models.Dataset, outbase string) ([]string, error) {
	bvals := make([]string, len(ds.Bvals))
	for i, v := range ds.Bvals {
		bvals[i] = fmt.Sprintf("%0.1f", v)
	}
	var bvecs strings.Builder
	for _, row := range ds.Bvecs {
		vals := make([]string, len(row))
		for i, v := range row {
			vals[i] = fmt.Sprintf("%0.4f", v)
		}
		bvecs.WriteString(strings.Join(vals, " ") + "\n")
	}

	var paths []string
	for _, f := range []struct{ ext, content string }{
		{".bval", strings.Join(bvals, " ")},
		{".bvec", bvecs.String()},
	} {
		path := outbase + f.ext
		if err := os.WriteFile(path, []byte(f.content), 0644); err != nil {
			return nil, errors.Wrapf(err, "writing %s", path)
		}
		log.Debugf("generated %s", filepath.Base(path))
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, h *Header, vol *models.Volume) error {
	voxels, err := encodeVoxels(vol)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	zw := gzip.NewWriter(f)
	bw := bufio.NewWriter(zw)
	if _, err := h.WriteTo(bw); err != nil {
		f.Close()
		return errors.Wrapf(err, "%s", path)
	}
	if _, err := bw.Write(voxels); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing voxels to %s", path)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// encodeVoxels lays the samples out little endian in the volume's own type.
func encodeVoxels(vol *models.Volume) ([]byte, error) {
	dt, ok := datatypes[vol.Type]
	if !ok {
		return nil, errors.Wrapf(ErrNifti, "cannot store %s samples", vol.Type)
	}
	le := binary.LittleEndian
	n := vol.Len()
	out := make([]byte, n*int(dt.bitpix)/8)
	round := func(v float64) int64 { return int64(math.Round(v)) }

	for i, v := range vol.Data {
		switch vol.Type {
		case models.Uint8, models.RGB24:
			out[i] = uint8(round(v))
		case models.Int8:
			out[i] = uint8(int8(round(v)))
		case models.Uint16:
			le.PutUint16(out[2*i:], uint16(round(v)))
		case models.Int16:
			le.PutUint16(out[2*i:], uint16(int16(round(v))))
		case models.Uint32:
			le.PutUint32(out[4*i:], uint32(round(v)))
		case models.Int32:
			le.PutUint32(out[4*i:], uint32(int32(round(v))))
		case models.Float32:
			le.PutUint32(out[4*i:], math.Float32bits(float32(v)))
		case models.Float64:
			le.PutUint64(out[8*i:], math.Float64bits(v))
		case models.Complex64:
			var im float64
			if vol.Imag != nil {
				im = vol.Imag[i]
			}
			le.PutUint32(out[8*i:], math.Float32bits(float32(v)))
			le.PutUint32(out[8*i+4:], math.Float32bits(float32(im)))
		}
	}
	return out, nil
}
