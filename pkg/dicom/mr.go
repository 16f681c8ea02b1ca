package dicom

import (
	"math"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"nimsdata/pkg/medimg"
)

// parseStandardMRTags reads the MR module attributes shared by all vendors.
// Times are converted from ms to s.
func parseStandardMRTags(s *series) {
	ds, h := s.ds, s.hdr
	if tr, ok := getFloat(h, tagRepetitionTime); ok {
		ds.TR = tr / 1000
	}
	if ti, ok := getFloat(h, tagInversionTime); ok {
		ds.TI = ti / 1000
	}
	if te, ok := getFloat(h, tagEchoTime); ok {
		ds.TE = te / 1000
	}
	ds.FlipAngle, _ = getFloat(h, tagFlipAngle)
	ds.PixelBandwidth, _ = getFloat(h, tagPixelBandwidth)
	if dir := getString(h, tagPhaseEncodingDirection); dir != "" {
		pe := 0
		if dir == "COL" {
			pe = 1
		}
		ds.PhaseEncode = &pe
	}
	ds.NumAverages, _ = getFloat(h, tagNumberOfAverages)
	ds.NumEchos, _ = getInt(h, tagEchoNumbers)
	ds.ProtocolName = getString(h, tagProtocolName)
	ds.AcquisitionType = getString(h, tagMRAcquisitionType)
	if ps, ok := getFloats(h, tagPixelSpacing); ok && len(ps) >= 2 {
		ds.MMPerVoxX, ds.MMPerVoxY = ps[0], ps[1]
	}
	if z, ok := getFloat(h, tagSpacingBetweenSlices); ok && z != 0 {
		ds.MMPerVoxZ = z
	} else {
		ds.MMPerVoxZ, _ = getFloat(h, tagSliceThickness)
	}
	ds.SizeX, _ = getInt(h, tagColumns)
	ds.SizeY, _ = getInt(h, tagRows)
	ds.ReverseSliceOrder = false
	ds.SliceOrder = medimg.SliceOrderUnknown
	ds.TotalNumSlices = 0
	ds.IsMultiecho = false
	ds.IsMulticoil = false
	ds.IsNonImage = false
	ds.MTOffsetHz = 0
}

// adjustFOVAcqmat takes the acquisition matrix in the order of the phase
// encoding direction and widens the phase FOV by PercentPhaseFieldOfView.
func adjustFOVAcqmat(s *series) {
	ds, h := s.ds, s.hdr
	ds.AcquisitionMatrixX, ds.AcquisitionMatrixY = 0, 0
	am, haveAM := getFloats(h, tagAcquisitionMatrix)
	haveAM = haveAM && len(am) >= 4
	pct, havePct := getFloat(h, tagPercentPhaseFieldOfView)
	scale := 1.0
	if havePct && pct > 0 {
		scale = pct / 100
	}
	haveFOV := ds.FOVX != 0 || ds.FOVY != 0

	if ds.PhaseEncode != nil && *ds.PhaseEncode == 1 {
		if haveAM {
			ds.AcquisitionMatrixX, ds.AcquisitionMatrixY = am[0], am[3]
		}
		if haveFOV {
			ds.FOVY /= scale
		}
		return
	}
	if haveAM {
		ds.AcquisitionMatrixX, ds.AcquisitionMatrixY = am[2], am[1]
	}
	if haveFOV {
		ds.FOVX /= scale
	}
}

// checkLocalizer flags short series whose frames are not all parallel.
func checkLocalizer(s *series) {
	if s.ds.TotalNumSlices >= s.conf.Processing.MaxLocalizerDicoms || len(s.instances) == 0 {
		return
	}
	n0 := s.instances[0].slice.Normal()
	seen := map[float64]bool{}
	for _, inst := range s.instances {
		n := inst.slice.Normal()
		d := math.Abs(n0[0]*n[0] + n0[1]*n[1] + n0[2]*n[2])
		seen[math.Round(d*100)/100] = true
	}
	s.ds.IsLocalizer = len(seen) > 1
}

// nonImageHandler leaves the dataset without data.
func nonImageHandler(s *series) error {
	log.Errorf("%s is non-image", s.ds.Filepath)
	return nil
}

// localizerConvert stacks a multi-plane localizer. Each orientation is a
// timepoint.
func localizerConvert(s *series) error {
	log.Debug("localizer recon")
	res, err := s.reconstructor().StackLocalizer(s.slices(), s.ds.MMPerVox())
	if err != nil {
		return reconstructError(s.ds.Filepath, err)
	}
	s.ds.NumTimepoints = res.Timepoints
	s.ds.NumSlices = res.Locations
	s.setResult(res)
	return nil
}

// partialVolCheck drops trailing files of an incomplete volume. Mosaics
// hold whole volumes and are left alone.
func partialVolCheck(s *series) error {
	if containsString(s.ds.ImageType, "MOSAIC") || s.ds.NumSlices == 0 {
		return nil
	}
	if len(s.instances) < s.ds.NumSlices {
		return errors.Wrap(ErrReconstruct, "total dicoms < num slices")
	}
	if partial := len(s.instances) % s.ds.NumSlices; partial != 0 {
		log.Debugf("trimming %d dicoms of a partial volume", partial)
		s.instances = s.instances[:len(s.instances)-partial]
	}
	return nil
}

// postConvert finishes diffusion gradients once the affine is known.
func postConvert(s *series) error {
	ds := s.ds
	if ds.IsDWI && ds.QtoXYZ != nil && len(ds.Bvals) > 0 {
		ds.Bvecs, ds.Bvals = medimg.AdjustBvecs(ds.Bvecs, ds.Bvals, ds.ScannerType, medimg.Rotation(ds.QtoXYZ))
	}
	return nil
}

// standardConvert stacks the files by position into one volume.
func standardConvert(s *series) error {
	log.Debug("standard recon")
	if err := partialVolCheck(s); err != nil {
		return err
	}
	res, err := s.reconstructor().Stack(s.slices())
	if err != nil {
		return reconstructError(s.ds.Filepath, err)
	}
	s.setResult(res)
	return postConvert(s)
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
