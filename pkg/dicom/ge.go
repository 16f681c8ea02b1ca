package dicom

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom/pkg/tag"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
)

var (
	geTypeOriginal        = []string{"ORIGINAL", "PRIMARY", "OTHER"}
	geTypeDerivedReformat = []string{"DERIVED", "SECONDARY", "REFORMATTED", "AVERAGE"}
	geTypeScreenshot      = []string{"DERIVED", "SECONDARY", "SCREEN SAVE"}
	geTypeVXTL            = []string{"DERIVED", "SECONDARY", "VXTL STATE"}
)

// geMR reads GE MR images. Almost everything is in public or GE private
// elements of each file.
type geMR struct{}

func (geMR) name() string { return "mr.ge" }

func (geMR) parseOne(s *series) error {
	ds, h := s.ds, s.hdr
	parseStandardMRTags(s)

	ds.PSDName = strings.ToLower(getString(h, tagPulseSequenceName))
	ds.PSDIName = getString(h, tagInternalPulseSequence)
	if d, ok := getFloat(h, tagReconstructionDiameter); ok {
		ds.FOVX, ds.FOVY = d, d
	}
	ds.ReceiveCoilName = getString(h, tagReceiveCoilName)
	ds.MTOffsetHz, _ = getFloat(h, tagOffsetFrequency)
	if ees, ok := getFloat(h, tagEffectiveEchoSpacing); ok {
		ds.EffectiveEchoSpacing = ees / 1e6
	}
	// older systems store ASSET as "1\1", some a single float meaning nothing
	if r, ok := getFloats(h, tagAssetRFactors); ok && len(r) == 2 {
		ds.PhaseEncodeUndersample, ds.SliceEncodeUndersample = r[0], r[1]
	}

	ds.NumSlices, _ = getInt(h, tagLocationsInAcquisition)
	ds.TotalNumSlices, _ = getInt(h, tagImagesInAcquisition)
	ds.NumTimepoints, _ = getInt(h, tagNumberOfTemporalPositions)
	if orOne(ds.TotalNumSlices) == ds.NumSlices {
		ds.TotalNumSlices = orOne(ds.NumSlices) * orOne(ds.NumTimepoints)
		log.Debugf("adjusted total_num_slices to %d", ds.TotalNumSlices)
	}
	// some localizers do not say how many slices an acquisition has
	if ds.NumSlices == 0 && orOne(ds.NumTimepoints) == 1 {
		ds.NumSlices = ds.TotalNumSlices
	}

	ds.PrescribedDuration = ds.TR * float64(ds.NumTimepoints) * orOneF(ds.NumAverages)
	ds.Duration = ds.PrescribedDuration

	if dirs, ok := getFloat(h, tagDTIDiffusionDirections); ok {
		ds.DWIDirs = int(dirs)
	}
	if equalStrings(ds.ImageType, geTypeOriginal) && ds.DWIDirs >= 6 {
		ds.IsDWI = true
		ds.NumTimepoints = 1
	}
	if equalStrings(ds.ImageType, geTypeDerivedReformat) {
		ds.IsNonImage = true
	}

	ds.PSDType = medimg.InferGEPSDType(ds.PSDName)
	adjustFOVAcqmat(s)
	ds.ScanType = medimg.InferScanType(ds)
	return nil
}

func (geMR) parseAll(s *series) error {
	ds := s.ds
	checkLocalizer(s)

	if ds.IsDWI && ds.NumSlices > 0 {
		ds.Bvals = nil
		ds.Bvecs = [3][]float64{}
		for i := 0; i < len(s.instances); i += ds.NumSlices {
			h := s.instances[i].hdr
			b, _ := getFloat(h, tagBValue)
			ds.Bvals = append(ds.Bvals, b)
			for k, t := range []tag.Tag{tagBvecX, tagBvecY, tagBvecZ} {
				v, _ := getFloat(h, t)
				ds.Bvecs[k] = append(ds.Bvecs[k], v)
			}
		}
	}

	// fastcard stores 5 images per temporal and spatial location
	cardiac, _ := getInt(s.hdr, tagCardiacNumberOfImages)
	if cardiac > 0 && ds.TotalNumSlices == cardiac*ds.NumSlices*5 {
		ds.NumTimepoints = cardiac
		ds.IsFastcard = true
		ds.VelocityEncodeScale, _ = getFloat(s.hdr, tagVelocityEncodeScale)
		ds.VelocityEncoding, _ = getInt(s.hdr, tagVelocityEncoding)
	}

	// diffusion directions and cardiac phases repeat the slice positions
	if ds.PSDType != "fieldmap" && !ds.IsDWI && !ds.IsFastcard && ds.NumSlices > 0 {
		ref := s.instances[0].slice.Position
		if p, ok := getFloats(s.hdr, tagImagePositionPatient); ok && len(p) >= 3 {
			ref = [3]float64{p[0], p[1], p[2]}
		}
		volumes := 0
		for _, inst := range s.instances {
			if allClose(inst.slice.Position, ref) {
				volumes++
			}
		}
		expected := orOne(ds.NumTimepoints) * orOne(ds.NumEchos)
		log.Debugf("found %d volumes; expected %d", volumes, expected)
		if volumes > expected {
			ds.IsMulticoil = true
			ds.NumReceivers = ds.TotalNumSlices/ds.NumSlices - 1
			n := ds.NumReceivers + 1
			s.groups = make([][]*instance, n)
			for i, inst := range s.instances {
				s.groups[i%n] = append(s.groups[i%n], inst)
			}
			log.Debugf("%d coils + 1 combined", ds.NumReceivers)
		}
	}

	// trigger times give slice duration and order
	ds.SliceDuration = 0
	first := s.instances[0].slice
	if ds.TotalNumSlices >= ds.NumSlices && ds.NumSlices > 0 && hasTriggerTime(s.instances[0]) {
		n := ds.NumSlices
		if n > len(s.instances) {
			n = len(s.instances)
		}
		times := make([]float64, n)
		complete := true
		for i := 0; i < n; i++ {
			times[i] = s.instances[i].slice.TriggerTime
			complete = complete && hasTriggerTime(s.instances[i])
		}
		if ds.ReverseSliceOrder {
			for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
				times[i], times[j] = times[j], times[i]
			}
		}
		if ds.NumSlices > 2 && n > 2 && complete {
			minDiff := math.Inf(1)
			for _, t := range times[1:] {
				minDiff = math.Min(minDiff, math.Abs(times[0]-t))
			}
			ds.SliceDuration = minDiff / 1000
			if times[0]-times[1] < 0 {
				if times[2] > times[1] {
					ds.SliceOrder = medimg.SliceOrderSeqInc
				} else {
					ds.SliceOrder = medimg.SliceOrderAltInc
				}
			} else {
				if times[2] > times[1] {
					ds.SliceOrder = medimg.SliceOrderAltDec
				} else {
					ds.SliceOrder = medimg.SliceOrderSeqDec
				}
			}
		} else {
			ds.SliceDuration = first.TriggerTime
			ds.SliceOrder = medimg.SliceOrderSeqInc
		}
	}

	log.WithFields(log.Fields{"psd": ds.PSDName, "psd_type": ds.PSDType}).Debug("parsed ge series")
	return nil
}

func (geMR) convert(s *series) error {
	switch {
	case s.ds.IsNonImage:
		return nonImageHandler(s)
	case s.ds.IsLocalizer:
		return localizerConvert(s)
	case s.ds.IsMulticoil:
		return geMulticoilConvert(s)
	case s.ds.IsFastcard:
		return geFastcardConvert(s)
	}
	return standardConvert(s)
}

// geMulticoilConvert stacks every coil, plus the combined image, along a
// trailing axis.
func geMulticoilConvert(s *series) error {
	log.Debug("multicoil recon")
	if err := partialVolCheck(s); err != nil {
		return err
	}
	return stackGroups(s, s.groups, "coil")
}

// geFastcardConvert splits the series into its five image types and stacks
// them along a trailing axis.
func geFastcardConvert(s *series) error {
	log.Debug("fastcard recon")
	size := s.ds.TotalNumSlices / 5
	if size == 0 {
		return errors.Wrap(ErrReconstruct, "fastcard series has fewer than 5 images")
	}
	var groups [][]*instance
	for i := 0; i < len(s.instances); i += size {
		end := i + size
		if end > len(s.instances) {
			end = len(s.instances)
		}
		groups = append(groups, s.instances[i:end])
	}
	return stackGroups(s, groups, "volume")
}

func stackGroups(s *series, groups [][]*instance, what string) error {
	stacks := make([][]*models.Slice, len(groups))
	for i, g := range groups {
		if n := distinctLocations(g); n != s.ds.NumSlices {
			return errors.Wrapf(ErrReconstruct, "%s %d has %d unique positions; expected %d", what, i+1, n, s.ds.NumSlices)
		}
		stacks[i] = slicesOf(g)
	}
	res, err := s.reconstructor().StackSequence(stacks)
	if err != nil {
		return reconstructError(s.ds.Filepath, err)
	}
	s.setResult(res)
	s.groups = nil
	return postConvert(s)
}

func distinctLocations(instances []*instance) int {
	seen := map[float64]bool{}
	for _, inst := range instances {
		seen[inst.slice.SliceLocation] = true
	}
	return len(seen)
}

func hasTriggerTime(inst *instance) bool {
	_, ok := getFloat(inst.hdr, tagTriggerTime)
	return ok
}

func allClose(a, b [3]float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-8+1e-5*math.Abs(b[i]) {
			return false
		}
	}
	return true
}

func orOne(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

func orOneF(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

// geSC reads GE secondary captures. Screen saves of the graphical
// prescription are kept as RGB or gray frames without geometry.
type geSC struct{}

func (geSC) name() string { return "sc.ge" }

func (geSC) parseOne(s *series) error {
	if equalStrings(s.ds.ImageType, geTypeScreenshot) || equalStrings(s.ds.ImageType, geTypeVXTL) {
		s.ds.IsScreenshot = true
		s.ds.ScanType = medimg.ScanScreenshot
	}
	return nil
}

func (geSC) parseAll(*series) error { return nil }

func (geSC) convert(s *series) error {
	if !s.ds.IsScreenshot {
		return nil
	}
	return convertScreenshot(s)
}

// convertScreenshot stacks captured frames in acquisition order.
func convertScreenshot(s *series) error {
	log.Debug("screenshot recon")
	s.ds.SliceOrder = medimg.SliceOrderUnknown
	s.ds.PSDType = ""
	res, err := s.reconstructor().StackFrames(s.slices())
	if err != nil {
		return reconstructError(s.ds.Filepath, err)
	}
	s.ds.Data = models.Primary(res.Volume)
	s.ds.QtoXYZ = nil
	return nil
}
