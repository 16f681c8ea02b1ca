package dicom

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
)

const (
	siemensBvalue = "CsaSeries.MrPhoenixProtocol.sDiffusion.alBValue[1]"
	siemensBvec   = "CsaImage.DiffusionGradientDirection"
)

// distortion corrected retro images mix orientations and cannot be stacked
var siemensTypeDIS2D = []string{"ORIGINAL", "PRIMARY", "M", "RETRO", "NORM", "DIS2D", "FM4_2", "FIL"}

// siemensMR reads Siemens MR images. Most acquisition parameters live in the
// CSA headers and the protocol dump inside them.
type siemensMR struct{}

func (siemensMR) name() string { return "mr.siemens" }

func (siemensMR) parseOne(s *series) error {
	ds := s.ds
	parseStandardMRTags(s)
	s.csa = siemensFields(s.hdr)
	csa := s.csa

	ds.PSDName = strings.Replace(strings.ToLower(csa.str("CsaSeries.MrPhoenixProtocol.tSequenceFileName")), "%", "", 1)
	ds.PSDIName = ds.SeriesDesc
	ds.FOVX, _ = csa.float("CsaSeries.MrPhoenixProtocol.sSliceArray.asSlice[0].dPhaseFOV")
	ds.FOVY, _ = csa.float("CsaSeries.MrPhoenixProtocol.sSliceArray.asSlice[0].dReadoutFOV")
	ds.ReceiveCoilName = csa.str("CsaImage.ImaCoilString")
	if d, ok := csa.float("CsaImage.SliceMeasurementDuration"); ok {
		ds.SliceDuration = d / 1e6
	}
	ds.PrescribedDuration, _ = csa.float("CsaSeries.MrPhoenixProtocol.lScanTimeSec")
	ds.Duration, _ = csa.float("CsaSeries.MrPhoenixProtocol.lTotalScanTimeSec")
	// the acquisition number counts volumes within one scan
	ds.AcqNo = nil

	ds.DWIDirs, _ = csa.int("CsaSeries.MrPhoenixProtocol.sDiffusion.lDiffDirections")
	if ds.DWIDirs > 1 {
		ds.IsDWI = true
		ds.NumTimepoints = 1
	}

	if containsString(ds.ImageType, "CSAPARALLEL") || containsString(ds.ImageType, "POSDISP") ||
		equalStrings(ds.ImageType, siemensTypeDIS2D) {
		ds.IsNonImage = true
	}

	ds.PSDType = medimg.InferSiemensPSDType(ds.PSDName)
	adjustFOVAcqmat(s)
	ds.ScanType = medimg.InferScanType(ds)
	return nil
}

func (siemensMR) parseAll(s *series) error {
	ds, csa := s.ds, s.csa
	if !containsString(ds.ImageType, "MOSAIC") {
		log.Debug("siemens single slice dicom")
		ds.TotalNumSlices = len(s.instances)
		if n, ok := csa.int("CsaSeries.MrPhoenixProtocol.sSliceArray.lSize"); ok {
			ds.NumSlices = n
		} else {
			ds.NumSlices, _ = csa.int("CsaSeries.MrPhoenixProtocol.sGroupArray.asGroup[0].nSize")
		}
		ds.NumTimepoints = 0
		if ds.NumSlices > 0 {
			ds.NumTimepoints = ds.TotalNumSlices / ds.NumSlices
		}
	} else {
		log.Debug("siemens mosaic")
		if n, ok := csa.int("CsaImage.NumberOfImagesInMosaic"); ok {
			ds.NumSlices = n
		} else {
			ds.NumSlices, _ = getInt(s.hdr, tagSiemensImagesInMosaic)
		}
		if ds.NumSlices < 1 {
			return errors.Wrap(ErrReconstruct, "mosaic without NumberOfImagesInMosaic")
		}
		ds.NumTimepoints = len(s.instances)
		s.mosaic = int(math.Ceil(math.Sqrt(float64(ds.NumSlices))))
		ds.SizeX /= s.mosaic
		ds.SizeY /= s.mosaic
		ds.FOVX /= float64(s.mosaic)
		ds.FOVY /= float64(s.mosaic)
		ds.TotalNumSlices = ds.NumSlices * ds.NumTimepoints
	}
	log.Debugf("num slices / vol: %d", ds.NumSlices)

	if ds.NumTimepoints > 0 && ds.TR > 0 {
		ds.Duration = float64(ds.NumTimepoints) * orOneF(ds.NumAverages) * ds.TR
	}

	// Siemens ucMode 4 is interleaved ascending, which starts on the first
	// slice for odd counts and on the second for even ones
	ds.SliceOrder, _ = csa.int("CsaSeries.MrPhoenixProtocol.sSliceArray.ucMode")
	if ds.SliceOrder == 4 {
		if ds.NumSlices%2 != 0 {
			ds.SliceOrder = medimg.SliceOrderAltInc
		} else {
			ds.SliceOrder = medimg.SliceOrderAltInc2
		}
	}

	ds.NumReceivers = 0
	for k := range csa {
		if strings.HasSuffix(k, "sCoilElementID.tCoilID") {
			ds.NumReceivers++
		}
	}

	checkLocalizer(s)

	if ds.IsDWI {
		// one gradient per volume
		step := ds.NumSlices
		if s.mosaic > 0 || step < 1 {
			step = 1
		}
		ds.Bvals = nil
		ds.Bvecs = [3][]float64{}
		for i := 0; i < len(s.instances); i += step {
			f := siemensFields(s.instances[i].hdr)
			b, _ := f.float(siemensBvalue)
			ds.Bvals = append(ds.Bvals, b)
			v, ok := f.floats(siemensBvec)
			if !ok || len(v) < 3 {
				v = []float64{0, 0, 0}
			}
			for k := 0; k < 3; k++ {
				ds.Bvecs[k] = append(ds.Bvecs[k], v[k])
			}
		}
	}
	return nil
}

func (siemensMR) convert(s *series) error {
	switch {
	case s.ds.IsNonImage:
		return nonImageHandler(s)
	case s.ds.IsLocalizer:
		return localizerConvert(s)
	case s.mosaic > 0:
		return mosaicConvert(s)
	}
	return standardConvert(s)
}

// mosaicConvert cuts every mosaic frame into its tiles, places each tile in
// patient space and stacks the tiles.
func mosaicConvert(s *series) error {
	log.Debug("mosaic recon")
	recon := s.reconstructor()
	mosaics := s.slices()
	if err := recon.Decode(mosaics); err != nil {
		return reconstructError(s.ds.Filepath, err)
	}
	normal, hasNormal := s.csa.floats("CsaImage.SliceNormalVector")
	spacing := s.ds.MMPerVoxZ
	if spacing == 0 {
		spacing = 1
	}

	var tiles []*models.Slice
	for t, m := range mosaics {
		n := m.Normal()
		if hasNormal && len(normal) >= 3 {
			n = [3]float64{normal[0], normal[1], normal[2]}
		}
		for k, tile := range unmosaic(m, s.mosaic, s.ds.NumSlices) {
			for i := 0; i < 3; i++ {
				tile.Position[i] += float64(k) * spacing * n[i]
			}
			tile.SortKey = float64(t)
			tiles = append(tiles, tile)
		}
	}
	res, err := recon.Stack(tiles)
	if err != nil {
		return reconstructError(s.ds.Filepath, err)
	}
	s.setResult(res)
	return postConvert(s)
}

// unmosaic splits a decoded mosaic frame into n tiles laid out dim by dim,
// row major. Every tile gets the position of the first tile: the mosaic
// position refers to the corner of the whole frame and is shifted by half
// the difference between the frame and tile extents.
func unmosaic(m *models.Slice, dim, n int) []*models.Slice {
	rows, cols := m.Rows/dim, m.Cols/dim
	row, col := m.RowCosines(), m.ColCosines()
	dr := float64(m.Rows-rows) / 2
	dc := float64(m.Cols-cols) / 2
	var origin [3]float64
	for i := 0; i < 3; i++ {
		origin[i] = m.Position[i] + col[i]*m.PixelSpacing[0]*dr + row[i]*m.PixelSpacing[1]*dc
	}

	ch := m.Channels
	if ch < 1 {
		ch = 1
	}
	tiles := make([]*models.Slice, 0, n)
	for k := 0; k < n; k++ {
		tr, tc := k/dim, k%dim
		tile := *m
		tile.Decode = nil
		tile.Rows, tile.Cols = rows, cols
		tile.Position = origin
		tile.Pixels = make([]float64, rows*cols*ch)
		for r := 0; r < rows; r++ {
			src := ((tr*rows+r)*m.Cols + tc*cols) * ch
			copy(tile.Pixels[r*cols*ch:(r+1)*cols*ch], m.Pixels[src:src+cols*ch])
		}
		tiles = append(tiles, &tile)
	}
	return tiles
}

// siemensSC reads Siemens secondary captures, which carry no usable image.
type siemensSC struct{}

func (siemensSC) name() string { return "sc.siemens" }

func (siemensSC) parseOne(s *series) error {
	log.Debugf("image type %v", s.ds.ImageType)
	s.ds.IsNonImage = true
	return nil
}

func (siemensSC) parseAll(*series) error { return nil }

func (siemensSC) convert(s *series) error {
	if s.ds.IsScreenshot {
		return convertScreenshot(s)
	}
	return nil
}

var errEnhancedSR = errors.New("enhanced sr/siemens has not been implemented")

// siemensEnhancedSR marks structured reports as unsupported.
type siemensEnhancedSR struct{}

func (siemensEnhancedSR) name() string { return "enhanced_sr.siemens" }

func (siemensEnhancedSR) parseOne(s *series) error {
	log.Debug("enhanced SR is not supported")
	s.ds.FailureReason = errEnhancedSR
	return nil
}

func (siemensEnhancedSR) parseAll(s *series) error {
	s.ds.FailureReason = errEnhancedSR
	return nil
}

func (siemensEnhancedSR) convert(s *series) error {
	return errEnhancedSR
}
