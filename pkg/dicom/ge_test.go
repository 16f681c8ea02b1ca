package dicom

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
)

func TestGEParseOne(t *testing.T) {
	h := mrHeader().
		set(tagPulseSequenceName, "EPI2").
		set(tagReconstructionDiameter, "240").
		set(tagLocationsInAcquisition, "3").
		set(tagImagesInAcquisition, "3").
		set(tagNumberOfTemporalPositions, "3").
		set(tagAcquisitionMatrix, "64", "0", "0", "64").
		set(tagPercentPhaseFieldOfView, "75")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())
	ds := s.ds

	assert.Equal(t, "mr.ge", s.comp.name())
	assert.Equal(t, models.StatusPending, ds.MetadataStatus)
	assert.Equal(t, "4321", ds.ExamNo)
	assert.Equal(t, 7, ds.SeriesNo)
	require.NotNil(t, ds.AcqNo)
	assert.Equal(t, 1, *ds.AcqNo)

	assert.Equal(t, "ab1234", ds.SubjCode)
	assert.Equal(t, "cni", ds.GroupName)
	assert.Equal(t, "study", ds.ProjectName)
	assert.Equal(t, "Jane", ds.SubjFirstname)
	assert.Equal(t, "Doe", ds.SubjLastname)
	assert.Equal(t, "female", ds.SubjSex)
	require.NotNil(t, ds.SubjDOB)
	assert.Equal(t, 1980, ds.SubjDOB.Year())

	assert.Equal(t, time.Date(2014, 3, 5, 10, 20, 0, 0, time.UTC), ds.Timestamp)
	assert.Equal(t, time.Date(2014, 3, 5, 10, 15, 30, 0, time.UTC), ds.StudyDatetime)
	assert.Equal(t, "Stanford MR750", ds.ScannerName)
	assert.Equal(t, "GE MEDICAL SYSTEMS DISCOVERY MR750", ds.ScannerType)

	assert.Equal(t, 2.0, ds.TR)
	assert.InDelta(t, 0.03, ds.TE, 1e-12)
	assert.Equal(t, 77.0, ds.FlipAngle)
	require.NotNil(t, ds.PhaseEncode)
	assert.Equal(t, 1, *ds.PhaseEncode)
	assert.Equal(t, [3]float64{2, 2, 3}, ds.MMPerVox())
	assert.Equal(t, 4, ds.SizeX)
	assert.Equal(t, 3, ds.SizeY)

	assert.Equal(t, "epi2", ds.PSDName)
	assert.Equal(t, "epi", ds.PSDType)
	assert.Equal(t, 3, ds.NumSlices)
	assert.Equal(t, 9, ds.TotalNumSlices)
	assert.Equal(t, 6.0, ds.PrescribedDuration)
	assert.Equal(t, [2]float64{64, 64}, ds.AcquisitionMatrix())
	assert.Equal(t, 240.0, ds.FOVX)
	assert.InDelta(t, 320.0, ds.FOVY, 1e-9)
	assert.Equal(t, medimg.ScanFunctional, ds.ScanType)
	assert.False(t, ds.IsDWI)
}

func TestGEDerivedIsNonImage(t *testing.T) {
	h := mrHeader().
		set(tagImageType, "DERIVED", "SECONDARY", "REFORMATTED", "AVERAGE").
		set(tagLocationsInAcquisition, "3")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())
	assert.True(t, s.ds.IsNonImage)

	require.NoError(t, s.loadInstances(geInstances(h, 3, 1)))
	assert.Nil(t, s.ds.Data)
	assert.Equal(t, models.StatusComplete, s.ds.MetadataStatus)
}

func TestGEStandardConvert(t *testing.T) {
	h := mrHeader().
		set(tagLocationsInAcquisition, "3").
		set(tagImagesInAcquisition, "6").
		set(tagNumberOfTemporalPositions, "2")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())

	insts := geInstances(h, 3, 2)
	// archive order is arbitrary
	for i, j := 0, len(insts)-1; i < j; i, j = i+1, j-1 {
		insts[i], insts[j] = insts[j], insts[i]
	}
	require.NoError(t, s.loadInstances(insts))
	ds := s.ds
	assert.Equal(t, models.StatusComplete, ds.MetadataStatus)
	assert.False(t, ds.IsMulticoil)
	assert.False(t, ds.IsLocalizer)

	vol, ok := ds.Data.Get(models.PrimaryLabel)
	require.True(t, ok)
	assert.Equal(t, []int{4, 3, 3, 2}, vol.Dims)
	assert.Equal(t, 1121.0, vol.At(1, 2, 1, 1))
	assert.Equal(t, 203.0, vol.At(3, 0, 2, 0))

	require.NotNil(t, ds.QtoXYZ)
	assert.Equal(t, -2.0, ds.QtoXYZ.At(0, 0))
	assert.Equal(t, -2.0, ds.QtoXYZ.At(1, 1))
	assert.InDelta(t, 3.0, ds.QtoXYZ.At(2, 2), 1e-9)
	assert.Equal(t, 10.0, ds.QtoXYZ.At(0, 3))
	assert.Equal(t, 20.0, ds.QtoXYZ.At(1, 3))
}

func TestGEPartialVolumeTrimmed(t *testing.T) {
	h := mrHeader().
		set(tagLocationsInAcquisition, "3").
		set(tagImagesInAcquisition, "6").
		set(tagNumberOfTemporalPositions, "2")
	// the header file may be any slice of the series
	s := testSeries(h.clone().set(tagImagePositionPatient, "-10", "-20", "6"))
	require.NoError(t, s.parseHeader())

	require.NoError(t, s.loadInstances(geInstances(h, 3, 3)[:7]))
	vol, ok := s.ds.Data.Get(models.PrimaryLabel)
	require.True(t, ok)
	assert.Equal(t, []int{4, 3, 3, 2}, vol.Dims)
}

func TestGEPartialVolumeTooFew(t *testing.T) {
	h := mrHeader().set(tagLocationsInAcquisition, "3")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())

	err := s.loadInstances(geInstances(h, 3, 1)[:2])
	assert.ErrorIs(t, err, ErrReconstruct)
	assert.Nil(t, s.ds.Data)
}

func TestGEDiffusion(t *testing.T) {
	h := mrHeader().
		set(tagDTIDiffusionDirections, "6").
		set(tagLocationsInAcquisition, "3").
		set(tagImagesInAcquisition, "6")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())
	assert.True(t, s.ds.IsDWI)
	assert.Equal(t, 1, s.ds.NumTimepoints)
	assert.Equal(t, medimg.ScanDiffusion, s.ds.ScanType)

	insts := geInstances(h, 3, 2)
	for i, inst := range insts {
		fh := inst.hdr.(*fakeHeader)
		if i < 3 {
			fh.set(tagBValue, "0").set(tagBvecX, "0").set(tagBvecY, "0").set(tagBvecZ, "0")
		} else {
			fh.set(tagBValue, "1000").set(tagBvecX, "1").set(tagBvecY, "0").set(tagBvecZ, "0")
		}
	}
	require.NoError(t, s.loadInstances(insts))
	ds := s.ds
	assert.False(t, ds.IsMulticoil)

	vol, _ := ds.Data.Get(models.PrimaryLabel)
	assert.Equal(t, []int{4, 3, 3, 2}, vol.Dims)
	assert.Equal(t, []float64{0, 1000}, ds.Bvals)
	require.Len(t, ds.Bvecs[0], 2)
	assert.Equal(t, 0.0, ds.Bvecs[0][0])
	// gradients are rotated into the RAS image frame
	assert.InDelta(t, -1.0, ds.Bvecs[0][1], 1e-9)
	assert.InDelta(t, 0.0, ds.Bvecs[1][1], 1e-9)
	assert.InDelta(t, 0.0, ds.Bvecs[2][1], 1e-9)
}

func withTriggerTimes(insts []*instance, times ...float64) {
	for i, tt := range times {
		insts[i].hdr.(*fakeHeader).set(tagTriggerTime, fmt.Sprint(tt))
		insts[i].slice.TriggerTime = tt
	}
}

func TestGETriggerTimeSliceOrder(t *testing.T) {
	tests := []struct {
		name  string
		times []float64
		order int
	}{
		{"sequential", []float64{0, 100, 200, 300}, medimg.SliceOrderSeqInc},
		{"interleaved", []float64{0, 200, 100, 300}, medimg.SliceOrderAltInc},
		{"descending", []float64{300, 200, 100, 0}, medimg.SliceOrderSeqDec},
		{"interleaved descending", []float64{300, 100, 200, 0}, medimg.SliceOrderAltDec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := mrHeader().
				set(tagLocationsInAcquisition, "4").
				set(tagImagesInAcquisition, "4")
			s := testSeries(h)
			require.NoError(t, s.parseHeader())
			insts := geInstances(h, 4, 1)
			withTriggerTimes(insts, tt.times...)

			require.NoError(t, s.loadInstances(insts))
			assert.Equal(t, tt.order, s.ds.SliceOrder)
			assert.InDelta(t, 0.1, s.ds.SliceDuration, 1e-12)
		})
	}
}

func TestGEMulticoil(t *testing.T) {
	h := mrHeader().
		set(tagLocationsInAcquisition, "2").
		set(tagImagesInAcquisition, "6")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())

	// two coils plus the combined image at every location
	var insts []*instance
	n := 0
	for z := 0; z < 2; z++ {
		for c := 0; c < 3; c++ {
			n++
			fh := h.clone().
				set(tagInstanceNumber, fmt.Sprint(n)).
				set(tagImagePositionPatient, "-10", "-20", fmt.Sprint(z*3)).
				set(tagSliceLocation, fmt.Sprint(z*3))
			inst := newInstance(fmt.Sprintf("i%03d.dcm", n), n-1, fh)
			inst.slice.Pixels = framePixels(3, 4, float64(c*1000+z*100))
			insts = append(insts, inst)
		}
	}
	require.NoError(t, s.loadInstances(insts))
	ds := s.ds
	assert.True(t, ds.IsMulticoil)
	assert.Equal(t, 2, ds.NumReceivers)

	vol, ok := ds.Data.Get(models.PrimaryLabel)
	require.True(t, ok)
	assert.Equal(t, []int{4, 3, 2, 3}, vol.Dims)
	assert.Equal(t, 2100.0, vol.At(0, 0, 1, 2))
	assert.Equal(t, 1011.0, vol.At(1, 1, 0, 1))
}

func TestGEFastcard(t *testing.T) {
	h := mrHeader().
		set(tagLocationsInAcquisition, "1").
		set(tagImagesInAcquisition, "10").
		set(tagCardiacNumberOfImages, "2").
		set(tagVelocityEncoding, "150")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())

	var insts []*instance
	for i := 0; i < 10; i++ {
		fh := h.clone().set(tagInstanceNumber, fmt.Sprint(i+1))
		inst := newInstance(fmt.Sprintf("i%03d.dcm", i+1), i, fh)
		inst.slice.Pixels = framePixels(3, 4, float64(i*100))
		insts = append(insts, inst)
	}
	require.NoError(t, s.loadInstances(insts))
	ds := s.ds
	assert.True(t, ds.IsFastcard)
	assert.False(t, ds.IsMulticoil)
	assert.Equal(t, 2, ds.NumTimepoints)
	assert.Equal(t, 150, ds.VelocityEncoding)

	vol, ok := ds.Data.Get(models.PrimaryLabel)
	require.True(t, ok)
	assert.Equal(t, []int{4, 3, 1, 2, 5}, vol.Dims)
	assert.Equal(t, 900.0, vol.At(0, 0, 0, 1, 4))
	assert.Equal(t, 200.0, vol.At(0, 0, 0, 0, 1))
}

func TestGELocalizer(t *testing.T) {
	h := mrHeader().set(tagImagesInAcquisition, "6")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())
	assert.Equal(t, 6, s.ds.NumSlices)

	planes := [][]string{
		{"1", "0", "0", "0", "1", "0"},
		{"0", "1", "0", "0", "0", "-1"},
		{"1", "0", "0", "0", "0", "-1"},
	}
	var insts []*instance
	for i := 0; i < 6; i++ {
		fh := h.clone().
			set(tagInstanceNumber, fmt.Sprint(i+1)).
			set(tagImageOrientationPatient, planes[i/2]...).
			set(tagImagePositionPatient, "0", "0", fmt.Sprint(i*5))
		inst := newInstance(fmt.Sprintf("i%03d.dcm", i+1), i, fh)
		inst.slice.Pixels = framePixels(3, 4, float64(i*100))
		insts = append(insts, inst)
	}
	require.NoError(t, s.loadInstances(insts))
	ds := s.ds
	assert.True(t, ds.IsLocalizer)
	assert.Equal(t, 3, ds.NumTimepoints)
	assert.Equal(t, 2, ds.NumSlices)

	vol, ok := ds.Data.Get(models.PrimaryLabel)
	require.True(t, ok)
	assert.Equal(t, []int{4, 3, 2, 3}, vol.Dims)
	assert.Equal(t, 500.0, vol.At(0, 0, 1, 2))
}

func TestGEScreenshot(t *testing.T) {
	h := mrHeader().
		set(tagSOPClassUID, sopSC).
		set(tagImageType, "DERIVED", "SECONDARY", "SCREEN SAVE").
		set(tagSamplesPerPixel, "3").
		set(tagBitsAllocated, "8").
		set(tagPixelRepresentation, "0")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())
	assert.Equal(t, "sc.ge", s.comp.name())
	assert.True(t, s.ds.IsScreenshot)
	assert.Equal(t, medimg.ScanScreenshot, s.ds.ScanType)
	assert.Equal(t, "1.2.3.4.4_1", s.ds.AcquisitionUID())

	var insts []*instance
	for i := 0; i < 2; i++ {
		fh := h.clone().set(tagInstanceNumber, fmt.Sprint(i+1))
		inst := newInstance(fmt.Sprintf("sc%d.dcm", i), i, fh)
		assert.Equal(t, 3, inst.slice.Channels)
		assert.Equal(t, models.RGB24, inst.slice.Type)
		inst.slice.Pixels = make([]float64, 3*4*3)
		for k := range inst.slice.Pixels {
			inst.slice.Pixels[k] = float64(i*100 + k)
		}
		insts = append(insts, inst)
	}
	require.NoError(t, s.loadInstances(insts))

	vol, ok := s.ds.Data.Get(models.PrimaryLabel)
	require.True(t, ok)
	assert.Equal(t, []int{4, 3, 2}, vol.Dims)
	assert.Equal(t, 3, vol.Channels)
	assert.Nil(t, s.ds.QtoXYZ)
	// second frame, pixel (0, 1), green channel
	assert.Equal(t, 104.0, vol.Data[vol.Index(1, 0, 1)+1])
}

func TestLookupComposer(t *testing.T) {
	assert.Equal(t, "mr.siemens", lookupComposer(sopMR, "SIEMENS ").name())
	assert.Equal(t, "sc.siemens", lookupComposer(sopSC, "SIEMENS").name())
	assert.Equal(t, "enhanced_sr.siemens", lookupComposer("1.2.840.10008.5.1.4.1.1.88.22", "SIEMENS").name())
	assert.Equal(t, "basic", lookupComposer(sopMR, "Philips Medical Systems").name())
	assert.Equal(t, "basic", lookupComposer("1.2.3", "GE MEDICAL SYSTEMS").name())
}

func TestBasicComposerKeepsHeaderOnly(t *testing.T) {
	h := mrHeader().set(tag.Manufacturer, "Philips Medical Systems")
	s := testSeries(h)
	require.NoError(t, s.parseHeader())
	assert.Equal(t, "basic", s.comp.name())
	assert.Equal(t, "Doe", s.ds.SubjLastname)
	assert.Zero(t, s.ds.TR)

	require.NoError(t, s.loadInstances(geInstances(h, 2, 1)))
	assert.Nil(t, s.ds.Data)
}
