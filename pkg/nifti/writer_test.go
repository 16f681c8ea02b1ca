package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
)

func testDataset() *models.Dataset {
	ds := models.NewDataset("series.tgz", "dicom", "mr")
	ds.QtoXYZ = mat.NewDense(4, 4, []float64{
		-2, 0, 0, 10,
		0, -2, 0, 20,
		0, 0, 3, -5,
		0, 0, 0, 1,
	})
	ds.TR = 2
	ds.TE = 0.03
	ds.FlipAngle = 90
	ds.EffectiveEchoSpacing = 0.00069
	ds.AcquisitionMatrixX, ds.AcquisitionMatrixY = 64, 64
	ds.PhaseEncodeUndersample = 0.5
	ds.SliceDuration = 0.05
	ds.SliceOrder = medimg.SliceOrderAltInc
	pe := 0
	ds.PhaseEncode = &pe
	return ds
}

// rampVolume holds 0, 10, 20, ... in file order.
func rampVolume(t models.DataType, dims ...int) *models.Volume {
	vol := models.NewVolume(t, dims...)
	for i := range vol.Data {
		vol.Data[i] = float64(10 * i)
	}
	return vol
}

func readVoxels(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), voxOffset)
	return raw[voxOffset:]
}

func TestWrite(t *testing.T) {
	ds := testDataset()
	outbase := filepath.Join(t.TempDir(), "1.2.3_1")
	files, err := Write(ds, models.Primary(rampVolume(models.Int16, 3, 2, 2)), outbase, models.WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{outbase + ".nii.gz"}, files)

	h, order, err := ReadHeader(files[0])
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian, order)
	assert.Equal(t, []int{3, 2, 2}, h.Dims())
	assert.Equal(t, int16(4), h.Datatype)
	assert.Equal(t, int16(16), h.Bitpix)
	assert.Equal(t, float32(352), h.VoxOffset)
	assert.Equal(t, byte(unitsMM|unitsSec), h.XYZTUnits)
	assert.Equal(t, int16(1), h.QformCode)
	assert.Equal(t, int16(1), h.SformCode)
	assert.Equal(t, [4]float32{-2, 0, 0, 10}, h.SRowX)
	assert.Equal(t, [4]float32{0, 0, 3, -5}, h.SRowZ)
	assertAffine(t, ds.QtoXYZ, h.QForm())
	assert.Equal(t, float32(2), h.Pixdim[4])
	assert.Equal(t, byte(54), h.DimInfo)
	assert.Equal(t, int16(0), h.SliceStart)
	assert.Equal(t, int16(1), h.SliceEnd)
	assert.Equal(t, byte(medimg.SliceOrderAltInc), h.SliceCode)
	assert.InDelta(t, 0.05, h.SliceDuration, 1e-7)
	assert.InDelta(t, 11, h.CalMin, 1e-4)
	assert.InDelta(t, 109.45, h.CalMax, 1e-4)
	assert.Equal(t, "te=30.00;ti=0;fa=90;ec=0.6900;acq=[64,64];mt=0;rp=2.0;", h.DescripString())

	voxels := readVoxels(t, files[0])
	require.Len(t, voxels, 24)
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(voxels[0:]))
	assert.Equal(t, uint16(110), binary.LittleEndian.Uint16(voxels[22:]))
}

func TestWriteLabelsAndGradients(t *testing.T) {
	ds := testDataset()
	ds.IsDWI = true
	ds.Bvals = []float64{0, 1000}
	ds.Bvecs = [3][]float64{{0, 1}, {0, 0}, {0, -0.5}}

	data := models.NewDataMap()
	data.Set("_phase", rampVolume(models.Float32, 2, 2, 1, 2))
	data.Set("", rampVolume(models.Int16, 2, 2, 1, 2))
	data.Set("_skipped", nil)

	outbase := filepath.Join(t.TempDir(), "dwi")
	files, err := Write(ds, data, outbase, models.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		outbase + ".bval",
		outbase + ".bvec",
		outbase + ".nii.gz",
		outbase + "_phase.nii.gz",
	}, files)

	bval, err := os.ReadFile(outbase + ".bval")
	require.NoError(t, err)
	assert.Equal(t, "0.0 1000.0", string(bval))
	bvec, err := os.ReadFile(outbase + ".bvec")
	require.NoError(t, err)
	assert.Equal(t, "0.0000 1.0000\n0.0000 0.0000\n0.0000 -0.5000\n", string(bvec))

	h, _, err := ReadHeader(outbase + "_phase.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, int16(16), h.Datatype)
	assert.Equal(t, int16(0), h.SliceEnd)
}

func TestWriteVoxelOrder(t *testing.T) {
	ds := testDataset()
	vol := rampVolume(models.Int16, 3, 2, 2)
	outbase := filepath.Join(t.TempDir(), "lpi")
	files, err := Write(ds, models.Primary(vol), outbase, models.WriteOptions{VoxelOrder: "LPI"})
	require.NoError(t, err)
	require.Len(t, files, 1)

	want, wantAff, err := medimg.ReorderVoxels(vol, ds.QtoXYZ, "LPI")
	require.NoError(t, err)
	h, _, err := ReadHeader(files[0])
	require.NoError(t, err)
	assertAffine(t, wantAff, h.SForm())
	assert.Equal(t, float32(2), h.SRowX[0])
	assert.Equal(t, float32(6), h.SRowX[3])

	voxels := readVoxels(t, files[0])
	// the first voxel is the last one of the first row before flipping
	assert.Equal(t, uint16(want.At(0, 0, 0)), binary.LittleEndian.Uint16(voxels))
	assert.Equal(t, vol.At(2, 1, 0), want.At(0, 0, 0))
	// the input volume is left alone
	assert.Equal(t, 0.0, vol.At(0, 0, 0))
}

func TestWriteVoxelOrderWithoutAffine(t *testing.T) {
	ds := testDataset()
	ds.QtoXYZ = nil
	_, err := Write(ds, models.Primary(rampVolume(models.Int16, 2, 2, 2)), filepath.Join(t.TempDir(), "x"),
		models.WriteOptions{VoxelOrder: "LPS"})
	assert.ErrorIs(t, err, ErrNifti)
}

func TestDescription(t *testing.T) {
	ds := testDataset()
	ds.AcquisitionType = "3D"
	ds.SliceEncodeUndersample = 0.5
	dir := 1
	ds.PhaseEncodeDirection = &dir
	ds.IsFastcard = true
	ds.VelocityEncodeScale = 0.25
	got := Description(ds)
	assert.Equal(t, "te=30.00;ti=0;fa=90;ec=0.6900;acq=[64,64];mt=0;rp=2.0;rs=2.0pe=1ve=0.250000", got)

	parsed := models.NewDataset("x.nii.gz", Filetype, "mr")
	applyDescription(parsed, got)
	assert.InDelta(t, 0.03, parsed.TE, 1e-12)
	assert.Equal(t, 90.0, parsed.FlipAngle)
	assert.InDelta(t, 0.00069, parsed.EffectiveEchoSpacing, 1e-12)
	assert.Equal(t, 64.0, parsed.AcquisitionMatrixX)
	assert.Equal(t, 64.0, parsed.AcquisitionMatrixY)
	assert.Equal(t, 0.5, parsed.PhaseEncodeUndersample)
	assert.Equal(t, 0.5, parsed.SliceEncodeUndersample)
	require.NotNil(t, parsed.PhaseEncodeDirection)
	assert.Equal(t, 1, *parsed.PhaseEncodeDirection)
	assert.True(t, parsed.IsFastcard)
	assert.Equal(t, 0.25, parsed.VelocityEncodeScale)
}

func TestEncodeVoxels(t *testing.T) {
	vol := models.NewVolume(models.Complex64, 1)
	vol.Data[0], vol.Imag[0] = 1.5, -2
	raw, err := encodeVoxels(vol)
	require.NoError(t, err)
	require.Len(t, raw, 8)
	assert.Equal(t, uint32(0x3fc00000), binary.LittleEndian.Uint32(raw))
	assert.Equal(t, uint32(0xc0000000), binary.LittleEndian.Uint32(raw[4:]))

	rgb := models.NewVolume(models.RGB24, 2)
	copy(rgb.Data, []float64{255, 128, 0, 1, 2, 3})
	raw, err = encodeVoxels(rgb)
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 128, 0, 1, 2, 3}, raw)

	i8 := models.NewVolume(models.Int8, 1)
	i8.Data[0] = -3
	raw, err = encodeVoxels(i8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfd}, raw)
}
