package nifti

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"nimsdata/internal/models"
)

func assertAffine(t *testing.T, want, got mat.Matrix) {
	t.Helper()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, want.At(i, j), got.At(i, j), 1e-5, "affine[%d][%d]", i, j)
		}
	}
}

func TestQFormRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		aff  *mat.Dense
		qfac float32
	}{
		{"axial", mat.NewDense(4, 4, []float64{
			-2, 0, 0, 10,
			0, -2, 0, 20,
			0, 0, 3, -5,
			0, 0, 0, 1,
		}), 1},
		{"swapped axes", mat.NewDense(4, 4, []float64{
			1.5, 0, 0, -90,
			0, 0, 3, -120,
			0, 2, 0, 45,
			0, 0, 0, 1,
		}), -1},
		{"oblique", mat.NewDense(4, 4, []float64{
			0.8660254, -0.5, 0, 1,
			0.5, 0.8660254, 0, 2,
			0, 0, 1, 3,
			0, 0, 0, 1,
		}), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Header{}
			h.SetQForm(tt.aff, xformScanner)
			assert.Equal(t, int16(xformScanner), h.QformCode)
			assert.Equal(t, tt.qfac, h.Pixdim[0])
			assertAffine(t, tt.aff, h.QForm())
		})
	}
}

func TestAffinePrefersSForm(t *testing.T) {
	h := &Header{}
	h.Pixdim = [8]float32{1, 2, 3, 4, 1, 1, 1, 1}
	assertAffine(t, mat.NewDense(4, 4, []float64{2, 0, 0, 0, 0, 3, 0, 0, 0, 0, 4, 0, 0, 0, 0, 1}), h.Affine())

	q := mat.NewDense(4, 4, []float64{-1, 0, 0, 5, 0, -1, 0, 6, 0, 0, 1, 7, 0, 0, 0, 1})
	h.SetQForm(q, xformScanner)
	assertAffine(t, q, h.Affine())

	s := mat.NewDense(4, 4, []float64{1, 0.1, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1})
	h.SetSForm(s, xformScanner)
	assertAffine(t, s, h.Affine())
}

func TestNewHeader(t *testing.T) {
	vol := models.NewVolume(models.Complex64, 4, 3, 2)
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 0.5, 0.5, 2
	h, err := NewHeader(vol)
	require.NoError(t, err)
	assert.Equal(t, int16(32), h.Datatype)
	assert.Equal(t, int16(64), h.Bitpix)
	assert.Equal(t, [8]int16{3, 4, 3, 2, 0, 0, 0, 0}, h.Dim)
	assert.Equal(t, []int{4, 3, 2}, h.Dims())
	assert.Equal(t, [8]float32{1, 0.5, 0.5, 2, 1, 1, 1, 1}, h.Pixdim)
	assert.Equal(t, magicSingle, h.Magic)

	dt, err := h.DataType()
	require.NoError(t, err)
	assert.Equal(t, models.Complex64, dt)

	_, err = NewHeader(&models.Volume{Dims: []int{1, 1, 1, 1, 1, 1, 1, 1}, Type: models.Float32})
	assert.ErrorIs(t, err, ErrNifti)
	_, err = NewHeader(&models.Volume{Dims: []int{40000}, Type: models.Float32})
	assert.ErrorIs(t, err, ErrNifti)
}

func TestDescripTruncated(t *testing.T) {
	h := &Header{}
	h.SetDescrip("short")
	assert.Equal(t, "short", h.DescripString())
	long := bytes.Repeat([]byte("x"), 100)
	h.SetDescrip(string(long))
	assert.Len(t, h.DescripString(), 80)
}

func TestParseHeaderByteOrder(t *testing.T) {
	h, err := NewHeader(models.NewVolume(models.Int16, 8, 8, 4))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, h))
	got, order, err := parseHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, order)
	assert.Equal(t, []int{8, 8, 4}, got.Dims())

	buf.Reset()
	_, err = h.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, voxOffset, buf.Len())
	_, order, err = parseHeader(buf.Bytes()[:headerSize])
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian, order)
}

func TestReadHeaderRejects(t *testing.T) {
	h, err := NewHeader(models.NewVolume(models.Int16, 2, 2))
	require.NoError(t, err)
	h.Magic = [4]byte{'a', 'b', 'c', 0}
	var buf bytes.Buffer
	_, err = h.WriteTo(&buf)
	require.NoError(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.nii")
	require.NoError(t, os.WriteFile(bad, buf.Bytes(), 0644))
	_, _, err = ReadHeader(bad)
	assert.ErrorIs(t, err, ErrNifti)

	short := filepath.Join(dir, "short.nii")
	require.NoError(t, os.WriteFile(short, []byte("n+1"), 0644))
	_, _, err = ReadHeader(short)
	assert.ErrorIs(t, err, ErrNifti)

	_, _, err = ReadHeader(filepath.Join(dir, "missing.nii"))
	assert.Error(t, err)
}
