package png

import (
	"image"
	stdpng "image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"nimsdata/internal/models"
)

func decode(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := stdpng.Decode(f)
	require.NoError(t, err)
	return img
}

func TestWriteGray(t *testing.T) {
	vol := models.NewVolume(models.Int16, 3, 2, 2)
	copy(vol.Data, []float64{
		-100, 0, 50,
		100, 32767, 25,
		1, 2, 3,
		4, 5, 6,
	})
	outbase := filepath.Join(t.TempDir(), "screen")
	paths, err := Write(models.NewDataset("in", "dicom", "mr"), models.Primary(vol), outbase, models.WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{outbase + "_1.png", outbase + "_2.png"}, paths)

	img := decode(t, paths[0]).(*image.Gray)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, []uint8{0, 0, 127, 255, 255, 63}, img.Pix)

	img = decode(t, paths[1]).(*image.Gray)
	assert.Equal(t, uint8(255), img.GrayAt(2, 1).Y)
	assert.Equal(t, uint8(42), img.GrayAt(0, 0).Y)
}

func TestWriteLabelsAndFrames(t *testing.T) {
	vol := models.NewVolume(models.Uint8, 2, 2, 2, 2)
	for i := range vol.Data {
		vol.Data[i] = float64(i + 1)
	}
	data := models.Primary(vol)
	data.Set("fieldmap", models.NewVolume(models.Uint8, 2, 2))

	outbase := filepath.Join(t.TempDir(), "out")
	paths, err := Write(models.NewDataset("in", "dicom", "mr"), data, outbase, models.WriteOptions{})
	require.NoError(t, err)
	require.Len(t, paths, 5)
	assert.Equal(t, outbase+"_4.png", paths[3])
	assert.Equal(t, outbase+"fieldmap_1.png", paths[4])

	// the last plane is z=1, t=1
	img := decode(t, paths[3]).(*image.Gray)
	assert.Equal(t, uint8(255), img.GrayAt(1, 1).Y)
}

func TestWriteRGB(t *testing.T) {
	vol := models.NewVolume(models.RGB24, 2, 1, 1)
	copy(vol.Data, []float64{255, 0, 0, 0, 0, 255})
	outbase := filepath.Join(t.TempDir(), "rgb")
	paths, err := Write(models.NewDataset("in", "dicom", "mr"), models.Primary(vol), outbase, models.WriteOptions{})
	require.NoError(t, err)
	require.Len(t, paths, 1)

	r, g, b, _ := decode(t, paths[0]).At(1, 0).RGBA()
	assert.Equal(t, []uint32{0, 0, 0xffff}, []uint32{r, g, b})
}

func TestWriteReordersWithAffine(t *testing.T) {
	vol := models.NewVolume(models.Uint8, 2, 1, 1)
	copy(vol.Data, []float64{10, 20})
	ds := models.NewDataset("in", "dicom", "mr")
	ds.QtoXYZ = mat.NewDense(4, 4, []float64{
		-1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	outbase := filepath.Join(t.TempDir(), "ro")
	paths, err := Write(ds, models.Primary(vol), outbase, models.WriteOptions{VoxelOrder: "LPI"})
	require.NoError(t, err)
	img := decode(t, paths[0]).(*image.Gray)
	assert.Equal(t, []uint8{255, 127}, img.Pix)

	// without an affine the order request is ignored
	ds.QtoXYZ = nil
	paths, err = Write(ds, models.Primary(vol), outbase, models.WriteOptions{VoxelOrder: "LPI"})
	require.NoError(t, err)
	img = decode(t, paths[0]).(*image.Gray)
	assert.Equal(t, []uint8{127, 255}, img.Pix)
}
