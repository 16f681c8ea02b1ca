package dicom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSA(t *testing.T) {
	buf := encodeCSA(map[string][]string{
		"SliceMeasurementDuration":   {"62500"},
		"DiffusionGradientDirection": {"0.5", "0", "-0.5"},
		"Unset":                      {},
	})
	f, err := parseCSA(buf)
	require.NoError(t, err)

	assert.Equal(t, []string{"62500"}, f["SliceMeasurementDuration"])
	v, ok := f.floats("DiffusionGradientDirection")
	require.True(t, ok)
	assert.Equal(t, []float64{0.5, 0, -0.5}, v)
	_, ok = f["Unset"]
	assert.False(t, ok)
}

func TestParseCSARejectsGarbage(t *testing.T) {
	_, err := parseCSA([]byte("SV10\x04\x03\x02\x01"))
	assert.ErrorIs(t, err, ErrCSA)

	_, err = parseCSA([]byte{0, 0, 0, 0, 77, 0, 0, 0})
	assert.ErrorIs(t, err, ErrCSA)
}

func TestParseASCCONV(t *testing.T) {
	text := ascconv(
		`tSequenceFileName                        = ""%SiemensSeq%\ep2d_bold""`,
		`sSliceArray.lSize                        = 36`,
		`sSliceArray.ucMode                       = 0x4  # interleaved`,
		`sSliceArray.asSlice[0].dPhaseFOV         = 220.5`,
		`# a comment = not a value`,
	)
	got := parseASCCONV(text, `""`)
	assert.Equal(t, `%SiemensSeq%\ep2d_bold`, got["tSequenceFileName"])
	assert.Equal(t, "36", got["sSliceArray.lSize"])
	assert.Equal(t, "4", got["sSliceArray.ucMode"])
	assert.Equal(t, "220.5", got["sSliceArray.asSlice[0].dPhaseFOV"])
	assert.Len(t, got, 4)

	assert.Empty(t, parseASCCONV("no markers here", `""`))
}

func TestSiemensFields(t *testing.T) {
	h := newFakeHeader().
		setBytes(tagSiemensCSAImageHeader, encodeCSA(map[string][]string{
			"NumberOfImagesInMosaic": {"14"},
		})).
		setBytes(tagSiemensCSASeriesHeader, encodeCSA(map[string][]string{
			"MrPhoenixProtocol": {ascconv(`sSliceArray.lSize = 14`, `lScanTimeSec = 300`)},
		}))
	f := siemensFields(h)

	n, ok := f.int("CsaImage.NumberOfImagesInMosaic")
	require.True(t, ok)
	assert.Equal(t, 14, n)
	assert.Equal(t, "14", f.str("CsaSeries.MrPhoenixProtocol.sSliceArray.lSize"))
	d, ok := f.float("CsaSeries.MrPhoenixProtocol.lScanTimeSec")
	require.True(t, ok)
	assert.Equal(t, 300.0, d)

	assert.Empty(t, siemensFields(newFakeHeader().setBytes(tagSiemensCSAImageHeader, []byte("junk"))))
}
