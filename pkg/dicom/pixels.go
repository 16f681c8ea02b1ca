package dicom

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"nimsdata/internal/models"
)

// decodeFrame parses the full file and fills s with its first frame.
func decodeFrame(data []byte, s *models.Slice) error {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", s.Filename)
	}
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return errors.Wrapf(err, "%s has no pixel data", s.Filename)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return errors.Errorf("%s has no frames", s.Filename)
	}
	fr := info.Frames[0]
	nf, err := fr.GetNativeFrame()
	if err != nil {
		return errors.Wrapf(err, "%s: only native pixel data is supported", s.Filename)
	}

	h := newDatasetHeader(ds)
	bits, _ := getInt(h, tagBitsAllocated)
	signed, _ := getInt(h, tagPixelRepresentation)

	channels := 1
	if len(nf.Data) > 0 && len(nf.Data[0]) > 1 {
		channels = len(nf.Data[0])
	}
	pixels := make([]float64, nf.Rows*nf.Cols*channels)
	for i, px := range nf.Data {
		for c := 0; c < channels && c < len(px); c++ {
			pixels[i*channels+c] = sample(px[c], bits, signed == 1)
		}
	}
	s.Rows, s.Cols, s.Channels = nf.Rows, nf.Cols, channels
	s.Pixels = pixels
	return nil
}

// sample reinterprets a raw stored value as two's complement when the
// pixel representation is signed.
func sample(v, bits int, signed bool) float64 {
	if !signed {
		return float64(v)
	}
	switch bits {
	case 8:
		return float64(int8(uint8(v)))
	case 32:
		return float64(int32(uint32(v)))
	}
	return float64(int16(uint16(v)))
}
