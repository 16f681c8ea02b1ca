package dicom

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrCSA is returned for Siemens CSA headers that cannot be decoded.
var ErrCSA = errors.New("invalid CSA header")

const (
	maxCSATags  = 128
	maxCSAItems = 300
)

// fields is a flat lookup of Siemens private metadata, keyed like
// "CsaImage.SliceMeasurementDuration" or
// "CsaSeries.MrPhoenixProtocol.sSliceArray.lSize".
type fields map[string][]string

func (f fields) str(key string) string {
	if v := f[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (f fields) floats(key string) ([]float64, bool) {
	v := f[key]
	if len(v) == 0 {
		return nil, false
	}
	out := make([]float64, len(v))
	for i, s := range v {
		x, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, false
		}
		out[i] = x
	}
	return out, true
}

func (f fields) float(key string) (float64, bool) {
	v, ok := f.floats(key)
	if !ok {
		return 0, false
	}
	return v[0], true
}

func (f fields) int(key string) (int, bool) {
	x, ok := f.float(key)
	return int(x), ok
}

// csaReader walks a CSA buffer little endian.
type csaReader struct {
	buf []byte
	pos int
}

func (r *csaReader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, errors.Wrap(ErrCSA, "truncated")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *csaReader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *csaReader) cstring(n int) (string, error) {
	if r.pos+n > len(r.buf) {
		return "", errors.Wrap(ErrCSA, "truncated")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// parseCSA decodes a Siemens CSA header, in either the SV10 ("CSA2") or the
// older CSA1 layout. Each tag maps to its non-empty items; tags without
// items are left out.
func parseCSA(buf []byte) (fields, error) {
	r := &csaReader{buf: buf}
	csa2 := bytes.HasPrefix(buf, []byte("SV10"))
	if csa2 {
		r.pos = 8
	}
	nTags, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if nTags < 1 || nTags > maxCSATags {
		return nil, errors.Wrapf(ErrCSA, "%d tags", nTags)
	}
	if _, err := r.uint32(); err != nil { // always 77
		return nil, err
	}

	out := fields{}
	var tag0 int32
	for t := 0; t < int(nTags); t++ {
		name, err := r.cstring(64)
		if err != nil {
			return nil, err
		}
		vm, err := r.int32()
		if err != nil {
			return nil, err
		}
		if _, err := r.cstring(4); err != nil { // VR
			return nil, err
		}
		if _, err := r.int32(); err != nil { // syngo datatype
			return nil, err
		}
		nItems, err := r.int32()
		if err != nil {
			return nil, err
		}
		if _, err := r.int32(); err != nil {
			return nil, err
		}
		if t == 0 {
			tag0 = nItems
		}
		if nItems < 0 || nItems > maxCSAItems {
			return nil, errors.Wrapf(ErrCSA, "tag %s has %d items", name, nItems)
		}

		var items []string
		for i := 0; i < int(nItems); i++ {
			var x [4]int32
			for k := range x {
				if x[k], err = r.int32(); err != nil {
					return nil, err
				}
			}
			itemLen := int(x[1])
			if !csa2 {
				itemLen = int(x[0] - tag0)
				if itemLen < 0 || r.pos+itemLen > len(buf) {
					break
				}
			}
			if itemLen < 0 || r.pos+itemLen > len(buf) {
				return nil, errors.Wrapf(ErrCSA, "tag %s item %d overruns buffer", name, i)
			}
			value, _ := r.cstring(itemLen)
			if pad := itemLen % 4; pad != 0 {
				r.pos += 4 - pad
			}
			if vm > 0 && i >= int(vm) {
				continue
			}
			items = append(items, strings.TrimSpace(value))
		}
		for len(items) > 0 && items[len(items)-1] == "" {
			items = items[:len(items)-1]
		}
		if len(items) > 0 {
			out[name] = items
		}
	}
	return out, nil
}

// siemensFields collects the CSA image and series headers of h under the
// CsaImage. and CsaSeries. prefixes and expands the series protocol.
func siemensFields(h Header) fields {
	out := fields{}
	merge := func(t tag.Tag, prefix string) {
		b, ok := h.Bytes(t)
		if !ok {
			return
		}
		csa, err := parseCSA(b)
		if err != nil {
			log.WithError(err).Debugf("skipping %s", strings.TrimSuffix(prefix, "."))
			return
		}
		for k, v := range csa {
			out[prefix+k] = v
		}
	}
	merge(tagSiemensCSAImageHeader, "CsaImage.")
	merge(tagSiemensCSASeriesHeader, "CsaSeries.")

	for _, proto := range []struct{ name, delim string }{
		{"MrPhoenixProtocol", `""`},
		{"MrProtocol", `"`},
	} {
		key := "CsaSeries." + proto.name
		text, ok := out[key]
		if !ok {
			continue
		}
		for k, v := range parseASCCONV(strings.Join(text, `\`), proto.delim) {
			out[key+"."+k] = []string{v}
		}
	}
	return out
}
