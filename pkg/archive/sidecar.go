package archive

import (
	"archive/zip"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var (
	// ErrNoSidecar is returned when no member of a tgz is a JSON document
	ErrNoSidecar = errors.New("expected json file that indicates filetype in tgz")

	// ErrNoHeader is returned when no JSON member carries a header section
	ErrNoHeader = errors.New("no json file with header section found")
)

// Sidecar is the JSON document that travels with the raw files.
type Sidecar struct {
	// Name is the archive member the sidecar was read from
	Name string

	Raw      []byte
	Filetype string
	Timezone string

	// Overwrite holds attribute values that replace what the reader parsed
	Overwrite map[string]interface{}

	// Header is the "header" object written by the uploader, if any
	Header gjson.Result
}

func parseSidecar(name string, raw []byte) (*Sidecar, bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, false
	}
	sc := &Sidecar{
		Name:     name,
		Raw:      raw,
		Filetype: doc.Get("filetype").String(),
		Timezone: doc.Get("timezone").String(),
		Header:   doc.Get("header"),
	}
	if ow := doc.Get("overwrite"); ow.IsObject() {
		sc.Overwrite, _ = ow.Value().(map[string]interface{})
	}
	return sc, true
}

// FindSidecar returns the first member of the tar at path that is a JSON
// object.
func FindSidecar(path string) (*Sidecar, error) {
	var found *Sidecar
	err := Walk(path, func(m Member) error {
		if sc, ok := parseSidecar(m.Name, m.Data); ok {
			found = sc
			return ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNoSidecar
	}
	return found, nil
}

// FindHeader returns the first JSON member that has a header object.
func FindHeader(path string) (*Sidecar, error) {
	var found *Sidecar
	err := Walk(path, func(m Member) error {
		if sc, ok := parseSidecar(m.Name, m.Data); ok && sc.Header.IsObject() {
			found = sc
			return ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNoHeader
	}
	return found, nil
}

// ZipSidecar reads the JSON document stored in a zip archive comment.
func ZipSidecar(path string) (*Sidecar, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: opening zip", path)
	}
	defer r.Close()
	sc, ok := parseSidecar("", []byte(r.Comment))
	if !ok {
		return nil, errors.Wrap(ErrNoSidecar, "zip comment")
	}
	return sc, nil
}

// Timestamp decodes a JSON timestamp: {"$date": ms}, a number of ms since
// the epoch, or an RFC3339 string. Naive "YYYY-mm-ddTHH:MM:SS" strings are
// read as UTC.
func Timestamp(r gjson.Result) (time.Time, error) {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return time.Time{}, nil
	case r.IsObject():
		ms := r.Get("$date")
		if !ms.Exists() {
			return time.Time{}, errors.Errorf("timestamp object without $date: %s", r.Raw)
		}
		if ms.Type == gjson.String {
			return parseTimeString(ms.String())
		}
		return time.UnixMilli(ms.Int()).UTC(), nil
	case r.Type == gjson.Number:
		return time.UnixMilli(r.Int()).UTC(), nil
	case r.Type == gjson.String:
		return parseTimeString(r.String())
	}
	return time.Time{}, errors.Errorf("cannot decode timestamp %s", r.Raw)
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, errors.Errorf("cannot parse timestamp %q", s)
}
