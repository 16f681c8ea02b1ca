// Package gephysio identifies GE scanner physio recordings (respiration and
// ECG traces) uploaded as a tgz with a JSON header.
package gephysio

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"nimsdata/internal/models"
	"nimsdata/pkg/archive"
)

// Filetype is the name this reader is registered under.
const Filetype = "gephysio"

// ErrNoHeader is returned when no JSON member of the tgz has a header.
var ErrNoHeader = errors.New("no header found")

// Kinds are the traces a physio upload carries.
var Kinds = []string{"resp", "ecg"}

// Parse reads the uploader's header. Physio traces are identified only, so
// LoadData records models.ErrNotImplemented.
func Parse(filepath string, opts models.ReadOptions) (*models.Dataset, error) {
	sc, err := archive.FindHeader(filepath)
	if errors.Is(err, archive.ErrNoHeader) {
		return nil, errors.Wrapf(ErrNoHeader, "%s", filepath)
	}
	if err != nil {
		return nil, err
	}

	ds := models.NewDataset(filepath, Filetype, "mr")
	ds.Timezone = opts.Timezone
	hdr := sc.Header
	ds.GroupName = hdr.Get("group").String()
	ds.ProjectName = first(hdr, "project", "experiment")
	ds.ExamUID = hdr.Get("session").String()
	ds.AcquisitionID = first(hdr, "acquisition", "epoch")
	if ds.Timestamp, err = archive.Timestamp(hdr.Get("timestamp")); err != nil {
		return nil, errors.Wrapf(err, "%s", filepath)
	}

	if names, err := archive.Names(filepath); err == nil {
		log.WithFields(log.Fields{
			"acquisition": ds.AcquisitionID,
			"traces":      countTraces(names),
		}).Debug("parsed physio header")
	}

	ds.SetLoader(models.LoaderFunc(func(ds *models.Dataset) error {
		return errors.Wrap(models.ErrNotImplemented, "gephysio load data")
	}))
	if opts.LoadData {
		if err := ds.LoadData(); err != nil {
			log.WithError(err).Warn("physio data not loaded")
		}
	}
	return ds, nil
}

// first returns the first of keys present in hdr. Older uploads used
// experiment and epoch for project and acquisition.
func first(hdr gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := hdr.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func countTraces(names []string) int {
	n := 0
	for _, name := range names {
		base := strings.ToLower(name[strings.LastIndex(name, "/")+1:])
		for _, kind := range []string{"resp", "ecg", "ppg"} {
			if strings.HasPrefix(base, kind) {
				n++
				break
			}
		}
	}
	return n
}
