// Package nimsdata identifies raw imaging inputs, parses them with the
// reader registered for their filetype and writes the result with a
// registered writer.
//
// An input is normally a tgz archive holding the raw files plus a JSON
// sidecar such as
//
//	{"filetype": "dicom", "timezone": "America/Los_Angeles",
//	 "overwrite": {"subj_code": "ab12"}}
//
// The sidecar names the reader, the scanner timezone and attribute values
// that replace what the reader parsed. Bare GE P-files (*.7, *.7.gz) are
// accepted without a sidecar.
package nimsdata

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"nimsdata/internal/models"
	"nimsdata/pkg/archive"
	"nimsdata/pkg/medimg"
	"nimsdata/pkg/pfile"
)

// Parse builds a dataset from the file at path.
//
//	ignore_json  filetype  behavior
//	false        ""        read the sidecar, use its filetype (default)
//	false        "dicom"   read the sidecar if present, use dicom
//	true         ""        ErrFiletypeRequired
//	true         "dicom"   skip the sidecar, use dicom
func Parse(path string, opts ...ParseOption) (*models.Dataset, error) {
	c := &parseConfig{}
	for _, opt := range opts {
		opt(c)
	}
	log.Debugf("parse start: %s", path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrDirectoryInput, "%s", path)
	}
	if c.ignoreJSON && c.filetype == "" {
		return nil, errors.Wrap(ErrFiletypeRequired, "ignore_json requires a filetype")
	}

	filetype := c.filetype
	var sc *archive.Sidecar
	if !c.ignoreJSON {
		if sc, filetype, err = identify(path, filetype); err != nil {
			return nil, err
		}
	}

	var timezone string
	if sc != nil {
		if filetype == "" {
			filetype = sc.Filetype
		}
		timezone = sc.Timezone
	}
	if filetype == "" {
		return nil, errors.Wrapf(ErrNoSidecar, "%s: sidecar does not name a filetype", path)
	}

	reader, err := ReaderFor(filetype)
	if err != nil {
		return nil, err
	}
	ds, err := reader(path, models.ReadOptions{
		LoadData: c.loadData,
		Timezone: timezone,
		Kwargs:   c.kwargs,
		Config:   c.conf,
	})
	if err != nil {
		return nil, err
	}
	if ds.FailureReason != nil {
		if c.debug {
			return nil, ds.FailureReason
		}
		log.WithError(ds.FailureReason).Warn("parse error")
	}

	if sc != nil {
		if err := overwrite(ds, sc.Overwrite, c.debug); err != nil {
			return nil, err
		}
	}
	log.Debugf("parse end: %s", path)
	return ds, nil
}

// identify reads the sidecar of a tar or zip archive. A missing sidecar is
// tolerated when the filetype is already known. Bare P-files need none.
func identify(path, filetype string) (*archive.Sidecar, string, error) {
	var sc *archive.Sidecar
	var err error
	switch {
	case archive.IsTar(path):
		sc, err = archive.FindSidecar(path)
	case archive.IsZip(path):
		sc, err = archive.ZipSidecar(path)
	case strings.HasSuffix(path, ".7") || strings.HasSuffix(path, ".7.gz"):
		return nil, pfile.Filetype, nil
	default:
		return nil, "", errors.Wrapf(ErrUnsupportedInput, "%s", path)
	}
	if err != nil {
		if errors.Is(err, archive.ErrNoSidecar) && filetype != "" {
			log.Debugf("%s: no sidecar, using %s", path, filetype)
			return nil, filetype, nil
		}
		return nil, "", errors.Wrapf(err, "%s", path)
	}
	return sc, filetype, nil
}

// overwrite applies the sidecar's attribute replacements in key order. A
// key that cannot be applied is logged and skipped, or returned with debug.
func overwrite(ds *models.Dataset, values map[string]interface{}, debug bool) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ds.SetField(k, values[k]); err != nil {
			if debug {
				return errors.Wrap(err, "sidecar overwrite")
			}
			log.WithError(err).WithField("attribute", k).Warn("sidecar overwrite skipped")
			continue
		}
		log.WithField("attribute", k).Debug("overwrote attribute from sidecar")
	}
	return nil
}

// Write stores data with the writer registered for filetype, naming files
// from outbase. Writer failures are logged and yield no paths unless
// WithWriteDebug is set.
func Write(ds *models.Dataset, data *models.DataMap, outbase, filetype string, opts ...WriteOption) ([]string, error) {
	c := &writeConfig{}
	for _, opt := range opts {
		opt(c)
	}
	log.Debugf("write start: %s", outbase)
	if filetype == "" {
		return nil, errors.Wrap(ErrFiletypeRequired, "write")
	}
	if ds == nil {
		return nil, ErrNoMetadata
	}
	if data.Len() == 0 {
		return nil, ErrNoData
	}
	if c.voxelOrder != "" {
		if err := medimg.ValidateVoxelOrder(c.voxelOrder); err != nil {
			return nil, err
		}
	}

	writer, err := WriterFor(filetype)
	if err != nil {
		return nil, err
	}
	results, err := writer(ds, data, outbase, models.WriteOptions{
		VoxelOrder: c.voxelOrder,
		Kwargs:     c.kwargs,
		Config:     c.conf,
	})
	if err != nil {
		if c.debug {
			return nil, err
		}
		log.WithError(err).Warnf("%s could not be written to %s", ds.Filepath, filetype)
		return nil, nil
	}
	log.WithField("files", results).Debug("generated")
	return results, nil
}
