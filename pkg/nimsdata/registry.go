package nimsdata

import (
	"sort"

	"github.com/pkg/errors"

	"nimsdata/internal/models"
	"nimsdata/pkg/behavior"
	"nimsdata/pkg/dicom"
	"nimsdata/pkg/gephysio"
	"nimsdata/pkg/montage"
	"nimsdata/pkg/nifti"
	"nimsdata/pkg/pfile"
	"nimsdata/pkg/png"
)

// READERS maps a filetype to the function that parses it.
var READERS = map[string]models.ReaderFunc{
	dicom.Filetype:    dicom.Parse,
	pfile.Filetype:    pfile.Parse,
	nifti.Filetype:    nifti.Parse,
	gephysio.Filetype: gephysio.Parse,
	behavior.Filetype: behavior.Parse,
}

// WRITERS maps a filetype to the function that writes it.
var WRITERS = map[string]models.WriterFunc{
	nifti.Filetype:   nifti.Write,
	png.Filetype:     png.Write,
	montage.Filetype: montage.Write,
}

// ReaderFor returns the reader registered for filetype.
func ReaderFor(filetype string) (models.ReaderFunc, error) {
	r, ok := READERS[filetype]
	if !ok {
		return nil, errors.Wrapf(ErrNoHandler, "%q", filetype)
	}
	return r, nil
}

// WriterFor returns the writer registered for filetype.
func WriterFor(filetype string) (models.WriterFunc, error) {
	w, ok := WRITERS[filetype]
	if !ok {
		return nil, errors.Wrapf(ErrNoHandler, "%q", filetype)
	}
	return w, nil
}

// Readers lists the reader filetypes in sorted order.
func Readers() []string { return sortedKeys(READERS) }

// Writers lists the writer filetypes in sorted order.
func Writers() []string { return sortedKeys(WRITERS) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
