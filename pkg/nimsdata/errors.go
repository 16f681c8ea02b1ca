package nimsdata

import (
	"github.com/pkg/errors"

	"nimsdata/internal/models"
	"nimsdata/pkg/archive"
)

// Sentinel errors for parsing and writing.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrNotFound indicates the input path does not exist.
	ErrNotFound = errors.New("nimsdata: input path not found")

	// ErrDirectoryInput indicates a directory was given as input.
	ErrDirectoryInput = errors.New("nimsdata: directory input not implemented")

	// ErrUnsupportedInput indicates the input is neither an archive nor a
	// bare P-file.
	ErrUnsupportedInput = errors.New("nimsdata: non-archive input not implemented")

	// ErrFiletypeRequired indicates no filetype was given where one is
	// needed: with ignore_json, and always for writing.
	ErrFiletypeRequired = errors.New("nimsdata: filetype must be specified")

	// ErrNoSidecar indicates the archive carries no JSON naming the filetype.
	ErrNoSidecar = archive.ErrNoSidecar

	// ErrNoHandler indicates no reader or writer is registered for a filetype.
	ErrNoHandler = errors.New("nimsdata: no handler for filetype")

	// ErrNoMetadata indicates Write was called without a dataset.
	ErrNoMetadata = errors.New("nimsdata: no metadata, cannot write")

	// ErrNoData indicates Write was called without pixel data.
	ErrNoData = errors.New("nimsdata: no data, cannot write")

	// ErrNotImplemented indicates a recognized but unsupported filetype.
	ErrNotImplemented = models.ErrNotImplemented
)
