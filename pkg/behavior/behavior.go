// Package behavior reserves the filetype for stimulus presentation output
// (E-Prime, PsychoPy, Matlab logs). No format is parsed yet.
package behavior

import (
	"github.com/pkg/errors"

	"nimsdata/internal/models"
)

// Filetype is the name this reader is registered under.
const Filetype = "behavior"

// Parse always fails with models.ErrNotImplemented.
func Parse(filepath string, opts models.ReadOptions) (*models.Dataset, error) {
	return nil, errors.Wrapf(models.ErrNotImplemented, "%s: behavior reader", filepath)
}
