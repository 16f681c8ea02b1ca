package nimsdata

import (
	"nimsdata/internal/models"
	"nimsdata/pkg/config"
)

// ParseOption configures a Parse call.
type ParseOption func(*parseConfig)

// parseConfig holds configuration for a Parse call.
type parseConfig struct {
	// filetype selects the reader; empty means read it from the sidecar
	filetype string

	loadData   bool
	ignoreJSON bool

	// debug returns reader failures instead of logging them
	debug bool

	kwargs models.Kwargs
	conf   *config.Config
}

// WithFiletype names the reader explicitly.
func WithFiletype(filetype string) ParseOption {
	return func(c *parseConfig) { c.filetype = filetype }
}

// WithLoadData loads pixel data while parsing.
func WithLoadData(load bool) ParseOption {
	return func(c *parseConfig) { c.loadData = load }
}

// WithIgnoreJSON skips the sidecar. A filetype must then be given.
func WithIgnoreJSON(ignore bool) ParseOption {
	return func(c *parseConfig) { c.ignoreJSON = ignore }
}

// WithKwargs passes reader specific options.
func WithKwargs(kw models.Kwargs) ParseOption {
	return func(c *parseConfig) { c.kwargs = kw }
}

// WithDebug makes Parse return reader failures that are otherwise only
// logged.
func WithDebug(debug bool) ParseOption {
	return func(c *parseConfig) { c.debug = debug }
}

// WithConfig supplies processing parameters. Defaults are used otherwise.
func WithConfig(cfg *config.Config) ParseOption {
	return func(c *parseConfig) { c.conf = cfg }
}

// WriteOption configures a Write call.
type WriteOption func(*writeConfig)

type writeConfig struct {
	voxelOrder string
	kwargs     models.Kwargs
	debug      bool
	conf       *config.Config
}

// WithVoxelOrder reorders voxels to a three letter order such as "LPS".
func WithVoxelOrder(order string) WriteOption {
	return func(c *writeConfig) { c.voxelOrder = order }
}

// WithWriterKwargs passes writer specific options.
func WithWriterKwargs(kw models.Kwargs) WriteOption {
	return func(c *writeConfig) { c.kwargs = kw }
}

// WithWriteDebug makes Write return writer failures that are otherwise
// only logged.
func WithWriteDebug(debug bool) WriteOption {
	return func(c *writeConfig) { c.debug = debug }
}

// WithWriteConfig supplies writer defaults.
func WithWriteConfig(cfg *config.Config) WriteOption {
	return func(c *writeConfig) { c.conf = cfg }
}
