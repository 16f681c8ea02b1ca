package models

import "nimsdata/pkg/config"

// ReadOptions are passed from the dispatcher to a reader.
type ReadOptions struct {
	// LoadData asks the reader to load pixel data after parsing the header
	LoadData bool

	// Timezone is the IANA zone the scanner clock runs in, from the sidecar
	Timezone string

	// Kwargs are reader specific options
	Kwargs Kwargs

	// Config carries processing parameters; nil means defaults
	Config *config.Config
}

// Conf returns the configuration, falling back to the defaults.
func (o ReadOptions) Conf() *config.Config {
	if o.Config == nil {
		return config.DefaultConfig()
	}
	return o.Config
}

// WriteOptions are passed from the dispatcher to a writer.
type WriteOptions struct {
	// VoxelOrder is a three letter target order such as "LPS", empty to keep
	VoxelOrder string

	// Kwargs are writer specific options
	Kwargs Kwargs

	// Config carries writer defaults; nil means defaults
	Config *config.Config
}

// Conf returns the configuration, falling back to the defaults.
func (o WriteOptions) Conf() *config.Config {
	if o.Config == nil {
		return config.DefaultConfig()
	}
	return o.Config
}

// ReaderFunc builds a dataset from the file at path.
type ReaderFunc func(path string, opts ReadOptions) (*Dataset, error)

// WriterFunc writes data under outbase and returns the paths it created.
type WriterFunc func(ds *Dataset, data *DataMap, outbase string, opts WriteOptions) ([]string, error)
