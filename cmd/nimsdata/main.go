// Command nimsdata converts a raw scanner export into NIfTI, PNG or montage
// files.
//
//	nimsdata -p dicom -w nifti dicoms.tgz out --voxel_order LPS
//	nimsdata list
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nimsdata/internal/models"
	"nimsdata/pkg/config"
	"nimsdata/pkg/medimg"
	"nimsdata/pkg/nimsdata"
	"nimsdata/pkg/visualization"
)

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the conversion completed.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid command line arguments.
	ExitInvalidArgs = 2

	// ExitNotFound indicates the input does not exist.
	ExitNotFound = 3

	// ExitUnsupported indicates the input or a filetype has no handler.
	ExitUnsupported = 4

	// ExitNoData indicates the input parsed but yielded nothing to write.
	ExitNoData = 5
)

var errInvalidArgs = errors.New("invalid arguments")

type options struct {
	parser       string
	writer       string
	ignoreJSON   bool
	verbose      bool
	voxelOrder   string
	configPath   string
	parserKwargs []string
	writerKwargs []string
	slicesDir    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFromError(err))
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "nimsdata <input> [<outbase>]",
		Short: "Convert scanner exports",
		Long: "Parse a tgz of raw scanner files (or a bare GE P-file) with the reader named\n" +
			"by its JSON sidecar or -p, and write it with the writer named by -w.",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.RangeArgs(1, 2)(cmd, args); err != nil {
				return errors.Wrap(errInvalidArgs, err.Error())
			}
			return nil
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(o.verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Wrap(errInvalidArgs, err.Error())
	})

	f := cmd.Flags()
	f.StringVarP(&o.parser, "parser", "p", "", "parser to use ("+strings.Join(nimsdata.Readers(), ", ")+")")
	f.StringVarP(&o.writer, "writer", "w", "", "writer to use ("+strings.Join(nimsdata.Writers(), ", ")+")")
	f.BoolVarP(&o.ignoreJSON, "ignore_json", "i", false, "do not use json metadata in output metadata")
	f.StringVar(&o.voxelOrder, "voxel_order", "", "three letter voxel order of the output, e.g. LPS")
	f.StringVar(&o.configPath, "config", "", "YAML configuration file")
	f.StringArrayVar(&o.parserKwargs, "parser_kwarg", nil, "key=value passed directly to the parser")
	f.StringArrayVar(&o.writerKwargs, "writer_kwarg", nil, "key=value passed directly to the writer")
	f.StringVar(&o.slicesDir, "extract-slices", "", "also save the primary volume's x, y and z slices under this directory")
	cmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "enable verbose logging")

	cmd.AddCommand(listCmd())
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered readers and writers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "readers: %s\n", strings.Join(nimsdata.Readers(), " "))
			fmt.Fprintf(out, "writers: %s\n", strings.Join(nimsdata.Writers(), " "))
			return nil
		},
	}
}

func setupLogging(verbose bool) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

func run(cmd *cobra.Command, o *options, args []string) error {
	if err := o.validate(); err != nil {
		return err
	}
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if cfg.Output.Verbose {
		setupLogging(true)
	}

	input := args[0]
	outbase := defaultOutbase(input)
	if len(args) > 1 {
		outbase = args[1]
	}
	pKwargs, err := models.ParseKwargs(o.parserKwargs)
	if err != nil {
		return errors.Wrap(errInvalidArgs, err.Error())
	}
	wKwargs, err := models.ParseKwargs(o.writerKwargs)
	if err != nil {
		return errors.Wrap(errInvalidArgs, err.Error())
	}
	log.WithFields(log.Fields{"parser_kwargs": pKwargs, "writer_kwargs": wKwargs}).Debug("options")

	ds, err := nimsdata.Parse(input,
		nimsdata.WithFiletype(o.parser),
		nimsdata.WithLoadData(true),
		nimsdata.WithIgnoreJSON(o.ignoreJSON),
		nimsdata.WithKwargs(pKwargs),
		nimsdata.WithConfig(cfg),
	)
	if err != nil {
		return err
	}
	if ds == nil {
		return errors.Wrapf(nimsdata.ErrNoMetadata, "%s could not be parsed", input)
	}
	if ds.Data.Len() == 0 {
		return errors.Wrapf(nimsdata.ErrNoData, "%s has no data", input)
	}

	if o.slicesDir != "" {
		if err := extractSlices(ds, o.slicesDir); err != nil {
			log.WithError(err).Warn("failed to save slices")
		}
	}

	paths, err := nimsdata.Write(ds, ds.Data, outbase, o.writer,
		nimsdata.WithVoxelOrder(o.voxelOrder),
		nimsdata.WithWriterKwargs(wKwargs),
		nimsdata.WithWriteConfig(cfg),
		nimsdata.WithWriteDebug(true),
	)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func (o *options) validate() error {
	if o.writer == "" {
		return errors.Wrap(errInvalidArgs, "a writer (-w) is required")
	}
	if _, err := nimsdata.WriterFor(o.writer); err != nil {
		return errors.Wrap(errInvalidArgs, err.Error())
	}
	if o.parser != "" {
		if _, err := nimsdata.ReaderFor(o.parser); err != nil {
			return errors.Wrap(errInvalidArgs, err.Error())
		}
	}
	if o.ignoreJSON && o.parser == "" {
		return errors.Wrap(errInvalidArgs, "-i requires a parser (-p)")
	}
	if o.voxelOrder != "" {
		if err := medimg.ValidateVoxelOrder(o.voxelOrder); err != nil {
			return errors.Wrap(errInvalidArgs, err.Error())
		}
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, errors.Wrapf(errInvalidArgs, "config %s: %v", path, err)
	}
	return cfg, nil
}

// defaultOutbase is the input's file name without its last extension.
func defaultOutbase(input string) string {
	base := filepath.Base(strings.TrimRight(input, "/"))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// extractSlices saves the primary volume's planes along every axis.
func extractSlices(ds *models.Dataset, dir string) error {
	vol, ok := ds.Data.Get(models.PrimaryLabel)
	if !ok || vol == nil {
		return errors.New("no primary volume")
	}
	viewer := visualization.NewViewer(vol)
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(dir, axis)
		paths, err := viewer.SaveSliceSequence(axis, axisDir)
		if err != nil {
			return errors.Wrapf(err, "%s axis", axis)
		}
		log.Infof("saved %d %s-axis slices to %s", len(paths), axis, axisDir)
	}
	return nil
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}
	log.Error(err)

	switch {
	case errors.Is(err, errInvalidArgs),
		errors.Is(err, nimsdata.ErrFiletypeRequired),
		errors.Is(err, medimg.ErrVoxelOrder):
		return ExitInvalidArgs
	case errors.Is(err, nimsdata.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, nimsdata.ErrUnsupportedInput),
		errors.Is(err, nimsdata.ErrDirectoryInput),
		errors.Is(err, nimsdata.ErrNoHandler),
		errors.Is(err, nimsdata.ErrNoSidecar),
		errors.Is(err, nimsdata.ErrNotImplemented):
		return ExitUnsupported
	case errors.Is(err, nimsdata.ErrNoData),
		errors.Is(err, nimsdata.ErrNoMetadata):
		return ExitNoData
	default:
		return ExitGeneralError
	}
}
