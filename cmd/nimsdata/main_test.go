package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimsdata/internal/models"
	"nimsdata/pkg/nifti"
	"nimsdata/pkg/nimsdata"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func niftiInput(t *testing.T) string {
	t.Helper()
	vol := models.NewVolume(models.Int16, 3, 3, 2)
	for i := range vol.Data {
		vol.Data[i] = float64(i + 1)
	}
	paths, err := nifti.Write(models.NewDataset("in", "dicom", "mr"), models.Primary(vol),
		filepath.Join(t.TempDir(), "scan"), models.WriteOptions{})
	require.NoError(t, err)
	return paths[0]
}

func TestList(t *testing.T) {
	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "readers: behavior dicom gephysio nifti pfile")
	assert.Contains(t, out, "writers: montage nifti png")
}

func TestConvert(t *testing.T) {
	input := niftiInput(t)
	outbase := filepath.Join(t.TempDir(), "converted")
	slices := filepath.Join(t.TempDir(), "slices")

	out, err := execute(t, "-i", "-p", "nifti", "-w", "png", input, outbase, "--extract-slices", slices)
	require.NoError(t, err)
	assert.Equal(t, []string{outbase + "_1.png", outbase + "_2.png"}, strings.Fields(out))

	entries, err := os.ReadDir(filepath.Join(slices, "x"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestConvertWriterKwargs(t *testing.T) {
	input := niftiInput(t)
	outbase := filepath.Join(t.TempDir(), "montage")
	out, err := execute(t, "-i", "-p", "nifti", "-w", "montage", "--writer_kwarg", "mtype=png", input, outbase)
	require.NoError(t, err)
	assert.Equal(t, outbase+".png", strings.TrimSpace(out))
}

func TestArgumentErrors(t *testing.T) {
	input := niftiInput(t)
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no input", []string{"-w", "nifti"}, ExitInvalidArgs},
		{"no writer", []string{input}, ExitInvalidArgs},
		{"unknown writer", []string{"-w", "tiff", input}, ExitInvalidArgs},
		{"unknown parser", []string{"-p", "tiff", "-w", "nifti", input}, ExitInvalidArgs},
		{"ignore json without parser", []string{"-i", "-w", "nifti", input}, ExitInvalidArgs},
		{"bad voxel order", []string{"-w", "nifti", "--voxel_order", "XYZ", input}, ExitInvalidArgs},
		{"bad kwarg", []string{"-i", "-p", "nifti", "-w", "nifti", "--writer_kwarg", "novalue", input}, ExitInvalidArgs},
		{"unknown flag", []string{"--bogus", input}, ExitInvalidArgs},
		{"missing input", []string{"-w", "nifti", filepath.Join(t.TempDir(), "none.tgz")}, ExitNotFound},
		{"unsupported input", []string{"-w", "nifti", input}, ExitUnsupported},
	}
	for _, tt := range tests {
		_, err := execute(t, tt.args...)
		require.Error(t, err, tt.name)
		assert.Equal(t, tt.code, exitCodeFromError(err), tt.name)
	}
}

func TestExitCodeFromError(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCodeFromError(nil))
	assert.Equal(t, ExitGeneralError, exitCodeFromError(errors.New("boom")))
	assert.Equal(t, ExitInvalidArgs, exitCodeFromError(errors.Wrap(nimsdata.ErrFiletypeRequired, "x")))
	assert.Equal(t, ExitUnsupported, exitCodeFromError(errors.Wrap(nimsdata.ErrNoHandler, "x")))
	assert.Equal(t, ExitUnsupported, exitCodeFromError(nimsdata.ErrNotImplemented))
	assert.Equal(t, ExitNoData, exitCodeFromError(errors.Wrap(nimsdata.ErrNoData, "x")))
}

func TestDefaultOutbase(t *testing.T) {
	assert.Equal(t, "dicoms", defaultOutbase("/data/dicoms.tgz"))
	assert.Equal(t, "P12345.7", defaultOutbase("P12345.7.gz"))
	assert.Equal(t, "series", defaultOutbase("in/series/"))
}
