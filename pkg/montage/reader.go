package montage

import (
	"archive/zip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"nimsdata/pkg/archive"
)

func openZip(montageZip string) (*zip.ReadCloser, error) {
	if !archive.IsZip(montageZip) {
		return nil, errors.Wrapf(ErrMontage, "%s: bad zip file", montageZip)
	}
	zr, err := zip.OpenReader(montageZip)
	if err != nil {
		return nil, errors.Wrapf(ErrMontage, "%s: bad zip file: %v", montageZip, err)
	}
	return zr, nil
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", f.Name)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// GetTile returns the JPEG tile at zoom level z, column x and row y.
func GetTile(montageZip string, z, x, y int) ([]byte, error) {
	zr, err := openZip(montageZip)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	suffix := fmt.Sprintf("z%03d/x%03d_y%03d.jpg", z, x, y)
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, suffix) {
			return readMember(f)
		}
	}
	return nil, errors.Wrapf(ErrMontage, "%s: tile %s does not exist", montageZip, suffix)
}

// GetInfo reads the tile size and the (columns, rows) tile count of every
// zoom level from the first member of a montage zip.
func GetInfo(montageZip string) (int, map[int][2]int, error) {
	zr, err := openZip(montageZip)
	if err != nil {
		return 0, nil, err
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		return 0, nil, errors.Wrapf(ErrMontage, "%s: empty archive", montageZip)
	}
	raw, err := readMember(zr.File[0])
	if err != nil {
		return 0, nil, err
	}
	if !gjson.ValidBytes(raw) {
		return 0, nil, errors.Wrapf(ErrMontage, "%s: tileinfo.json could not be found", montageZip)
	}

	info := gjson.ParseBytes(raw)
	levels := map[int][2]int{}
	info.Get("zoom_levels").ForEach(func(key, value gjson.Result) bool {
		level, perr := strconv.Atoi(key.String())
		if perr != nil {
			err = errors.Wrapf(ErrMontage, "%s: zoom level %q", montageZip, key.String())
			return false
		}
		levels[level] = [2]int{int(value.Get("0").Int()), int(value.Get("1").Int())}
		return true
	})
	if err != nil {
		return 0, nil, err
	}
	return int(info.Get("tile_size").Int()), levels, nil
}
