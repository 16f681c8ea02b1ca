// Package archive reads the tgz containers nimsdata consumes: raw acquisition
// files bundled with a JSON sidecar that names their filetype.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrStop ends a Walk early without reporting an error
	ErrStop = errors.New("stop walking archive")

	// ErrTooLarge is returned when buffering an archive would exceed the memory budget
	ErrTooLarge = errors.New("archive too large to buffer")
)

// Member is one regular file of an archive.
type Member struct {
	Name string
	Size int64
	Data []byte
}

// Base is the member's name without directories.
func (m Member) Base() string { return filepath.Base(m.Name) }

// IsGzip reports whether the file starts with the gzip magic number.
func IsGzip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false, nil
	}
	return magic[0] == 0x1f && magic[1] == 0x8b, nil
}

// IsTar reports whether path is a tar archive, compressed or not.
func IsTar(path string) bool {
	rc, tr, err := openTar(path)
	if err != nil {
		return false
	}
	defer rc.Close()
	_, err = tr.Next()
	return err == nil
}

// IsZip reports whether path is a zip archive.
func IsZip(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openTar(path string) (io.Closer, *tar.Reader, error) {
	gz, err := IsGzip(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	closers := multiCloser{f}
	var r io.Reader = bufio.NewReader(f)
	if gz {
		zr, err := gzip.NewReader(r)
		if err != nil {
			f.Close()
			return nil, nil, errors.Wrapf(err, "%s: bad gzip stream", path)
		}
		closers = append(closers, zr)
		r = zr
	}
	return closers, tar.NewReader(r), nil
}

// Walk calls fn for every regular member in archive order. Returning ErrStop
// from fn ends the walk and Walk returns nil.
func Walk(path string, fn func(Member) error) error {
	rc, tr, err := openTar(path)
	if err != nil {
		return err
	}
	defer rc.Close()
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "%s: reading tar", path)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return errors.Wrapf(err, "%s: reading member %s", path, hdr.Name)
		}
		if err := fn(Member{Name: hdr.Name, Size: hdr.Size, Data: data}); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// ReadAll buffers every regular member, skipping byte-identical duplicates.
// The expanded size may not exceed memoryFraction of host memory; a fraction
// of zero disables the check.
func ReadAll(path string, memoryFraction float64) ([]Member, error) {
	var budget uint64
	if total := memory.TotalMemory(); total > 0 && memoryFraction > 0 {
		budget = uint64(memoryFraction * float64(total))
	}
	var (
		members []Member
		used    uint64
		seen    = make(map[uint64]string)
	)
	err := Walk(path, func(m Member) error {
		sum := xxhash.Sum64(m.Data)
		if prev, ok := seen[sum]; ok {
			log.WithFields(log.Fields{"member": m.Name, "duplicate_of": prev}).Debug("skipping duplicate archive member")
			return nil
		}
		seen[sum] = m.Name
		used += uint64(len(m.Data))
		if budget > 0 && used > budget {
			return errors.Wrapf(ErrTooLarge, "%s: more than %d bytes", path, budget)
		}
		members = append(members, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// WriteTgz creates a gzip compressed tar holding members, in order.
func WriteTgz(path string, members []Member) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	for _, m := range members {
		hdr := &tar.Header{Name: m.Name, Mode: 0644, Size: int64(len(m.Data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			f.Close()
			return errors.Wrapf(err, "%s: writing header for %s", path, m.Name)
		}
		if _, err := tw.Write(m.Data); err != nil {
			f.Close()
			return errors.Wrapf(err, "%s: writing %s", path, m.Name)
		}
	}
	if err := tw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Names lists the regular member names, sorted.
func Names(path string) ([]string, error) {
	var names []string
	err := Walk(path, func(m Member) error {
		names = append(names, m.Name)
		return nil
	})
	sort.Strings(names)
	return names, err
}
