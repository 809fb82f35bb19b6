package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
)

// entry is one archive member, format-independent. open is only valid while
// the walk callback runs.
type entry struct {
	name string
	dir  bool
	mode fs.FileMode
	open func() (io.ReadCloser, error)
}

type walker func(fn func(entry) error) error

func walkerFor(archivePath string) (walker, error) {
	// Fast-path by extension.
	if strings.HasSuffix(archivePath, ".tar.gz") || strings.HasSuffix(archivePath, ".tgz") {
		return tarGzWalker(archivePath), nil
	}
	if strings.HasSuffix(archivePath, ".zip") {
		return zipWalker(archivePath), nil
	}
	// Fallback: detect by magic header; download URLs do not always carry a
	// meaningful extension.
	if isZipFile(archivePath) {
		return zipWalker(archivePath), nil
	}
	if isGzipFile(archivePath) {
		return tarGzWalker(archivePath), nil
	}
	return nil, ErrUnsupportedFormat
}

func isZipFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return false
	}
	// ZIP local file header signature: 0x50 0x4B 0x03 0x04
	return hdr[0] == 0x50 && hdr[1] == 0x4B && hdr[2] == 0x03 && hdr[3] == 0x04
}

func isGzipFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return false
	}
	// GZIP ID1 ID2: 0x1F 0x8B
	return hdr[0] == 0x1F && hdr[1] == 0x8B
}

func tarGzWalker(archivePath string) walker {
	return func(fn func(entry) error) error {
		f, err := os.Open(archivePath)
		if err != nil {
			return err
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			switch hdr.Typeflag {
			case tar.TypeDir:
				if err := fn(entry{name: hdr.Name, dir: true, mode: fs.FileMode(hdr.Mode)}); err != nil {
					return err
				}
			case tar.TypeReg:
				e := entry{
					name: hdr.Name,
					mode: fs.FileMode(hdr.Mode),
					open: func() (io.ReadCloser, error) { return io.NopCloser(tr), nil },
				}
				if err := fn(e); err != nil {
					return err
				}
			default:
				// Symlinks and special files are not part of service bundles.
			}
		}
	}
}

func zipWalker(archivePath string) walker {
	return func(fn func(entry) error) error {
		r, err := zip.OpenReader(archivePath)
		if err != nil {
			return err
		}
		defer r.Close()
		for _, zf := range r.File {
			if zf.FileInfo().IsDir() {
				if err := fn(entry{name: zf.Name, dir: true, mode: zf.Mode()}); err != nil {
					return err
				}
				continue
			}
			zf := zf
			e := entry{
				name: zf.Name,
				mode: zf.Mode(),
				open: func() (io.ReadCloser, error) { return zf.Open() },
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}
}
