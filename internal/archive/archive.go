// Package archive extracts downloaded service bundles into the canonical
// on-disk layout. Upstream packaging has varied between releases: some
// archives carry the compose descriptor at their root, others wrap the whole
// bundle in a single top-level directory. Extract accepts both and produces
// the same canonical result either way.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/quayside/stackpilot/internal/layout"
)

var (
	// ErrMissingMarker means the archive contains no compose descriptor in
	// either accepted layout and is considered corrupt.
	ErrMissingMarker = errors.New("archive: compose descriptor not found")

	// ErrUnsupportedFormat means the file is neither tar.gz nor zip.
	ErrUnsupportedFormat = errors.New("archive: unsupported archive format")
)

// Extract unpacks the bundle at archivePath into the canonical layout under
// targetRoot and returns that layout.
//
// Merge policy: persistent directories (data, app) are never deleted and
// files already present under them are kept as-is; everything else
// (configuration, binaries, the descriptor itself) is overwritten.
func Extract(archivePath, targetRoot string) (layout.Layout, error) {
	walk, err := walkerFor(archivePath)
	if err != nil {
		return layout.Layout{}, err
	}

	var names []string
	if err := walk(func(e entry) error {
		if !e.dir {
			names = append(names, path.Clean(filepath.ToSlash(e.name)))
		}
		return nil
	}); err != nil {
		return layout.Layout{}, fmt.Errorf("archive: scan %s: %w", archivePath, err)
	}

	prefix, err := bundlePrefix(names)
	if err != nil {
		return layout.Layout{}, err
	}

	lay := layout.New(targetRoot)
	if err := os.MkdirAll(lay.ServiceRoot(), 0o755); err != nil {
		return layout.Layout{}, err
	}

	err = walk(func(e entry) error {
		rel, ok := relName(e.name, prefix)
		if !ok {
			return nil
		}
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("archive: illegal entry path %q", e.name)
		}
		dest := filepath.Join(lay.ServiceRoot(), filepath.FromSlash(rel))
		if e.dir {
			return os.MkdirAll(dest, dirMode(e.mode))
		}
		if underPersistent(lay, dest) && exists(dest) {
			// Persistent state wins over bundle content.
			return nil
		}
		return writeEntry(e, dest)
	})
	if err != nil {
		return layout.Layout{}, fmt.Errorf("archive: extract %s: %w", archivePath, err)
	}
	return lay, nil
}

// bundlePrefix locates the compose descriptor among the archive's file names
// and returns the top-level prefix to strip: "" for a flat archive, "<dir>/"
// when the bundle is wrapped one level deep.
func bundlePrefix(names []string) (string, error) {
	for _, n := range names {
		if n == layout.Marker {
			return "", nil
		}
	}
	for _, n := range names {
		if path.Base(n) == layout.Marker && strings.Count(n, "/") == 1 {
			return n[:len(n)-len(layout.Marker)], nil
		}
	}
	return "", ErrMissingMarker
}

// relName maps an archive entry name to its path relative to the bundle
// root, or reports false for entries outside the bundle.
func relName(name, prefix string) (string, bool) {
	n := path.Clean(filepath.ToSlash(name))
	if n == "." || n == "/" {
		return "", false
	}
	if prefix == "" {
		return n, true
	}
	if n == strings.TrimSuffix(prefix, "/") {
		return "", false
	}
	if !strings.HasPrefix(n, prefix) {
		return "", false
	}
	return n[len(prefix):], true
}

func underPersistent(lay layout.Layout, dest string) bool {
	for _, d := range lay.PersistentDirs() {
		if dest == d || strings.HasPrefix(dest, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func writeEntry(e entry, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := e.open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode(e.mode))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileMode(m fs.FileMode) fs.FileMode {
	if perm := m.Perm(); perm != 0 {
		return perm
	}
	return 0o644
}

func dirMode(m fs.FileMode) fs.FileMode {
	if perm := m.Perm(); perm != 0 {
		return perm
	}
	return 0o755
}
