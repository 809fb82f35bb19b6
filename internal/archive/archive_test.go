package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stackpilot/internal/layout"
)

func writeTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// treeOf flattens a directory into relative-path -> content.
func treeOf(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

var bundleFiles = map[string]string{
	"docker-compose.yml": "services: {web: {image: web:1.0}}",
	"config/app.toml":    "port = 8080",
	"images/web-amd64.tar": "fake-image",
}

func nested(prefix string, files map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range files {
		out[prefix+"/"+k] = v
	}
	return out
}

func TestExtractFlatAndNestedProduceIdenticalLayouts(t *testing.T) {
	dir := t.TempDir()
	flat := filepath.Join(dir, "flat.tar.gz")
	wrapped := filepath.Join(dir, "wrapped.tar.gz")
	writeTarGz(t, flat, bundleFiles)
	writeTarGz(t, wrapped, nested("service", bundleFiles))

	rootA, rootB := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	layA, err := Extract(flat, rootA)
	require.NoError(t, err)
	layB, err := Extract(wrapped, rootB)
	require.NoError(t, err)

	assert.FileExists(t, layA.ComposeFile())
	assert.FileExists(t, layB.ComposeFile())
	assert.Equal(t, treeOf(t, rootA), treeOf(t, rootB))
}

func TestExtractNormalizesForeignWrapperDir(t *testing.T) {
	// Some releases wrapped the bundle in a versioned directory name.
	dir := t.TempDir()
	p := filepath.Join(dir, "bundle.tar.gz")
	writeTarGz(t, p, nested("myapp-1.2.0", bundleFiles))

	lay, err := Extract(p, filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.FileExists(t, lay.ComposeFile())
	assert.FileExists(t, filepath.Join(lay.ConfigPath(), "app.toml"))
	assert.NoDirExists(t, filepath.Join(dir, "out", "service", "myapp-1.2.0"))
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bundle.zip")
	writeZip(t, p, bundleFiles)

	lay, err := Extract(p, filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.FileExists(t, lay.ComposeFile())
}

func TestExtractSniffsFormatWithoutExtension(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "download-artifact")
	writeZip(t, p, bundleFiles)

	lay, err := Extract(p, filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.FileExists(t, lay.ComposeFile())
}

func TestExtractMissingMarker(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.tar.gz")
	writeTarGz(t, p, map[string]string{"readme.txt": "not a bundle"})

	_, err := Extract(p, filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, ErrMissingMarker)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bundle.bin")
	require.NoError(t, os.WriteFile(p, []byte("plain text"), 0o644))

	_, err := Extract(p, filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractKeepsPersistentStateOverwritesConfig(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "deploy")
	lay := layout.New(root)
	require.NoError(t, lay.EnsureDirs())
	require.NoError(t, os.WriteFile(filepath.Join(lay.DataPath(), "state.db"), []byte("live data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(lay.ConfigPath(), "app.toml"), []byte("old config"), 0o644))

	files := map[string]string{
		"docker-compose.yml": "services: {}",
		"data/state.db":      "shipped seed data",
		"data/seed.sql":      "insert ...",
		"config/app.toml":    "new config",
	}
	p := filepath.Join(dir, "upgrade.tar.gz")
	writeTarGz(t, p, files)

	_, err := Extract(p, root)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(lay.DataPath(), "state.db"))
	require.NoError(t, err)
	assert.Equal(t, "live data", string(got), "existing persistent files are kept")

	got, err = os.ReadFile(filepath.Join(lay.DataPath(), "seed.sql"))
	require.NoError(t, err)
	assert.Equal(t, "insert ...", string(got), "new persistent files are added")

	got, err = os.ReadFile(filepath.Join(lay.ConfigPath(), "app.toml"))
	require.NoError(t, err)
	assert.Equal(t, "new config", string(got), "config is replaceable")
}

func TestExtractIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bundle.tar.gz")
	writeTarGz(t, p, bundleFiles)
	root := filepath.Join(dir, "out")

	_, err := Extract(p, root)
	require.NoError(t, err)
	first := treeOf(t, root)

	_, err = Extract(p, root)
	require.NoError(t, err)
	assert.Equal(t, first, treeOf(t, root))
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, p, map[string]string{
		"docker-compose.yml": "services: {}",
		"../escape.txt":      "outside",
	})

	_, err := Extract(p, filepath.Join(dir, "out"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}
