package images

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	refs      []string            // daemon state
	loadRefs  map[string][]string // keyed by bundle content marker
	loads     int
	tags      map[string]string // source -> target
	loadedRaw []byte
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{tags: map[string]string{}, loadRefs: map[string][]string{}}
}

func (f *fakeRuntime) LoadArchive(ctx context.Context, r io.Reader) ([]string, error) {
	f.loads++
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.loadedRaw = b
	// The daemon accepts gzipped save archives as-is.
	var tarBytes io.Reader = bytes.NewReader(b)
	if len(b) > 2 && b[0] == 0x1f && b[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		tarBytes = gz
	}
	refs, err := repoTagsFromTar(tarBytes)
	if err != nil {
		return nil, err
	}
	f.refs = append(f.refs, refs...)
	return refs, nil
}

func (f *fakeRuntime) TagImage(ctx context.Context, source, target string) error {
	f.tags[source] = target
	f.refs = append(f.refs, target)
	return nil
}

func (f *fakeRuntime) ListImageRefs(ctx context.Context) ([]string, error) {
	return f.refs, nil
}

func repoTagsFromTar(r io.Reader) ([]string, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return nil, err
		}
		if hdr.Name == "manifest.json" {
			var m []struct {
				RepoTags []string `json:"RepoTags"`
			}
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return nil, err
			}
			var refs []string
			for _, e := range m {
				refs = append(refs, e.RepoTags...)
			}
			return refs, nil
		}
	}
}

func writeBundle(t *testing.T, path string, repoTags ...string) {
	t.Helper()
	manifest, err := json.Marshal([]map[string]any{{"RepoTags": repoTags}})
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "manifest.json", Mode: 0o644, Size: int64(len(manifest)), Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write(manifest)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	data := buf.Bytes()
	if filepath.Ext(path) == ".gz" {
		var gzBuf bytes.Buffer
		gz := gzip.NewWriter(&gzBuf)
		_, err = gz.Write(data)
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		data = gzBuf.Bytes()
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestArchFromGOARCH(t *testing.T) {
	a, err := archFromGOARCH("amd64")
	require.NoError(t, err)
	assert.Equal(t, ArchAMD64, a)

	a, err = archFromGOARCH("arm64")
	require.NoError(t, err)
	assert.Equal(t, ArchARM64, a)

	_, err = archFromGOARCH("riscv64")
	assert.ErrorIs(t, err, ErrUnsupportedArch, "no architecture substitution is attempted")
}

func TestRewriteRef(t *testing.T) {
	cases := []struct {
		ref      string
		want     string
		suffixed bool
	}{
		{"web:1.2.0-amd64", "web:1.2.0", true},
		{"registry.example.com:5000/web:1.2.0-amd64", "registry.example.com:5000/web:1.2.0", true},
		{"web:1.2.0", "web:1.2.0", false},
		{"web:1.2.0-arm64", "web:1.2.0-arm64", false}, // wrong arch, leave alone
		{"registry.example.com:5000/web", "registry.example.com:5000/web", false},
	}
	for _, tc := range cases {
		got, suffixed := rewriteRef(tc.ref, ArchAMD64)
		assert.Equal(t, tc.want, got, tc.ref)
		assert.Equal(t, tc.suffixed, suffixed, tc.ref)
	}
}

func TestLoadMatchesOnlyHostArch(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, filepath.Join(dir, "web-amd64.tar"), "web:1.2.0-amd64")
	writeBundle(t, filepath.Join(dir, "web-arm64.tar"), "web:1.2.0-arm64")
	writeBundle(t, filepath.Join(dir, "worker-amd64.tar.gz"), "worker:1.2.0-amd64")

	rt := newFakeRuntime()
	loaded, err := Load(context.Background(), rt, dir, ArchAMD64)
	require.NoError(t, err)

	require.Len(t, loaded, 2)
	assert.Equal(t, 2, rt.loads, "arm64 bundle must not be touched")
	assert.Equal(t, "web:1.2.0", rt.tags["web:1.2.0-amd64"])
	assert.Equal(t, "worker:1.2.0", rt.tags["worker:1.2.0-amd64"])
}

func TestLoadGzippedBundlePassedThrough(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, filepath.Join(dir, "web-amd64.tar.gz"), "web:1.0.0-amd64")

	rt := newFakeRuntime()
	loaded, err := Load(context.Background(), rt, dir, ArchAMD64)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.True(t, len(rt.loadedRaw) > 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, rt.loadedRaw[:2], "bundle streamed compressed")
}

func TestLoadNoMatchingImages(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, filepath.Join(dir, "web-arm64.tar"), "web:1.0.0-arm64")

	_, err := Load(context.Background(), newFakeRuntime(), dir, ArchAMD64)
	assert.ErrorIs(t, err, ErrNoMatchingImages)

	_, err = Load(context.Background(), newFakeRuntime(), filepath.Join(dir, "missing"), ArchAMD64)
	assert.ErrorIs(t, err, ErrNoMatchingImages)
}

func TestLoadIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, filepath.Join(dir, "web-amd64.tar"), "web:1.2.0-amd64")

	rt := newFakeRuntime()
	first, err := Load(context.Background(), rt, dir, ArchAMD64)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].Skipped)

	second, err := Load(context.Background(), rt, dir, ArchAMD64)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].Skipped)
	assert.Equal(t, 1, rt.loads, "second run must not reload the bundle")
}

func TestBundleRepoTagsPeek(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "web-amd64.tar.gz")
	writeBundle(t, p, "web:2.0.0-amd64", "web:latest-amd64")

	refs, err := bundleRepoTags(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"web:2.0.0-amd64", "web:latest-amd64"}, refs)
}
